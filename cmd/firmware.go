package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/poolheat/controller/internal/ota"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	outDir := fs.String("out", ".", "Directory to write release.key and release.pub into")
	force := fs.Bool("force", false, "Overwrite an existing key pair")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat keygen [options]\n\nGenerate an ECDSA P-256 firmware release key pair.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nSet firmware_public_key to release.pub on the controller. Keep release.key off the device.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	privPath := filepath.Join(*outDir, "release.key")
	pubPath := filepath.Join(*outDir, "release.pub")
	if !*force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				fmt.Fprintf(stderr, "Error: %s already exists (use --force to replace it)\n", p)
				return 1
			}
		}
	}

	privPEM, pubPEM, err := ota.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(*outDir, 0700); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Private key: %s\n", privPath)
	fmt.Fprintf(stdout, "Public key:  %s\n", pubPath)
	return 0
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)

	keyPath := fs.String("key", "", "Release private key (PEM). Without it only the checksum is printed")
	version := fs.String("version", "", "Version string to send with the image")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat sign [options] <image>\n\nPrint the headers for uploading a firmware image.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	headers, size, err := signImage(fs.Arg(0), *keyPath, *version)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stderr, "%s: %s\n", fs.Arg(0), humanize.Bytes(uint64(size)))
	for _, h := range headers {
		fmt.Fprintf(stdout, "%s: %s\n", h[0], h[1])
	}
	return 0
}

// signImage hashes the image and returns the upload headers in send order.
func signImage(imagePath, keyPath, version string) ([][2]string, int64, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, fmt.Errorf("read image: %w", err)
	}
	if size == 0 {
		return nil, 0, errors.New("image is empty")
	}
	digest := h.Sum(nil)

	headers := [][2]string{
		{"Content-Type", "application/octet-stream"},
		{"Content-Length", fmt.Sprintf("%d", size)},
		{"X-Firmware-SHA256", hex.EncodeToString(digest)},
	}

	if keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, 0, err
		}
		priv, err := ota.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, 0, err
		}
		sig, err := ota.SignDigest(priv, digest)
		if err != nil {
			return nil, 0, err
		}
		headers = append(headers, [2]string{"X-Firmware-Signature", sig})
	}
	if version != "" {
		headers = append(headers, [2]string{"X-Firmware-Version", version})
	}
	return headers, size, nil
}
