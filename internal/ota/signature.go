package ota

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/poolheat/controller/internal/errors"
)

// GenerateKey creates a P-256 release key pair and returns both halves PEM
// encoded: the private key as "EC PRIVATE KEY", the public key as
// "PUBLIC KEY".
func GenerateKey() (privPEM, pubPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// ParsePrivateKey decodes an "EC PRIVATE KEY" PEM block.
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC PRIVATE KEY block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// ParsePublicKey decodes a "PUBLIC KEY" PEM block holding a P-256 key.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no PUBLIC KEY block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("release key must be ECDSA P-256")
	}
	return pub, nil
}

// LoadPublicKey reads the release key from path. An empty path returns nil,
// which puts the manager in checksum-only mode.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read release key: %w", err)
	}
	return ParsePublicKey(data)
}

// SignDigest signs a raw SHA-256 digest and returns the base64 ASN.1 DER
// signature carried in X-Firmware-Signature.
func SignDigest(priv *ecdsa.PrivateKey, digest []byte) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a base64 DER signature over digest.
func VerifySignature(pub *ecdsa.PublicKey, digest []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(errors.CodeSignatureInvalid, "signature is not valid base64", err)
	}
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return errors.New(errors.CodeSignatureInvalid, "signature does not match the image")
	}
	return nil
}
