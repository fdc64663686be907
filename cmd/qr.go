package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/poolheat/controller/internal/config"
)

func runQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.poolheat/config.toml)")
	portalURL := fs.Bool("portal", false, "Encode the provisioning page URL instead of the AP credentials")
	pngPath := fs.String("png", "", "Also write the code as a PNG file (e.g. for a printed label)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat qr [options]\n\nPrint a QR code that joins the provisioning access point.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ApplyDefaults(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	payload := wifiQRPayload(cfg.APSSID, cfg.APPassword)
	if *portalURL {
		payload = provisioningURL(cfg.APIP, cfg.PortalAddr)
	}

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(stderr, "Error generating QR code: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "")
	fmt.Fprint(stdout, qr.ToSmallString(false))
	fmt.Fprintln(stdout, "-------------------------------------------")
	fmt.Fprintf(stdout, "  Network:  %s\n", cfg.APSSID)
	if cfg.APPassword == "" {
		fmt.Fprintln(stdout, "  Password: (open network)")
	} else {
		fmt.Fprintf(stdout, "  Password: %s\n", cfg.APPassword)
	}
	fmt.Fprintf(stdout, "  Portal:   %s\n", provisioningURL(cfg.APIP, cfg.PortalAddr))
	fmt.Fprintln(stdout, "")

	if *pngPath != "" {
		if err := qr.WriteFile(512, *pngPath); err != nil {
			fmt.Fprintf(stderr, "Error: failed to write %s: %v\n", *pngPath, err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote %s\n", *pngPath)
	}
	return 0
}

// wifiQRPayload builds the WIFI: URI phones understand for joining a network.
func wifiQRPayload(ssid, psk string) string {
	if psk == "" {
		return fmt.Sprintf("WIFI:T:nopass;S:%s;;", escapeQRField(ssid))
	}
	return fmt.Sprintf("WIFI:T:WPA;S:%s;P:%s;;", escapeQRField(ssid), escapeQRField(psk))
}

var qrFieldEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)

func escapeQRField(s string) string {
	return qrFieldEscaper.Replace(s)
}

// provisioningURL is where a phone on the AP finds the portal.
func provisioningURL(apIP, portalAddr string) string {
	_, port, err := net.SplitHostPort(portalAddr)
	if err != nil || port == "" || port == "80" {
		return "http://" + apIP + "/"
	}
	return "http://" + net.JoinHostPort(apIP, port) + "/"
}
