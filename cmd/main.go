package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=1.4.0" ./cmd
var Version = "dev"

const usage = `poolheat - solar pool heater controller

Usage:
  poolheat <command> [options]

Commands:
  serve          Run the controller (boot decision, Wi-Fi, API, OTA)
  status         Show live status of the running controller
  slots          Show the firmware partition slots
  qr             Print a QR code for joining the provisioning AP
  keygen         Generate a firmware release key pair
  sign <image>   Print upload headers for a firmware image
  discover       Find controllers on the local network
  factory-reset  Clear networks, defaults and the admin account (offline)
  init           Write a starter config file
  version        Print the version
Run 'poolheat <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "slots":
		return runSlots(args[2:], stdout, stderr)
	case "qr":
		return runQR(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "factory-reset":
		return runFactoryReset(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "poolheat %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
