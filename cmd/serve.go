package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/poolheat/controller/internal/config"
	"github.com/poolheat/controller/internal/wifi"
)

// exitCodeReboot tells the service supervisor to start the controller
// again, which runs the boot decision on the next slot.
const exitCodeReboot = 3

// ServeConfig holds the command line overrides for serve.
type ServeConfig struct {
	Config      string
	Addr        string
	DataDir     string
	Radio       string
	LogFile     string
	RebootMode  string
	MdnsEnabled bool
	TLS         bool

	// SimNetworks seeds the simulated radio: "ssid:psk,ssid2:psk2".
	SimNetworks string
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	sc := &ServeConfig{}
	fs.StringVar(&sc.Config, "config", "", "Path to config file (default: ~/.poolheat/config.toml)")
	fs.StringVar(&sc.Addr, "addr", "", "API listen address (default: 0.0.0.0:80)")
	fs.StringVar(&sc.DataDir, "data-dir", "", "Directory for the database and slot images (default: ~/.poolheat)")
	fs.StringVar(&sc.Radio, "radio", "", "Wi-Fi backend: sim or nmcli (default: sim)")
	fs.StringVar(&sc.LogFile, "log-file", "", "Append logs to this file instead of stderr")
	fs.StringVar(&sc.RebootMode, "reboot-mode", "", "exit (supervisor restarts) or system (default: exit)")
	fs.BoolVar(&sc.MdnsEnabled, "mdns", false, "Advertise the API over mDNS while joined to a network")
	fs.BoolVar(&sc.TLS, "tls", false, "Serve the API over HTTPS with a self-signed certificate")
	fs.StringVar(&sc.SimNetworks, "sim-networks", "", "Networks the simulated radio sees, as ssid:psk pairs separated by commas")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat serve [options]\n\nRun the controller.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	cfg, err := resolveServeConfig(sc, explicitFlags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create log directory: %v\n", err)
			return 1
		}
		logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	radio, err := newRadio(cfg, sc.SimNetworks)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := startController(ctx, cfg, radio)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	scheme := "http"
	if ctrl.certInfo != nil {
		scheme = "https"
	}
	fmt.Fprintf(stdout, "Controller %s running slot %s. API at %s://%s\n",
		Version, ctrl.boot.Active, scheme, ctrl.gateway.Addr())
	if ctrl.certInfo != nil {
		fmt.Fprintf(stdout, "Certificate fingerprint: %s\n", ctrl.certInfo.Fingerprint)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var rebootReason string
	select {
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	case rebootReason = <-ctrl.RebootRequested():
		fmt.Fprintf(stdout, "Rebooting: %s\n", rebootReason)
	}

	ctrl.stop()

	if rebootReason == "" {
		return 0
	}
	if cfg.RebootMode == "system" {
		if err := systemReboot(); err != nil {
			fmt.Fprintf(stderr, "Error: system reboot failed, leaving it to the supervisor: %v\n", err)
		}
	}
	return exitCodeReboot
}

// resolveServeConfig loads the config file and applies command line
// overrides. Explicit flags always win over file values.
func resolveServeConfig(sc *ServeConfig, explicitFlags map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(sc.Config)
	if err != nil {
		return nil, err
	}

	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if sc.DataDir != "" {
		cfg.DataDir = sc.DataDir
	}
	if sc.Radio != "" {
		cfg.Radio = sc.Radio
	}
	if sc.LogFile != "" {
		cfg.LogFile = sc.LogFile
	}
	if sc.RebootMode != "" {
		cfg.RebootMode = sc.RebootMode
	}
	if explicitFlags["mdns"] {
		cfg.MdnsEnabled = sc.MdnsEnabled
	}
	if explicitFlags["tls"] {
		cfg.TLS = sc.TLS
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRadio selects the Wi-Fi backend.
func newRadio(cfg *config.Config, simNetworks string) (wifi.Radio, error) {
	if cfg.Radio == "nmcli" {
		return wifi.NewNmcliRadio(cfg.WifiInterface, cfg.APIP), nil
	}

	radio := wifi.NewSimRadio()
	networks, err := parseSimNetworks(simNetworks)
	if err != nil {
		return nil, err
	}
	for _, n := range networks {
		radio.AddNetwork(n.ssid, n.psk, -55)
	}
	return radio, nil
}

type simNetwork struct {
	ssid string
	psk  string
}

func parseSimNetworks(spec string) ([]simNetwork, error) {
	var out []simNetwork
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ssid, psk, _ := strings.Cut(part, ":")
		if err := wifi.ValidateCredential(ssid, psk); err != nil {
			return nil, fmt.Errorf("sim network %q: %w", part, err)
		}
		out = append(out, simNetwork{ssid: ssid, psk: psk})
	}
	return out, nil
}
