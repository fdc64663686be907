package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/poolheat/controller/internal/config"
	"github.com/poolheat/controller/internal/gateway"
	"github.com/poolheat/controller/internal/partition"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	status, code := fetchLocalStatus("status", "Show live status of the running controller.", args, stdout, stderr)
	if status == nil {
		return code
	}
	writeStatusOutput(stdout, status, time.Now())
	return 0
}

func runSlots(args []string, stdout, stderr io.Writer) int {
	status, code := fetchLocalStatus("slots", "Show the firmware partition slots.", args, stdout, stderr)
	if status == nil {
		return code
	}
	writeSlotsOutput(stdout, status.Partitions, status.Health)
	return 0
}

// fetchLocalStatus parses the shared flags and queries /local/status.
// A nil status comes with the exit code to return.
func fetchLocalStatus(name, summary string, args []string, stdout, stderr io.Writer) (*gateway.LocalStatusResponse, int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.poolheat/config.toml)")
	addr := fs.String("addr", "", "Controller API address (default: loopback on the configured port)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat %s [options]\n\n%s\n\nOptions:\n", name, summary)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0
		}
		return nil, 1
	}

	target := *addr
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, 1
		}
		if err := cfg.ApplyDefaults(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return nil, 1
		}
		target = loopbackAddr(cfg.Addr)
	}

	status, err := queryLocalStatus(target)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return nil, 0
	}
	return status, 0
}

// loopbackAddr keeps the port of a listen address and swaps in 127.0.0.1;
// /local/status only answers loopback callers.
func loopbackAddr(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = "80"
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// queryLocalStatus tries HTTPS first, then plain HTTP.
func queryLocalStatus(addr string) (*gateway.LocalStatusResponse, error) {
	status, err := queryLocalStatusWithScheme("https", addr)
	if err == nil {
		return status, nil
	}
	status, err = queryLocalStatusWithScheme("http", addr)
	if err != nil {
		return nil, fmt.Errorf("controller is not running at %s (or not reachable)", addr)
	}
	return status, nil
}

func queryLocalStatusWithScheme(scheme, addr string) (*gateway.LocalStatusResponse, error) {
	// The controller certificate is self-signed.
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get(fmt.Sprintf("%s://%s/local/status", scheme, addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status gateway.LocalStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// writeStatusOutput renders human-readable controller status.
func writeStatusOutput(w io.Writer, st *gateway.LocalStatusResponse, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Controller Status\n")
	fmt.Fprintf(tw, "=================\n")
	fmt.Fprintf(tw, "Version:\t%s\n", st.Version)
	fmt.Fprintf(tw, "Uptime:\t%s\n", formatUptime(st.UptimeSeconds))
	fmt.Fprintf(tw, "Sessions:\t%d active, %d streaming\n", st.ActiveSessions, st.EventClients)

	fmt.Fprintf(tw, "\nWi-Fi\n-----\n")
	fmt.Fprintf(tw, "State:\t%s (%s)\n", st.State.State, st.Wifi.Mode)
	if st.Wifi.SSID != "" {
		fmt.Fprintf(tw, "SSID:\t%s\n", st.Wifi.SSID)
	}
	if st.Wifi.Connected {
		fmt.Fprintf(tw, "Address:\t%s\n", st.Wifi.IP)
		if st.Wifi.RSSI != nil {
			fmt.Fprintf(tw, "Signal:\t%d dBm\n", *st.Wifi.RSSI)
		}
	}
	fmt.Fprintf(tw, "Retries:\tscans=%d connects=%d reconnects=%d\n",
		st.State.Counters.ScanCycles, st.State.Counters.ConnectAttempts, st.State.Counters.ReconnectAttempts)
	if st.State.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", st.State.LastError)
	}

	fmt.Fprintf(tw, "\nHeater\n------\n")
	fmt.Fprintf(tw, "Relay:\t%s", st.Relay.State)
	if st.Relay.LastChange != nil {
		fmt.Fprintf(tw, " (changed %s)", humanize.RelTime(*st.Relay.LastChange, now, "ago", "from now"))
	}
	fmt.Fprintf(tw, "\n")
	for _, p := range st.Probes {
		reading := "no reading"
		if p.Fahrenheit != nil {
			reading = fmt.Sprintf("%.1f°F", *p.Fahrenheit)
		}
		if !p.Enabled {
			reading += " (disabled)"
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		fmt.Fprintf(tw, "%s:\t%s\n", name, reading)
	}

	fmt.Fprintf(tw, "\nFirmware\n--------\n")
	fmt.Fprintf(tw, "Slot:\t%s", st.Firmware.Slot)
	if st.Firmware.Trial {
		fmt.Fprintf(tw, " (trial)")
	}
	fmt.Fprintf(tw, "\n")
	if st.Firmware.Size > 0 {
		fmt.Fprintf(tw, "Image:\t%s\n", humanize.Bytes(uint64(st.Firmware.Size)))
	}
	if st.Firmware.Staged {
		fmt.Fprintf(tw, "Staged:\tyes, activates on next boot\n")
	}
	tw.Flush()

	if len(st.RecentEvents) > 0 {
		fmt.Fprintf(w, "\nRecent events:\n")
		for _, ev := range st.RecentEvents {
			code := ""
			if ev.Code != "" {
				code = " [" + ev.Code + "]"
			}
			fmt.Fprintf(w, "  %-13s %s%s %s\n", ev.Kind, humanize.RelTime(ev.At, now, "ago", "from now"), code, ev.Message)
		}
	}
}

// writeSlotsOutput renders the partition record as a table.
func writeSlotsOutput(w io.Writer, rec partition.Record, health partition.HealthStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SLOT\tROLE\tSTATUS\tBOOTS\tSIZE\tVERSION\tSHA256\n")
	for _, slot := range rec.Slots {
		size := "-"
		if slot.Size > 0 {
			size = humanize.Bytes(uint64(slot.Size))
		}
		version := slot.Version
		if version == "" {
			version = "-"
		}
		sum := slot.SHA256
		if len(sum) > 12 {
			sum = sum[:12]
		}
		if sum == "" {
			sum = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			slot.ID, rec.Role(slot.ID), slot.Status, slot.BootAttempts, size, version, sum)
	}
	tw.Flush()

	if health.Running {
		fmt.Fprintf(w, "\nHealth check running until %s (ready: %v, status ok: %d)\n",
			health.Deadline.Format(time.RFC3339), health.Ready, health.StatusOK)
	} else if health.LastResult != "" {
		fmt.Fprintf(w, "\nLast health check: %s\n", health.LastResult)
	}
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
