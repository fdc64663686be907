package wifi

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// apConnectionName is the NetworkManager profile used for AP fallback.
const apConnectionName = "poolheat-ap"

// DefaultKeepaliveInterval is how often NmcliRadio polls an established link.
const DefaultKeepaliveInterval = 5 * time.Second

// NmcliRadio drives a NetworkManager-managed interface through nmcli.
type NmcliRadio struct {
	iface string
	apIP  string

	keepalive time.Duration

	// execCommand creates exec.Cmd instances. Tests inject a helper process.
	execCommand func(ctx context.Context, name string, arg ...string) *exec.Cmd

	mu   sync.Mutex
	link *nmcliLink
}

// NewNmcliRadio creates a radio for iface. apIP is the address the AP
// profile hands out as gateway.
func NewNmcliRadio(iface, apIP string) *NmcliRadio {
	return &NmcliRadio{
		iface:       iface,
		apIP:        apIP,
		keepalive:   DefaultKeepaliveInterval,
		execCommand: exec.CommandContext,
	}
}

func (r *NmcliRadio) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.execCommand(ctx, "nmcli", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return "", fmt.Errorf("nmcli %s: %w", args[0], err)
		}
		return "", fmt.Errorf("nmcli %s: %s: %w", args[0], msg, err)
	}
	return string(out), nil
}

// Scan implements Radio.
func (r *NmcliRadio) Scan(ctx context.Context) ([]Network, error) {
	out, err := r.run(ctx, "-t", "-f", "SSID,SIGNAL,SECURITY", "device", "wifi", "list",
		"--rescan", "yes", "ifname", r.iface)
	if err != nil {
		return nil, err
	}
	return parseScan(out), nil
}

// Connect implements Radio.
func (r *NmcliRadio) Connect(ctx context.Context, ssid, psk string) (Link, error) {
	args := []string{"device", "wifi", "connect", ssid}
	if psk != "" {
		args = append(args, "password", psk)
	}
	args = append(args, "ifname", r.iface)
	if _, err := r.run(ctx, args...); err != nil {
		return nil, err
	}

	out, err := r.run(ctx, "-t", "-g", "IP4.ADDRESS", "device", "show", r.iface)
	if err != nil {
		return nil, err
	}
	ip, _, _ := strings.Cut(strings.TrimSpace(firstLine(out)), "/")
	if ip == "" {
		return nil, fmt.Errorf("no address acquired on %s", r.iface)
	}

	var rssi int
	if networks, err := r.cachedList(ctx); err == nil {
		for _, n := range networks {
			if n.SSID == ssid {
				rssi = n.RSSI
				break
			}
		}
	}

	link := &nmcliLink{ssid: ssid, ip: ip, rssi: rssi, lost: make(chan struct{}), stop: make(chan struct{})}
	r.mu.Lock()
	if r.link != nil {
		r.link.close()
	}
	r.link = link
	r.mu.Unlock()

	go r.watch(link)
	return link, nil
}

func (r *NmcliRadio) cachedList(ctx context.Context) ([]Network, error) {
	out, err := r.run(ctx, "-t", "-f", "SSID,SIGNAL,SECURITY", "device", "wifi", "list",
		"--rescan", "no", "ifname", r.iface)
	if err != nil {
		return nil, err
	}
	return parseScan(out), nil
}

// watch polls the device state until the link drops or is closed.
func (r *NmcliRadio) watch(link *nmcliLink) {
	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-link.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.keepalive)
			out, err := r.run(ctx, "-t", "-g", "GENERAL.STATE", "device", "show", r.iface)
			cancel()
			if err != nil || !strings.HasPrefix(strings.TrimSpace(out), "100") {
				link.drop()
				return
			}
		}
	}
}

// Disconnect implements Radio.
func (r *NmcliRadio) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.link != nil {
		r.link.close()
		r.link = nil
	}
	r.mu.Unlock()

	_, err := r.run(ctx, "device", "disconnect", r.iface)
	return err
}

// StartAP implements Radio.
func (r *NmcliRadio) StartAP(ctx context.Context, ssid, psk string) error {
	r.mu.Lock()
	if r.link != nil {
		r.link.close()
		r.link = nil
	}
	r.mu.Unlock()

	args := []string{"device", "wifi", "hotspot", "ifname", r.iface, "con-name", apConnectionName, "ssid", ssid}
	if psk != "" {
		args = append(args, "password", psk)
	}
	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	if r.apIP == "" {
		return nil
	}
	if _, err := r.run(ctx, "connection", "modify", apConnectionName,
		"ipv4.method", "shared", "ipv4.addresses", r.apIP+"/24"); err != nil {
		return err
	}
	_, err := r.run(ctx, "connection", "up", apConnectionName)
	return err
}

// StopAP implements Radio.
func (r *NmcliRadio) StopAP(ctx context.Context) error {
	_, err := r.run(ctx, "connection", "down", apConnectionName)
	return err
}

// parseScan parses terse nmcli output: SSID:SIGNAL:SECURITY with ':' inside
// fields escaped as '\:'. Hidden networks are skipped; duplicates keep the
// strongest signal.
func parseScan(out string) []Network {
	var networks []Network
	index := make(map[string]int)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := splitTerse(scanner.Text())
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		signal, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		security := strings.TrimSpace(fields[2])
		n := Network{
			SSID:   fields[0],
			RSSI:   signalToDBm(signal),
			Secure: security != "" && security != "--",
		}
		if i, ok := index[n.SSID]; ok {
			if n.RSSI > networks[i].RSSI {
				networks[i] = n
			}
			continue
		}
		index[n.SSID] = len(networks)
		networks = append(networks, n)
	}
	return networks
}

func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case line[i] == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(line[i])
		}
	}
	return append(fields, cur.String())
}

// signalToDBm converts nmcli's 0-100 quality to an approximate RSSI.
func signalToDBm(signal int) int {
	if signal < 0 {
		signal = 0
	}
	if signal > 100 {
		signal = 100
	}
	return signal/2 - 100
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

type nmcliLink struct {
	ssid string
	ip   string
	rssi int

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (l *nmcliLink) SSID() string          { return l.ssid }
func (l *nmcliLink) IP() string            { return l.ip }
func (l *nmcliLink) RSSI() int             { return l.rssi }
func (l *nmcliLink) Lost() <-chan struct{} { return l.lost }

func (l *nmcliLink) drop() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// close stops polling and reports the link as gone.
func (l *nmcliLink) close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.drop()
}
