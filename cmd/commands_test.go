package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poolheat/controller/internal/device"
	"github.com/poolheat/controller/internal/gateway"
	"github.com/poolheat/controller/internal/ota"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
	"github.com/poolheat/controller/internal/wifi"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestParseSimNetworks(t *testing.T) {
	got, err := parseSimNetworks("Backyard:hunter2222, Guest:,")
	if err != nil {
		t.Fatalf("parseSimNetworks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d networks, want 2", len(got))
	}
	if got[0].ssid != "Backyard" || got[0].psk != "hunter2222" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ssid != "Guest" || got[1].psk != "" {
		t.Errorf("second = %+v", got[1])
	}

	if _, err := parseSimNetworks("Short:abc"); err == nil {
		t.Error("expected error for a short password")
	}
}

func TestWifiQRPayload(t *testing.T) {
	tests := []struct {
		ssid, psk, want string
	}{
		{"Solar-Heater", "", "WIFI:T:nopass;S:Solar-Heater;;"},
		{"Solar-Heater", "pool1234", "WIFI:T:WPA;S:Solar-Heater;P:pool1234;;"},
		{`My;Net`, `a:b,c"d`, `WIFI:T:WPA;S:My\;Net;P:a\:b\,c\"d;;`},
	}
	for _, tt := range tests {
		if got := wifiQRPayload(tt.ssid, tt.psk); got != tt.want {
			t.Errorf("wifiQRPayload(%q, %q) = %q, want %q", tt.ssid, tt.psk, got, tt.want)
		}
	}
}

func TestProvisioningURL(t *testing.T) {
	if got := provisioningURL("192.168.4.1", "0.0.0.0:80"); got != "http://192.168.4.1/" {
		t.Errorf("got %q", got)
	}
	if got := provisioningURL("192.168.4.1", "0.0.0.0:8080"); got != "http://192.168.4.1:8080/" {
		t.Errorf("got %q", got)
	}
}

func TestLoopbackAddr(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:80":     "127.0.0.1:80",
		"192.168.1.9:81": "127.0.0.1:81",
		"garbage":        "127.0.0.1:80",
	}
	for in, want := range tests {
		if got := loopbackAddr(in); got != want {
			t.Errorf("loopbackAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeygenAndSign(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	if code := runKeygen([]string{"--out", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("keygen exit %d: %s", code, stderr.String())
	}
	if code := runKeygen([]string{"--out", dir}, &stdout, &stderr); code != 1 {
		t.Error("keygen should refuse to overwrite without --force")
	}

	image := []byte(strings.Repeat("firmware", 512))
	imagePath := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(imagePath, image, 0644); err != nil {
		t.Fatal(err)
	}

	headers, size, err := signImage(imagePath, filepath.Join(dir, "release.key"), "1.2.3")
	if err != nil {
		t.Fatalf("signImage failed: %v", err)
	}
	if size != int64(len(image)) {
		t.Errorf("size = %d, want %d", size, len(image))
	}

	got := make(map[string]string)
	for _, h := range headers {
		got[h[0]] = h[1]
	}
	if got["X-Firmware-SHA256"] != sha256Hex(image) {
		t.Errorf("sha256 header = %q", got["X-Firmware-SHA256"])
	}
	if got["X-Firmware-Version"] != "1.2.3" {
		t.Errorf("version header = %q", got["X-Firmware-Version"])
	}

	pub, err := ota.LoadPublicKey(filepath.Join(dir, "release.pub"))
	if err != nil {
		t.Fatalf("LoadPublicKey failed: %v", err)
	}
	sum := sha256.Sum256(image)
	if err := ota.VerifySignature(pub, sum[:], got["X-Firmware-Signature"]); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignImage_ChecksumOnly(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "fw.bin")
	os.WriteFile(imagePath, []byte("abc"), 0644)

	headers, _, err := signImage(imagePath, "", "")
	if err != nil {
		t.Fatalf("signImage failed: %v", err)
	}
	for _, h := range headers {
		if h[0] == "X-Firmware-Signature" {
			t.Error("no signature expected without a key")
		}
	}

	empty := filepath.Join(t.TempDir(), "empty.bin")
	os.WriteFile(empty, nil, 0644)
	if _, _, err := signImage(empty, "", ""); err == nil {
		t.Error("expected error for an empty image")
	}
}

func TestWriteSlotsOutput(t *testing.T) {
	rec := partition.FreshRecord(time.Now())
	rec.Slots[partition.SlotA].SHA256 = strings.Repeat("ab", 32)
	rec.Slots[partition.SlotA].Size = 1536 * 1024
	rec.Slots[partition.SlotA].Version = "1.0.0"

	var out bytes.Buffer
	writeSlotsOutput(&out, rec, partition.HealthStatus{LastResult: "promoted slot A"})
	s := out.String()

	for _, want := range []string{"SLOT", "active", "valid", "1.0.0", "abababababab", "1.6 MB", "Last health check: promoted slot A"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, strings.Repeat("ab", 32)) {
		t.Error("checksum should be shortened")
	}
}

func TestWriteStatusOutput(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	changed := now.Add(-10 * time.Minute)
	temp := 80.5
	rssi := -61

	st := &gateway.LocalStatusResponse{
		StatusResponse: gateway.StatusResponse{
			Wifi:          gateway.WifiStatus{Mode: "station", State: wifi.StateConnected, SSID: "Backyard", Connected: true, RSSI: &rssi, IP: "10.0.0.7"},
			Relay:         device.RelayStatus{State: device.RelayOn, LastChange: &changed},
			Probes:        []device.Probe{{ID: "28-1", Name: "Roof", Fahrenheit: &temp, Enabled: true}},
			UptimeSeconds: 3723,
			Firmware:      gateway.FirmwareInfo{Slot: "B", Trial: true},
		},
		Version: "1.2.0",
		State:   wifi.Status{State: wifi.StateConnected},
		RecentEvents: []gateway.EventEntry{
			{Kind: storage.EventBootIntegrity, Code: "boot.rollback", Message: "reverted", At: now.Add(-time.Hour)},
		},
	}

	var out bytes.Buffer
	writeStatusOutput(&out, st, now)
	s := out.String()
	for _, want := range []string{"1.2.0", "1h 2m", "Backyard", "-61 dBm", "on (changed 10 minutes ago)", "Roof", "80.5", "B (trial)", "boot.rollback"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	tests := map[int64]string{
		45:     "45s",
		323:    "5m 23s",
		8100:   "2h 15m",
		273600: "3d 4h",
	}
	for in, want := range tests {
		if got := formatUptime(in); got != want {
			t.Errorf("formatUptime(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFactoryReset(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "poolheat.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	store.SaveCredential(&storage.WifiCredential{SSID: "Backyard", PSK: "hunter2222"})
	store.Close()

	var stdout, stderr bytes.Buffer
	if code := runFactoryReset([]string{"--db", dbPath}, &stdout, &stderr); code != 1 {
		t.Error("reset without --yes should be refused")
	}
	if code := runFactoryReset([]string{"--db", dbPath, "--yes"}, &stdout, &stderr); code != 0 {
		t.Fatalf("reset exit %d: %s", code, stderr.String())
	}

	store, err = storage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	creds, _ := store.ListCredentials()
	if len(creds) != 0 {
		t.Errorf("credentials = %d, want 0", len(creds))
	}
	events, _ := store.ListEvents(5)
	if len(events) == 0 || events[0].Kind != storage.EventAdmin {
		t.Errorf("events = %+v, want an admin event", events)
	}
}

func TestResolveServeConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte("addr = \"0.0.0.0:8081\"\nmdns_enabled = true\nradio = \"nmcli\"\n"), 0600)

	sc := &ServeConfig{Config: path, DataDir: dir, Radio: "sim", MdnsEnabled: false}
	cfg, err := resolveServeConfig(sc, map[string]bool{"mdns": true})
	if err != nil {
		t.Fatalf("resolveServeConfig failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:8081" {
		t.Errorf("Addr = %q, file value expected", cfg.Addr)
	}
	if cfg.Radio != "sim" {
		t.Errorf("Radio = %q, flag should win", cfg.Radio)
	}
	if cfg.MdnsEnabled {
		t.Error("explicit --mdns=false should override the file")
	}
	if cfg.DBPath != filepath.Join(dir, "poolheat.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}

	sc = &ServeConfig{Config: path, DataDir: dir, RebootMode: "sometimes"}
	if _, err := resolveServeConfig(sc, nil); err == nil {
		t.Error("expected validation error for reboot mode")
	}
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolheat", "config.toml")
	var stdout, stderr bytes.Buffer
	if code := runInit([]string{"--config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("init exit %d: %s", code, stderr.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Solar-Heater") {
		t.Errorf("config missing AP SSID:\n%s", data)
	}
}
