// Package config provides TOML configuration file loading and parsing for the controller.
// The configuration file lives at ~/.poolheat/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the controller configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the authenticated HTTP API.
	// Default: 0.0.0.0:80
	Addr string `toml:"addr"`

	// DataDir holds the database and the two firmware slot images.
	// Default: ~/.poolheat
	DataDir string `toml:"data_dir"`

	// DBPath is the path to the SQLite configuration namespace.
	// Default: <data_dir>/poolheat.db
	DBPath string `toml:"db_path"`

	// LogFile redirects log output when set. Default: stderr.
	LogFile string `toml:"log_file"`

	// Radio selects the Wi-Fi backend: "sim" or "nmcli".
	// Default: sim
	Radio string `toml:"radio"`

	// WifiInterface is the wireless interface handed to nmcli.
	// Default: wlan0
	WifiInterface string `toml:"wifi_interface"`

	// APSSID is the SSID broadcast in AP fallback.
	// Default: Solar-Heater
	APSSID string `toml:"ap_ssid"`

	// APPassword protects the fallback AP. Empty means an open AP.
	APPassword string `toml:"ap_password"`

	// APIP is the controller address on the fallback AP.
	// Default: 192.168.4.1
	APIP string `toml:"ap_ip"`

	// PortalAddr is the listen address of the captive portal HTTP server.
	// Default: 0.0.0.0:8080
	PortalAddr string `toml:"portal_addr"`

	// PortalDNSAddr is the listen address of the captive DNS responder.
	// Default: 0.0.0.0:5353
	PortalDNSAddr string `toml:"portal_dns_addr"`

	// MaxScanCycles bounds scans without a known SSID before AP fallback.
	// Default: 3
	MaxScanCycles int `toml:"max_scan_cycles"`

	// MaxConnectAttempts bounds association failures before AP fallback.
	// Default: 3
	MaxConnectAttempts int `toml:"max_connect_attempts"`

	// MaxReconnectAttempts bounds reconnects after link loss before rescanning.
	// Default: 3
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`

	// ScanTimeoutMs bounds a single radio scan. Default: 10000
	ScanTimeoutMs int `toml:"scan_timeout_ms"`

	// ConnectTimeoutMs bounds association plus address acquisition. Default: 20000
	ConnectTimeoutMs int `toml:"connect_timeout_ms"`

	// BackoffInitialMs is the first retry delay. Default: 1000
	BackoffInitialMs int `toml:"backoff_initial_ms"`

	// BackoffMaxMs caps the retry delay. Default: 60000
	BackoffMaxMs int `toml:"backoff_max_ms"`

	// APRetryIntervalS is how long the portal waits before retrying known
	// networks on its own. Zero disables the retry. Default: 300
	APRetryIntervalS int `toml:"ap_retry_interval_s"`

	// SessionTTLS is the fixed bearer token lifetime. Default: 900
	SessionTTLS int `toml:"session_ttl_s"`

	// LoginMaxFailures is the failed login count that triggers lockout. Default: 5
	LoginMaxFailures int `toml:"login_max_failures"`

	// LoginWindowS is the sliding window for failed logins. Default: 60
	LoginWindowS int `toml:"login_window_s"`

	// LoginCooldownS is the lockout duration. Default: 300
	LoginCooldownS int `toml:"login_cooldown_s"`

	// MaxFirmwareBytes is the slot capacity. Default: 2097152
	MaxFirmwareBytes int64 `toml:"max_firmware_bytes"`

	// FirmwarePublicKey is a PEM file holding the ECDSA P-256 release key.
	// When empty, uploads are accepted on checksum alone.
	FirmwarePublicKey string `toml:"firmware_public_key"`

	// MaxBootAttempts is the crash ceiling for a pending slot. Default: 3
	MaxBootAttempts int `toml:"max_boot_attempts"`

	// HealthGraceS is the post-boot grace period. Default: 120
	HealthGraceS int `toml:"health_grace_s"`

	// HealthStatusOK is the count of successful status responses that
	// promotes a pending slot. Default: 3
	HealthStatusOK int `toml:"health_status_ok"`

	// RebootMode is "exit" (leave with code 3 for the supervisor) or
	// "system" (reboot the board). Default: exit
	RebootMode string `toml:"reboot_mode"`

	// MaxConnections bounds concurrent HTTP connections. Default: 8.
	// Open event streams count against it; two are kept for plain requests.
	MaxConnections int `toml:"max_connections"`

	// MdnsEnabled advertises the API over mDNS while in station mode.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// TLS serves the API over HTTPS with a self-signed certificate.
	// Default: false
	TLS bool `toml:"tls"`

	// TLSCert is the path to the TLS certificate file.
	// Default: <data_dir>/certs/controller.crt (auto-generated if missing)
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS key file.
	// Default: <data_dir>/certs/controller.key (auto-generated if missing)
	TLSKey string `toml:"tls_key"`
}

// DefaultDataDir returns ~/.poolheat.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".poolheat"), nil
}

// DefaultConfigPath returns the default config file location: ~/.poolheat/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// WriteDefault creates a starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Pool heater controller configuration

# Authenticated API
addr = %q

# Wi-Fi backend: "sim" for a workstation, "nmcli" on the board
radio = %q

# Fallback access point
ap_ssid = %q
ap_ip = %q

# Firmware release key (PEM, ECDSA P-256). Leave empty for checksum-only uploads.
firmware_public_key = ""

# "exit" hands the reboot to the service supervisor, "system" reboots the board
reboot_mode = %q
`, DefaultAddr, DefaultRadio, DefaultAPSSID, DefaultAPIP, DefaultRebootMode)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.poolheat/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Load does not apply defaults; call ApplyDefaults after merging CLI flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "poolheat.db")
	}
	if c.TLSCert == "" {
		c.TLSCert = filepath.Join(c.DataDir, "certs", "controller.crt")
	}
	if c.TLSKey == "" {
		c.TLSKey = filepath.Join(c.DataDir, "certs", "controller.key")
	}

	setString(&c.Addr, DefaultAddr)
	setString(&c.Radio, DefaultRadio)
	setString(&c.WifiInterface, DefaultWifiInterface)
	setString(&c.APSSID, DefaultAPSSID)
	setString(&c.APIP, DefaultAPIP)
	setString(&c.PortalAddr, DefaultPortalAddr)
	setString(&c.PortalDNSAddr, DefaultPortalDNSAddr)
	setString(&c.RebootMode, DefaultRebootMode)

	setInt(&c.MaxScanCycles, DefaultMaxScanCycles)
	setInt(&c.MaxConnectAttempts, DefaultMaxConnectAttempts)
	setInt(&c.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	setInt(&c.ScanTimeoutMs, DefaultScanTimeoutMs)
	setInt(&c.ConnectTimeoutMs, DefaultConnectTimeoutMs)
	setInt(&c.BackoffInitialMs, DefaultBackoffInitialMs)
	setInt(&c.BackoffMaxMs, DefaultBackoffMaxMs)
	setInt(&c.APRetryIntervalS, DefaultAPRetryIntervalS)
	setInt(&c.SessionTTLS, DefaultSessionTTLS)
	setInt(&c.LoginMaxFailures, DefaultLoginMaxFailures)
	setInt(&c.LoginWindowS, DefaultLoginWindowS)
	setInt(&c.LoginCooldownS, DefaultLoginCooldownS)
	setInt(&c.MaxBootAttempts, DefaultMaxBootAttempts)
	setInt(&c.HealthGraceS, DefaultHealthGraceS)
	setInt(&c.HealthStatusOK, DefaultHealthStatusOK)
	setInt(&c.MaxConnections, DefaultMaxConnections)

	if c.MaxFirmwareBytes == 0 {
		c.MaxFirmwareBytes = DefaultMaxFirmwareBytes
	}
	return nil
}

// Validate rejects values the controller cannot run with.
func (c *Config) Validate() error {
	switch c.Radio {
	case "sim", "nmcli":
	default:
		return fmt.Errorf("radio must be \"sim\" or \"nmcli\", got %q", c.Radio)
	}
	switch c.RebootMode {
	case "exit", "system":
	default:
		return fmt.Errorf("reboot_mode must be \"exit\" or \"system\", got %q", c.RebootMode)
	}
	if len(c.APSSID) == 0 || len(c.APSSID) > 32 {
		return fmt.Errorf("ap_ssid must be 1-32 bytes")
	}
	if c.APPassword != "" && (len(c.APPassword) < 8 || len(c.APPassword) > 63) {
		return fmt.Errorf("ap_password must be empty or 8-63 characters")
	}
	if c.MaxBootAttempts < 1 {
		return fmt.Errorf("max_boot_attempts must be at least 1")
	}
	if c.BackoffMaxMs < c.BackoffInitialMs {
		return fmt.Errorf("backoff_max_ms must not be below backoff_initial_ms")
	}
	return nil
}

// ScanTimeout returns ScanTimeoutMs as a duration.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns ConnectTimeoutMs as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// BackoffInitial returns BackoffInitialMs as a duration.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns BackoffMaxMs as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// APRetryInterval returns APRetryIntervalS as a duration.
func (c *Config) APRetryInterval() time.Duration {
	return time.Duration(c.APRetryIntervalS) * time.Second
}

// SessionTTL returns SessionTTLS as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLS) * time.Second
}

// LoginWindow returns LoginWindowS as a duration.
func (c *Config) LoginWindow() time.Duration {
	return time.Duration(c.LoginWindowS) * time.Second
}

// LoginCooldown returns LoginCooldownS as a duration.
func (c *Config) LoginCooldown() time.Duration {
	return time.Duration(c.LoginCooldownS) * time.Second
}

// HealthGrace returns HealthGraceS as a duration.
func (c *Config) HealthGrace() time.Duration {
	return time.Duration(c.HealthGraceS) * time.Second
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
