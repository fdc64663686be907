package config

// DefaultAddr is the default listen address for the authenticated API.
const DefaultAddr = "0.0.0.0:80"

// DefaultRadio runs against the in-process radio simulator.
const DefaultRadio = "sim"

// DefaultWifiInterface is the interface nmcli drives.
const DefaultWifiInterface = "wlan0"

// DefaultAPSSID is broadcast while the provisioning portal is up.
const DefaultAPSSID = "Solar-Heater"

// DefaultAPIP is the controller address on its own access point.
const DefaultAPIP = "192.168.4.1"

// DefaultPortalAddr and DefaultPortalDNSAddr are the captive portal listeners.
const (
	DefaultPortalAddr    = "0.0.0.0:8080"
	DefaultPortalDNSAddr = "0.0.0.0:5353"
)

// Connectivity retry bounds.
const (
	DefaultMaxScanCycles        = 3
	DefaultMaxConnectAttempts   = 3
	DefaultMaxReconnectAttempts = 3
	DefaultScanTimeoutMs        = 10000
	DefaultConnectTimeoutMs     = 20000
	DefaultBackoffInitialMs     = 1000
	DefaultBackoffMaxMs         = 60000
	DefaultAPRetryIntervalS     = 300
)

// Session and login limits.
const (
	DefaultSessionTTLS      = 15 * 60
	DefaultLoginMaxFailures = 5
	DefaultLoginWindowS     = 60
	DefaultLoginCooldownS   = 300
)

// DefaultMaxFirmwareBytes is the capacity of one slot (2 MiB).
const DefaultMaxFirmwareBytes int64 = 2 * 1024 * 1024

// Boot health policy.
const (
	DefaultMaxBootAttempts = 3
	DefaultHealthGraceS    = 120
	DefaultHealthStatusOK  = 3
)

// DefaultRebootMode leaves the restart to the service supervisor.
const DefaultRebootMode = "exit"

// DefaultMaxConnections bounds concurrent HTTP clients.
const DefaultMaxConnections = 8
