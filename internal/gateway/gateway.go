// Package gateway serves the authenticated controller API.
//
// Every route except login, first-boot provisioning and the loopback status
// endpoint requires a bearer session. Destructive admin actions are
// serialized: a second one while the first is running gets 409.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	// gorilla/mux gives the API method-aware routes, so a GET to a POST-only
	// path is answered with 405 instead of reaching the handler.
	"github.com/gorilla/mux"

	"github.com/gorilla/websocket"

	// netutil bounds concurrent connections; the board has little memory.
	"golang.org/x/net/netutil"

	"github.com/poolheat/controller/internal/auth"
	"github.com/poolheat/controller/internal/device"
	"github.com/poolheat/controller/internal/ota"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
	hostTLS "github.com/poolheat/controller/internal/tls"
	"github.com/poolheat/controller/internal/wifi"
)

// DefaultMaxConnections bounds concurrent HTTP connections.
const DefaultMaxConnections = 8

// DefaultRebootDelay lets the response reach the client before rebooting.
const DefaultRebootDelay = time.Second

// WifiService is the connectivity manager as seen by the API.
type WifiService interface {
	Snapshot() wifi.Status
	LastScan() ([]wifi.Network, time.Time, bool)
	SaveAndReconnect(ctx context.Context, ssid, psk string) (*wifi.Credential, error)
	Reprovision(ctx context.Context, reason string) error
}

// FirmwareService receives OTA uploads.
type FirmwareService interface {
	Upload(ctx context.Context, r io.Reader, req ota.Request) (*ota.Result, error)
	Progress() ota.Progress
	MaxImageSize() int64
}

// PartitionService exposes the partition record and the boot health check.
type PartitionService interface {
	Record() partition.Record
	Health() partition.HealthStatus
	ReportStatusOK()
	ReportStatusFailure()
}

// Store is the configuration namespace used by the API.
type Store interface {
	GetDeviceConfig() (*storage.DeviceConfig, error)
	SaveDeviceConfig(cfg *storage.DeviceConfig) error
	FactoryReset() error
	ListEvents(limit int) ([]*storage.DeviceEvent, error)
	RecordEvent(ev *storage.DeviceEvent, maxRows int) error
}

// Config holds listener settings.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string

	// MaxConnections bounds concurrent connections. Default: 8. Event
	// streams may hold all but two of them.
	MaxConnections int

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string

	// Version is reported by the status endpoints.
	Version string

	// StartedAt is the process start, for uptime. Default: now.
	StartedAt time.Time

	// RebootDelay is the wait between answering a reboot request and
	// rebooting. Default: 1s.
	RebootDelay time.Duration

	// Now returns current time; defaults to time.Now.
	Now func() time.Time
}

// Deps are the components the API drives.
type Deps struct {
	Auth       *auth.SessionAuth
	Wifi       WifiService
	Relay      *device.Relay
	Probes     *device.Inventory
	Firmware   FirmwareService
	Partitions PartitionService
	Store      Store
	Rebooter   partition.Rebooter
}

// Server is the HTTP API gateway.
type Server struct {
	cfg  Config
	deps Deps

	hub      *Hub
	upgrader websocket.Upgrader

	// admin is held for the duration of a destructive admin action.
	admin sync.Mutex

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	rebootAt   *time.Timer
}

// New creates the gateway. Revoked sessions lose their event streams.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.RebootDelay <= 0 {
		cfg.RebootDelay = DefaultRebootDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hub:  NewHub(streamLimit(cfg.MaxConnections), cfg.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if deps.Auth != nil {
		deps.Auth.OnRevoke(s.hub.Revoke)
	}
	return s
}

// Hub returns the live event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/provisioning", s.handleProvisioningStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/provisioning", s.handleProvision).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/local/status", s.loopbackOnly(s.handleLocalStatus)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/relay", s.handleRelay).Methods(http.MethodPost)
	api.HandleFunc("/wifi/scan", s.handleWifiScan).Methods(http.MethodGet)
	api.HandleFunc("/wifi", s.handleWifiSave).Methods(http.MethodPost)
	api.HandleFunc("/defaults", s.handleGetDefaults).Methods(http.MethodGet)
	api.HandleFunc("/defaults", s.handleSaveDefaults).Methods(http.MethodPost)
	api.HandleFunc("/probes", s.handleProbes).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/admin/reboot", s.handleReboot).Methods(http.MethodPost)
	api.HandleFunc("/admin/factory-reset", s.handleFactoryReset).Methods(http.MethodPost)
	api.HandleFunc("/admin/password", s.handleChangePassword).Methods(http.MethodPost)
	api.HandleFunc("/admin/firmware", s.handleFirmwareUpload).Methods(http.MethodPost)
	api.HandleFunc("/admin/firmware", s.handleFirmwareStatus).Methods(http.MethodGet)

	return r
}

// StartAsync binds the listener and serves in a goroutine. The returned
// channel receives nil once the listener is bound, or the bind error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
		close(errCh)
		return errCh
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)

	scheme := "http"
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		tlsConfig, err := hostTLS.LoadTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			errCh <- err
			close(errCh)
			return errCh
		}
		ln = tls.NewListener(ln, tlsConfig)
		scheme = "https"
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		log.Printf("gateway: listening on %s://%s (max %d connections)", scheme, ln.Addr(), s.cfg.MaxConnections)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: server error: %v", err)
		}
	}()

	return errCh
}

// Addr returns the bound address, or "" before StartAsync.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every event stream and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()

	s.mu.Lock()
	srv := s.httpServer
	if s.rebootAt != nil {
		s.rebootAt.Stop()
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
