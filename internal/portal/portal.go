// Package portal serves the captive provisioning portal while the controller
// hosts its fallback access point.
//
// Two listeners run together: an HTTP server offering the cached scan and a
// credential form, and a DNS responder that answers every A query with the
// access point address so any URL a phone opens lands on the portal.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/wifi"
)

// maxSubmitBody bounds a credential submission.
const maxSubmitBody = 4 << 10

// Provisioner is the part of the connectivity manager the portal uses.
type Provisioner interface {
	Snapshot() wifi.Status
	LastScan() ([]wifi.Network, time.Time, bool)
	SubmitCredentials(ctx context.Context, ssid, psk string) error
}

// Config configures the portal listeners.
type Config struct {
	// Addr is the HTTP listen address. Default: 0.0.0.0:8080
	Addr string
	// DNSAddr is the UDP listen address of the DNS responder. Empty disables it.
	DNSAddr string
	// APIP is the address every DNS answer and redirect points at.
	APIP string

	// SubmitRate and SubmitBurst bound credential submissions across all
	// clients. Defaults: one per second, burst of 5.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// Server is the captive portal. Start and Stop make it a
// wifi.PortalController.
type Server struct {
	mu sync.Mutex

	cfg     Config
	prov    Provisioner
	limiter *rate.Limiter
	url     string

	httpSrv *http.Server
	dnsSrv  *dns.Server
	running bool
}

// New creates a stopped portal.
func New(prov Provisioner, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.APIP == "" {
		cfg.APIP = "192.168.4.1"
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = rate.Limit(1)
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 5
	}

	return &Server{
		cfg:     cfg,
		prov:    prov,
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		url:     portalURL(cfg.APIP, cfg.Addr),
	}
}

// URL returns the provisioning page address clients are redirected to.
func (s *Server) URL() string {
	return s.url
}

func portalURL(ip, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "80" {
		return "http://" + ip + "/"
	}
	return "http://" + net.JoinHostPort(ip, port) + "/"
}

// Start binds both listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("portal listen %s: %w", s.cfg.Addr, err)
	}

	var dnsSrv *dns.Server
	if s.cfg.DNSAddr != "" {
		pc, err := net.ListenPacket("udp", s.cfg.DNSAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("portal dns listen %s: %w", s.cfg.DNSAddr, err)
		}
		started := make(chan struct{})
		failed := make(chan error, 1)
		dnsSrv = &dns.Server{
			PacketConn:        pc,
			Handler:           dns.HandlerFunc(s.serveDNS),
			NotifyStartedFunc: func() { close(started) },
		}
		go func() {
			if err := dnsSrv.ActivateAndServe(); err != nil {
				log.Printf("portal: dns server stopped: %v", err)
				failed <- err
			}
		}()
		// Shutdown refuses a server that has not finished starting.
		select {
		case <-started:
		case err := <-failed:
			ln.Close()
			return fmt.Errorf("portal dns serve: %w", err)
		}
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("portal: http server stopped: %v", err)
		}
	}()

	s.httpSrv = httpSrv
	s.dnsSrv = dnsSrv
	s.running = true
	log.Printf("portal: serving %s (http %s, dns %s)", s.url, ln.Addr(), s.cfg.DNSAddr)
	return nil
}

// Stop shuts both listeners down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, dnsSrv := s.httpSrv, s.dnsSrv
	s.httpSrv, s.dnsSrv = nil, nil
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running {
		return nil
	}

	var firstErr error
	if dnsSrv != nil {
		if err := dnsSrv.Shutdown(); err != nil {
			firstErr = err
		}
	}
	if err := httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Printf("portal: stopped")
	return firstErr
}

// Running reports whether the portal is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Handler returns the portal HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/portal/scan", s.handleScan)
	mux.HandleFunc("/api/portal/status", s.handleStatus)
	mux.HandleFunc("/api/portal/credentials", s.handleCredentials)
	mux.HandleFunc("/", s.handleRoot)
	return s.captive(mux)
}

// captive redirects requests addressed to any other host, which is how
// phones and laptops detect the portal.
func (s *Server) captive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if host != "" && host != s.cfg.APIP && !strings.EqualFold(host, "localhost") && net.ParseIP(host) == nil {
			http.Redirect(w, r, s.url, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Redirect(w, r, s.url, http.StatusFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, http.StatusMethodNotAllowed, errors.CodeValidationRequest, "Only GET is allowed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(provisioningPage))
}

// ScanResponse is the body of GET /api/portal/scan.
type ScanResponse struct {
	Networks  []wifi.Network `json:"networks"`
	ScannedAt time.Time      `json:"scannedAt"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.CodeValidationRequest, "Only GET is allowed")
		return
	}
	networks, at, ok := s.prov.LastScan()
	if !ok {
		s.writeCoded(w, errors.New(errors.CodeNetworkUnavailable, "no scan has completed yet"))
		return
	}
	if networks == nil {
		networks = []wifi.Network{}
	}
	s.writeJSON(w, http.StatusOK, ScanResponse{Networks: networks, ScannedAt: at})
}

// StatusResponse is the body of GET /api/portal/status.
type StatusResponse struct {
	State  wifi.State `json:"state"`
	Mode   string     `json:"mode"`
	APSSID string     `json:"apSsid"`
	IP     string     `json:"ip"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.CodeValidationRequest, "Only GET is allowed")
		return
	}
	st := s.prov.Snapshot()
	s.writeJSON(w, http.StatusOK, StatusResponse{State: st.State, Mode: st.Mode, APSSID: st.APSSID, IP: st.IP})
}

// CredentialsRequest is the body of POST /api/portal/credentials.
type CredentialsRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// CredentialsResponse acknowledges an accepted submission.
type CredentialsResponse struct {
	Accepted bool   `json:"accepted"`
	SSID     string `json:"ssid"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.CodeValidationRequest, "Only POST is allowed")
		return
	}
	if !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, errors.CodeAuthRateLimited, "Too many submissions, please wait")
		return
	}

	var req CredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		log.Printf("portal: failed to parse credentials: %v", err)
		s.writeError(w, http.StatusBadRequest, errors.CodeValidationRequest, "Invalid JSON body")
		return
	}

	if err := s.prov.SubmitCredentials(r.Context(), req.SSID, req.Password); err != nil {
		log.Printf("portal: credentials for %q rejected: %v", req.SSID, err)
		s.writeCoded(w, err)
		return
	}

	log.Printf("portal: credentials for %q accepted", req.SSID)
	s.writeJSON(w, http.StatusAccepted, CredentialsResponse{Accepted: true, SSID: req.SSID})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends a JSON error response with taxonomy code and next action.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errors.NewErrorResponse(code, message))
}

func (s *Server) writeCoded(w http.ResponseWriter, err error) {
	code, msg := errors.ToCodeAndMessage(err)
	s.writeError(w, errors.HTTPStatus(code), code, msg)
}

func (s *Server) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	reply := buildReply(req, net.ParseIP(s.cfg.APIP))
	if err := w.WriteMsg(reply); err != nil {
		log.Printf("portal: dns reply failed: %v", err)
	}
}

// buildReply answers every A question with ip. Other types get an empty
// answer so clients fall back to IPv4.
func buildReply(req *dns.Msg, ip net.IP) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	m.RecursionAvailable = false

	ip4 := ip.To4()
	if ip4 == nil {
		return m
	}
	for _, q := range req.Question {
		if q.Qclass != dns.ClassINET {
			continue
		}
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   ip4,
		})
	}
	return m
}
