package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/wifi"
)

// mockProvisioner implements Provisioner for tests.
type mockProvisioner struct {
	mu        sync.Mutex
	state     wifi.State
	networks  []wifi.Network
	scanned   bool
	submitted []string
}

func (m *mockProvisioner) Snapshot() wifi.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wifi.Status{State: m.state, Mode: "AP", APSSID: "Solar-Heater", IP: "192.168.4.1"}
}

func (m *mockProvisioner) LastScan() ([]wifi.Network, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.networks, time.Now(), m.scanned
}

func (m *mockProvisioner) SubmitCredentials(ctx context.Context, ssid, psk string) error {
	if err := wifi.ValidateCredential(ssid, psk); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.APMode() {
		return errors.New(errors.CodeConflictNotPortal, "not provisioning")
	}
	m.submitted = append(m.submitted, ssid)
	return nil
}

func newTestPortal(prov *mockProvisioner) *Server {
	return New(prov, Config{Addr: "0.0.0.0:8080", APIP: "192.168.4.1", SubmitRate: rate.Inf})
}

func portalRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Host = "192.168.4.1"
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestCredentials_Accepted(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateProvisioning}
	s := newTestPortal(prov)

	body, _ := json.Marshal(CredentialsRequest{SSID: "Backyard", Password: "secret123"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, portalRequest(http.MethodPost, "/api/portal/credentials", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp CredentialsResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Accepted || resp.SSID != "Backyard" {
		t.Errorf("response = %+v", resp)
	}
	if len(prov.submitted) != 1 {
		t.Errorf("submitted = %v", prov.submitted)
	}
}

func TestCredentials_ValidationKeepsPortalOpen(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateProvisioning}
	s := newTestPortal(prov)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"empty ssid", `{"ssid":"","password":"secret123"}`, errors.CodeValidationSSID},
		{"long ssid", `{"ssid":"0123456789012345678901234567890123","password":""}`, errors.CodeValidationSSID},
		{"short password", `{"ssid":"Backyard","password":"abc"}`, errors.CodeValidationPSK},
		{"malformed", `{"ssid":`, errors.CodeValidationRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, portalRequest(http.MethodPost, "/api/portal/credentials", []byte(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			resp := decodeError(t, rec)
			if resp.ErrorCode != tt.wantCode || resp.NextAction == "" {
				t.Errorf("error = %+v, want %s", resp, tt.wantCode)
			}
		})
	}
	if len(prov.submitted) != 0 {
		t.Errorf("invalid submissions reached the manager: %v", prov.submitted)
	}
}

func TestCredentials_NotProvisioning(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateConnected}
	s := newTestPortal(prov)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, portalRequest(http.MethodPost, "/api/portal/credentials",
		[]byte(`{"ssid":"Backyard","password":"secret123"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCredentials_RateLimited(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateProvisioning}
	s := New(prov, Config{APIP: "192.168.4.1", SubmitRate: rate.Every(time.Hour), SubmitBurst: 2})

	body := []byte(`{"ssid":"Backyard","password":"secret123"}`)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, portalRequest(http.MethodPost, "/api/portal/credentials", body))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d status = %d", i+1, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, portalRequest(http.MethodPost, "/api/portal/credentials", body))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third submission status = %d, want 429", rec.Code)
	}
}

func TestScan(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateProvisioning}
	s := newTestPortal(prov)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, portalRequest(http.MethodGet, "/api/portal/scan", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("scan before first result status = %d, want 503", rec.Code)
	}

	prov.mu.Lock()
	prov.scanned = true
	prov.networks = []wifi.Network{{SSID: "Backyard", RSSI: -60, Secure: true}}
	prov.mu.Unlock()

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, portalRequest(http.MethodGet, "/api/portal/scan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ScanResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Networks) != 1 || resp.Networks[0].SSID != "Backyard" || !resp.Networks[0].Secure {
		t.Errorf("networks = %+v", resp.Networks)
	}
}

func TestRedirects(t *testing.T) {
	s := newTestPortal(&mockProvisioner{state: wifi.StateProvisioning})

	tests := []struct {
		name, host, path string
		wantStatus       int
	}{
		{"page", "192.168.4.1", "/", http.StatusOK},
		{"unknown path", "192.168.4.1", "/hotspot-detect.html", http.StatusFound},
		{"foreign host", "connectivitycheck.gstatic.com", "/generate_204", http.StatusFound},
		{"foreign host api path", "captive.apple.com", "/api/portal/status", http.StatusFound},
		{"status", "192.168.4.1:8080", "/api/portal/status", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Host = tt.host
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusFound {
				if loc := rec.Header().Get("Location"); loc != "http://192.168.4.1:8080/" {
					t.Errorf("Location = %q", loc)
				}
			}
		})
	}
}

func TestPortalURL(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:80":   "http://192.168.4.1/",
		"0.0.0.0:8080": "http://192.168.4.1:8080/",
		"garbage":      "http://192.168.4.1/",
	}
	for addr, want := range tests {
		if got := portalURL("192.168.4.1", addr); got != want {
			t.Errorf("portalURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestBuildReply(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("connectivitycheck.gstatic.com.", dns.TypeA)

	reply := buildReply(req, net.ParseIP("192.168.4.1"))
	if reply.Id != req.Id || !reply.Response || !reply.Authoritative {
		t.Errorf("reply header = %+v", reply.MsgHdr)
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(reply.Answer))
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.ParseIP("192.168.4.1")) || a.Hdr.Name != "connectivitycheck.gstatic.com." {
		t.Errorf("answer = %v", reply.Answer[0])
	}

	aaaa := new(dns.Msg)
	aaaa.SetQuestion("example.com.", dns.TypeAAAA)
	if reply := buildReply(aaaa, net.ParseIP("192.168.4.1")); len(reply.Answer) != 0 {
		t.Errorf("AAAA answers = %v", reply.Answer)
	}
}

func TestStartStop(t *testing.T) {
	prov := &mockProvisioner{state: wifi.StateProvisioning}
	s := New(prov, Config{Addr: "127.0.0.1:0", DNSAddr: "127.0.0.1:0", APIP: "192.168.4.1"})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	if err := s.Start(); err != nil {
		t.Errorf("second Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
