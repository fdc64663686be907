package gateway

import (
	"net/http"
	"time"

	"github.com/poolheat/controller/internal/device"
	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
	"github.com/poolheat/controller/internal/wifi"
)

// WifiStatus is the wifi part of the status response.
type WifiStatus struct {
	Mode      string     `json:"mode"`
	State     wifi.State `json:"state"`
	SSID      string     `json:"ssid"`
	Connected bool       `json:"connected"`
	RSSI      *int       `json:"rssi"`
	IP        string     `json:"ip"`
}

// FirmwareInfo describes the running image and the staged one, if any.
type FirmwareInfo struct {
	Version    string     `json:"version"`
	Slot       string     `json:"slot"`
	SHA256     string     `json:"sha256,omitempty"`
	Size       int64      `json:"size"`
	UploadedAt *time.Time `json:"uploadedAt"`
	Staged     bool       `json:"staged"`
	Trial      bool       `json:"trial"`
}

// StatusResponse is the GET /api/status body.
type StatusResponse struct {
	Wifi          WifiStatus         `json:"wifi"`
	Relay         device.RelayStatus `json:"relay"`
	Probes        []device.Probe     `json:"probes"`
	UptimeSeconds int64              `json:"uptimeSeconds"`
	Firmware      FirmwareInfo       `json:"firmware"`
}

// LocalStatusResponse adds controller internals for the CLI.
type LocalStatusResponse struct {
	StatusResponse
	Version        string                 `json:"version"`
	State          wifi.Status            `json:"wifiDetail"`
	Partitions     partition.Record       `json:"partitions"`
	Health         partition.HealthStatus `json:"health"`
	ActiveSessions int                    `json:"activeSessions"`
	EventClients   int                    `json:"eventClients"`
	RecentEvents   []EventEntry           `json:"recentEvents"`
}

// EventEntry is one device event log line.
type EventEntry struct {
	Kind    string    `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// DefaultsPayload is the wire form of DeviceConfig.
type DefaultsPayload struct {
	DefaultState string `json:"default_state"`
	Hysteresis   uint   `json:"hysteresis"`
	MinOnTemp    int    `json:"min_on_temp"`
}

func (s *Server) buildStatus() StatusResponse {
	ws := s.deps.Wifi.Snapshot()
	wifiStatus := WifiStatus{
		Mode:      ws.Mode,
		State:     ws.State,
		SSID:      ws.SSID,
		Connected: ws.Connected,
		IP:        ws.IP,
	}
	if ws.Connected {
		rssi := ws.RSSI
		wifiStatus.RSSI = &rssi
	}
	if ws.State.APMode() {
		wifiStatus.SSID = ws.APSSID
	}

	return StatusResponse{
		Wifi:          wifiStatus,
		Relay:         s.deps.Relay.Status(),
		Probes:        s.deps.Probes.Probes(),
		UptimeSeconds: int64(s.cfg.Now().Sub(s.cfg.StartedAt) / time.Second),
		Firmware:      firmwareInfo(s.deps.Partitions.Record()),
	}
}

// firmwareInfo reports the staged image when one is waiting for a reboot,
// otherwise the running one.
func firmwareInfo(rec partition.Record) FirmwareInfo {
	active := rec.ActiveSlot()
	info := FirmwareInfo{
		Version: active.Version,
		Slot:    active.ID.String(),
		Trial:   active.Status == partition.StatusPending,
	}
	shown := active
	if rec.Next != nil {
		shown = rec.Slots[*rec.Next]
		info.Staged = true
	}
	info.SHA256 = shown.SHA256
	info.Size = shown.Size
	if shown.SHA256 != "" {
		t := shown.UpdatedAt
		info.UploadedAt = &t
	}
	return info
}

// handleStatus counts toward the trial health check only when the whole
// response reached the client.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, s.buildStatus()); err != nil {
		s.deps.Partitions.ReportStatusFailure()
		return
	}
	s.deps.Partitions.ReportStatusOK()
}

func (s *Server) handleLocalStatus(w http.ResponseWriter, r *http.Request) {
	resp := LocalStatusResponse{
		StatusResponse: s.buildStatus(),
		Version:        s.cfg.Version,
		State:          s.deps.Wifi.Snapshot(),
		Partitions:     s.deps.Partitions.Record(),
		Health:         s.deps.Partitions.Health(),
		ActiveSessions: s.deps.Auth.ActiveSessions(),
		EventClients:   s.hub.Count(),
		RecentEvents:   []EventEntry{},
	}

	events, err := s.deps.Store.ListEvents(20)
	if err != nil {
		writeCoded(w, errors.Wrap(errors.CodeStorageQuery, "list device events", err))
		return
	}
	for _, ev := range events {
		resp.RecentEvents = append(resp.RecentEvents, EventEntry{Kind: ev.Kind, Code: ev.Code, Message: ev.Message, At: ev.At})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}
	state, err := device.ParseRelayState(req.State)
	if err != nil {
		writeCoded(w, err)
		return
	}
	st, err := s.deps.Relay.Set(state)
	if err != nil {
		writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ScanResponse is the GET /api/wifi/scan body.
type ScanResponse struct {
	Networks  []wifi.Network `json:"networks"`
	ScannedAt time.Time      `json:"scannedAt"`
}

func (s *Server) handleWifiScan(w http.ResponseWriter, r *http.Request) {
	networks, at, ok := s.deps.Wifi.LastScan()
	if !ok {
		writeError(w, errors.CodeNetworkUnavailable, "no scan has completed yet")
		return
	}
	if networks == nil {
		networks = []wifi.Network{}
	}
	writeJSON(w, http.StatusOK, ScanResponse{Networks: networks, ScannedAt: at})
}

func (s *Server) handleWifiSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}
	cred, err := s.deps.Wifi.SaveAndReconnect(r.Context(), req.SSID, req.Password)
	if err != nil {
		writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"ssid":     cred.SSID,
		"priority": cred.Priority,
	})
}

func (s *Server) handleGetDefaults(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetDeviceConfig()
	if err != nil {
		writeCoded(w, errors.Wrap(errors.CodeStorageQuery, "load defaults", err))
		return
	}
	writeJSON(w, http.StatusOK, DefaultsPayload{
		DefaultState: cfg.DefaultRelayState,
		Hysteresis:   cfg.Hysteresis,
		MinOnTemp:    cfg.MinOnTemp,
	})
}

func (s *Server) handleSaveDefaults(w http.ResponseWriter, r *http.Request) {
	var req DefaultsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}
	cfg := &storage.DeviceConfig{
		DefaultRelayState: req.DefaultState,
		Hysteresis:        req.Hysteresis,
		MinOnTemp:         req.MinOnTemp,
	}
	if err := device.ValidateDefaults(cfg); err != nil {
		writeCoded(w, err)
		return
	}
	if err := s.deps.Store.SaveDeviceConfig(cfg); err != nil {
		writeCoded(w, errors.Wrap(errors.CodeStorageSaveFailed, "save defaults", err))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"probes": s.deps.Probes.Probes()})
}
