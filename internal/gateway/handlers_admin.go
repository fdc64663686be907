package gateway

import (
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolheat/controller/internal/device"
	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/ota"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
)

// Firmware upload headers.
const (
	HeaderFirmwareSHA256    = "X-Firmware-SHA256"
	HeaderFirmwareSignature = "X-Firmware-Signature"
	HeaderFirmwareVersion   = "X-Firmware-Version"
)

// FactoryResetConfirmation must be echoed in the factory reset body.
const FactoryResetConfirmation = "factory-reset"

// FirmwareStatus is the GET /api/admin/firmware body.
type FirmwareStatus struct {
	Record   partition.Record       `json:"record"`
	Health   partition.HealthStatus `json:"health"`
	Progress ota.Progress           `json:"progress"`
	MaxSize  int64                  `json:"maxSize"`
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}
	if !req.Confirm {
		writeCoded(w, errors.NotConfirmed("reboot", "true"))
		return
	}

	// Held until the process goes away; nothing else may start meanwhile.
	if !s.admin.TryLock() {
		writeCoded(w, errors.AdminInProgress("another admin action"))
		return
	}

	s.recordAdminEvent("", "reboot requested over the API")
	s.scheduleReboot("reboot requested over the API")
	writeJSON(w, http.StatusAccepted, map[string]bool{"rebooting": true})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm json.RawMessage `json:"confirm"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}
	var confirm string
	if err := json.Unmarshal(req.Confirm, &confirm); err != nil || confirm != FactoryResetConfirmation {
		writeCoded(w, errors.NotConfirmed("factory reset", FactoryResetConfirmation))
		return
	}

	if !s.admin.TryLock() {
		writeCoded(w, errors.AdminInProgress("another admin action"))
		return
	}
	defer s.admin.Unlock()

	if err := s.deps.Store.FactoryReset(); err != nil {
		writeCoded(w, errors.Wrap(errors.CodeStorageSaveFailed, "factory reset", err))
		return
	}
	s.recordAdminEvent("", "factory reset")

	if _, err := s.deps.Relay.Set(device.RelayState(storage.DefaultDeviceConfig().DefaultRelayState)); err != nil {
		log.Printf("gateway: failed to restore default relay state: %v", err)
	}
	if err := s.deps.Wifi.Reprovision(r.Context(), "factory reset"); err != nil {
		log.Printf("gateway: failed to restart provisioning: %v", err)
	}

	// Written before the sessions go, since this request's own token is
	// among them.
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	s.deps.Auth.Reset()
}

func (s *Server) handleFirmwareUpload(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/octet-stream" {
		writeError(w, errors.CodeValidationContentType, "firmware must be sent as application/octet-stream")
		return
	}
	if r.ContentLength <= 0 {
		writeError(w, errors.CodeFirmwareSizeInvalid, "Content-Length is required")
		return
	}
	limit := s.deps.Firmware.MaxImageSize()
	if r.ContentLength > limit {
		writeCoded(w, errors.FirmwareTooLarge(r.ContentLength, limit))
		return
	}

	req := ota.Request{
		DeclaredSize:   r.ContentLength,
		ExpectedSHA256: strings.TrimSpace(r.Header.Get(HeaderFirmwareSHA256)),
		Signature:      strings.TrimSpace(r.Header.Get(HeaderFirmwareSignature)),
		Version:        strings.TrimSpace(r.Header.Get(HeaderFirmwareVersion)),
	}

	s.hub.Broadcast(MessageFirmwareStarted, map[string]int64{"declaredSize": req.DeclaredSize})
	res, err := s.deps.Firmware.Upload(r.Context(), http.MaxBytesReader(w, r.Body, limit+1), req)
	if err != nil {
		s.hub.Broadcast(MessageFirmwareResult, s.deps.Firmware.Progress().Last)
		writeCoded(w, err)
		return
	}

	s.hub.Broadcast(MessageFirmwareResult, res)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"result":          res,
		"rebootInSeconds": res.RebootIn.Seconds(),
	})
}

func (s *Server) handleFirmwareStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, FirmwareStatus{
		Record:   s.deps.Partitions.Record(),
		Health:   s.deps.Partitions.Health(),
		Progress: s.deps.Firmware.Progress(),
		MaxSize:  s.deps.Firmware.MaxImageSize(),
	})
}

func (s *Server) scheduleReboot(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rebootAt != nil {
		return
	}
	log.Printf("gateway: rebooting in %s", s.cfg.RebootDelay)
	s.rebootAt = time.AfterFunc(s.cfg.RebootDelay, func() {
		s.deps.Rebooter.Reboot(reason)
	})
}

func (s *Server) recordAdminEvent(code, msg string) {
	if s.deps.Store == nil {
		return
	}
	ev := &storage.DeviceEvent{
		ID:      uuid.New().String(),
		Kind:    storage.EventAdmin,
		Code:    code,
		Message: msg,
		At:      s.cfg.Now(),
	}
	if err := s.deps.Store.RecordEvent(ev, storage.DefaultMaxEvents); err != nil {
		log.Printf("gateway: failed to record event: %v", err)
	}
}
