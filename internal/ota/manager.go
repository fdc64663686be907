// Package ota receives firmware images over HTTP and stages them into the
// inactive partition slot.
//
// An upload is streamed in fixed chunks straight into the slot while a running
// SHA-256 is computed; the image is never held in memory. Any failure aborts
// the staging, which leaves the slot Invalid and the active slot untouched.
package ota

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
)

// ChunkSize is the streaming buffer size.
const ChunkSize = 4096

// DefaultRebootDelay lets the HTTP response reach the client before the
// device restarts.
const DefaultRebootDelay = 2 * time.Second

// Stager hands out exclusive write access to the inactive slot.
type Stager interface {
	BeginStaging() (*partition.Staging, error)
}

// Options configures the manager.
type Options struct {
	// MaxImageSize is the slot capacity in bytes.
	MaxImageSize int64

	// PublicKey enables signature verification. Nil means checksum-only.
	PublicKey *ecdsa.PublicKey

	// RebootDelay is the wait between a successful commit and the reboot.
	RebootDelay time.Duration

	// Events receives upload outcomes. Optional.
	Events partition.EventRecorder

	// Now returns current time; defaults to time.Now.
	Now func() time.Time
}

// Request describes one upload.
type Request struct {
	DeclaredSize   int64
	ExpectedSHA256 string
	Signature      string
	Version        string
}

// Image is the transient state of the upload in flight.
type Image struct {
	ID                string    `json:"id"`
	DeclaredSize      int64     `json:"declaredSize"`
	Streamed          int64     `json:"streamed"`
	SignatureVerified bool      `json:"signatureVerified"`
	Slot              string    `json:"slot"`
	StartedAt         time.Time `json:"startedAt"`
}

// Result is the outcome of a finished upload.
type Result struct {
	ID                string        `json:"id"`
	OK                bool          `json:"ok"`
	Slot              string        `json:"slot,omitempty"`
	SHA256            string        `json:"sha256,omitempty"`
	Size              int64         `json:"size"`
	Version           string        `json:"version,omitempty"`
	SignatureVerified bool          `json:"signatureVerified"`
	ErrorCode         string        `json:"errorCode,omitempty"`
	Message           string        `json:"message,omitempty"`
	FinishedAt        time.Time     `json:"finishedAt"`
	RebootIn          time.Duration `json:"-"`
}

// Progress is the snapshot served by GET /api/admin/firmware.
type Progress struct {
	Current *Image  `json:"current"`
	Last    *Result `json:"last"`
}

// Manager runs firmware uploads one at a time.
type Manager struct {
	stager   Stager
	rebooter partition.Rebooter
	opts     Options

	// upload is held for the whole upload; TryLock rejects a second one.
	upload sync.Mutex

	mu       sync.Mutex
	current  *Image
	last     *Result
	rebootAt *time.Timer
}

// NewManager creates an OTA manager.
func NewManager(stager Stager, rebooter partition.Rebooter, opts Options) *Manager {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 2 * 1024 * 1024
	}
	if opts.RebootDelay <= 0 {
		opts.RebootDelay = DefaultRebootDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{stager: stager, rebooter: rebooter, opts: opts}
}

// SignatureRequired reports whether uploads must carry a signature.
func (m *Manager) SignatureRequired() bool {
	return m.opts.PublicKey != nil
}

// MaxImageSize returns the configured slot capacity.
func (m *Manager) MaxImageSize() int64 {
	return m.opts.MaxImageSize
}

// Progress returns the upload in flight, if any, and the last outcome.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p Progress
	if m.current != nil {
		img := *m.current
		p.Current = &img
	}
	if m.last != nil {
		res := *m.last
		p.Last = &res
	}
	return p
}

// Upload streams r into the inactive slot. On success the slot is Pending,
// named as next boot, and a reboot is scheduled.
func (m *Manager) Upload(ctx context.Context, r io.Reader, req Request) (*Result, error) {
	if !m.upload.TryLock() {
		return nil, errors.UploadInProgress()
	}
	defer m.upload.Unlock()

	if err := m.checkRequest(req); err != nil {
		return nil, err
	}

	staging, err := m.stager.BeginStaging()
	if err != nil {
		return nil, err
	}

	img := &Image{
		ID:           uuid.New().String(),
		DeclaredSize: req.DeclaredSize,
		Slot:         staging.Target().String(),
		StartedAt:    m.opts.Now(),
	}
	m.mu.Lock()
	m.current = img
	m.mu.Unlock()

	log.Printf("ota: upload %s started into slot %s (%s declared)",
		img.ID, img.Slot, humanize.Bytes(uint64(req.DeclaredSize)))

	res, err := m.stream(ctx, r, req, img, staging)
	if err != nil {
		staging.Abort(err.Error())
		m.finish(img, nil, err)
		return nil, err
	}

	if err := staging.Commit(partition.ImageMeta{SHA256: res.SHA256, Size: res.Size, Version: req.Version}); err != nil {
		m.finish(img, nil, err)
		return nil, err
	}

	res.OK = true
	res.RebootIn = m.opts.RebootDelay
	m.finish(img, res, nil)
	m.scheduleReboot(fmt.Sprintf("firmware %s staged in slot %s", img.ID, img.Slot))
	return res, nil
}

func (m *Manager) checkRequest(req Request) error {
	if req.DeclaredSize <= 0 {
		return errors.New(errors.CodeFirmwareSizeInvalid, "declared image size must be positive")
	}
	if req.DeclaredSize > m.opts.MaxImageSize {
		return errors.FirmwareTooLarge(req.DeclaredSize, m.opts.MaxImageSize)
	}
	if m.opts.PublicKey != nil && req.Signature == "" {
		return errors.New(errors.CodeSignatureMissing, "this controller only accepts signed images")
	}
	if m.opts.PublicKey == nil && req.ExpectedSHA256 == "" {
		return errors.New(errors.CodeChecksumMissing, "image SHA-256 digest is required")
	}
	if req.ExpectedSHA256 != "" {
		if b, err := hex.DecodeString(req.ExpectedSHA256); err != nil || len(b) != sha256.Size {
			return errors.InvalidRequest("expected SHA-256 must be 64 hex characters")
		}
	}
	return nil
}

func (m *Manager) stream(ctx context.Context, r io.Reader, req Request, img *Image, staging *partition.Staging) (*Result, error) {
	hasher := sha256.New()
	lr := io.LimitReader(r, req.DeclaredSize+1)
	buf := make([]byte, ChunkSize)
	var streamed int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.CodeFirmwareAborted, "upload cancelled", err)
		}

		n, readErr := lr.Read(buf)
		if n > 0 {
			if streamed+int64(n) > req.DeclaredSize {
				return nil, errors.New(errors.CodeFirmwareOverrun,
					fmt.Sprintf("stream exceeds declared size of %d bytes", req.DeclaredSize))
			}
			if _, err := staging.Write(buf[:n]); err != nil {
				return nil, errors.Wrap(errors.CodeInternal, "write slot image", err)
			}
			hasher.Write(buf[:n])
			streamed += int64(n)

			m.mu.Lock()
			img.Streamed = streamed
			m.mu.Unlock()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrap(errors.CodeFirmwareAborted,
				fmt.Sprintf("upload interrupted after %d bytes", streamed), readErr)
		}
	}

	if streamed < req.DeclaredSize {
		return nil, errors.FirmwareTruncated(streamed, req.DeclaredSize)
	}

	digest := hasher.Sum(nil)
	digestHex := hex.EncodeToString(digest)
	if req.ExpectedSHA256 != "" && !strings.EqualFold(req.ExpectedSHA256, digestHex) {
		return nil, errors.ChecksumMismatch(strings.ToLower(req.ExpectedSHA256), digestHex)
	}

	verified := false
	if m.opts.PublicKey != nil {
		if err := VerifySignature(m.opts.PublicKey, digest, req.Signature); err != nil {
			return nil, err
		}
		verified = true
		m.mu.Lock()
		img.SignatureVerified = true
		m.mu.Unlock()
	}

	return &Result{
		ID:                img.ID,
		Slot:              img.Slot,
		SHA256:            digestHex,
		Size:              streamed,
		Version:           req.Version,
		SignatureVerified: verified,
	}, nil
}

func (m *Manager) finish(img *Image, res *Result, err error) {
	now := m.opts.Now()
	if res == nil {
		code, msg := errors.ToCodeAndMessage(err)
		res = &Result{
			ID:                img.ID,
			Slot:              img.Slot,
			Size:              img.Streamed,
			SignatureVerified: img.SignatureVerified,
			ErrorCode:         code,
			Message:           msg,
		}
	}
	res.FinishedAt = now

	m.mu.Lock()
	m.current = nil
	last := *res
	m.last = &last
	m.mu.Unlock()

	elapsed := humanize.RelTime(img.StartedAt, now, "", "")
	if res.OK {
		log.Printf("ota: upload %s committed (%s in %s)", img.ID, humanize.Bytes(uint64(res.Size)), strings.TrimSpace(elapsed))
		return
	}
	log.Printf("ota: upload %s failed after %s: %s", img.ID, humanize.Bytes(uint64(img.Streamed)), res.Message)
	m.recordEvent(res.ErrorCode, fmt.Sprintf("upload %s rejected: %s", img.ID, res.Message))
}

func (m *Manager) recordEvent(code, msg string) {
	if m.opts.Events == nil {
		return
	}
	ev := &storage.DeviceEvent{
		ID:      uuid.New().String(),
		Kind:    storage.EventFirmware,
		Code:    code,
		Message: msg,
		At:      m.opts.Now(),
	}
	if err := m.opts.Events.RecordEvent(ev, storage.DefaultMaxEvents); err != nil {
		log.Printf("ota: failed to record event: %v", err)
	}
}

func (m *Manager) scheduleReboot(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebootAt != nil {
		m.rebootAt.Stop()
	}
	log.Printf("ota: rebooting in %s", m.opts.RebootDelay)
	m.rebootAt = time.AfterFunc(m.opts.RebootDelay, func() {
		m.rebooter.Reboot(reason)
	})
}

// Close cancels a pending post-upload reboot.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebootAt != nil {
		m.rebootAt.Stop()
		m.rebootAt = nil
	}
}
