package partition

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/storage"
)

// Subsystems reported by the rest of the controller during the health check.
const (
	SubsystemNetwork = "network"
	SubsystemSensors = "sensors"
)

// RecordStore persists the encoded record with atomic replace semantics.
type RecordStore interface {
	LoadPartitionRecord() ([]byte, int64, error)
	SavePartitionRecord(record []byte) (int64, error)
}

// EventRecorder receives boot-integrity and staging events. Optional.
type EventRecorder interface {
	RecordEvent(ev *storage.DeviceEvent, maxRows int) error
}

// Flash gives write access to slot images and reads them back.
type Flash interface {
	// OpenSlot truncates slot id and returns a writer for its new image.
	OpenSlot(id SlotID) (io.WriteCloser, error)
	// Digest returns the hex SHA-256 and size of the image in slot id.
	Digest(id SlotID) (string, int64, error)
}

// Rebooter restarts the device.
type Rebooter interface {
	Reboot(reason string)
}

// RebooterFunc adapts a function to Rebooter.
type RebooterFunc func(reason string)

// Reboot calls f(reason).
func (f RebooterFunc) Reboot(reason string) { f(reason) }

// Options configures scheduler behavior.
type Options struct {
	// MaxBootAttempts is how many boots a Pending slot gets before the
	// boot-time decision reverts it. Default: 3.
	MaxBootAttempts int

	// GracePeriod bounds the post-boot health check. Default: 2 minutes.
	GracePeriod time.Duration

	// RequiredSubsystems must all report ready to promote the slot.
	// Default: network, sensors.
	RequiredSubsystems []string

	// StatusOKThreshold is the count of consecutive successful status
	// responses that also promotes the slot. Default: 3.
	StatusOKThreshold int

	// Events receives durable boot-integrity events. Optional.
	Events EventRecorder

	// Now returns current time; defaults to time.Now.
	Now func() time.Time
}

// BootResult is the outcome of the boot-time decision.
type BootResult struct {
	Active       SlotID
	Status       Status
	BootAttempts int
	// Trial is set when this boot activated a freshly staged slot.
	Trial bool
	// RolledBack is set when this boot reverted a Pending slot.
	RolledBack bool
	// Failed names the slot that was reverted.
	Failed SlotID
}

// HealthStatus reports the progress of a running health check.
type HealthStatus struct {
	Running    bool      `json:"running"`
	Ready      []string  `json:"ready"`
	StatusOK   int       `json:"statusOk"`
	Deadline   time.Time `json:"deadline"`
	LastResult string    `json:"lastResult,omitempty"`
}

// Scheduler owns the partition record. All mutation happens under mu so a
// health-check promotion and an OTA staging never interleave.
type Scheduler struct {
	mu sync.Mutex

	store    RecordStore
	flash    Flash
	rebooter Rebooter
	opts     Options

	record     Record
	generation int64
	booted     bool
	staging    bool

	health     *healthCheck
	healthGen  uint64
	lastResult string
}

type healthCheck struct {
	gen      uint64
	ready    map[string]bool
	statusOK int
	deadline time.Time
	timer    *time.Timer
}

// NewScheduler creates a scheduler. Boot must be called before any other method.
func NewScheduler(store RecordStore, flash Flash, rebooter Rebooter, opts Options) *Scheduler {
	if opts.MaxBootAttempts <= 0 {
		opts.MaxBootAttempts = 3
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Minute
	}
	if len(opts.RequiredSubsystems) == 0 {
		opts.RequiredSubsystems = []string{SubsystemNetwork, SubsystemSensors}
	}
	if opts.StatusOKThreshold <= 0 {
		opts.StatusOKThreshold = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		store:    store,
		flash:    flash,
		rebooter: rebooter,
		opts:     opts,
	}
}

// Boot makes the boot loader's decision for this start of the process:
//   - a fresh device gets slot A Valid/Active and slot B Invalid
//   - a staged Next slot is activated on trial (Pending, fallback recorded)
//   - a Pending active slot that already used MaxBootAttempts boots is
//     reverted to its fallback
//   - otherwise a Pending active slot's attempt counter is incremented
//
// The decision is persisted before Boot returns, so an abrupt reset at any
// later point counts as a failed boot.
func (s *Scheduler) Boot(ctx context.Context) (BootResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return BootResult{}, err
	}

	raw, gen, err := s.store.LoadPartitionRecord()
	if err != nil {
		return BootResult{}, errors.Wrap(errors.CodeStorageQuery, "load partition record", err)
	}

	now := s.opts.Now()
	var rec Record
	if raw == nil {
		log.Printf("partition: no record found, initializing slot A as active")
		rec = FreshRecord(now)
	} else {
		rec, err = decodeRecord(raw)
		if err != nil {
			return BootResult{}, errors.Wrap(errors.CodeBootRecordCorrupt, "decode partition record", err)
		}
		if err := rec.Validate(); err != nil {
			return BootResult{}, errors.Wrap(errors.CodeBootRecordCorrupt, "partition record invalid", err)
		}
	}
	s.generation = gen

	result := BootResult{}
	switch {
	case rec.Next != nil:
		prev := rec.Active
		next := *rec.Next
		rec.Active = next
		rec.Fallback = slotPtr(prev)
		rec.Next = nil
		rec.Slots[next].BootAttempts = 1
		rec.Slots[next].UpdatedAt = now
		result.Trial = true
		log.Printf("partition: trial boot of slot %s (fallback %s)", next, prev)

	case rec.ActiveSlot().Status == StatusPending:
		if rec.Slots[rec.Active].BootAttempts >= s.opts.MaxBootAttempts {
			result.RolledBack = true
			result.Failed = rec.Active
			msg := fmt.Sprintf("slot %s failed %d boots while pending", rec.Active, rec.Slots[rec.Active].BootAttempts)
			s.rollbackLocked(&rec, errors.CodeBootAttemptsExceeded, msg)
		} else {
			rec.Slots[rec.Active].BootAttempts++
			rec.Slots[rec.Active].UpdatedAt = now
			log.Printf("partition: slot %s pending, boot attempt %d of %d",
				rec.Active, rec.Slots[rec.Active].BootAttempts, s.opts.MaxBootAttempts)
		}
	}

	if err := s.persistLocked(rec); err != nil {
		return BootResult{}, err
	}
	s.booted = true

	active := s.record.ActiveSlot()
	result.Active = s.record.Active
	result.Status = active.Status
	result.BootAttempts = active.BootAttempts
	return result, nil
}

// Record returns a copy of the current record.
func (s *Scheduler) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Generation returns the storage generation of the current record.
func (s *Scheduler) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Health returns the health check progress.
func (s *Scheduler) Health() HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := HealthStatus{LastResult: s.lastResult}
	if s.health == nil {
		return st
	}
	st.Running = true
	st.StatusOK = s.health.statusOK
	st.Deadline = s.health.deadline
	for _, name := range s.opts.RequiredSubsystems {
		if s.health.ready[name] {
			st.Ready = append(st.Ready, name)
		}
	}
	return st
}

// StartHealthCheck arms the grace timer when the active slot is Pending.
// Returns false when there is nothing to check.
func (s *Scheduler) StartHealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.booted || s.health != nil || s.record.ActiveSlot().Status != StatusPending {
		return false
	}

	s.healthGen++
	gen := s.healthGen
	hc := &healthCheck{
		gen:      gen,
		ready:    make(map[string]bool),
		deadline: s.opts.Now().Add(s.opts.GracePeriod),
	}
	hc.timer = time.AfterFunc(s.opts.GracePeriod, func() { s.healthTimeout(gen) })
	s.health = hc

	go func() {
		<-ctx.Done()
		s.cancelHealth(gen)
	}()

	log.Printf("partition: health check started for slot %s (grace %s)", s.record.Active, s.opts.GracePeriod)
	return true
}

// ReportSubsystem marks a subsystem as initialized. Once every required
// subsystem has reported, the pending slot is promoted.
func (s *Scheduler) ReportSubsystem(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == nil {
		return
	}
	if !s.health.ready[name] {
		log.Printf("partition: subsystem %s ready", name)
	}
	s.health.ready[name] = true

	for _, req := range s.opts.RequiredSubsystems {
		if !s.health.ready[req] {
			return
		}
	}
	s.promoteLocked("subsystems ready")
}

// ReportStatusOK counts a successful status response.
func (s *Scheduler) ReportStatusOK() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health == nil {
		return
	}
	s.health.statusOK++
	if s.health.statusOK >= s.opts.StatusOKThreshold {
		s.promoteLocked(fmt.Sprintf("%d consecutive status responses", s.health.statusOK))
	}
}

// ReportStatusFailure breaks a run of successful status responses.
func (s *Scheduler) ReportStatusFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health != nil {
		s.health.statusOK = 0
	}
}

func (s *Scheduler) promoteLocked(why string) {
	rec := s.record.Clone()
	id := rec.Active
	rec.Slots[id].Status = StatusValid
	rec.Slots[id].BootAttempts = 0
	rec.Slots[id].UpdatedAt = s.opts.Now()
	rec.Fallback = nil

	if err := s.persistLocked(rec); err != nil {
		// The slot stays Pending; the next boot or the grace timer decides.
		log.Printf("partition: failed to persist promotion of slot %s: %v", id, err)
		return
	}

	s.stopHealthLocked()
	s.lastResult = "promoted: " + why
	log.Printf("partition: slot %s promoted to valid (%s)", id, why)
	s.recordEventLocked(storage.EventFirmware, "", fmt.Sprintf("slot %s promoted to valid: %s", id, why))
}

func (s *Scheduler) healthTimeout(gen uint64) {
	s.mu.Lock()
	if s.health == nil || s.health.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.record.ActiveSlot().Status != StatusPending {
		s.stopHealthLocked()
		s.mu.Unlock()
		return
	}

	failed := s.record.Active
	rec := s.record.Clone()
	msg := fmt.Sprintf("slot %s missed its %s health check", failed, s.opts.GracePeriod)
	s.rollbackLocked(&rec, errors.CodeBootHealthTimeout, msg)
	err := s.persistLocked(rec)
	s.stopHealthLocked()
	s.mu.Unlock()

	if err != nil {
		// The pending slot still has boot attempts counted; rebooting lets
		// the boot-time ceiling finish the job.
		log.Printf("partition: failed to persist rollback: %v", err)
	}
	s.rebooter.Reboot(msg)
}

func (s *Scheduler) cancelHealth(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health != nil && s.health.gen == gen {
		s.stopHealthLocked()
	}
}

func (s *Scheduler) stopHealthLocked() {
	if s.health == nil {
		return
	}
	s.health.timer.Stop()
	s.health = nil
}

// rollbackLocked reverts rec to its fallback slot.
func (s *Scheduler) rollbackLocked(rec *Record, code, msg string) {
	failed := rec.Active
	fallback := *rec.Fallback

	rec.Slots[failed].Status = StatusInvalid
	rec.Slots[failed].BootAttempts = 0
	rec.Slots[failed].UpdatedAt = s.opts.Now()
	rec.Active = fallback
	rec.Fallback = nil
	rec.Next = nil

	s.lastResult = "rolled back: " + msg
	log.Printf("partition: BOOT-INTEGRITY %s: %s, reverting to slot %s", code, msg, fallback)
	s.recordEventLocked(storage.EventBootIntegrity, code, fmt.Sprintf("%s; reverted to slot %s", msg, fallback))
}

// persistLocked validates, writes and adopts rec.
func (s *Scheduler) persistLocked(rec Record) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrap(errors.CodeInternal, "refusing to persist invalid partition record", err)
	}
	raw, err := encodeRecord(rec)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "encode partition record", err)
	}
	gen, err := s.store.SavePartitionRecord(raw)
	if err != nil {
		return errors.Wrap(errors.CodeStorageSaveFailed, "save partition record", err)
	}
	s.record = rec
	s.generation = gen
	return nil
}

func (s *Scheduler) recordEventLocked(kind, code, msg string) {
	if s.opts.Events == nil {
		return
	}
	ev := &storage.DeviceEvent{
		ID:      uuid.New().String(),
		Kind:    kind,
		Code:    code,
		Message: msg,
		At:      s.opts.Now(),
	}
	if err := s.opts.Events.RecordEvent(ev, storage.DefaultMaxEvents); err != nil {
		log.Printf("partition: failed to record event: %v", err)
	}
}
