package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/storage"
)

// fakeRebooter records reboot requests.
type fakeRebooter struct {
	reasons chan string
}

func newFakeRebooter() *fakeRebooter {
	return &fakeRebooter{reasons: make(chan string, 4)}
}

func (r *fakeRebooter) Reboot(reason string) {
	r.reasons <- reason
}

type testRig struct {
	store    *storage.SQLiteStore
	flash    *FileFlash
	rebooter *fakeRebooter
	opts     Options
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	flash, err := NewFileFlash(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{
		store:    store,
		flash:    flash,
		rebooter: newFakeRebooter(),
		opts:     Options{Events: store},
	}
}

// boot simulates a power cycle: a new scheduler over the same storage.
func (r *testRig) boot(t *testing.T) (*Scheduler, BootResult) {
	t.Helper()
	s := NewScheduler(r.store, r.flash, r.rebooter, r.opts)
	res, err := s.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return s, res
}

func stageImage(t *testing.T, s *Scheduler, image []byte) SlotID {
	t.Helper()
	st, err := s.BeginStaging()
	if err != nil {
		t.Fatalf("BeginStaging failed: %v", err)
	}
	if _, err := st.Write(image); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	sum := sha256.Sum256(image)
	if err := st.Commit(ImageMeta{SHA256: hex.EncodeToString(sum[:]), Size: int64(len(image)), Version: "2.0.0"}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return st.Target()
}

func TestBoot_FreshDevice(t *testing.T) {
	rig := newRig(t)
	s, res := rig.boot(t)

	if res.Active != SlotA || res.Status != StatusValid || res.Trial || res.RolledBack {
		t.Errorf("fresh boot result = %+v", res)
	}
	rec := s.Record()
	if rec.Slots[SlotB].Status != StatusInvalid {
		t.Errorf("slot B status = %s, want invalid", rec.Slots[SlotB].Status)
	}
	if s.StartHealthCheck(context.Background()) {
		t.Error("health check should not run for a valid slot")
	}
}

func TestStageTrialPromoteBySubsystems(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)

	target := stageImage(t, s, []byte("firmware v2"))
	if target != SlotB {
		t.Fatalf("staged into %s, want B", target)
	}

	rec := s.Record()
	if rec.Active != SlotA {
		t.Errorf("active changed before reboot: %s", rec.Active)
	}
	if rec.Next == nil || *rec.Next != SlotB || rec.Slots[SlotB].Status != StatusPending {
		t.Fatalf("staged record = %+v", rec)
	}

	s2, res := rig.boot(t)
	if !res.Trial || res.Active != SlotB || res.Status != StatusPending || res.BootAttempts != 1 {
		t.Fatalf("trial boot result = %+v", res)
	}
	rec = s2.Record()
	if rec.Fallback == nil || *rec.Fallback != SlotA {
		t.Fatalf("fallback = %v, want A", rec.Fallback)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !s2.StartHealthCheck(ctx) {
		t.Fatal("StartHealthCheck returned false for a pending slot")
	}

	s2.ReportSubsystem(SubsystemNetwork)
	if s2.Record().ActiveSlot().Status != StatusPending {
		t.Fatal("promoted before every subsystem reported")
	}
	s2.ReportSubsystem(SubsystemSensors)

	rec = s2.Record()
	if rec.ActiveSlot().Status != StatusValid || rec.Fallback != nil || rec.ActiveSlot().BootAttempts != 0 {
		t.Errorf("after promotion = %+v", rec)
	}
	if s2.Health().Running {
		t.Error("health check still running after promotion")
	}

	// Promotion survives the next power cycle.
	_, res = rig.boot(t)
	if res.Active != SlotB || res.Status != StatusValid || res.Trial {
		t.Errorf("boot after promotion = %+v", res)
	}
}

func TestPromoteByStatusResponses(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("firmware v2"))

	s2, _ := rig.boot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s2.StartHealthCheck(ctx)

	s2.ReportStatusOK()
	s2.ReportStatusOK()
	s2.ReportStatusFailure()
	s2.ReportStatusOK()
	s2.ReportStatusOK()
	if s2.Record().ActiveSlot().Status != StatusPending {
		t.Fatal("promoted without three consecutive successes")
	}
	if got := s2.Health().StatusOK; got != 2 {
		t.Errorf("StatusOK = %d, want 2", got)
	}
	s2.ReportStatusOK()
	if s2.Record().ActiveSlot().Status != StatusValid {
		t.Error("not promoted after three consecutive successes")
	}
}

// TestBootAttemptsCeiling simulates abrupt resets while the new slot is
// pending: no health check ever completes.
func TestBootAttemptsCeiling(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("crashy firmware"))

	for attempt := 1; attempt <= 3; attempt++ {
		_, res := rig.boot(t)
		if res.Active != SlotB || res.Status != StatusPending || res.BootAttempts != attempt {
			t.Fatalf("boot %d = %+v", attempt, res)
		}
	}

	s4, res := rig.boot(t)
	if !res.RolledBack || res.Failed != SlotB || res.Active != SlotA || res.Status != StatusValid {
		t.Fatalf("ceiling boot = %+v", res)
	}
	rec := s4.Record()
	if rec.Slots[SlotB].Status != StatusInvalid || rec.Fallback != nil || rec.Next != nil {
		t.Errorf("record after rollback = %+v", rec)
	}

	events, err := rig.store.ListEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == storage.EventBootIntegrity && ev.Code == errors.CodeBootAttemptsExceeded {
			found = true
		}
	}
	if !found {
		t.Error("no boot-integrity event recorded for the rollback")
	}

	// The device stays on A afterwards.
	_, res = rig.boot(t)
	if res.Active != SlotA || res.RolledBack || res.Trial {
		t.Errorf("boot after rollback = %+v", res)
	}
}

func TestHealthTimeoutRollsBackAndReboots(t *testing.T) {
	rig := newRig(t)
	rig.opts.GracePeriod = 20 * time.Millisecond
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("firmware v2"))

	s2, _ := rig.boot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s2.StartHealthCheck(ctx)
	s2.ReportSubsystem(SubsystemNetwork)

	select {
	case reason := <-rig.rebooter.reasons:
		if reason == "" {
			t.Error("empty reboot reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("grace period elapsed without a reboot")
	}

	rec := s2.Record()
	if rec.Active != SlotA || rec.Slots[SlotB].Status != StatusInvalid {
		t.Errorf("record after timeout = %+v", rec)
	}

	_, res := rig.boot(t)
	if res.Active != SlotA || res.Status != StatusValid {
		t.Errorf("boot after timeout = %+v", res)
	}
}

func TestHealthCheckCancelledByContext(t *testing.T) {
	rig := newRig(t)
	rig.opts.GracePeriod = 50 * time.Millisecond
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("firmware v2"))

	s2, _ := rig.boot(t)
	ctx, cancel := context.WithCancel(context.Background())
	s2.StartHealthCheck(ctx)
	cancel()

	select {
	case <-rig.rebooter.reasons:
		t.Fatal("reboot after the health check was cancelled")
	case <-time.After(150 * time.Millisecond):
	}
	if s2.Record().ActiveSlot().Status != StatusPending {
		t.Error("cancelled check should leave the slot pending for the boot ceiling")
	}
}

// TestChecksumMismatchKeepsActiveSlot: a bad image never changes which slot boots.
func TestChecksumMismatchKeepsActiveSlot(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)

	st, err := s.BeginStaging()
	if err != nil {
		t.Fatal(err)
	}
	st.Write([]byte("corrupted image"))
	err = st.Commit(ImageMeta{SHA256: "00", Size: 15})
	if !errors.IsCode(err, errors.CodeChecksumMismatch) {
		t.Fatalf("Commit = %v, want checksum mismatch", err)
	}

	rec := s.Record()
	if rec.Active != SlotA || rec.Next != nil || rec.Slots[SlotB].Status != StatusInvalid {
		t.Errorf("record after mismatch = %+v", rec)
	}

	_, res := rig.boot(t)
	if res.Active != SlotA || res.Trial {
		t.Errorf("boot after mismatch = %+v", res)
	}
}

func TestBeginStaging_Exclusive(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)

	st, err := s.BeginStaging()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.BeginStaging(); !errors.IsCode(err, errors.CodeConflictPartitionBusy) {
		t.Errorf("second BeginStaging = %v, want partition busy", err)
	}

	st.Abort("client went away")
	st.Abort("twice")
	if s.Record().Slots[SlotB].Status != StatusInvalid {
		t.Error("aborted slot is not invalid")
	}

	st2, err := s.BeginStaging()
	if err != nil {
		t.Fatalf("BeginStaging after abort failed: %v", err)
	}
	st2.Abort("done")
}

func TestBeginStaging_RefusedDuringTrial(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("firmware v2"))

	s2, _ := rig.boot(t)
	if _, err := s2.BeginStaging(); !errors.IsCode(err, errors.CodeConflictPartitionBusy) {
		t.Errorf("BeginStaging during trial = %v, want partition busy", err)
	}
}

func TestBeginStaging_InvalidatesBeforeWrite(t *testing.T) {
	rig := newRig(t)
	s, _ := rig.boot(t)
	stageImage(t, s, []byte("firmware v2"))

	// A second upload before rebooting replaces the staged image. The
	// pending slot must be invalid on disk the moment writing starts.
	st, err := s.BeginStaging()
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := rig.store.LoadPartitionRecord()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Slots[SlotB].Status != StatusInvalid || rec.Next != nil {
		t.Errorf("persisted record during staging = %+v", rec)
	}
	st.Abort("test")
}

func TestBoot_CorruptRecord(t *testing.T) {
	rig := newRig(t)
	if _, err := rig.store.SavePartitionRecord([]byte(`{"active":"B","slots":[{"id":"A","status":"valid"},{"id":"B","status":"invalid"}]}`)); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(rig.store, rig.flash, rig.rebooter, rig.opts)
	if _, err := s.Boot(context.Background()); !errors.IsCode(err, errors.CodeBootRecordCorrupt) {
		t.Errorf("Boot = %v, want record corrupt", err)
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{"fresh", func(r *Record) {}, false},
		{"active invalid", func(r *Record) { r.Active = SlotB }, true},
		{"pending without fallback", func(r *Record) { r.Slots[SlotA].Status = StatusPending }, true},
		{"trial", func(r *Record) {
			r.Slots[SlotB].Status = StatusPending
			r.Active = SlotB
			r.Fallback = slotPtr(SlotA)
		}, false},
		{"fallback not valid", func(r *Record) {
			r.Slots[SlotB].Status = StatusPending
			r.Slots[SlotA].Status = StatusInvalid
			r.Active = SlotB
			r.Fallback = slotPtr(SlotA)
		}, true},
		{"next is active", func(r *Record) { r.Next = slotPtr(SlotA) }, true},
		{"next not pending", func(r *Record) { r.Next = slotPtr(SlotB) }, true},
		{"swapped ids", func(r *Record) { r.Slots[0].ID = SlotB }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := FreshRecord(now)
			tt.mutate(&rec)
			err := rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlotIDText(t *testing.T) {
	for _, s := range []string{"A", "b"} {
		if _, err := ParseSlotID(s); err != nil {
			t.Errorf("ParseSlotID(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseSlotID("C"); err == nil {
		t.Error("ParseSlotID(C) should fail")
	}
	if SlotA.Other() != SlotB || SlotB.Other() != SlotA {
		t.Error("Other() is not an involution")
	}
}
