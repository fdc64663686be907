package partition

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/storage"
)

// Staging is exclusive write access to the inactive slot. Exactly one
// Staging exists at a time; it ends with Commit or Abort.
type Staging struct {
	s      *Scheduler
	target SlotID
	w      io.WriteCloser

	closeOnce sync.Once
	closeErr  error
	done      bool
}

// BeginStaging marks the inactive slot Invalid, persists that, and opens it
// for writing. It is refused while another staging is open and while the
// active slot is still on trial, because the inactive slot is then the
// fallback image.
func (s *Scheduler) BeginStaging() (*Staging, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.booted {
		return nil, errors.PartitionBusy("boot decision not made yet")
	}
	if s.staging {
		return nil, errors.PartitionBusy("another image is being staged")
	}
	if s.record.ActiveSlot().Status == StatusPending {
		return nil, errors.PartitionBusy("active firmware is still on trial")
	}

	rec := s.record.Clone()
	target := rec.Inactive()
	rec.Slots[target] = Slot{ID: target, Status: StatusInvalid, UpdatedAt: s.opts.Now()}
	if rec.Next != nil && *rec.Next == target {
		rec.Next = nil
	}
	if err := s.persistLocked(rec); err != nil {
		return nil, err
	}

	w, err := s.flash.OpenSlot(target)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, fmt.Sprintf("open slot %s", target), err)
	}

	s.staging = true
	log.Printf("partition: staging into slot %s", target)
	return &Staging{s: s, target: target, w: w}, nil
}

// Target returns the slot being written.
func (st *Staging) Target() SlotID {
	return st.target
}

// Write streams image bytes into the slot.
func (st *Staging) Write(p []byte) (int, error) {
	if st.done {
		return 0, fmt.Errorf("staging of slot %s already finished", st.target)
	}
	return st.w.Write(p)
}

// Commit verifies the written image against meta by reading it back, marks
// the slot Pending and names it Next. The active slot is untouched; the
// staged image runs only after a reboot.
func (st *Staging) Commit(meta ImageMeta) error {
	if st.done {
		return fmt.Errorf("staging of slot %s already finished", st.target)
	}

	if err := st.closeWriter(); err != nil {
		st.Abort(fmt.Sprintf("close slot: %v", err))
		return errors.Wrap(errors.CodeInternal, "close slot image", err)
	}

	digest, size, err := st.s.flash.Digest(st.target)
	if err != nil {
		st.Abort(fmt.Sprintf("read back slot: %v", err))
		return errors.Wrap(errors.CodeInternal, "read back slot image", err)
	}
	if size != meta.Size || !strings.EqualFold(digest, meta.SHA256) {
		st.Abort("read-back digest mismatch")
		return errors.ChecksumMismatch(meta.SHA256, digest)
	}

	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record.Clone()
	rec.Slots[st.target] = Slot{
		ID:        st.target,
		Status:    StatusPending,
		SHA256:    strings.ToLower(meta.SHA256),
		Size:      meta.Size,
		Version:   meta.Version,
		UpdatedAt: s.opts.Now(),
	}
	rec.Next = slotPtr(st.target)
	if err := s.persistLocked(rec); err != nil {
		st.finishLocked()
		return err
	}

	st.finishLocked()
	log.Printf("partition: slot %s staged as next boot (%d bytes, sha256 %s)", st.target, meta.Size, meta.SHA256)
	s.recordEventLocked(storage.EventFirmware, "", fmt.Sprintf("slot %s staged, version %q", st.target, meta.Version))
	return nil
}

// Abort ends the staging without touching the record again: the slot was
// marked Invalid before the first byte was written and stays that way.
// Safe to call more than once and after Commit.
func (st *Staging) Abort(reason string) {
	st.closeWriter()

	s := st.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.done {
		return
	}
	st.finishLocked()
	log.Printf("partition: staging of slot %s aborted: %s", st.target, reason)
}

func (st *Staging) closeWriter() error {
	st.closeOnce.Do(func() {
		st.closeErr = st.w.Close()
	})
	return st.closeErr
}

func (st *Staging) finishLocked() {
	st.done = true
	st.s.staging = false
}
