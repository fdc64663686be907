// Package partition keeps the dual-slot firmware bookkeeping.
//
// Two fixed slots, A and B, live in a [2]Slot arena indexed by SlotID. The
// record names the Active slot (the one the boot loader runs), an optional
// Next slot staged for the following boot, and an optional Fallback slot that
// a trial boot reverts to. The record is rewritten atomically on every change.
package partition

import (
	"encoding/json"
	"fmt"
	"time"
)

// SlotID indexes the slot arena.
type SlotID int

// The two slots.
const (
	SlotA SlotID = 0
	SlotB SlotID = 1
)

// String returns "A" or "B".
func (id SlotID) String() string {
	switch id {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return fmt.Sprintf("SlotID(%d)", int(id))
	}
}

// Other returns the opposite slot.
func (id SlotID) Other() SlotID {
	return 1 - id
}

// Valid reports whether id names a slot.
func (id SlotID) Valid() bool {
	return id == SlotA || id == SlotB
}

// MarshalText encodes the slot as "A" or "B".
func (id SlotID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid slot id %d", int(id))
	}
	return []byte(id.String()), nil
}

// UnmarshalText decodes "A" or "B".
func (id *SlotID) UnmarshalText(b []byte) error {
	switch string(b) {
	case "A", "a":
		*id = SlotA
	case "B", "b":
		*id = SlotB
	default:
		return fmt.Errorf("invalid slot id %q", b)
	}
	return nil
}

// ParseSlotID parses "A" or "B".
func ParseSlotID(s string) (SlotID, error) {
	var id SlotID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// Status is the health of the image held by a slot.
type Status string

const (
	// StatusValid marks an image that passed its post-boot health check.
	StatusValid Status = "valid"
	// StatusPending marks an image that is staged or on trial.
	StatusPending Status = "pending"
	// StatusInvalid marks an empty, partially written or rejected slot.
	StatusInvalid Status = "invalid"
)

// Role is derived from the record, never stored per slot.
type Role string

const (
	RoleActive   Role = "active"
	RoleInactive Role = "inactive"
)

// Slot is one entry of the arena.
type Slot struct {
	ID           SlotID    `json:"id"`
	Status       Status    `json:"status"`
	BootAttempts int       `json:"bootAttempts"`
	SHA256       string    `json:"sha256,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Version      string    `json:"version,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Record is the persisted partition state.
type Record struct {
	Active   SlotID  `json:"active"`
	Fallback *SlotID `json:"fallback,omitempty"`
	Next     *SlotID `json:"next,omitempty"`
	Slots    [2]Slot `json:"slots"`
}

// ImageMeta describes a fully received image.
type ImageMeta struct {
	SHA256  string
	Size    int64
	Version string
}

// FreshRecord is the state of a device that has never taken an update:
// slot A holds the factory image, slot B is empty.
func FreshRecord(now time.Time) Record {
	return Record{
		Active: SlotA,
		Slots: [2]Slot{
			{ID: SlotA, Status: StatusValid, Version: "factory", UpdatedAt: now},
			{ID: SlotB, Status: StatusInvalid, UpdatedAt: now},
		},
	}
}

// Role returns the role of slot id.
func (r Record) Role(id SlotID) Role {
	if id == r.Active {
		return RoleActive
	}
	return RoleInactive
}

// ActiveSlot returns the active slot entry.
func (r Record) ActiveSlot() Slot {
	return r.Slots[r.Active]
}

// Inactive returns the slot that OTA writes into.
func (r Record) Inactive() SlotID {
	return r.Active.Other()
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	if r.Fallback != nil {
		f := *r.Fallback
		c.Fallback = &f
	}
	if r.Next != nil {
		n := *r.Next
		c.Next = &n
	}
	return c
}

// Validate checks the record invariants:
//   - the arena is indexed by id
//   - the active slot is never Invalid
//   - a Pending active slot is on trial and has a Valid fallback
//   - a staged Next slot is the inactive one and is Pending
func (r Record) Validate() error {
	for i, slot := range r.Slots {
		if slot.ID != SlotID(i) {
			return fmt.Errorf("slot %d carries id %s", i, slot.ID)
		}
		switch slot.Status {
		case StatusValid, StatusPending, StatusInvalid:
		default:
			return fmt.Errorf("slot %s has unknown status %q", slot.ID, slot.Status)
		}
	}
	if !r.Active.Valid() {
		return fmt.Errorf("active slot %d out of range", int(r.Active))
	}

	active := r.Slots[r.Active]
	switch active.Status {
	case StatusInvalid:
		return fmt.Errorf("active slot %s is invalid", r.Active)
	case StatusPending:
		if r.Fallback == nil {
			return fmt.Errorf("pending active slot %s has no fallback", r.Active)
		}
	}

	if r.Fallback != nil {
		if *r.Fallback == r.Active {
			return fmt.Errorf("fallback equals active slot %s", r.Active)
		}
		if r.Slots[*r.Fallback].Status != StatusValid {
			return fmt.Errorf("fallback slot %s is not valid", *r.Fallback)
		}
		if active.Status != StatusPending {
			return fmt.Errorf("fallback set while active slot %s is %s", r.Active, active.Status)
		}
	}

	if r.Next != nil {
		if *r.Next == r.Active {
			return fmt.Errorf("next equals active slot %s", r.Active)
		}
		if r.Slots[*r.Next].Status != StatusPending {
			return fmt.Errorf("next slot %s is not pending", *r.Next)
		}
	}
	return nil
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func slotPtr(id SlotID) *SlotID {
	return &id
}
