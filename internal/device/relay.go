// Package device owns the heater's relay and temperature probe state.
//
// Relay state is an explicit object handed to the HTTP layer by reference;
// nothing in the controller reads or writes it through package globals.
// GPIO and the 1-Wire bus sit behind the RelayDriver and ProbeSource adapters.
package device

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/poolheat/controller/internal/errors"
)

// RelayState is "on" or "off".
type RelayState string

const (
	RelayOn  RelayState = "on"
	RelayOff RelayState = "off"
)

// ParseRelayState accepts exactly "on" or "off".
func ParseRelayState(s string) (RelayState, error) {
	switch RelayState(s) {
	case RelayOn, RelayOff:
		return RelayState(s), nil
	default:
		return "", errors.New(errors.CodeValidationRelayState,
			fmt.Sprintf("relay state must be \"on\" or \"off\", got %q", s))
	}
}

// RelayDriver switches the physical relay.
type RelayDriver interface {
	SetRelay(on bool) error
}

// MemoryDriver is a RelayDriver that only remembers the last value.
type MemoryDriver struct {
	mu sync.Mutex
	on bool
}

// SetRelay implements RelayDriver.
func (d *MemoryDriver) SetRelay(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = on
	return nil
}

// On reports the last value written.
func (d *MemoryDriver) On() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

// RelayStatus is the relay part of the status surface.
type RelayStatus struct {
	State      RelayState `json:"state"`
	LastChange *time.Time `json:"lastChange"`
}

// Relay owns the relay state.
type Relay struct {
	mu sync.Mutex

	driver     RelayDriver
	now        func() time.Time
	state      RelayState
	lastChange time.Time
	listeners  []func(RelayStatus)
}

// NewRelay drives the relay to initial and returns its owner.
// now defaults to time.Now.
func NewRelay(driver RelayDriver, initial RelayState, now func() time.Time) (*Relay, error) {
	if now == nil {
		now = time.Now
	}
	if _, err := ParseRelayState(string(initial)); err != nil {
		return nil, err
	}
	if err := driver.SetRelay(initial == RelayOn); err != nil {
		return nil, fmt.Errorf("apply boot relay state: %w", err)
	}
	log.Printf("device: relay %s at boot", initial)
	return &Relay{driver: driver, now: now, state: initial}, nil
}

// OnChange registers fn to be called after every state change.
func (r *Relay) OnChange(fn func(RelayStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Set switches the relay. Setting the current state again is a no-op that
// keeps lastChange.
func (r *Relay) Set(state RelayState) (RelayStatus, error) {
	if _, err := ParseRelayState(string(state)); err != nil {
		return RelayStatus{}, err
	}

	r.mu.Lock()
	if state == r.state {
		st := r.statusLocked()
		r.mu.Unlock()
		return st, nil
	}
	if err := r.driver.SetRelay(state == RelayOn); err != nil {
		r.mu.Unlock()
		return RelayStatus{}, errors.Wrap(errors.CodeInternal, "switch relay", err)
	}
	r.state = state
	r.lastChange = r.now()
	st := r.statusLocked()
	listeners := append([]func(RelayStatus){}, r.listeners...)
	r.mu.Unlock()

	log.Printf("device: relay switched %s", state)
	for _, fn := range listeners {
		fn(st)
	}
	return st, nil
}

// Status returns the current relay state.
func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Relay) statusLocked() RelayStatus {
	st := RelayStatus{State: r.state}
	if !r.lastChange.IsZero() {
		t := r.lastChange
		st.LastChange = &t
	}
	return st
}
