package device

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Probe is one temperature sensor.
type Probe struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Fahrenheit  *float64   `json:"fahrenheit"`
	LastUpdated *time.Time `json:"lastUpdated"`
	Enabled     bool       `json:"enabled"`
}

// ProbeSource reads the probe bus.
type ProbeSource interface {
	ReadProbes(ctx context.Context) ([]Probe, error)
}

// StaticProbes is a ProbeSource returning fixed readings, stamped at read time.
type StaticProbes struct {
	Probes []Probe
	Now    func() time.Time
}

// DefaultStaticProbes returns the two probes of the reference installation.
func DefaultStaticProbes() *StaticProbes {
	return &StaticProbes{Probes: []Probe{
		{ID: "28-00000abcd123", Name: "Pool Return", Fahrenheit: floatPtr(74.8), Enabled: true},
		{ID: "28-00000abcd456", Name: "Roof", Fahrenheit: floatPtr(102.9), Enabled: true},
	}}
}

// ReadProbes implements ProbeSource.
func (s *StaticProbes) ReadProbes(ctx context.Context) ([]Probe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now()
	out := make([]Probe, len(s.Probes))
	for i, p := range s.Probes {
		p.LastUpdated = &t
		out[i] = p
	}
	return out, nil
}

// Inventory caches the last probe reading for the status surface.
type Inventory struct {
	src ProbeSource

	mu      sync.RWMutex
	probes  []Probe
	lastErr error
}

// NewInventory creates an empty inventory over src.
func NewInventory(src ProbeSource) *Inventory {
	return &Inventory{src: src}
}

// Init performs the first read. A nil error means the sensor subsystem is up.
func (inv *Inventory) Init(ctx context.Context) error {
	if err := inv.Refresh(ctx); err != nil {
		return err
	}
	inv.mu.RLock()
	n := len(inv.probes)
	inv.mu.RUnlock()
	if n == 0 {
		return fmt.Errorf("no temperature probes found")
	}
	log.Printf("device: %d probes online", n)
	return nil
}

// Refresh re-reads the bus. The previous reading is kept on failure.
func (inv *Inventory) Refresh(ctx context.Context) error {
	probes, err := inv.src.ReadProbes(ctx)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.lastErr = err
	if err != nil {
		return fmt.Errorf("read probes: %w", err)
	}
	inv.probes = probes
	return nil
}

// Run refreshes every interval until ctx is done.
func (inv *Inventory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := inv.Refresh(ctx); err != nil {
				log.Printf("device: %v", err)
			}
		}
	}
}

// Probes returns a copy of the last reading. Never nil.
func (inv *Inventory) Probes() []Probe {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Probe, len(inv.probes))
	copy(out, inv.probes)
	return out
}

func floatPtr(f float64) *float64 {
	return &f
}
