package wifi

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Radio is the Wi-Fi hardware boundary. Scan and Connect may block up to the
// context deadline; the Manager calls them from worker goroutines.
type Radio interface {
	Scan(ctx context.Context) ([]Network, error)
	// Connect associates and acquires an address.
	Connect(ctx context.Context, ssid, psk string) (Link, error)
	Disconnect(ctx context.Context) error
	StartAP(ctx context.Context, ssid, psk string) error
	StopAP(ctx context.Context) error
}

// Link is an established station-mode association.
type Link interface {
	SSID() string
	IP() string
	RSSI() int
	// Lost is closed when the association drops.
	Lost() <-chan struct{}
}

// Errors returned by SimRadio.
var (
	ErrNetworkNotFound = errors.New("network not in range")
	ErrWrongPassword   = errors.New("authentication rejected")
	ErrRadioBusy       = errors.New("radio is in access point mode")
)

// SimRadio is an in-memory radio for tests and workstation runs.
type SimRadio struct {
	mu sync.Mutex

	networks  []Network
	passwords map[string]string
	nextIP    int

	scanErrs    []error
	connectErrs []error

	link     *simLink
	apSSID   string
	apUp     bool
	scans    int
	connects int
}

// NewSimRadio creates a radio that sees no networks.
func NewSimRadio() *SimRadio {
	return &SimRadio{passwords: make(map[string]string), nextIP: 20}
}

// AddNetwork puts a network in range. An empty psk makes it open.
func (r *SimRadio) AddNetwork(ssid, psk string, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.networks {
		if n.SSID == ssid {
			r.networks = append(r.networks[:i], r.networks[i+1:]...)
			break
		}
	}
	r.networks = append(r.networks, Network{SSID: ssid, RSSI: rssi, Secure: psk != ""})
	r.passwords[ssid] = psk
}

// RemoveNetwork takes a network out of range. A link to it is dropped.
func (r *SimRadio) RemoveNetwork(ssid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.networks {
		if n.SSID == ssid {
			r.networks = append(r.networks[:i], r.networks[i+1:]...)
			break
		}
	}
	delete(r.passwords, ssid)
	if r.link != nil && r.link.ssid == ssid {
		r.link.drop()
		r.link = nil
	}
}

// FailNextScan makes the next Scan return err.
func (r *SimRadio) FailNextScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErrs = append(r.scanErrs, err)
}

// FailNextConnect makes the next Connect return err.
func (r *SimRadio) FailNextConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErrs = append(r.connectErrs, err)
}

// DropLink simulates a disassociation.
func (r *SimRadio) DropLink() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link != nil {
		r.link.drop()
		r.link = nil
	}
}

// APActive reports whether the access point is up and its SSID.
func (r *SimRadio) APActive() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apUp, r.apSSID
}

// Counts returns how many scans and connects were issued.
func (r *SimRadio) Counts() (scans, connects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans, r.connects
}

// Scan implements Radio.
func (r *SimRadio) Scan(ctx context.Context) ([]Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scans++
	if len(r.scanErrs) > 0 {
		err := r.scanErrs[0]
		r.scanErrs = r.scanErrs[1:]
		return nil, err
	}
	if r.apUp {
		return nil, ErrRadioBusy
	}
	out := make([]Network, len(r.networks))
	copy(out, r.networks)
	return out, nil
}

// Connect implements Radio.
func (r *SimRadio) Connect(ctx context.Context, ssid, psk string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++
	if len(r.connectErrs) > 0 {
		err := r.connectErrs[0]
		r.connectErrs = r.connectErrs[1:]
		return nil, err
	}

	var found *Network
	for i := range r.networks {
		if r.networks[i].SSID == ssid {
			found = &r.networks[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%s: %w", ssid, ErrNetworkNotFound)
	}
	if r.passwords[ssid] != psk {
		return nil, fmt.Errorf("%s: %w", ssid, ErrWrongPassword)
	}

	if r.link != nil {
		r.link.drop()
	}
	r.nextIP++
	r.link = &simLink{
		ssid: ssid,
		ip:   fmt.Sprintf("192.168.1.%d", r.nextIP),
		rssi: found.RSSI,
		lost: make(chan struct{}),
	}
	return r.link, nil
}

// Disconnect implements Radio.
func (r *SimRadio) Disconnect(ctx context.Context) error {
	r.DropLink()
	return nil
}

// StartAP implements Radio.
func (r *SimRadio) StartAP(ctx context.Context, ssid, psk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link != nil {
		r.link.drop()
		r.link = nil
	}
	r.apUp = true
	r.apSSID = ssid
	return nil
}

// StopAP implements Radio.
func (r *SimRadio) StopAP(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apUp = false
	return nil
}

type simLink struct {
	ssid string
	ip   string
	rssi int
	lost chan struct{}
	once sync.Once
}

func (l *simLink) SSID() string          { return l.ssid }
func (l *simLink) IP() string            { return l.ip }
func (l *simLink) RSSI() int             { return l.rssi }
func (l *simLink) Lost() <-chan struct{} { return l.lost }

func (l *simLink) drop() {
	l.once.Do(func() { close(l.lost) })
}
