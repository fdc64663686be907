package wifi

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/poolheat/controller/internal/errors"
)

// CredentialStore is the subset of storage the manager needs.
type CredentialStore interface {
	ListCredentials() ([]*Credential, error)
	SaveCredential(cred *Credential) error
}

// PortalController starts and stops the captive portal alongside the AP.
type PortalController interface {
	Start() error
	Stop(ctx context.Context) error
}

// Options configures the manager.
type Options struct {
	Limits Limits

	ScanTimeout    time.Duration // Default: 10s
	ConnectTimeout time.Duration // Default: 20s
	BackoffInitial time.Duration // Default: 1s
	BackoffMax     time.Duration // Default: 60s

	// APRetryInterval is how long Provisioning waits before looking for
	// known networks again. Default: 5 minutes.
	APRetryInterval time.Duration

	APSSID     string
	APPassword string
	APIP       string

	// Now returns current time; defaults to time.Now.
	Now func() time.Time
}

// Status is the status surface read by the HTTP layers.
type Status struct {
	State     State     `json:"state"`
	Mode      string    `json:"mode"`
	SSID      string    `json:"ssid"`
	Connected bool      `json:"connected"`
	RSSI      int       `json:"rssi"`
	IP        string    `json:"ip"`
	APSSID    string    `json:"apSsid,omitempty"`
	Counters  Counters  `json:"counters"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Revision increments monotonically on state transitions.
	Revision int64 `json:"revision"`
}

// TransitionInfo describes one applied transition.
type TransitionInfo struct {
	From     State
	To       State
	Event    string
	Counters Counters
	Status   Status
}

type envelope struct {
	ev Event
	// epoch 0 marks operator events, which are never stale.
	epoch uint64
}

// Manager owns the connection state. All transitions happen on the Run
// goroutine; radio calls run on worker goroutines and report back through
// the event queue.
type Manager struct {
	mu sync.Mutex

	radio  Radio
	store  CredentialStore
	portal PortalController
	opts   Options

	events chan envelope
	done   chan struct{}

	state    State
	counters Counters
	epoch    uint64
	status   Status
	link     Link
	timer    *time.Timer
	backoff  *backoff.ExponentialBackOff

	lastScan   []Network
	lastScanAt time.Time

	listeners []func(TransitionInfo)
	running   bool
}

// NewManager creates a manager in the Disconnected state.
func NewManager(radio Radio, store CredentialStore, opts Options) *Manager {
	def := DefaultLimits()
	if opts.Limits.MaxScanCycles <= 0 {
		opts.Limits.MaxScanCycles = def.MaxScanCycles
	}
	if opts.Limits.MaxConnectAttempts <= 0 {
		opts.Limits.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if opts.Limits.MaxReconnectAttempts <= 0 {
		opts.Limits.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.APRetryInterval <= 0 {
		opts.APRetryInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffInitial
	b.MaxInterval = opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	m := &Manager{
		radio:   radio,
		store:   store,
		opts:    opts,
		events:  make(chan envelope, 32),
		done:    make(chan struct{}),
		state:   StateDisconnected,
		backoff: b,
	}
	m.status = m.buildStatusLocked()
	return m
}

// SetPortal attaches the captive portal. Must be called before Run.
func (m *Manager) SetPortal(p PortalController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portal = p
}

// OnTransition registers fn to be called after every transition.
// Callbacks run outside the manager lock.
func (m *Manager) OnTransition(fn func(TransitionInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns a copy of the status surface.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastScan returns the cached result of the most recent successful scan.
// It never starts a scan. ok is false until the first scan completes.
func (m *Manager) LastScan() (networks []Network, at time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastScanAt.IsZero() {
		return nil, time.Time{}, false
	}
	out := make([]Network, len(m.lastScan))
	copy(out, m.lastScan)
	return out, m.lastScanAt, true
}

// Run drains the event queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("wifi manager already running")
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.mu.Unlock()
		close(m.done)
	}()

	m.handle(ctx, envelope{ev: EventStart{}})

	for {
		select {
		case <-ctx.Done():
			log.Printf("wifi: manager stopped in %s", m.Snapshot().State)
			return ctx.Err()
		case env := <-m.events:
			m.handle(ctx, env)
		}
	}
}

// SubmitCredentials is the captive portal path: the credential is validated,
// written to the store, and only then handed to the state machine. Refused
// unless the access point is up.
func (m *Manager) SubmitCredentials(ctx context.Context, ssid, psk string) error {
	if err := ValidateCredential(ssid, psk); err != nil {
		return err
	}
	if st := m.Snapshot().State; !st.APMode() {
		return errors.New(errors.CodeConflictNotPortal,
			fmt.Sprintf("credentials are accepted here only in AP mode, state is %s", st))
	}

	cred := &Credential{SSID: ssid, PSK: psk}
	if err := m.store.SaveCredential(cred); err != nil {
		return errors.Wrap(errors.CodeStorageSaveFailed, "save credential", err)
	}
	log.Printf("wifi: credential for %q stored with priority %d", ssid, cred.Priority)
	return m.post(ctx, envelope{ev: EventCredentialsSubmitted{SSID: ssid}})
}

// SaveAndReconnect is the authenticated API path: validate, write, then
// restart the search from Scanning in any state.
func (m *Manager) SaveAndReconnect(ctx context.Context, ssid, psk string) (*Credential, error) {
	if err := ValidateCredential(ssid, psk); err != nil {
		return nil, err
	}
	cred := &Credential{SSID: ssid, PSK: psk}
	if err := m.store.SaveCredential(cred); err != nil {
		return nil, errors.Wrap(errors.CodeStorageSaveFailed, "save credential", err)
	}
	log.Printf("wifi: credential for %q stored with priority %d", ssid, cred.Priority)
	if err := m.post(ctx, envelope{ev: EventReprovision{Reason: "credentials changed"}}); err != nil {
		return nil, err
	}
	return cred, nil
}

// Reprovision restarts the search from Scanning.
func (m *Manager) Reprovision(ctx context.Context, reason string) error {
	return m.post(ctx, envelope{ev: EventReprovision{Reason: reason}})
}

func (m *Manager) post(ctx context.Context, env envelope) error {
	select {
	case m.events <- env:
		return nil
	case <-m.done:
		return errors.New(errors.CodeInternal, "wifi manager stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is used by workers and timers; it gives up once Run has exited.
func (m *Manager) postAsync(env envelope) {
	select {
	case m.events <- env:
	case <-m.done:
	}
}

func (m *Manager) handle(ctx context.Context, env envelope) {
	m.mu.Lock()

	if env.epoch != 0 && env.epoch != m.epoch {
		m.mu.Unlock()
		log.Printf("wifi: dropped stale %s event", EventName(env.ev))
		return
	}

	if sc, ok := env.ev.(EventScanComplete); ok {
		if sc.Err != nil {
			m.status.LastError = sc.Err.Error()
		} else {
			m.lastScan = sc.Networks
			m.lastScanAt = m.opts.Now()
		}
	}
	if af, ok := env.ev.(EventAssociationFailed); ok && af.Err != nil {
		m.status.LastError = af.Err.Error()
	}

	from := m.state
	next, counters, actions := Transition(m.state, m.counters, env.ev, m.opts.Limits)
	if next == from && counters == m.counters && len(actions) == 0 {
		m.mu.Unlock()
		log.Printf("wifi: ignored %s event in %s", EventName(env.ev), from)
		return
	}

	m.state = next
	m.counters = counters
	m.epoch++
	epoch := m.epoch

	switch next {
	case StateConnected:
		if a, ok := env.ev.(EventAssociated); ok {
			m.link = a.link
		}
		m.backoff.Reset()
		m.status.LastError = ""
	case StateReconnecting:
		if from == StateConnected {
			m.link = nil
		}
	}
	if _, ok := env.ev.(EventReprovision); ok {
		m.backoff.Reset()
	}
	if _, ok := env.ev.(EventCredentialsSubmitted); ok {
		m.backoff.Reset()
	}

	// Delays are computed here so the backoff is only touched on this goroutine.
	var retryDelay time.Duration
	for _, a := range actions {
		if a.Kind == ActionScheduleRetry {
			retryDelay = m.backoff.NextBackOff()
		}
	}

	m.status = m.buildStatusLocked()
	info := TransitionInfo{From: from, To: next, Event: EventName(env.ev), Counters: counters, Status: m.status}
	listeners := append([]func(TransitionInfo){}, m.listeners...)
	link := m.link
	m.mu.Unlock()

	log.Printf("wifi: %s -> %s (event=%s scans=%d connects=%d reconnects=%d)",
		from, next, info.Event, counters.ScanCycles, counters.ConnectAttempts, counters.ReconnectAttempts)

	if next == StateConnected && link != nil {
		go m.watchLink(link, epoch)
	}

	for _, fn := range listeners {
		fn(info)
	}

	m.execute(ctx, epoch, actions, retryDelay)
}

func (m *Manager) execute(ctx context.Context, epoch uint64, actions []Action, retryDelay time.Duration) {
	var sequential []Action
	for _, a := range actions {
		switch a.Kind {
		case ActionScheduleRetry:
			m.schedule(epoch, retryDelay)
		case ActionScheduleAPRetry:
			m.scheduleAPRetry(epoch)
		default:
			sequential = append(sequential, a)
		}
	}
	if len(sequential) == 0 {
		return
	}

	go func() {
		for _, a := range sequential {
			switch a.Kind {
			case ActionScan:
				m.scan(ctx, epoch)
			case ActionConnect:
				m.connect(ctx, epoch, a.SSID, a.PSK)
			case ActionDisconnect:
				if err := m.radio.Disconnect(ctx); err != nil {
					log.Printf("wifi: disconnect failed: %v", err)
				}
			case ActionStartAP:
				m.startAP(ctx, epoch)
			case ActionStopAP:
				m.stopAP(ctx)
			}
		}
	}()
}

func (m *Manager) scan(ctx context.Context, epoch uint64) {
	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	networks, err := m.radio.Scan(scanCtx)
	if err != nil {
		m.postAsync(envelope{ev: EventScanComplete{Err: errors.Wrap(errors.CodeNetworkScanFailed, "scan failed", err)}, epoch: epoch})
		return
	}

	known, err := m.store.ListCredentials()
	if err != nil {
		m.postAsync(envelope{ev: EventScanComplete{Networks: networks, Err: errors.Wrap(errors.CodeStorageQuery, "list credentials", err)}, epoch: epoch})
		return
	}
	m.postAsync(envelope{ev: EventScanComplete{Networks: networks, Known: known}, epoch: epoch})
}

func (m *Manager) connect(ctx context.Context, epoch uint64, ssid, psk string) {
	connCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	log.Printf("wifi: connecting to %q", ssid)
	link, err := m.radio.Connect(connCtx, ssid, psk)
	if err != nil {
		code := errors.CodeNetworkConnectFailed
		if connCtx.Err() == context.DeadlineExceeded {
			code = errors.CodeNetworkTimeout
		}
		m.postAsync(envelope{ev: EventAssociationFailed{SSID: ssid, Err: errors.Wrap(code, "connect to "+ssid, err)}, epoch: epoch})
		return
	}
	m.postAsync(envelope{ev: EventAssociated{SSID: link.SSID(), IP: link.IP(), RSSI: link.RSSI(), link: link}, epoch: epoch})
}

func (m *Manager) startAP(ctx context.Context, epoch uint64) {
	if err := m.radio.StartAP(ctx, m.opts.APSSID, m.opts.APPassword); err != nil {
		log.Printf("wifi: access point failed to start: %v", err)
		m.schedule(epoch, m.opts.BackoffMax)
		return
	}
	log.Printf("wifi: access point %q up", m.opts.APSSID)

	m.mu.Lock()
	portal := m.portal
	m.mu.Unlock()
	if portal != nil {
		if err := portal.Start(); err != nil {
			// The AP stays up; the retry timer re-enters startAP from APFallback.
			log.Printf("wifi: captive portal failed to start: %v", err)
			m.schedule(epoch, m.opts.BackoffMax)
			return
		}
	}
	m.postAsync(envelope{ev: EventPortalReady{}, epoch: epoch})
}

func (m *Manager) stopAP(ctx context.Context) {
	m.mu.Lock()
	portal := m.portal
	m.mu.Unlock()
	if portal != nil {
		if err := portal.Stop(ctx); err != nil {
			log.Printf("wifi: captive portal stop failed: %v", err)
		}
	}
	if err := m.radio.StopAP(ctx); err != nil {
		log.Printf("wifi: access point stop failed: %v", err)
	}
}

// schedule arms the retry timer. A newer transition makes the timer's event
// stale, so at most one pending timer matters.
func (m *Manager) schedule(epoch uint64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() {
		m.postAsync(envelope{ev: EventRetryTimer{}, epoch: epoch})
	})
	log.Printf("wifi: retry in %s", delay)
}

// scheduleAPRetry arms the long Provisioning timer, but only when there is
// a known network worth looking for.
func (m *Manager) scheduleAPRetry(epoch uint64) {
	known, err := m.store.ListCredentials()
	if err != nil {
		log.Printf("wifi: list credentials: %v", err)
		return
	}
	if len(known) == 0 {
		return
	}
	m.schedule(epoch, m.opts.APRetryInterval)
}

func (m *Manager) watchLink(link Link, epoch uint64) {
	select {
	case <-link.Lost():
		m.postAsync(envelope{ev: EventLinkLost{}, epoch: epoch})
	case <-m.done:
	}
}

func (m *Manager) buildStatusLocked() Status {
	st := Status{
		State:     m.state,
		Mode:      "STA",
		Counters:  m.counters,
		LastError: m.status.LastError,
		UpdatedAt: m.opts.Now(),
		Revision:  m.status.Revision + 1,
	}
	if m.state.APMode() {
		st.Mode = "AP"
		st.SSID = m.opts.APSSID
		st.APSSID = m.opts.APSSID
		st.IP = m.opts.APIP
		return st
	}
	if m.state == StateConnected && m.link != nil {
		st.Connected = true
		st.SSID = m.link.SSID()
		st.IP = m.link.IP()
		st.RSSI = m.link.RSSI()
		return st
	}
	st.SSID = m.counters.Target
	return st
}
