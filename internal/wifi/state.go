// Package wifi drives the controller's Wi-Fi connection state machine.
//
// The machine is split in two halves. Transition is a pure function from
// (state, counters, event) to (state, counters, actions) and holds every rule
// about when to scan, connect, retry or fall back to the access point.
// Manager owns the current state, drains an event queue, and carries out the
// returned actions against a Radio.
package wifi

import (
	"sort"

	"github.com/poolheat/controller/internal/storage"
)

// State is the connection state. Exactly one is current at any time.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateScanning     State = "Scanning"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateAPFallback   State = "APFallback"
	StateProvisioning State = "Provisioning"
	StateReconnecting State = "Reconnecting"
)

// APMode reports whether the radio hosts the fallback access point in s.
func (s State) APMode() bool {
	return s == StateAPFallback || s == StateProvisioning
}

// Credential is a known network.
type Credential = storage.WifiCredential

// Network is one scan result.
type Network struct {
	SSID   string `json:"ssid"`
	RSSI   int    `json:"rssi"`
	Secure bool   `json:"secure"`
}

// Event is something that happened to the radio or the operator.
type Event interface {
	eventName() string
}

// EventStart starts the machine.
type EventStart struct{}

// EventScanComplete carries a finished scan and the credentials known when
// it finished. Err is set when the scan failed or timed out.
type EventScanComplete struct {
	Networks []Network
	Known    []*Credential
	Err      error
}

// EventAssociated reports association plus address acquisition.
type EventAssociated struct {
	SSID string
	IP   string
	RSSI int
	link Link
}

// EventAssociationFailed reports a failed or timed out connection attempt.
type EventAssociationFailed struct {
	SSID string
	Err  error
}

// EventLinkLost reports disassociation or a missed keepalive.
type EventLinkLost struct{}

// EventRetryTimer fires when a scheduled retry delay elapses.
type EventRetryTimer struct{}

// EventPortalReady reports that the captive portal is serving.
type EventPortalReady struct{}

// EventCredentialsSubmitted reports credentials accepted by the portal and
// already written to the store.
type EventCredentialsSubmitted struct {
	SSID string
}

// EventReprovision restarts the search from Scanning, for example after the
// known-network list changed through the API.
type EventReprovision struct {
	Reason string
}

func (EventStart) eventName() string                { return "start" }
func (EventScanComplete) eventName() string         { return "scan_complete" }
func (EventAssociated) eventName() string           { return "associated" }
func (EventAssociationFailed) eventName() string    { return "association_failed" }
func (EventLinkLost) eventName() string             { return "link_lost" }
func (EventRetryTimer) eventName() string           { return "retry_timer" }
func (EventPortalReady) eventName() string          { return "portal_ready" }
func (EventCredentialsSubmitted) eventName() string { return "credentials_submitted" }
func (EventReprovision) eventName() string          { return "reprovision" }

// EventName returns a short name for logs.
func EventName(ev Event) string {
	return ev.eventName()
}

// ActionKind names a side effect requested by Transition.
type ActionKind string

const (
	ActionScan          ActionKind = "scan"
	ActionConnect       ActionKind = "connect"
	ActionScheduleRetry ActionKind = "schedule_retry"
	// ActionScheduleAPRetry arms the long timer that leaves Provisioning to
	// look for known networks again.
	ActionScheduleAPRetry ActionKind = "schedule_ap_retry"
	ActionStartAP         ActionKind = "start_ap"
	ActionStopAP          ActionKind = "stop_ap"
	ActionDisconnect      ActionKind = "disconnect"
)

// Action is one side effect. SSID and PSK are set for ActionConnect.
type Action struct {
	Kind ActionKind
	SSID string
	PSK  string
}

// Counters are the retry counters carried between transitions.
type Counters struct {
	ScanCycles        int `json:"scanCycles"`
	ConnectAttempts   int `json:"connectAttempts"`
	ReconnectAttempts int `json:"reconnectAttempts"`

	// Target is the network of the current or last connection attempt.
	Target    string `json:"target,omitempty"`
	targetPSK string
}

// Limits bounds the retry counters.
type Limits struct {
	MaxScanCycles        int
	MaxConnectAttempts   int
	MaxReconnectAttempts int
}

// DefaultLimits returns the bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxScanCycles: 3, MaxConnectAttempts: 3, MaxReconnectAttempts: 3}
}

// Transition is the transition table. Events that mean nothing in the
// current state return the inputs unchanged and no actions.
func Transition(s State, c Counters, ev Event, lim Limits) (State, Counters, []Action) {
	// Reprovision applies in every state.
	if _, ok := ev.(EventReprovision); ok {
		var actions []Action
		switch {
		case s.APMode():
			actions = append(actions, Action{Kind: ActionStopAP})
		case s == StateConnected || s == StateConnecting || s == StateReconnecting:
			actions = append(actions, Action{Kind: ActionDisconnect})
		}
		return StateScanning, Counters{}, append(actions, Action{Kind: ActionScan})
	}

	switch s {
	case StateDisconnected:
		switch ev.(type) {
		case EventStart, EventRetryTimer:
			return StateScanning, Counters{}, []Action{{Kind: ActionScan}}
		}

	case StateScanning:
		switch e := ev.(type) {
		case EventRetryTimer:
			return StateScanning, c, []Action{{Kind: ActionScan}}
		case EventScanComplete:
			if e.Err == nil {
				if len(e.Known) == 0 {
					return StateAPFallback, c, []Action{{Kind: ActionStartAP}}
				}
				if cred, ok := SelectCandidate(e.Known, e.Networks); ok {
					c.Target, c.targetPSK = cred.SSID, cred.PSK
					return StateConnecting, c, []Action{{Kind: ActionConnect, SSID: cred.SSID, PSK: cred.PSK}}
				}
			}
			c.ScanCycles++
			if c.ScanCycles >= lim.MaxScanCycles {
				return StateAPFallback, c, []Action{{Kind: ActionStartAP}}
			}
			return StateScanning, c, []Action{{Kind: ActionScheduleRetry}}
		}

	case StateConnecting:
		switch ev.(type) {
		case EventAssociated:
			return StateConnected, Counters{Target: c.Target, targetPSK: c.targetPSK}, nil
		case EventAssociationFailed:
			c.ConnectAttempts++
			if c.ConnectAttempts >= lim.MaxConnectAttempts {
				return StateAPFallback, c, []Action{{Kind: ActionStartAP}}
			}
			return StateScanning, c, []Action{{Kind: ActionScheduleRetry}}
		}

	case StateConnected:
		if _, ok := ev.(EventLinkLost); ok {
			c.ReconnectAttempts = 1
			return StateReconnecting, c, []Action{{Kind: ActionConnect, SSID: c.Target, PSK: c.targetPSK}}
		}

	case StateReconnecting:
		switch ev.(type) {
		case EventAssociated:
			return StateConnected, Counters{Target: c.Target, targetPSK: c.targetPSK}, nil
		case EventAssociationFailed:
			if c.ReconnectAttempts >= lim.MaxReconnectAttempts {
				return StateScanning, Counters{Target: c.Target}, []Action{{Kind: ActionScan}}
			}
			return StateReconnecting, c, []Action{{Kind: ActionScheduleRetry}}
		case EventRetryTimer:
			c.ReconnectAttempts++
			return StateReconnecting, c, []Action{{Kind: ActionConnect, SSID: c.Target, PSK: c.targetPSK}}
		}

	case StateAPFallback:
		switch ev.(type) {
		case EventPortalReady:
			return StateProvisioning, c, []Action{{Kind: ActionScheduleAPRetry}}
		case EventRetryTimer:
			// The access point failed to come up; try again.
			return StateAPFallback, c, []Action{{Kind: ActionStartAP}}
		case EventCredentialsSubmitted:
			return StateScanning, Counters{}, []Action{{Kind: ActionStopAP}, {Kind: ActionScan}}
		}

	case StateProvisioning:
		switch ev.(type) {
		case EventCredentialsSubmitted, EventRetryTimer:
			return StateScanning, Counters{}, []Action{{Kind: ActionStopAP}, {Kind: ActionScan}}
		}
	}

	return s, c, nil
}

// SelectCandidate picks the network to join: the highest-priority known
// credential present in networks, with equal priorities broken by signal
// strength.
func SelectCandidate(known []*Credential, networks []Network) (*Credential, bool) {
	best := make(map[string]int, len(networks))
	for _, n := range networks {
		if rssi, ok := best[n.SSID]; !ok || n.RSSI > rssi {
			best[n.SSID] = n.RSSI
		}
	}

	ordered := make([]*Credential, 0, len(known))
	for _, cred := range known {
		if cred != nil {
			ordered = append(ordered, cred)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var (
		pick     *Credential
		pickRSSI int
	)
	for _, cred := range ordered {
		rssi, ok := best[cred.SSID]
		if !ok {
			continue
		}
		if pick == nil {
			pick, pickRSSI = cred, rssi
			continue
		}
		if cred.Priority < pick.Priority {
			break
		}
		if rssi > pickRSSI {
			pick, pickRSSI = cred, rssi
		}
	}
	return pick, pick != nil
}
