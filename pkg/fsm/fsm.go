// Package fsm implements the per-call lifecycle state machine. The
// transition table is closed: a trigger either maps the current state to
// exactly one destination or is denied. Transitions are serialized by a
// per-machine FIFO mutex, so concurrent triggers resolve in arrival order
// and observers always see a totally ordered state history.
package fsm

import (
	"log/slog"
	"sync"
	"time"
)

// State is a call lifecycle state.
type State string

const (
	Idle                   State = "idle"
	Connecting             State = "connecting"
	Connected              State = "connected"
	Listening              State = "listening"
	Speaking               State = "speaking"
	Processing             State = "processing"
	OnHold                 State = "on_hold"
	TransferringValidating State = "transferring_validating"
	TransferringDialing    State = "transferring_dialing"
	TransferringAnnouncing State = "transferring_announcing"
	TransferringWaiting    State = "transferring_waiting"
	TransferringBridging   State = "transferring_bridging"
	Bridged                State = "bridged"
	Ending                 State = "ending"
	Ended                  State = "ended"
)

// Trigger names an attempted transition.
type Trigger string

const (
	Connect          Trigger = "connect"
	ConnectOK        Trigger = "connect_ok"
	SessionReady     Trigger = "session_ready"
	UserSpoke        Trigger = "user_spoke"
	AIStartSpeaking  Trigger = "ai_start_speaking"
	AIStopSpeaking   Trigger = "ai_stop_speaking"
	ProcessingDone   Trigger = "processing_done"
	Hold             Trigger = "hold"
	Unhold           Trigger = "unhold"
	RequestTransfer  Trigger = "request_transfer"
	TransferValid    Trigger = "transfer_valid"
	TransferRinging  Trigger = "transfer_ringing"
	TransferAnswered Trigger = "transfer_answered"
	TransferAccept   Trigger = "transfer_accept"
	TransferBridged  Trigger = "transfer_bridged"
	TransferAbort    Trigger = "transfer_abort"
	EndCall          Trigger = "end_call"
	Finished         Trigger = "finished"
	ForceEnd         Trigger = "force_end"
)

type edge struct {
	from State
	trig Trigger
}

// transitions is the closed table (state, trigger) → state. ForceEnd is
// handled separately: it reaches Ended from any state.
var transitions = map[edge]State{
	{Idle, Connect}:         Connecting,
	{Connecting, ConnectOK}: Connected,
	{Connected, SessionReady}: Listening,

	{Listening, UserSpoke}:       Processing,
	{Listening, AIStartSpeaking}: Speaking,
	{Processing, AIStartSpeaking}: Speaking,
	{Processing, ProcessingDone}:  Listening,
	{Speaking, AIStopSpeaking}:    Listening,
	{Speaking, UserSpoke}:         Processing,

	{Listening, Hold}:  OnHold,
	{Speaking, Hold}:   OnHold,
	{Processing, Hold}: OnHold,
	{OnHold, Unhold}:   Listening,

	{Listening, RequestTransfer}:  TransferringValidating,
	{Speaking, RequestTransfer}:   TransferringValidating,
	{Processing, RequestTransfer}: TransferringValidating,

	{TransferringValidating, TransferValid}:    TransferringDialing,
	{TransferringDialing, TransferRinging}:     TransferringAnnouncing,
	{TransferringAnnouncing, TransferAnswered}: TransferringWaiting,
	{TransferringWaiting, TransferAccept}:      TransferringBridging,
	{TransferringBridging, TransferBridged}:    Bridged,

	{TransferringValidating, TransferAbort}: Listening,
	{TransferringDialing, TransferAbort}:    Listening,
	{TransferringAnnouncing, TransferAbort}: Listening,
	{TransferringWaiting, TransferAbort}:    Listening,
	{TransferringBridging, TransferAbort}:   Listening,

	{Listening, EndCall}:  Ending,
	{Speaking, EndCall}:   Ending,
	{Processing, EndCall}: Ending,
	{OnHold, EndCall}:     Ending,
	{Bridged, EndCall}:    Ending,
	{Ending, Finished}:    Ended,
}

// Transition records one successful state change.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	At      time.Time
}

// Guard can veto a transition. It receives the trigger and its data; a
// false return denies the trigger without an error.
type Guard func(trig Trigger, data map[string]any) bool

// Hook observes a transition, either just before the state changes or just
// after.
type Hook func(tr Transition, data map[string]any)

// Machine is the per-call state machine. Safe for concurrent use; Trigger
// calls are serialized.
type Machine struct {
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	history []Transition
	guards  map[Trigger]Guard
	before  []Hook
	after   []Hook

	// onChange runs synchronously inside Trigger after the state is
	// updated and before Trigger returns; the session wires it to emit
	// the state-changed bus event.
	onChange func(tr Transition, data map[string]any)
}

// New creates a machine starting in [Idle]. A nil logger falls back to
// slog.Default.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		logger: logger.With("component", "fsm"),
		state:  Idle,
		guards: make(map[Trigger]Guard),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is in any of the given states.
func (m *Machine) Is(states ...State) bool {
	cur := m.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// InTransfer reports whether the machine is in any transfer phase.
func (m *Machine) InTransfer() bool {
	return m.Is(TransferringValidating, TransferringDialing, TransferringAnnouncing,
		TransferringWaiting, TransferringBridging)
}

// SetGuard installs a guard for trig, replacing any previous one.
func (m *Machine) SetGuard(trig Trigger, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[trig] = g
}

// OnChange sets the synchronous transition observer. The observer runs
// with the machine locked, so the state-changed event is published before
// Trigger returns; it must not call Trigger itself.
func (m *Machine) OnChange(fn func(tr Transition, data map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Before registers a hook that runs before every successful transition.
func (m *Machine) Before(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, h)
}

// After registers a hook that runs after every successful transition.
func (m *Machine) After(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.after = append(m.after, h)
}

// Trigger attempts a transition. It returns true when the machine moved.
// Unknown (state, trigger) pairs and guard denials return false; denials
// are logged at debug level and otherwise ignored, per the error policy
// for illegal transitions.
func (m *Machine) Trigger(trig Trigger, data map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dst State
	if trig == ForceEnd {
		if m.state == Ended {
			return false
		}
		dst = Ended
	} else {
		var ok bool
		dst, ok = transitions[edge{m.state, trig}]
		if !ok {
			m.logger.Debug("transition denied: no edge",
				"state", string(m.state), "trigger", string(trig))
			return false
		}
	}

	if g, ok := m.guards[trig]; ok && !g(trig, data) {
		m.logger.Debug("transition denied by guard",
			"state", string(m.state), "trigger", string(trig))
		return false
	}

	tr := Transition{From: m.state, To: dst, Trigger: trig, At: time.Now()}
	for _, h := range m.before {
		h(tr, data)
	}
	m.state = dst
	m.history = append(m.history, tr)
	for _, h := range m.after {
		h(tr, data)
	}
	if m.onChange != nil {
		m.onChange(tr, data)
	}
	return true
}

// History returns a copy of all transitions in order.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTrigger reports whether trig would currently find an edge, ignoring
// guards.
func (m *Machine) CanTrigger(trig Trigger) bool {
	if trig == ForceEnd {
		return m.State() != Ended
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[edge{m.state, trig}]
	return ok
}
