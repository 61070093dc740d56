// Package events provides the per-call publish/subscribe bus that the
// session, transfer manager, heartbeat supervisor, and WebSocket bridge
// communicate through. Each call owns one Bus; handler registration is rare
// compared to emission, and handlers for one type never affect handlers for
// another. The bus keeps a bounded ring of recent events for debugging.
package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Type identifies a bus event. The set is closed: components switch on
// these constants and new kinds are added here.
type Type string

// Call lifecycle.
const (
	CallStarted Type = "call_started"
	CallEnding  Type = "call_ending"
	CallEnded   Type = "call_ended"
	CallHangup  Type = "call_hangup"
)

// Audio I/O.
const (
	AudioReceived     Type = "audio_received"      // inbound frame from the switch
	AudioSent         Type = "audio_sent"          // outbound frame to the switch
	AudioGenStarted   Type = "audio_gen_started"   // provider began producing audio
	AudioGenDone      Type = "audio_gen_done"      // provider finished producing audio
	AudioPlaybackDone Type = "audio_playback_done" // outbound queue fully drained
	AudioFirstOutput  Type = "audio_first_output"
)

// User I/O.
const (
	UserSpeechStarted Type = "user_speech_started"
	UserSpeechStopped Type = "user_speech_stopped"
	UserTranscript    Type = "user_transcript"
	AgentTranscript   Type = "agent_transcript"
	DTMFReceived      Type = "dtmf_received"
	BargeIn           Type = "barge_in"
)

// Transfer phases.
const (
	TransferInitiated Type = "transfer_initiated"
	TransferRinging   Type = "transfer_ringing"
	TransferAnswered  Type = "transfer_answered"
	TransferAccepted  Type = "transfer_accepted"
	TransferRejected  Type = "transfer_rejected"
	TransferCompleted Type = "transfer_completed"
	TransferFailed    Type = "transfer_failed"
	TransferTimeout   Type = "transfer_timeout"
)

// Hold, state, connection health, function calls.
const (
	CallHeld            Type = "call_held"
	CallUnheld          Type = "call_unheld"
	StateChanged        Type = "state_changed"
	ConnectionDegraded  Type = "connection_degraded"
	ProviderTimeout     Type = "provider_timeout"
	ProviderConnected   Type = "provider_connected"
	ProviderError       Type = "provider_error"
	FunctionCallStarted Type = "function_call_started"
	FunctionCallDone    Type = "function_call_done"
)

// Event is a single bus event. Data carries free-form, event-specific
// key/value pairs; producers document their keys at the emit site.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// String returns the string value of Data[key], or "" when absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Handler processes one event. Handlers run synchronously on the emitter's
// goroutine; long work must be offloaded. A panicking handler is recovered
// and logged without affecting other handlers.
type Handler func(Event)

// historySize bounds the debug ring of recent events.
const historySize = 128

type registration struct {
	id   uint64
	fn   Handler
	once bool
}

type waiter struct {
	types []Type
	pred  func(Event) bool
	ch    chan Event
}

// Bus is the per-call event bus. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[Type][]registration
	waiters  map[*waiter]struct{}
	history  []Event
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "events"),
		handlers: make(map[Type][]registration),
		waiters:  make(map[*waiter]struct{}),
	}
}

// On registers a handler for t and returns an id usable with [Bus.Off].
func (b *Bus) On(t Type, fn Handler) uint64 {
	return b.register(t, fn, false)
}

// Once registers a handler that is removed after its first invocation.
func (b *Bus) Once(t Type, fn Handler) uint64 {
	return b.register(t, fn, true)
}

func (b *Bus) register(t Type, fn Handler, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], registration{id: id, fn: fn, once: once})
	return id
}

// Off removes the handler registered under id for t. Unknown ids are a no-op.
func (b *Bus) Off(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[t]
	for i, r := range regs {
		if r.id == id {
			b.handlers[t] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event. The timestamp is stamped here if unset. Handlers
// for the event's type run in registration order on the calling goroutine;
// a handler panic is swallowed into a log entry.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}

	regs := b.handlers[evt.Type]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)

	// Drop once-handlers before running them so a re-emit from inside a
	// handler cannot trigger them twice.
	kept := regs[:0]
	for _, r := range regs {
		if !r.once {
			kept = append(kept, r)
		}
	}
	b.handlers[evt.Type] = kept

	var woken []*waiter
	for w := range b.waiters {
		if !w.matches(evt) {
			continue
		}
		woken = append(woken, w)
		delete(b.waiters, w)
	}
	b.mu.Unlock()

	for _, r := range snapshot {
		b.invoke(r.fn, evt)
	}
	for _, w := range woken {
		w.ch <- evt
	}
}

func (w *waiter) matches(evt Event) bool {
	for _, t := range w.types {
		if t == evt.Type {
			if w.pred != nil && !w.pred(evt) {
				return false
			}
			return true
		}
	}
	return false
}

func (b *Bus) invoke(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(evt.Type),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(evt)
}

// WaitFor blocks until an event of type t (passing pred, when non-nil) is
// emitted, the timeout elapses, or ctx is cancelled. It returns the event
// and true, or a zero event and false.
func (b *Bus) WaitFor(ctx context.Context, t Type, timeout time.Duration, pred func(Event) bool) (Event, bool) {
	return b.wait(ctx, []Type{t}, timeout, pred)
}

// WaitForAny is [Bus.WaitFor] over a set of types; the first matching event
// wins.
func (b *Bus) WaitForAny(ctx context.Context, types []Type, timeout time.Duration) (Event, bool) {
	return b.wait(ctx, types, timeout, nil)
}

func (b *Bus) wait(ctx context.Context, types []Type, timeout time.Duration, pred func(Event) bool) (Event, bool) {
	w := &waiter{types: types, pred: pred, ch: make(chan Event, 1)}

	b.mu.Lock()
	b.waiters[w] = struct{}{}
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.waiters, w)
		b.mu.Unlock()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case evt := <-w.ch:
		return evt, true
	case <-timeoutCh:
		cleanup()
		return Event{}, false
	case <-ctx.Done():
		cleanup()
		return Event{}, false
	}
}

// History returns a copy of the recent-event ring, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
