// Package mock provides a scriptable provider.Driver for tests. Tests push
// events with Emit and inspect what the session sent through the recorded
// slices, without any network involved.
package mock

import (
	"context"
	"sync"

	"github.com/vocero-ai/vocero/pkg/provider"
)

// Compile-time assertion that Driver satisfies the provider interface.
var _ provider.Driver = (*Driver)(nil)

// FunctionResult records one SendFunctionResult call.
type FunctionResult struct {
	Name   string
	Data   any
	CallID string
}

// Driver is a scriptable in-memory provider.
type Driver struct {
	// Failure injection, set before use.
	ConnectErr   error
	ConfigureErr error
	SendErr      error

	// InRate and OutRate default to 24000 when zero.
	InRate  int
	OutRate int

	DriverName string

	events chan provider.Event

	mu         sync.Mutex
	connected  bool
	configured bool
	closed     bool
	sentAudio  [][]byte
	sentTexts  []string
	fnResults  []FunctionResult
	responses  []string
	interrupts int

	closeOnce sync.Once
}

// New creates a mock driver with a buffered event channel.
func New() *Driver {
	return &Driver{events: make(chan provider.Event, 256)}
}

// Register installs a factory returning this exact driver instance, so a
// test can hand a pre-configured mock to code that constructs via registry.
func (d *Driver) Register(reg *provider.Registry, name string) {
	reg.Register(name, func(provider.Config) (provider.Driver, error) {
		if d.DriverName == "" {
			d.DriverName = name
		}
		return d, nil
	})
}

func (d *Driver) Name() string {
	if d.DriverName != "" {
		return d.DriverName
	}
	return "mock"
}

func (d *Driver) InputSampleRate() int {
	if d.InRate != 0 {
		return d.InRate
	}
	return 24000
}

func (d *Driver) OutputSampleRate() int {
	if d.OutRate != 0 {
		return d.OutRate
	}
	return 24000
}

func (d *Driver) Events() <-chan provider.Event { return d.events }

func (d *Driver) Connect(ctx context.Context) error {
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Configure(ctx context.Context) error {
	if d.ConfigureErr != nil {
		return d.ConfigureErr
	}
	d.mu.Lock()
	d.configured = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) SendAudio(ctx context.Context, pcm []byte) error {
	if d.SendErr != nil {
		return d.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.mu.Lock()
	d.sentAudio = append(d.sentAudio, cp)
	d.mu.Unlock()
	return nil
}

func (d *Driver) SendText(ctx context.Context, text string) error {
	if d.SendErr != nil {
		return d.SendErr
	}
	d.mu.Lock()
	d.sentTexts = append(d.sentTexts, text)
	d.mu.Unlock()
	return nil
}

func (d *Driver) SendFunctionResult(ctx context.Context, name string, data any, callID string) error {
	if d.SendErr != nil {
		return d.SendErr
	}
	d.mu.Lock()
	d.fnResults = append(d.fnResults, FunctionResult{Name: name, Data: data, CallID: callID})
	d.mu.Unlock()
	return nil
}

func (d *Driver) RequestResponse(ctx context.Context, instructions string) error {
	if d.SendErr != nil {
		return d.SendErr
	}
	d.mu.Lock()
	d.responses = append(d.responses, instructions)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Interrupt(ctx context.Context) error {
	d.mu.Lock()
	d.interrupts++
	d.mu.Unlock()
	return nil
}

func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.events)
	})
	return nil
}

// ── test hooks ─────────────────────────────────────────────────────────────────

// Emit pushes one event to the session, as if decoded from the wire. It is
// a no-op after Close.
func (d *Driver) Emit(evt provider.Event) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	d.events <- evt
}

// EmitAudio is shorthand for an AudioDelta event.
func (d *Driver) EmitAudio(pcm []byte) {
	d.Emit(provider.Event{Type: provider.AudioDelta, Audio: pcm})
}

// EmitFunctionCall is shorthand for a FunctionCall event.
func (d *Driver) EmitFunctionCall(name, args, callID string) {
	d.Emit(provider.Event{Type: provider.FunctionCall, Name: name, Args: args, CallID: callID})
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// SentAudio returns a copy of every chunk passed to SendAudio.
func (d *Driver) SentAudio() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sentAudio))
	copy(out, d.sentAudio)
	return out
}

func (d *Driver) SentTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sentTexts...)
}

func (d *Driver) FunctionResults() []FunctionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FunctionResult(nil), d.fnResults...)
}

// Responses returns the instruction string of every RequestResponse call.
func (d *Driver) Responses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.responses...)
}

func (d *Driver) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}
