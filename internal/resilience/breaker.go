// Package resilience provides the circuit breaker and provider failover
// chain that keep calls alive when a realtime provider misbehaves.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open).
// [DriverChain] composes a primary and fallback provider driver with
// per-entry breakers: when dialing the primary fails with a transient
// error, the next healthy entry is dialed instead.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Allow] while the breaker is open and the
// cool-down has not elapsed.
var ErrOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// Closed forwards all calls.
	Closed BreakerState = iota

	// Open rejects calls until the cool-down elapses.
	Open

	// HalfOpen lets a bounded number of probe calls through.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	Name string

	// Trip is the consecutive-failure count that opens the breaker.
	// Default 3: a provider that refuses three calls in a row is down.
	Trip int

	// CoolDown is how long the breaker stays open. Default 30s.
	CoolDown time.Duration

	// Probes is the half-open budget. Default 2.
	Probes int

	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name     string
	trip     int
	coolDown time.Duration
	probes   int
	logger   *slog.Logger

	mu         sync.Mutex
	state      BreakerState
	failures   int
	lastFail   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker creates a breaker with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.Trip,
		coolDown: cfg.CoolDown,
		probes:   cfg.Probes,
		logger:   logger.With("component", "resilience", "breaker", cfg.Name),
	}
}

// Do runs fn if the breaker allows it, recording the outcome. In the open
// state it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFail) < b.coolDown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.logger.Info("breaker half-open, probing")

	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.trip
		b.logger.Warn("probe failed, breaker re-opened")
		return
	}
	b.failures++
	if b.failures >= b.trip {
		b.state = Open
		b.logger.Warn("breaker opened", "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			b.logger.Info("breaker closed after successful probes")
		}
		return
	}
	b.failures = 0
}

// State returns the effective state: an open breaker past its cool-down
// reads as half-open even though the transition happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFail) >= b.coolDown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
