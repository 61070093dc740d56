// Package heartbeat provides the per-call supervisory layer: it watches
// audio and provider liveness, raises degradation events on the call's bus,
// and hands out named timeout scopes used for attended-transfer decision
// windows.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/pkg/events"
)

// Config tunes the supervisor.
type Config struct {
	// CheckInterval is how often liveness is evaluated.
	CheckInterval time.Duration

	// AudioSilence is the inbound-audio silence threshold after which the
	// connection is considered degraded.
	AudioSilence time.Duration

	// ProviderSilence is the provider silence threshold after which a
	// provider timeout is raised.
	ProviderSilence time.Duration

	// DegradedDebounce suppresses repeat degradation events inside this
	// window.
	DegradedDebounce time.Duration
}

// DefaultConfig returns thresholds tuned for a live phone call.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    time.Second,
		AudioSilence:     15 * time.Second,
		ProviderSilence:  30 * time.Second,
		DegradedDebounce: 10 * time.Second,
	}
}

// Supervisor monitors one call. All Mark methods are safe for concurrent
// use from the WS reader, provider reader, and sender goroutines.
type Supervisor struct {
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	lastAudio    time.Time
	lastProvider time.Time
	lastWS       time.Time
	lastDegraded time.Time
	lastTimeout  time.Time
	pendingBytes int
	latencies    []time.Duration

	cancel context.CancelFunc
}

// New creates a supervisor publishing on bus. Zero config fields take
// [DefaultConfig] values.
func New(bus *events.Bus, cfg Config, logger *slog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.AudioSilence <= 0 {
		cfg.AudioSilence = def.AudioSilence
	}
	if cfg.ProviderSilence <= 0 {
		cfg.ProviderSilence = def.ProviderSilence
	}
	if cfg.DegradedDebounce <= 0 {
		cfg.DegradedDebounce = def.DegradedDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Supervisor{
		bus:          bus,
		cfg:          cfg,
		logger:       logger.With("component", "heartbeat"),
		lastAudio:    now,
		lastProvider: now,
		lastWS:       now,
	}
}

// Start launches the check loop. It stops when ctx is cancelled or
// [Supervisor.Stop] is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.check()
			}
		}
	}()
}

// Stop halts the check loop. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// MarkAudioReceived records inbound audio activity.
func (s *Supervisor) MarkAudioReceived() {
	s.mu.Lock()
	s.lastAudio = time.Now()
	s.mu.Unlock()
}

// MarkProviderResponse records any provider event.
func (s *Supervisor) MarkProviderResponse() {
	s.mu.Lock()
	s.lastProvider = time.Now()
	s.mu.Unlock()
}

// MarkWSActivity records any switch-side WebSocket traffic.
func (s *Supervisor) MarkWSActivity() {
	s.mu.Lock()
	s.lastWS = time.Now()
	s.mu.Unlock()
}

// SetPendingOutbound records the current outbound queue size in bytes.
func (s *Supervisor) SetPendingOutbound(n int) {
	s.mu.Lock()
	s.pendingBytes = n
	s.mu.Unlock()
}

// RecordLatency adds one measured provider round-trip latency sample.
// Only a bounded window is retained.
func (s *Supervisor) RecordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	if len(s.latencies) > 64 {
		s.latencies = s.latencies[len(s.latencies)-64:]
	}
	s.mu.Unlock()
}

// Snapshot reports the supervisor's current view for diagnostics.
type Snapshot struct {
	AudioSilence    time.Duration
	ProviderSilence time.Duration
	WSSilence       time.Duration
	PendingBytes    int
	AvgLatency      time.Duration
}

// Stats returns the current liveness snapshot.
func (s *Supervisor) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	snap := Snapshot{
		AudioSilence:    now.Sub(s.lastAudio),
		ProviderSilence: now.Sub(s.lastProvider),
		WSSilence:       now.Sub(s.lastWS),
		PendingBytes:    s.pendingBytes,
	}
	if len(s.latencies) > 0 {
		var sum time.Duration
		for _, d := range s.latencies {
			sum += d
		}
		snap.AvgLatency = sum / time.Duration(len(s.latencies))
	}
	return snap
}

// check evaluates thresholds and emits degradation events, debounced.
func (s *Supervisor) check() {
	s.mu.Lock()
	now := time.Now()
	audioSilence := now.Sub(s.lastAudio)
	providerSilence := now.Sub(s.lastProvider)
	degradedDue := audioSilence > s.cfg.AudioSilence && now.Sub(s.lastDegraded) > s.cfg.DegradedDebounce
	timeoutDue := providerSilence > s.cfg.ProviderSilence && now.Sub(s.lastTimeout) > s.cfg.DegradedDebounce
	if degradedDue {
		s.lastDegraded = now
	}
	if timeoutDue {
		s.lastTimeout = now
	}
	pending := s.pendingBytes
	s.mu.Unlock()

	if degradedDue {
		s.logger.Warn("inbound audio silent beyond threshold",
			"silence", audioSilence, "pending_bytes", pending)
		s.bus.Emit(events.Event{Type: events.ConnectionDegraded, Data: map[string]any{
			"silence_ms":    audioSilence.Milliseconds(),
			"pending_bytes": pending,
		}})
	}
	if timeoutDue {
		s.logger.Warn("provider silent beyond threshold", "silence", providerSilence)
		s.bus.Emit(events.Event{Type: events.ProviderTimeout, Data: map[string]any{
			"silence_ms": providerSilence.Milliseconds(),
		}})
	}
}

// TimeoutScope derives a named deadline context. When the scope expires
// before being cancelled and its name has the "transfer" prefix, a
// transfer-timeout event carrying the scope name is emitted so the bus's
// WaitForAny in the decision loop observes it. The returned cancel must be
// called on every path.
func (s *Supervisor) TimeoutScope(ctx context.Context, name string, d time.Duration) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithTimeout(ctx, d)

	go func() {
		<-scoped.Done()
		if scoped.Err() != context.DeadlineExceeded {
			return
		}
		s.logger.Debug("timeout scope expired", "scope", name, "after", d)
		if strings.HasPrefix(name, "transfer") {
			s.bus.Emit(events.Event{Type: events.TransferTimeout, Data: map[string]any{
				"scope": name,
			}})
		}
	}()

	return scoped, cancel
}
