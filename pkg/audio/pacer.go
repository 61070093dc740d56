package audio

import (
	"context"
	"sync"
	"time"
)

// PacerConfig tunes the lead-tracking output pacer.
type PacerConfig struct {
	// TargetLead is how far ahead of the wall clock sent audio may run.
	TargetLead time.Duration

	// Hysteresis is the tolerance band below TargetLead inside which no
	// sleep happens, avoiding micro-sleeps every frame.
	Hysteresis time.Duration

	// MaxWait caps a single sleep so cancellation and sentinels are
	// observed promptly.
	MaxWait time.Duration
}

// DefaultPacerConfig returns the tuning used by the switch-facing sender:
// at most 60 ms of audio ahead of realtime with a 20 ms tolerance band.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		TargetLead: 60 * time.Millisecond,
		Hysteresis: 20 * time.Millisecond,
		MaxWait:    250 * time.Millisecond,
	}
}

// Pacer meters audio emission to the realtime clock. Instead of sleeping a
// fixed interval per frame, which accumulates drift and produces bursts,
// it tracks lead = sentDuration − elapsed and sleeps only when the stream
// runs more than TargetLead ahead. Safe for use by a single sender
// goroutine with OnSent called from the same goroutine.
type Pacer struct {
	cfg PacerConfig

	// now is the clock source; replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	start   time.Time
	sent    time.Duration
	started bool
}

// NewPacer creates a pacer with the given config, falling back to
// [DefaultPacerConfig] values for zero fields.
func NewPacer(cfg PacerConfig) *Pacer {
	def := DefaultPacerConfig()
	if cfg.TargetLead <= 0 {
		cfg.TargetLead = def.TargetLead
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = def.Hysteresis
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	return &Pacer{cfg: cfg, now: time.Now}
}

// Start marks the beginning of playback. Subsequent lead computations are
// relative to this instant. Calling Start on a running pacer restarts it.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = p.now()
	p.sent = 0
	p.started = true
}

// OnSent records that a chunk with the given playback duration was emitted.
func (p *Pacer) OnSent(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent += d
}

// Lead returns sentDuration − elapsed: how far ahead of the wall clock the
// emitted audio currently runs. Negative values mean the stream is behind.
func (p *Pacer) Lead() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leadLocked()
}

func (p *Pacer) leadLocked() time.Duration {
	if !p.started {
		return 0
	}
	return p.sent - p.now().Sub(p.start)
}

// Wait blocks until the next chunk may be emitted, or ctx is cancelled. It
// returns immediately while lead ≤ TargetLead − Hysteresis.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.waitDuration()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitDuration computes how long the sender should sleep before the next
// emission: min(MaxWait, lead − TargetLead) once lead exceeds the band.
func (p *Pacer) waitDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	lead := p.leadLocked()
	if lead <= p.cfg.TargetLead-p.cfg.Hysteresis {
		return 0
	}
	d := lead - p.cfg.TargetLead
	if d < 0 {
		d = 0
	}
	if d > p.cfg.MaxWait {
		d = p.cfg.MaxWait
	}
	return d
}

// Reset restarts pacing for a new utterance without touching the wall-clock
// origin: the sent counter is re-based so the current lead reads as zero.
// Used after barge-in or a transfer clears the outbound queue.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.sent = p.now().Sub(p.start)
}
