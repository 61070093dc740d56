package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/events"
)

// Speech-drain phases. Cutting an audio stream the instant a decision
// lands clips the last syllable of whatever the agent was saying, so every
// transition that clears a queue first waits for in-flight speech in three
// phases: bytes start flowing, generation completes, residual queue plays
// out.
const (
	drainFirstByteWait = 2 * time.Second
	drainGenDoneWait   = 8 * time.Second
	drainTailMargin    = 150 * time.Millisecond
	drainTailCap       = 5 * time.Second
)

// Drainer waits for one leg's in-flight agent speech to reach the caller's
// ear. PendingBytes reports the outbound queue occupancy of that leg's
// stream connection; nil means no connection is attached and only the bus
// phases apply.
type Drainer struct {
	Bus          *events.Bus
	PendingBytes func() int
	SampleRate   int
	Logger       *slog.Logger
}

// Wait runs the three phases. It returns early when ctx is cancelled; a
// cancelled drain is not an error, the transition just proceeds.
func (d *Drainer) Wait(ctx context.Context) {
	if d.Bus == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Phase 1: a requested utterance has latency before its first chunk
	// lands in the queue. If nothing arrives, there is nothing to drain.
	if d.pending() == 0 {
		if _, ok := d.Bus.WaitFor(ctx, events.AudioSent, drainFirstByteWait, nil); !ok {
			return
		}
	}

	// Phase 2: the provider is still generating.
	d.Bus.WaitFor(ctx, events.AudioGenDone, drainGenDoneWait, nil)

	// Phase 3: play out whatever is still queued. The playback-done signal
	// wakes us early when the sender drains faster than the estimate.
	residual := d.pending()
	tail := drainTailMargin
	if residual > 0 {
		rate := d.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		tail += time.Duration(residual/audio.BytesPerMillisecond(rate)) * time.Millisecond
		if tail > drainTailCap {
			tail = drainTailCap
		}
	}
	logger.Debug("draining outbound speech", "residual_bytes", residual, "tail", tail)
	d.Bus.WaitFor(ctx, events.AudioPlaybackDone, tail, nil)
}

func (d *Drainer) pending() int {
	if d.PendingBytes == nil {
		return 0
	}
	return d.PendingBytes()
}
