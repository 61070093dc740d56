package audio

import (
	"sort"
	"time"

	"github.com/pion/rtp"
)

// JitterBufferConfig tunes the adaptive RTP jitter buffer.
type JitterBufferConfig struct {
	// MinPackets is the warmup depth: delivery starts only once this many
	// packets are buffered.
	MinPackets int

	// MaxPackets is the capacity; pushing beyond it drops the oldest
	// buffered packet.
	MaxPackets int

	// ClockRate is the RTP clock rate in Hz, used for the RFC 3550
	// inter-arrival jitter estimate. Telephony streams use 8000.
	ClockRate int

	// OnUnderrun is called (if non-nil) when Pop finds the buffer empty
	// after delivery had started. The buffer re-enters warmup afterwards.
	OnUnderrun func()
}

// JitterBuffer reorders RTP packets by sequence number, tolerating 16-bit
// wrap-around, and smooths network jitter behind a small warmup window.
// The inter-arrival jitter estimate follows RFC 3550 section A.8 (EMA with
// weight 1/16). Not safe for concurrent use; the transport reader owns it.
type JitterBuffer struct {
	cfg     JitterBufferConfig
	packets []*rtp.Packet
	started bool

	// now is the clock source; replaced in tests.
	now func() time.Time

	// RFC 3550 transit tracking, in RTP clock units.
	lastTransit int64
	hasTransit  bool
	jitter      float64

	dropped uint64
}

// NewJitterBuffer creates a jitter buffer. Zero config fields get telephony
// defaults: warmup 4, capacity 64, 8 kHz clock.
func NewJitterBuffer(cfg JitterBufferConfig) *JitterBuffer {
	if cfg.MinPackets <= 0 {
		cfg.MinPackets = 4
	}
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = 64
	}
	if cfg.ClockRate <= 0 {
		cfg.ClockRate = 8000
	}
	return &JitterBuffer{cfg: cfg, now: time.Now}
}

// seqLess reports whether sequence a comes before b under 16-bit serial
// arithmetic (RFC 1982 style): the wrap 65535 → 0 orders correctly.
func seqLess(a, b uint16) bool {
	return a != b && int16(b-a) > 0
}

// Push inserts a packet in sequence order and updates the jitter estimate.
// On overflow the oldest packet is dropped.
func (j *JitterBuffer) Push(p *rtp.Packet) {
	j.updateJitter(p)

	idx := sort.Search(len(j.packets), func(i int) bool {
		return !seqLess(j.packets[i].SequenceNumber, p.SequenceNumber)
	})
	// Duplicate sequence: keep the first arrival.
	if idx < len(j.packets) && j.packets[idx].SequenceNumber == p.SequenceNumber {
		return
	}
	j.packets = append(j.packets, nil)
	copy(j.packets[idx+1:], j.packets[idx:])
	j.packets[idx] = p

	for len(j.packets) > j.cfg.MaxPackets {
		j.packets = j.packets[1:]
		j.dropped++
	}
}

// Pop returns the buffered packet with the smallest sequence number, or nil
// while warming up. An empty buffer after delivery started counts as an
// underrun: OnUnderrun fires and the buffer returns to warmup.
func (j *JitterBuffer) Pop() *rtp.Packet {
	if !j.started {
		if len(j.packets) < j.cfg.MinPackets {
			return nil
		}
		j.started = true
	}
	if len(j.packets) == 0 {
		j.started = false
		if j.cfg.OnUnderrun != nil {
			j.cfg.OnUnderrun()
		}
		return nil
	}
	p := j.packets[0]
	j.packets = j.packets[1:]
	return p
}

// Len returns the number of buffered packets.
func (j *JitterBuffer) Len() int { return len(j.packets) }

// Dropped returns how many packets overflow has discarded.
func (j *JitterBuffer) Dropped() uint64 { return j.dropped }

// Jitter returns the current RFC 3550 inter-arrival jitter estimate in
// RTP clock units.
func (j *JitterBuffer) Jitter() float64 { return j.jitter }

// updateJitter applies the RFC 3550 A.8 estimator: transit = arrival − rtp
// timestamp (both in clock units); J += (|transit − lastTransit| − J) / 16.
func (j *JitterBuffer) updateJitter(p *rtp.Packet) {
	arrival := j.now().UnixNano() * int64(j.cfg.ClockRate) / int64(time.Second)
	transit := arrival - int64(p.Timestamp)
	if j.hasTransit {
		d := transit - j.lastTransit
		if d < 0 {
			d = -d
		}
		j.jitter += (float64(d) - j.jitter) / 16
	}
	j.lastTransit = transit
	j.hasTransit = true
}
