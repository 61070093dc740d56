package audio

// Resampler converts linear16 mono PCM between two fixed sample rates using
// linear interpolation. It is stateful: the final sample and fractional read
// position carry over between calls so that consecutive 20 ms chunks join
// without discontinuities, and integer totals keep the output rate exact
// over the life of the stream. Construct one per call direction; not safe
// for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int

	// pos is the fractional read position, in source samples, relative to
	// prev (the last sample of the previous chunk).
	pos     float64
	prev    int16
	hasPrev bool

	totalIn  int64
	totalOut int64
}

// NewResampler creates a resampler from srcRate to dstRate Hz. Rates must be
// positive; equal rates make Resample a pass-through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// SourceRate returns the configured input rate in Hz.
func (r *Resampler) SourceRate() int { return r.srcRate }

// TargetRate returns the configured output rate in Hz.
func (r *Resampler) TargetRate() int { return r.dstRate }

// Resample converts one chunk of linear16 mono PCM. An empty chunk yields an
// empty output. Input length must be a multiple of two; callers buffer any
// trailing odd byte themselves (see [Chunker]).
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.srcRate == r.dstRate || len(pcm) < 2 {
		return pcm
	}

	n := len(pcm) / 2
	// Working window: the carried sample (if any) followed by the chunk.
	samples := make([]int16, 0, n+1)
	if r.hasPrev {
		samples = append(samples, r.prev)
	}
	for i := 0; i < n; i++ {
		samples = append(samples, int16(pcm[i*2])|int16(pcm[i*2+1])<<8)
	}

	// The integer totals pin the output count so the stream rate is exact
	// regardless of chunk sizes.
	r.totalIn += int64(n)
	wantOut := r.totalIn * int64(r.dstRate) / int64(r.srcRate)
	k := int(wantOut - r.totalOut)
	if k <= 0 {
		r.prev = samples[len(samples)-1]
		r.hasPrev = true
		return nil
	}

	step := float64(r.srcRate) / float64(r.dstRate)
	out := make([]byte, k*2)
	last := len(samples) - 1

	pos := r.pos
	for i := 0; i < k; i++ {
		idx := int(pos)
		if idx > last {
			idx = last
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := s0
		if idx < last {
			s1 = float64(samples[idx+1])
		}
		v := int16(s0*(1-frac) + s1*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
		pos += step
	}

	// Carry the last sample and the residual fractional position forward.
	r.totalOut += int64(k)
	r.pos = pos - float64(last)
	r.prev = samples[last]
	r.hasPrev = true

	return out
}

// Reset discards carried state so the next chunk starts a fresh stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
	r.totalIn = 0
	r.totalOut = 0
}
