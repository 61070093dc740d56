package audio

import "math"

// NormalizeConfig tunes RMS-based input normalization.
type NormalizeConfig struct {
	// TargetRMS is the desired RMS level in linear16 units.
	TargetRMS float64

	// MinRMS gates the normalizer: chunks quieter than this are assumed to
	// be silence or line noise and pass through untouched.
	MinRMS float64

	// MaxGain caps amplification so noise is never blown up.
	MaxGain float64
}

// DefaultNormalizeConfig returns conservative telephony defaults.
func DefaultNormalizeConfig() NormalizeConfig {
	return NormalizeConfig{TargetRMS: 4000, MinRMS: 250, MaxGain: 6}
}

// RMS computes the root-mean-square level of a linear16 mono chunk.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Normalize scales a linear16 chunk toward cfg.TargetRMS, gated by MinRMS
// and capped by MaxGain, clipping samples to the int16 range. The input
// slice is not modified; if no gain applies it is returned as-is.
func Normalize(pcm []byte, cfg NormalizeConfig) []byte {
	rms := RMS(pcm)
	if rms < cfg.MinRMS || rms == 0 {
		return pcm
	}
	gain := cfg.TargetRMS / rms
	if gain > cfg.MaxGain {
		gain = cfg.MaxGain
	}
	if gain >= 0.99 && gain <= 1.01 {
		return pcm
	}

	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
