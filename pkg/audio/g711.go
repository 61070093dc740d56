// Package audio provides the telephony audio primitives shared by the
// bridge: G.711 codecs, sample-rate conversion, frame chunking, output
// pacing, and an adaptive jitter buffer for RTP transport.
//
// All PCM in this package is little-endian signed 16-bit mono unless a
// function says otherwise. Hot-path functions are pure and allocate only
// their output slice, so they stay cheap at the 20 ms frame cadence the
// bridge operates on.
package audio

const (
	ulawBias = 0x84
	ulawClip = 32635
	alawClip = 32635
)

// ulawSegment maps (biased sample >> 7) to the μ-law segment number.
var ulawSegment [256]byte

// ulawDecode maps each μ-law code to its linear16 value.
var ulawDecode [256]int16

// alawDecode maps each A-law code to its linear16 value.
var alawDecode [256]int16

func init() {
	for i := 1; i < 256; i++ {
		seg := byte(0)
		for v := i; v > 1; v >>= 1 {
			seg++
		}
		ulawSegment[i] = seg
	}

	for c := 0; c < 256; c++ {
		u := ^byte(c)
		t := (int16(u&0x0F)<<3 + ulawBias) << ((u & 0x70) >> 4)
		if u&0x80 != 0 {
			// Negative codes decode one level below the Sun reference
			// value. This keeps EncodeULawSample(DecodeULawSample(c)) == c
			// for every code, including the negative-zero code 0x7F.
			ulawDecode[c] = 0x83 - t
		} else {
			ulawDecode[c] = t - ulawBias
		}
	}

	for c := 0; c < 256; c++ {
		a := byte(c) ^ 0x55
		t := int16(a&0x0F) << 4
		seg := (a & 0x70) >> 4
		switch seg {
		case 0:
			t += 8
		case 1:
			t += 0x108
		default:
			t += 0x108
			t <<= seg - 1
		}
		if a&0x80 != 0 {
			alawDecode[c] = t
		} else {
			alawDecode[c] = -t
		}
	}
}

// EncodeULawSample converts one linear16 sample to its μ-law code.
func EncodeULawSample(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias
	exp := ulawSegment[(v>>7)&0xFF]
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

// DecodeULawSample converts one μ-law code to a linear16 sample.
func DecodeULawSample(c byte) int16 { return ulawDecode[c] }

// EncodeALawSample converts one linear16 sample to its A-law code.
func EncodeALawSample(s int16) byte {
	mask := byte(0xD5)
	v := int32(s)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	if v > alawClip {
		v = alawClip
	}
	v >>= 3 // 16-bit to the 13-bit A-law domain

	seg := byte(0)
	for w := v >> 5; w > 0; w >>= 1 {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := seg << 4
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

// DecodeALawSample converts one A-law code to a linear16 sample.
func DecodeALawSample(c byte) int16 { return alawDecode[c] }

// ULawToLinear16 decodes a μ-law byte stream into little-endian linear16 PCM.
// An empty input yields an empty output.
func ULawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, c := range in {
		s := ulawDecode[c]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Linear16ToULaw encodes little-endian linear16 PCM into μ-law. A trailing
// odd byte is ignored; callers buffer partial samples themselves.
func Linear16ToULaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(in[i*2]) | int16(in[i*2+1])<<8
		out[i] = EncodeULawSample(s)
	}
	return out
}

// ALawToLinear16 decodes an A-law byte stream into little-endian linear16 PCM.
func ALawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, c := range in {
		s := alawDecode[c]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Linear16ToALaw encodes little-endian linear16 PCM into A-law. A trailing
// odd byte is ignored.
func Linear16ToALaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(in[i*2]) | int16(in[i*2+1])<<8
		out[i] = EncodeALawSample(s)
	}
	return out
}
