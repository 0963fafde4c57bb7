package audio

import "encoding/binary"

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the G.711 mu-law code for a zero sample.
	MulawSilence byte = 0xFF
)

// EncodeMulaw converts 16-bit little-endian PCM to G.711 mu-law.
// A trailing odd byte is ignored; callers align input with an Aligner first.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// DecodeMulaw converts G.711 mu-law to 16-bit little-endian PCM.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(mulawToLinear(u)))
	}
	return out
}

// MulawSilenceFrame returns the given number of mu-law silence samples.
func MulawSilenceFrame(samples int) []byte {
	b := make([]byte, samples)
	for i := range b {
		b[i] = MulawSilence
	}
	return b
}

func linearToMulaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	s := ((int(mantissa) << 3) + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
