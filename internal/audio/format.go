package audio

import (
	"strconv"
	"time"
)

type Encoding string

const (
	EncodingMulaw Encoding = "mulaw"
	EncodingPCM16 Encoding = "s16le"
	// EncodingOgg carries Opus packets in an Ogg container. Only valid as transcoder input.
	EncodingOgg Encoding = "ogg"
)

// Format describes a raw audio byte stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

var (
	// Telephony is what Twilio media streams carry in both directions.
	Telephony = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}
	// Speech is what the VAD and the transcriber consume.
	Speech = Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1}
	// SynthesisPCM is what the synthesizers are asked to produce before mu-law encoding.
	SynthesisPCM = Format{Encoding: EncodingPCM16, SampleRate: 8000, Channels: 1}
	// WebRTCOpus is the subscribed LiveKit microphone track after Ogg muxing.
	WebRTCOpus = Format{Encoding: EncodingOgg, SampleRate: 48000, Channels: 2}
)

func (f Format) BytesPerSample() int {
	switch f.Encoding {
	case EncodingMulaw:
		return 1
	case EncodingPCM16:
		return 2
	default:
		return 0
	}
}

// BytesPerSecond is zero for compressed formats.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * f.BytesPerSample()
}

// Duration returns the playback time of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (f Format) String() string {
	return string(f.Encoding) + "/" + strconv.Itoa(f.SampleRate) + "/" + strconv.Itoa(f.Channels)
}

func (f Format) ffmpegArgs() []string {
	args := []string{"-f", string(f.Encoding)}
	if f.Encoding == EncodingOgg {
		return args
	}
	if f.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(f.SampleRate))
	}
	if f.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(f.Channels))
	}
	return args
}
