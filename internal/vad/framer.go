package vad

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventAudioChunk  EventType = "audio_chunk"
	EventSpeechEnd   EventType = "speech_end"
)

// Event is one boundary or audio payload produced by the detector. Audio is
// only ever emitted between a SpeechStart and the matching SpeechEnd.
type Event struct {
	Type  EventType
	Audio []byte
}

// classifierLine is what the classifier process prints, one JSON object per line.
type classifierLine struct {
	Event string `json:"event"`
	Chunk string `json:"chunk"`
}

// Framer turns classifier output lines into bracketed events. It is not safe
// for concurrent use; the detector drives it from a single reader goroutine.
type Framer struct {
	active bool
}

func (f *Framer) Active() bool { return f.active }

// Line parses a single classifier line and returns the events it produces.
// Blank lines yield nothing. Malformed lines return an error and leave the
// bracket state unchanged.
func (f *Framer) Line(raw []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	var line classifierLine
	if err := json.Unmarshal([]byte(trimmed), &line); err != nil {
		return nil, fmt.Errorf("decode vad line: %w", err)
	}

	var chunk []byte
	if line.Chunk != "" {
		b, err := hex.DecodeString(line.Chunk)
		if err != nil {
			return nil, fmt.Errorf("decode vad chunk: %w", err)
		}
		chunk = b
	}

	var out []Event
	switch line.Event {
	case "speech_start", "manual_speech_trigger":
		if !f.active {
			f.active = true
			out = append(out, Event{Type: EventSpeechStart})
		}
		if len(chunk) > 0 {
			out = append(out, Event{Type: EventAudioChunk, Audio: chunk})
		}
	case "speech":
		if f.active && len(chunk) > 0 {
			out = append(out, Event{Type: EventAudioChunk, Audio: chunk})
		}
	case "speech_end":
		if f.active {
			f.active = false
			out = append(out, Event{Type: EventSpeechEnd})
		}
	default:
		// unknown classifier events are ignored
	}
	return out, nil
}

// Close ends an open bracket, e.g. when the classifier dies mid-utterance.
func (f *Framer) Close() []Event {
	if !f.active {
		return nil
	}
	f.active = false
	return []Event{{Type: EventSpeechEnd}}
}
