package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/stt"
)

type refusingBackend struct{ err error }

func (b refusingBackend) Dial(context.Context) (stt.Conn, error) { return nil, b.err }

func TestHubStartAudioDropsPipelineItCreated(t *testing.T) {
	dialErr := errors.New("recognizer unavailable")
	hub := NewHub(t.Context(), Deps{Legs: LegConfig{Backend: refusingBackend{err: dialErr}}})
	s := newTestSession(t, "+15550901")

	p, err := hub.StartAudio(context.Background(), s, audio.WebRTCOpus)
	if !errors.Is(err, dialErr) {
		t.Fatalf("StartAudio() error = %v, want %v", err, dialErr)
	}
	if _, ok := hub.Get(s.ID); ok {
		t.Fatalf("pipeline still indexed after failed start")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("pipeline still running after failed start")
	}
}

func TestHubStartAudioKeepsExistingPipeline(t *testing.T) {
	hub := NewHub(t.Context(), Deps{Legs: LegConfig{Backend: refusingBackend{err: errors.New("down")}}})
	s := newTestSession(t, "+15550902")
	existing := hub.Ensure(s)
	t.Cleanup(func() { _ = existing.Close() })

	if _, err := hub.StartAudio(context.Background(), s, audio.Telephony); err == nil {
		t.Fatalf("StartAudio() error = nil, want dial failure")
	}
	if got, ok := hub.Get(s.ID); !ok || got != existing {
		t.Fatalf("Get() = %v, %v; want the existing pipeline", got, ok)
	}
}

func TestHubStartAudioWithoutRecognizerKeepsPipeline(t *testing.T) {
	hub := NewHub(t.Context(), Deps{})
	s := newTestSession(t, "+15550903")

	p, err := hub.StartAudio(context.Background(), s, audio.Telephony)
	if !errors.Is(err, ErrNoRecognizer) {
		t.Fatalf("StartAudio() error = %v, want ErrNoRecognizer", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if _, ok := hub.Get(s.ID); !ok {
		t.Fatalf("pipeline dropped although only the recognizer is missing")
	}
}
