package tts

import (
	"context"
	"errors"
	"testing"
)

type stubSynth struct {
	name  string
	audio []byte
	err   error
	calls int
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return collect(ctx, text, s.SynthesizeStreaming)
}

func (s *stubSynth) SynthesizeStreaming(_ context.Context, _ string, onChunk func([]byte) error) error {
	s.calls++
	if len(s.audio) > 0 {
		if err := onChunk(s.audio); err != nil {
			return err
		}
	}
	return s.err
}

func TestFailoverSwitchesAndSticks(t *testing.T) {
	primary := &stubSynth{name: "primary", err: errors.New("primary down")}
	fallback := &stubSynth{name: "fallback", audio: []byte{1, 2}}
	f := NewFailover(primary, fallback)

	got, err := f.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Synthesize() = %v, want fallback audio", got)
	}
	if _, err := f.Synthesize(context.Background(), "again"); err != nil {
		t.Fatalf("Synthesize() second error = %v", err)
	}
	if primary.calls != 1 || fallback.calls != 2 {
		t.Fatalf("calls primary=%d fallback=%d, want 1/2", primary.calls, fallback.calls)
	}
}

func TestFailoverDoesNotRetryAfterAudio(t *testing.T) {
	primary := &stubSynth{audio: []byte{1, 2}, err: errors.New("dropped mid stream")}
	fallback := &stubSynth{audio: []byte{3, 4}}
	f := NewFailover(primary, fallback)

	if err := f.SynthesizeStreaming(context.Background(), "hi", func([]byte) error { return nil }); err == nil {
		t.Fatalf("SynthesizeStreaming() should surface a mid-stream failure")
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestFailoverReturnsCombinedError(t *testing.T) {
	f := NewFailover(&stubSynth{err: errors.New("a")}, &stubSynth{err: errors.New("b")})
	err := f.SynthesizeStreaming(context.Background(), "hi", func([]byte) error { return nil })
	if err == nil || err.Error() != "tts failover: a; b" {
		t.Fatalf("SynthesizeStreaming() error = %v", err)
	}
}
