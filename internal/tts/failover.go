package tts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
)

// Failover prefers the primary synthesizer and switches to the fallback when
// the primary fails before producing any audio. Once the fallback succeeds it
// stays active until it fails too; then the primary is tried again.
type Failover struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackActive atomic.Bool
}

func NewFailover(primary, fallback Synthesizer) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return collect(ctx, text, f.SynthesizeStreaming)
}

func (f *Failover) SynthesizeStreaming(ctx context.Context, text string, onChunk func([]byte) error) error {
	first, second := f.primary, f.fallback
	if f.fallbackActive.Load() {
		first, second = f.fallback, f.primary
	}

	emitted := false
	track := func(chunk []byte) error {
		emitted = true
		return onChunk(chunk)
	}
	firstErr := first.SynthesizeStreaming(ctx, text, track)
	if firstErr == nil || emitted || ctx.Err() != nil || errors.Is(firstErr, ErrEmptyText) {
		return firstErr
	}

	log.Printf("[tts] synthesizer failed before audio, switching backend: %v", firstErr)
	secondErr := second.SynthesizeStreaming(ctx, text, onChunk)
	if secondErr != nil {
		return fmt.Errorf("tts failover: %v; %w", firstErr, secondErr)
	}
	f.fallbackActive.Store(second == f.fallback)
	return nil
}
