package tts

import (
	"bytes"
	"context"
	"errors"

	"github.com/ent0n29/voicegate/internal/reliability"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("tts: text is empty")

// Synthesizer turns reply text into 16-bit little endian PCM.
type Synthesizer interface {
	// Synthesize returns the whole utterance once the backend is done.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// SynthesizeStreaming calls onChunk for each piece of audio in order.
	// Every chunk holds whole samples. An error from onChunk aborts the stream.
	SynthesizeStreaming(ctx context.Context, text string, onChunk func([]byte) error) error
}

// Aligner carries a trailing odd byte from one chunk into the next so that
// every emitted chunk holds whole 16-bit samples.
type Aligner struct {
	carry []byte
}

// Push returns the even-length part of carry+chunk, or nil when nothing whole
// is available yet.
func (a *Aligner) Push(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(a.carry)+len(chunk))
	buf = append(buf, a.carry...)
	buf = append(buf, chunk...)
	a.carry = a.carry[:0]

	if len(buf)%2 == 1 {
		a.carry = append(a.carry, buf[len(buf)-1])
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return nil
	}
	return buf
}

// Flush emits the leftover byte padded to a full sample.
func (a *Aligner) Flush() []byte {
	if len(a.carry) == 0 {
		return nil
	}
	out := []byte{a.carry[0], 0}
	a.carry = a.carry[:0]
	return out
}

// Pending reports how many bytes are being carried.
func (a *Aligner) Pending() int { return len(a.carry) }

// alignedSink wraps onChunk with an Aligner.
type alignedSink struct {
	aligner Aligner
	onChunk func([]byte) error
}

func (s *alignedSink) write(chunk []byte) error {
	if out := s.aligner.Push(chunk); out != nil {
		return s.onChunk(out)
	}
	return nil
}

func (s *alignedSink) flush() error {
	if out := s.aligner.Flush(); out != nil {
		return s.onChunk(out)
	}
	return nil
}

// collect runs a streaming synthesis into one buffer. Partial audio is
// discarded on error.
func collect(ctx context.Context, text string, stream func(context.Context, string, func([]byte) error) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := stream(ctx, text, func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func classify(err error, retryable bool) error {
	if retryable {
		return reliability.Retryable(err)
	}
	return err
}
