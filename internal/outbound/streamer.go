package outbound

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicegate/internal/audio"
)

const (
	// DefaultChunkBytes is 100ms of 8kHz μ-law.
	DefaultChunkBytes  = 800
	DefaultStopTimeout = 2 * time.Second
)

type Config struct {
	ChunkBytes  int
	StopTimeout time.Duration
}

// Streamer paces audio to a transport in real time.
type Streamer struct {
	cfg Config
}

func NewStreamer(cfg Config) *Streamer {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Streamer{cfg: cfg}
}

// Handle controls one playback.
type Handle struct {
	cancel      context.CancelFunc
	stopped     atomic.Bool
	done        chan struct{}
	sentBytes   atomic.Int64
	mu          sync.Mutex
	err         error
	interrupted bool
}

// Stop cancels playback. Safe to call any number of times from any goroutine,
// including while a chunk is being sent.
func (h *Handle) Stop() {
	h.stopped.Store(true)
	h.cancel()
}

// Done closes after the transport has been stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports a source or transport failure. Stop is not an error.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Interrupted reports whether playback ended before the source ran out.
func (h *Handle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// SentBytes counts audio handed to the transport.
func (h *Handle) SentBytes() int64 { return h.sentBytes.Load() }

// Start begins pacing src to transport. After each chunk the loop waits for
// that chunk's playback duration in format.
func (s *Streamer) Start(ctx context.Context, transport OutboundTransport, format audio.Format, src Source) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go s.run(loopCtx, h, transport, format, src)
	return h
}

func (s *Streamer) run(ctx context.Context, h *Handle, transport OutboundTransport, format audio.Format, src Source) {
	defer close(h.done)
	defer h.cancel()

	reason, err := s.pump(ctx, h, transport, format, src)

	if p, ok := src.(*Pipe); ok {
		p.Abort()
	}
	h.mu.Lock()
	h.err = err
	h.interrupted = reason == StopInterrupted
	h.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
	defer cancel()
	if stopErr := transport.Stop(stopCtx, reason); stopErr != nil {
		log.Printf("[outbound] transport stop (%s) failed: %v", reason, stopErr)
	}
}

func (s *Streamer) pump(ctx context.Context, h *Handle, transport OutboundTransport, format audio.Format, src Source) (StopReason, error) {
	cancelled := func() bool { return h.stopped.Load() || ctx.Err() != nil }

	for {
		if cancelled() {
			return StopInterrupted, nil
		}
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cancelled() {
				return StopInterrupted, nil
			}
			return StopInterrupted, err
		}

		for len(chunk) > 0 {
			n := s.cfg.ChunkBytes
			if n > len(chunk) {
				n = len(chunk)
			}
			piece := chunk[:n]
			chunk = chunk[n:]

			if cancelled() {
				return StopInterrupted, nil
			}
			if err := transport.SendAudioChunk(ctx, piece); err != nil {
				if cancelled() {
					return StopInterrupted, nil
				}
				return StopInterrupted, err
			}
			h.sentBytes.Add(int64(len(piece)))

			if cancelled() {
				return StopInterrupted, nil
			}
			timer := time.NewTimer(format.Duration(len(piece)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return StopInterrupted, nil
			case <-timer.C:
			}
		}
	}
	return StopCompleted, nil
}
