package outbound

import (
	"context"
	"io"
	"sync"
)

// Source yields audio in transport format. Next returns io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

type bufferSource struct {
	data []byte
	size int
}

// BufferSource slices a whole buffer into chunks of size bytes.
func BufferSource(data []byte, size int) Source {
	if size <= 0 {
		size = len(data)
	}
	return &bufferSource{data: data, size: size}
}

func (s *bufferSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	n := s.size
	if n > len(s.data) {
		n = len(s.data)
	}
	chunk := s.data[:n]
	s.data = s.data[n:]
	return chunk, nil
}

// Pipe connects a producer, usually streaming synthesis, to the streamer.
// Writes block until the streamer takes the chunk, so the producer is paced
// too.
type Pipe struct {
	ch      chan []byte
	closed  chan struct{}
	aborted chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once
	mu        sync.Mutex
	err       error
}

func NewPipe() *Pipe {
	return &Pipe{
		ch:      make(chan []byte),
		closed:  make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

// Write hands chunk to the reader. It fails with io.ErrClosedPipe once the
// reader has gone away.
func (p *Pipe) Write(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-p.aborted:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.ch <- chunk:
		return nil
	case <-p.aborted:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWithError ends the stream. A nil err is a clean end.
func (p *Pipe) CloseWithError(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.closed)
	})
}

// Close ends the stream cleanly.
func (p *Pipe) Close() { p.CloseWithError(nil) }

// Abort is called by the reader side to release a blocked writer.
func (p *Pipe) Abort() {
	p.abortOnce.Do(func() { close(p.aborted) })
}

func (p *Pipe) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-p.ch:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
	}
	// Drain a write that raced with close.
	select {
	case chunk := <-p.ch:
		return chunk, nil
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return nil, io.EOF
}
