package stt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/reliability"
)

var (
	ErrClosed       = errors.New("transcriber closed")
	ErrNotConnected = errors.New("transcriber not connected")
)

type ResultType string

const (
	ResultInterim ResultType = "interim"
	ResultFinal   ResultType = "final"
	ResultError   ResultType = "error"
)

type Result struct {
	Type ResultType
	Text string
	Err  error
}

type Control string

const (
	ControlFinalize  Control = "Finalize"
	ControlKeepAlive Control = "KeepAlive"
	ControlClose     Control = "CloseStream"
)

// Conn is one live connection to a streaming recognizer. Results is closed
// when the connection drops for any reason.
type Conn interface {
	SendAudio(b []byte) error
	SendControl(c Control) error
	Results() <-chan Result
	Close() error
}

type Backend interface {
	Dial(ctx context.Context) (Conn, error)
}

type Config struct {
	// ChunkBytes is the fixed quantum sent to the backend.
	ChunkBytes        int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 800
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = c.ReconnectDelay
	}
	return c
}

// Transcriber keeps a streaming recognizer connection alive for one session.
// Audio is forwarded in fixed quanta; a dropped connection is redialed and
// whatever was buffered for the old one is discarded.
type Transcriber struct {
	backend   Backend
	cfg       Config
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	buf    []byte
	closed bool

	results   chan Result
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(backend Backend, cfg Config, sessionID string) *Transcriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transcriber{
		backend:   backend,
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		results:   make(chan Result, 64),
	}
}

// Connect dials the first connection.
func (t *Transcriber) Connect(ctx context.Context) error {
	conn, err := t.backend.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial transcriber: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.buf = nil
	t.wg.Add(1)
	t.mu.Unlock()

	go t.pump(conn)
	return nil
}

// Results delivers interim, final and terminal error results in arrival
// order. It is closed after Close.
func (t *Transcriber) Results() <-chan Result { return t.results }

// BeginSegment drops audio left over from a previous speech segment.
func (t *Transcriber) BeginSegment() {
	t.mu.Lock()
	t.buf = nil
	t.mu.Unlock()
}

func (t *Transcriber) Feed(chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	t.buf = append(t.buf, chunk...)
	q := t.cfg.ChunkBytes
	off := 0
	for len(t.buf)-off >= q {
		if err := t.conn.SendAudio(t.buf[off : off+q]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		off += q
	}
	if off > 0 {
		rest := make([]byte, len(t.buf)-off)
		copy(rest, t.buf[off:])
		t.buf = rest
	}
	return nil
}

// Finalize flushes whatever is buffered, however short, and asks the backend
// to emit its final result now.
func (t *Transcriber) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		t.buf = nil
		return ErrNotConnected
	}
	if len(t.buf) > 0 {
		rest := t.buf
		t.buf = nil
		if err := t.conn.SendAudio(rest); err != nil {
			return fmt.Errorf("flush audio: %w", err)
		}
	}
	return t.conn.SendControl(ControlFinalize)
}

func (t *Transcriber) KeepAlive(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.SendControl(ControlKeepAlive)
}

func (t *Transcriber) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.conn = nil
		t.buf = nil
		t.mu.Unlock()

		t.cancel()
		if conn != nil {
			_ = conn.SendControl(ControlClose)
			_ = conn.Close()
		}
		t.wg.Wait()
		close(t.results)
	})
	return nil
}

func (t *Transcriber) pump(conn Conn) {
	defer t.wg.Done()
	for r := range conn.Results() {
		select {
		case t.results <- r:
		case <-t.ctx.Done():
			return
		}
	}

	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
		t.buf = nil
	}
	closed := t.closed
	t.mu.Unlock()
	if closed || !current {
		return
	}
	_ = conn.Close()
	t.reconnect()
}

func (t *Transcriber) reconnect() {
	var lastErr error
	for attempt := 0; attempt < t.cfg.ReconnectAttempts; attempt++ {
		delay := reliability.ExponentialBackoff(attempt, t.cfg.ReconnectDelay, t.cfg.ReconnectMaxDelay)
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := t.backend.Dial(t.ctx)
		if err != nil {
			lastErr = err
			log.Printf("[stt] session=%s reconnect attempt %d/%d failed: %v", t.sessionID, attempt+1, t.cfg.ReconnectAttempts, err)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.buf = nil
		t.wg.Add(1)
		t.mu.Unlock()

		log.Printf("[stt] session=%s reconnected after %d attempt(s)", t.sessionID, attempt+1)
		go t.pump(conn)
		return
	}

	if lastErr == nil {
		lastErr = errors.New("connection lost")
	}
	select {
	case t.results <- Result{Type: ResultError, Err: fmt.Errorf("transcriber gave up after %d attempts: %w", t.cfg.ReconnectAttempts, lastErr)}:
	case <-t.ctx.Done():
	}
}
