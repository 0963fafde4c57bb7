package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("process closed")

// ProcessConfig describes a child process that consumes bytes on stdin and
// produces output on stdout.
type ProcessConfig struct {
	Name string
	Path string
	Args []string
	Env  []string
	// StopGrace is how long Close waits after SIGINT before killing.
	StopGrace time.Duration
}

// Process supervises one child process. Writes block while the stdin pipe is
// full so a slow consumer pushes back on the writer instead of losing bytes.
type Process struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logTail *tailBuffer
	grace   time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// StartProcess launches the child and hands its stdout to read on a dedicated
// goroutine. The process is reaped once read returns.
func StartProcess(cfg ProcessConfig, read func(io.Reader) error) (*Process, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%s: binary path is required", cfg.Name)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 1200 * time.Millisecond
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	tail := newTailBuffer(8 << 10)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdin: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}

	p := &Process{
		name:    cfg.Name,
		cmd:     cmd,
		stdin:   stdin,
		logTail: tail,
		grace:   cfg.StopGrace,
		done:    make(chan struct{}),
	}
	go p.run(stdout, read)
	return p, nil
}

func (p *Process) run(stdout io.Reader, read func(io.Reader) error) {
	readErr := read(stdout)
	// Drain so the child never blocks on a full stdout pipe while exiting.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := p.cmd.Wait()

	if !p.closed.Load() {
		switch {
		case readErr != nil:
			p.err = fmt.Errorf("%s output: %w", p.name, readErr)
		case waitErr != nil:
			p.err = fmt.Errorf("%s exited: %w (%s)", p.name, waitErr, p.logTail.String())
		default:
			p.err = fmt.Errorf("%s exited unexpectedly", p.name)
		}
	}
	close(p.done)
}

func (p *Process) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case <-p.done:
		return 0, p.Err()
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.stdin.Write(b)
	if err != nil && p.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Done is closed once the child has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err reports why the child exited. It is nil after a requested Close.
func (p *Process) Err() error {
	select {
	case <-p.done:
		if p.err == nil && p.closed.Load() {
			return ErrClosed
		}
		return p.err
	default:
		return nil
	}
}

// Close ends stdin, interrupts the child and kills it if it lingers. Safe to
// call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.stdin.Close()
		if p.cmd.Process == nil {
			return
		}
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-time.After(p.grace):
			_ = p.cmd.Process.Kill()
			<-p.done
		case <-p.done:
		}
	})
	return nil
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
