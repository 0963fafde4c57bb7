package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/session"
)

// Hub owns the pipeline of every live session so that transports sharing a
// session also share its loop.
type Hub struct {
	ctx  context.Context
	deps Deps

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewHub builds pipelines that live until ctx ends or their session is
// destroyed.
func NewHub(ctx context.Context, deps Deps) *Hub {
	return &Hub{ctx: ctx, deps: deps, pipelines: make(map[string]*Pipeline)}
}

// Ensure returns the running pipeline of s, starting one if needed.
func (h *Hub) Ensure(s *session.Session) *Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pipelines[s.ID]; ok {
		select {
		case <-p.Done():
		default:
			return p
		}
	}
	p := New(s, h.deps)
	p.Start(h.ctx)
	h.pipelines[s.ID] = p
	return p
}

// StartAudio ensures the pipeline of s and starts its inbound audio path.
// When the path fails to start, a pipeline created by this call is dropped
// again. ErrNoRecognizer leaves the pipeline in place.
func (h *Hub) StartAudio(ctx context.Context, s *session.Session, input audio.Format) (*Pipeline, error) {
	_, existed := h.Get(s.ID)
	p := h.Ensure(s)
	err := p.StartAudio(ctx, input)
	if err != nil && !errors.Is(err, ErrNoRecognizer) && !existed {
		h.Forget(s.ID)
		_ = p.Close()
	}
	return p, err
}

func (h *Hub) Get(sessionID string) (*Pipeline, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pipelines[sessionID]
	return p, ok
}

// Forget drops a destroyed session. The session teardown closes the pipeline.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.pipelines, sessionID)
	h.mu.Unlock()
}

// SetOnEnd installs the callback pipelines use when the agent ends a session.
// It must be called before the first Ensure.
func (h *Hub) SetOnEnd(fn func(sessionID string)) {
	h.mu.Lock()
	h.deps.OnEnd = fn
	h.mu.Unlock()
}
