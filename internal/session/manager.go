package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/redact"
	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrTransportInUse = errors.New("transport already bound to a session")
)

// DefaultKeepAliveInterval keeps idle transcriber sockets open.
const DefaultKeepAliveInterval = 10 * time.Second

// User is what the directory knows about a caller.
type User struct {
	Identity        string
	DisplayName     string
	ActiveSessionID string
}

// Directory resolves users and remembers their active session.
type Directory interface {
	FindUser(ctx context.Context, identity string) (User, bool, error)
	SetActiveSession(ctx context.Context, identity, displayName, sessionID string) error
}

type CreateParams struct {
	TransportRef string
	UserIdentity string
	DisplayName  string
	Prompt       string
	Tools        []conversation.ToolDescriptor
	// Setup runs on a fresh session before it is indexed. An error aborts
	// creation and tears the session down.
	Setup func(ctx context.Context, s *Session) error
}

// Hooks observe lifecycle changes. Nil fields are skipped.
type Hooks struct {
	Created   func(*Session)
	Reused    func(*Session)
	Destroyed func(*Session)
	// Discarded runs for a session torn down before it was ever indexed,
	// e.g. after a failed Setup or a lost race with a concurrent Create.
	Discarded func(*Session)
}

// Manager indexes live sessions by id, transport and user. Its lock guards
// the indices only; no session work happens while it is held.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byTransport map[string]string
	byUser      map[string]string
	refs        map[string]map[string]struct{}

	directory Directory
	hooks     Hooks
}

func NewManager(directory Directory, hooks Hooks) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		byTransport: make(map[string]string),
		byUser:      make(map[string]string),
		refs:        make(map[string]map[string]struct{}),
		directory:   directory,
		hooks:       hooks,
	}
}

// Create returns the caller's live session when the directory (or the user
// index) points at one, rebinding it to the new transport, prompt and tools.
// Otherwise a fresh session is set up and indexed. The bool reports reuse.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, bool, error) {
	if s := m.reusable(ctx, p.UserIdentity); s != nil {
		if err := m.bindTransport(s, p.TransportRef); err != nil {
			return nil, false, err
		}
		s.rebind(p)
		if m.hooks.Reused != nil {
			m.hooks.Reused(s)
		}
		log.Printf("[session] session=%s reused user=%s transport=%s", s.ID, redact.Identity(p.UserIdentity), p.TransportRef)
		return s, true, nil
	}

	if p.TransportRef != "" {
		m.mu.RLock()
		_, taken := m.byTransport[p.TransportRef]
		m.mu.RUnlock()
		if taken {
			return nil, false, fmt.Errorf("%w: %s", ErrTransportInUse, p.TransportRef)
		}
	}

	s := newSession(uuid.NewString(), p)
	if p.Setup != nil {
		if err := p.Setup(ctx, s); err != nil {
			m.discard(s)
			return nil, false, fmt.Errorf("set up session: %w", err)
		}
	}

	m.mu.Lock()
	if p.TransportRef != "" {
		if _, taken := m.byTransport[p.TransportRef]; taken {
			m.mu.Unlock()
			m.discard(s)
			return nil, false, fmt.Errorf("%w: %s", ErrTransportInUse, p.TransportRef)
		}
	}
	// Another Create for the same user may have indexed a session while s
	// was being set up. The indexed one wins.
	if winner := m.sessions[m.byUser[p.UserIdentity]]; p.UserIdentity != "" && winner != nil {
		err := m.bindLocked(winner, p.TransportRef)
		m.mu.Unlock()
		m.discard(s)
		if err != nil {
			return nil, false, err
		}
		winner.rebind(p)
		if m.hooks.Reused != nil {
			m.hooks.Reused(winner)
		}
		log.Printf("[session] session=%s reused user=%s transport=%s", winner.ID, redact.Identity(p.UserIdentity), p.TransportRef)
		return winner, true, nil
	}
	m.sessions[s.ID] = s
	m.refs[s.ID] = make(map[string]struct{})
	if p.TransportRef != "" {
		m.byTransport[p.TransportRef] = s.ID
		m.refs[s.ID][p.TransportRef] = struct{}{}
	}
	if p.UserIdentity != "" {
		m.byUser[p.UserIdentity] = s.ID
	}
	m.mu.Unlock()

	if p.UserIdentity != "" && m.directory != nil {
		if err := m.directory.SetActiveSession(ctx, p.UserIdentity, p.DisplayName, s.ID); err != nil {
			log.Printf("[session] session=%s set active session for %s failed: %v", s.ID, redact.Identity(p.UserIdentity), err)
		}
	}
	if m.hooks.Created != nil {
		m.hooks.Created(s)
	}
	log.Printf("[session] session=%s created user=%s transport=%s", s.ID, redact.Identity(s.User().Identity), p.TransportRef)
	return s, false, nil
}

// discard tears down a session that was never indexed.
func (m *Manager) discard(s *Session) {
	s.teardown()
	if m.hooks.Discarded != nil {
		m.hooks.Discarded(s)
	}
}

func (m *Manager) reusable(ctx context.Context, identity string) *Session {
	if identity == "" {
		return nil
	}
	candidate := ""
	if m.directory != nil {
		u, ok, err := m.directory.FindUser(ctx, identity)
		if err != nil {
			log.Printf("[session] find user %s failed: %v", redact.Identity(identity), err)
		} else if ok {
			candidate = u.ActiveSessionID
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if candidate == "" {
		candidate = m.byUser[identity]
	}
	return m.sessions[candidate]
}

func (m *Manager) bindTransport(s *Session, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindLocked(s, ref)
}

func (m *Manager) bindLocked(s *Session, ref string) error {
	if ref == "" {
		return nil
	}
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	if owner, taken := m.byTransport[ref]; taken && owner != s.ID {
		return fmt.Errorf("%w: %s", ErrTransportInUse, ref)
	}
	m.byTransport[ref] = s.ID
	m.refs[s.ID][ref] = struct{}{}
	return nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) GetByTransport(ref string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTransport[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id], nil
}

// Release drops a transport from its session. The session is destroyed when
// its last transport goes away.
func (m *Manager) Release(ctx context.Context, ref string) error {
	m.mu.Lock()
	id, ok := m.byTransport[ref]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.byTransport, ref)
	delete(m.refs[id], ref)
	remaining := len(m.refs[id])
	m.mu.Unlock()

	if remaining > 0 {
		log.Printf("[session] session=%s transport %s released, %d remaining", id, ref, remaining)
		return nil
	}
	return m.Destroy(ctx, id)
}

// Destroy tears the session down and then removes it from every index.
// Destroying a missing session is a no-op.
func (m *Manager) Destroy(_ context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	s.teardown()

	m.mu.Lock()
	if _, still := m.sessions[id]; !still {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	for ref := range m.refs[id] {
		if m.byTransport[ref] == id {
			delete(m.byTransport, ref)
		}
	}
	delete(m.refs, id)
	for user, sid := range m.byUser {
		if sid == id {
			delete(m.byUser, user)
		}
	}
	m.mu.Unlock()

	if m.hooks.Destroyed != nil {
		m.hooks.Destroyed(s)
	}
	log.Printf("[session] session=%s destroyed", id)
	return nil
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	sessions := m.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartKeepAlive pings every session's keep-alive resources on interval until
// ctx is done.
func (m *Manager) StartKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.keepAlive(ctx)
			}
		}
	}()
}

func (m *Manager) keepAlive(ctx context.Context) {
	for _, s := range m.snapshot() {
		if err := s.KeepAlive(ctx); err != nil {
			log.Printf("[session] session=%s keepalive failed: %v", s.ID, err)
		}
	}
}

// Shutdown destroys every session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.snapshot() {
		if err := m.Destroy(ctx, s.ID); err != nil {
			log.Printf("[session] session=%s shutdown destroy failed: %v", s.ID, err)
		}
	}
}
