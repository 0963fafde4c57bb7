package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/voicegate/internal/session"
	"github.com/google/uuid"
)

// InMemoryStore keeps users and turns in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[string]session.User
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]session.User),
		records: make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) FindUser(_ context.Context, identity string) (session.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[identity]
	return u, ok, nil
}

func (s *InMemoryStore) SetActiveSession(_ context.Context, identity, displayName, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[identity]
	u.Identity = identity
	if displayName != "" {
		u.DisplayName = displayName
	}
	u.ActiveSessionID = sessionID
	s.users[identity] = u
	return nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
