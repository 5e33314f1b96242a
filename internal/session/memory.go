package session

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// MemoryStore is the in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func cloneSession(s *Session) *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) FindByGatewaySessionID(ctx context.Context, gatewaySessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.GatewaySessionID == gatewaySessionID && gatewaySessionID != "" {
			return cloneSession(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, id string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(s, upd)
	return nil
}

func (m *MemoryStore) UpdateStatusIf(ctx context.Context, id string, from []gateway.Status, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	matched := false
	for _, st := range from {
		if s.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStatusConflict
	}
	applyUpdate(s, upd)
	return nil
}
