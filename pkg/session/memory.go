package session

import (
	"context"
	"sync"

	"github.com/platinummonkey/carehub/pkg/audit"
)

// MemoryStore is an in-process Store for tests and single-node development
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byToken     map[string]string
	transitions []*audit.ContextTransition
	nextID      int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session, t *audit.ContextTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.clone()
	m.byToken[s.TokenHash] = s.ID
	m.appendLocked(t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	m.mu.RLock()
	id, ok := m.byToken[tokenHash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, s *Session, t *audit.ContextTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok || current.EndedAt != nil {
		return ErrExpiredSession
	}
	updated := current.clone()
	updated.RoleID, updated.Scope = s.RoleID, s.Scope
	updated.ImpersonatePrincipalID = s.clone().ImpersonatePrincipalID
	updated.LastActivityAt = s.LastActivityAt
	updated.EndedAt = s.clone().EndedAt
	updated.EndReason = s.EndReason
	m.sessions[s.ID] = updated
	if t != nil {
		m.appendLocked(t)
	}
	return nil
}

func (m *MemoryStore) Transitions(_ context.Context, sessionID string) ([]*audit.ContextTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*audit.ContextTransition, 0)
	for _, t := range m.transitions {
		if t.SessionID == sessionID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(t *audit.ContextTransition) {
	m.nextID++
	t.ID = m.nextID
	c := *t
	m.transitions = append(m.transitions, &c)
}
