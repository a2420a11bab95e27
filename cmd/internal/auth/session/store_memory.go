package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same atomicity guarantees as the
// Postgres implementation. Used by tests and by running without a database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionRow
	refresh  map[string]*RefreshRow
	epoch    time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRow),
		refresh:  make(map[string]*RefreshRow),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s SessionRow, r RefreshRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, rc := s, r
	m.sessions[s.ID] = &sc
	m.refresh[r.ID] = &rc
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionRow{}, ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) GetRefresh(_ context.Context, tokenID string) (RefreshRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.refresh[tokenID]
	if !ok {
		return RefreshRow{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) Rotate(_ context.Context, now time.Time, oldID string, successor RefreshRow) (RotateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.refresh[oldID]
	if !ok {
		return RotateOutcome{}, ErrNotFound
	}
	if old.ReplacedBy != nil || old.RevokedAt != nil {
		return RotateOutcome{Won: false, Old: *old}, nil
	}

	succID, at := successor.ID, now
	old.ReplacedBy = &succID
	old.ReplacedAt = &at
	sc := successor
	m.refresh[successor.ID] = &sc
	return RotateOutcome{Won: true}, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, now time.Time, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	return nil
}

func (m *MemoryStore) RevokeSession(_ context.Context, now time.Time, sessionID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok && s.RevokedAt == nil {
		at := now
		s.RevokedAt = &at
	}
	for _, r := range m.refresh {
		if r.SessionID == sessionID && r.RevokedAt == nil {
			at := now
			r.RevokedAt = &at
		}
	}
	return nil
}

func (m *MemoryStore) RevokeUser(_ context.Context, now time.Time, userID, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			at := now
			s.RevokedAt = &at
			ids = append(ids, s.ID)
		}
	}
	for _, r := range m.refresh {
		if r.UserID == userID && r.RevokedAt == nil {
			at := now
			r.RevokedAt = &at
		}
	}
	return ids, nil
}

func (m *MemoryStore) LoadEpoch(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *MemoryStore) BumpEpoch(_ context.Context, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.After(m.epoch) {
		m.epoch = now
	}
	return m.epoch, nil
}
