package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and database-less development.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]User
	byNorm map[string]string // username_norm -> id
}

// NewMemoryStore constructs an empty in-memory principal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]User),
		byNorm: make(map[string]string),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, in CreateUserInput) (User, error) {
	u, err := newUser(in)
	if err != nil {
		return User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byNorm[u.UsernameNorm]; taken {
		return User{}, ConflictError{Op: "identity.CreateUser", Field: "username"}
	}
	m.byID[u.ID] = u
	m.byNorm[u.UsernameNorm] = u.ID
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, usernameNorm string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNorm[usernameNorm]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
