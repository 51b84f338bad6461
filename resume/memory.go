package resume

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-process Store. It satisfies the same atomic
// replace-per-key contract but does not survive a restart; it suits tests
// and callers that opt out of durable resume.
type MemStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]State)}
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.SessionID] = st
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	return st, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

// ListActive implements Store.
func (m *MemStore) ListActive(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, st := range m.states {
		if !st.Completed {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }
