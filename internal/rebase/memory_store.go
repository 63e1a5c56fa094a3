package rebase

import (
	"context"
	"sync"
)

// MemoryStore keeps rebase events in memory, for tests and local
// development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements EventStore.
func (m *MemoryStore) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *e
	m.events = append(m.events, &copied)
	return nil
}

// List implements EventStore. Newest first.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *m.events[i]
		out = append(out, &copied)
	}
	return out, nil
}

var _ EventStore = (*MemoryStore)(nil)
