package bridge

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*Settlement // keyed by requestId
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*Settlement),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.settlements[s.RequestID]; exists {
		return ErrDuplicate
	}
	m.settlements[s.RequestID] = copySettlement(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settlements[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySettlement(s), nil
}

func (m *MemoryStore) Transition(ctx context.Context, s *Settlement, from Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.settlements[s.RequestID]
	if !ok {
		return ErrNotFound
	}
	if stored.Phase != from {
		return ErrPhaseConflict
	}
	m.settlements[s.RequestID] = copySettlement(s)
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if !s.Phase.Terminal() {
			result = append(result, copySettlement(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if s.UserID == userID || s.CounterpartyID == userID {
			result = append(result, copySettlement(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReconciliation(ctx context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if s.Phase.NeedsReconciliation() {
			result = append(result, copySettlement(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copySettlement(s *Settlement) *Settlement {
	c := *s
	if s.Amount != nil {
		c.Amount = new(big.Int).Set(s.Amount)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
