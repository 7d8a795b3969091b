package quote

import (
	"context"
	"sync"
	"time"

	"quote-engine/internal/errs"
)

// MemoryStore keeps quotes in a map guarded by one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	quotes map[string]*Stored
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[string]*Stored)}
}

func (m *MemoryStore) Insert(ctx context.Context, q Quote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.quotes[q.ID]; exists {
		return errs.New(errs.CodeInternal, "duplicate quote id")
	}
	m.quotes[q.ID] = &Stored{Quote: q}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.quotes[id]
	if !ok {
		return Stored{}, errs.ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) Consume(_ context.Context, id string, now time.Time) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.quotes[id]
	if !ok {
		return Quote{}, errs.ErrNotFound
	}
	if !s.ConsumedAt.IsZero() {
		return Quote{}, errs.ErrAlreadyConsumed
	}
	if s.Quote.Expired(now) {
		return Quote{}, errs.ErrExpired
	}
	s.ConsumedAt = now
	return s.Quote, nil
}

func (m *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.quotes {
		if s.Quote.ExpiresAt.Before(cutoff) {
			delete(m.quotes, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
