package alert

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store backend, used standalone in development
// and as the reference implementation for conformance tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
	active map[string]string // dedup key -> alert id, while open/acknowledged
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]Alert),
		active: make(map[string]string),
	}
}

// Put creates or replaces an alert, maintaining the active-by-dedup-key index
// and rejecting a second active alert for the same key.
func (s *MemoryStore) Put(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Status.Active() {
		if existing, ok := s.active[a.DedupKey]; ok && existing != a.ID {
			return ErrDuplicateOpen
		}
		s.active[a.DedupKey] = a.ID
	} else if s.active[a.DedupKey] == a.ID {
		delete(s.active, a.DedupKey)
	}

	s.alerts[a.ID] = a
	return nil
}

// Get returns the alert by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return a, nil
}

// FindActive returns the open or acknowledged alert for a dedup key.
func (s *MemoryStore) FindActive(ctx context.Context, dedupKey string) (Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[dedupKey]
	if !ok {
		return Alert{}, false, nil
	}
	a, ok := s.alerts[id]
	return a, ok, nil
}

// List returns matching alerts, newest update first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
