package deadletter

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Store persists dead-letter entries keyed by signature. Implementations must
// be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry) error
	// Delete removes an entry. Missing ids are ignored.
	Delete(ctx context.Context, id string) error
	// List returns every entry ordered by id.
	List(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store. Its contents do not survive a restart.
type MemoryStore struct {
	entries map[string]Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

func (s *MemoryStore) Set(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry)
	return nil
}

func cloneEntry(e Entry) Entry {
	e.ErrorHistory = slices.Clone(e.ErrorHistory)
	return e
}
