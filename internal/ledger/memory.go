package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps ledger entries in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Source]Entry
	saves   int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Source]Entry)}
}

// LoadEntries returns a copy of the stored entries
func (s *MemoryStore) LoadEntries(_ context.Context) (map[Source]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Source]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

// Update runs fn under the store lock and saves the entry it returns
func (s *MemoryStore) Update(_ context.Context, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(map[Source]Entry, len(s.entries))
	for k, v := range s.entries {
		stored[k] = v
	}
	entry, save := fn(stored)
	if !save {
		return nil
	}
	s.entries[entry.Source] = entry
	s.saves++
	return nil
}

// Saves returns how many writes the store has accepted
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
