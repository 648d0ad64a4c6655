package tasks

import (
	"context"
	"sync"
)

// Store persists task lists by session. Implementations store what they are
// given; validation and serialization belong to the Writer.
type Store interface {
	// Get returns the session's list, or nil when none was written.
	Get(ctx context.Context, sessionID string) ([]Item, error)

	// Replace atomically swaps the session's list for items.
	Replace(ctx context.Context, sessionID string, items []Item) error

	// Delete removes the session's list.
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps task lists in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	lists map[string][]Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lists: make(map[string][]Item)}
}

// Get returns a copy of the session's list.
func (s *MemoryStore) Get(_ context.Context, sessionID string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.lists[sessionID]), nil
}

// Replace stores a copy of items.
func (s *MemoryStore) Replace(_ context.Context, sessionID string, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if items == nil {
		items = []Item{}
	}
	s.lists[sessionID] = Clone(items)
	return nil
}

// Delete removes the session's list.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, sessionID)
	return nil
}
