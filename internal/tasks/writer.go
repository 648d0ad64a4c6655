package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ChangeFunc observes committed writes.
type ChangeFunc func(sessionID string, items []Item)

// Writer is the only path that mutates task lists. Writes for the same
// session are serialized; writes for different sessions proceed in parallel.
type Writer struct {
	store    Store
	onChange ChangeFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter creates a writer over store. onChange may be nil.
func NewWriter(store Store, onChange ChangeFunc) *Writer {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Writer{
		store:    store,
		onChange: onChange,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Store returns the backing store.
func (w *Writer) Store() Store {
	return w.store
}

// Write validates items and replaces the session's list with them. Missing
// IDs are assigned and empty priorities become medium. A rejected write
// leaves the stored list unchanged.
func (w *Writer) Write(ctx context.Context, sessionID string, items []Item) ([]Item, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	normalized := normalize(items)
	if err := Validate(normalized); err != nil {
		return nil, err
	}

	lock := w.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := w.store.Replace(ctx, sessionID, normalized); err != nil {
		return nil, fmt.Errorf("store tasks: %w", err)
	}
	if w.onChange != nil {
		w.onChange(sessionID, Clone(normalized))
	}
	return normalized, nil
}

// Read returns the session's current list.
func (w *Writer) Read(ctx context.Context, sessionID string) ([]Item, error) {
	return w.store.Get(ctx, sessionID)
}

// Incomplete returns the session's items that still block completion.
func (w *Writer) Incomplete(ctx context.Context, sessionID string) ([]Item, error) {
	items, err := w.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Incomplete(items), nil
}

// Forget drops the session's list and lock, for session deletion.
func (w *Writer) Forget(ctx context.Context, sessionID string) error {
	lock := w.sessionLock(sessionID)
	lock.Lock()
	err := w.store.Delete(ctx, sessionID)
	lock.Unlock()

	w.mu.Lock()
	delete(w.locks, sessionID)
	w.mu.Unlock()
	return err
}

func (w *Writer) sessionLock(sessionID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[sessionID] = lock
	}
	return lock
}

func normalize(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()[:8]
		}
		if item.Priority == "" {
			item.Priority = PriorityMedium
		}
		out[i] = item
	}
	return out
}
