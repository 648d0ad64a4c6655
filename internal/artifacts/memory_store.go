package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMemoryMaxBytes bounds the memory store when no size is configured.
const DefaultMemoryMaxBytes = 64 << 20

// MemoryStore keeps outputs in a cost-bounded ristretto cache. Old outputs
// are evicted under pressure, after which reads return ErrNotFound.
type MemoryStore struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewMemoryStore creates a memory store holding at most maxBytes of output.
func NewMemoryStore(maxBytes int64, ttl time.Duration) (*MemoryStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryMaxBytes
	}
	counters := maxBytes / 100 * 10
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create output cache: %w", err)
	}
	return &MemoryStore{cache: cache, ttl: ttl}, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := newRef()
	stored := append([]byte(nil), data...)
	if !s.cache.SetWithTTL(ref, stored, int64(len(stored)), s.ttl) {
		return "", fmt.Errorf("output of %d bytes rejected by cache", len(stored))
	}
	// Sets are buffered; wait so the ref is readable as soon as Put returns.
	s.cache.Wait()
	if _, ok := s.cache.Get(ref); !ok {
		return "", fmt.Errorf("output of %d bytes rejected by cache", len(stored))
	}
	return ref, nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, ref string, offset, limit int64) (Chunk, error) {
	if err := validateRef(ref); err != nil {
		return Chunk{}, err
	}
	data, ok := s.cache.Get(ref)
	if !ok {
		return Chunk{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return sliceChunk(data, offset, limit)
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.cache.Del(ref)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
