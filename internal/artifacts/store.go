// Package artifacts stores full tool outputs that were truncated before being
// returned to the model. Outputs are addressed by opaque references and read
// back in byte ranges.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reference does not name a stored output.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidRef is returned for references that were not produced by a store.
var ErrInvalidRef = errors.New("invalid artifact reference")

const refPrefix = "out_"

// Chunk is a byte range read from a stored output.
type Chunk struct {
	Data   []byte `json:"-"`
	Offset int64  `json:"offset"`
	Total  int64  `json:"total"`
	EOF    bool   `json:"eof"`
}

// Next returns the offset to resume reading at.
func (c Chunk) Next() int64 {
	return c.Offset + int64(len(c.Data))
}

// Store persists tool outputs.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte) (string, error)

	// Read returns up to limit bytes starting at offset. A non-positive
	// limit reads to the end.
	Read(ctx context.Context, ref string, offset, limit int64) (Chunk, error)

	// Delete removes a stored output. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error

	// Close releases resources.
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	// Backend is one of "memory" (default), "local" or "s3".
	Backend string `yaml:"backend"`

	// MaxBytes bounds the memory backend's total size.
	MaxBytes int64 `yaml:"max_bytes"`

	// TTL expires memory-backed outputs. Zero keeps them until evicted.
	TTL time.Duration `yaml:"ttl"`

	// Dir is the local backend's root directory.
	Dir string `yaml:"dir"`

	S3 S3StoreConfig `yaml:"s3"`
}

// New builds the configured store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(cfg.MaxBytes, cfg.TTL)
	case "local", "file":
		return NewLocalStore(cfg.Dir)
	case "s3":
		s3cfg := cfg.S3
		return NewS3Store(ctx, &s3cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func newRef() string {
	return refPrefix + uuid.NewString()
}

// validateRef rejects anything that is not a store-issued reference, which
// keeps refs safe to use as file names and object keys.
func validateRef(ref string) error {
	if !strings.HasPrefix(ref, refPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(ref, refPrefix)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// sliceChunk cuts a range out of a fully loaded output.
func sliceChunk(data []byte, offset, limit int64) (Chunk, error) {
	if offset < 0 {
		return Chunk{}, fmt.Errorf("offset must be >= 0")
	}
	total := int64(len(data))
	if offset >= total {
		return Chunk{Offset: offset, Total: total, EOF: true}, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return Chunk{Data: out, Offset: offset, Total: total, EOF: end == total}, nil
}
