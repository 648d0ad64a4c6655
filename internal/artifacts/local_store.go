package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore stores outputs as files under a base directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put stores output on disk.
func (s *LocalStore) Put(_ context.Context, data []byte) (string, error) {
	ref := newRef()
	filePath := s.path(ref)

	// Write to temp file first, then atomic rename
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return ref, nil
}

// Read returns a byte range of a stored output.
func (s *LocalStore) Read(_ context.Context, ref string, offset, limit int64) (Chunk, error) {
	if err := validateRef(ref); err != nil {
		return Chunk{}, err
	}
	if offset < 0 {
		return Chunk{}, fmt.Errorf("offset must be >= 0")
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Chunk{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Chunk{}, fmt.Errorf("stat artifact: %w", err)
	}
	total := info.Size()
	if offset >= total {
		return Chunk{Offset: offset, Total: total, EOF: true}, nil
	}
	remaining := total - offset
	if limit > 0 && limit < remaining {
		remaining = limit
	}
	buf := make([]byte, remaining)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, fmt.Errorf("read artifact: %w", err)
	}
	buf = buf[:n]
	return Chunk{Data: buf, Offset: offset, Total: total, EOF: offset+int64(n) >= total}, nil
}

// Delete removes an output from disk.
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := os.Remove(s.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}

func (s *LocalStore) path(ref string) string {
	return filepath.Join(s.basePath, ref+".out")
}
