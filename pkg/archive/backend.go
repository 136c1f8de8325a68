// Package archive seals correlation partitions of the audit log into
// immutable, content-addressed JSONL segments held in a blob backend (local
// files, S3 or GCS) and serves them back to the replay engine.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("archive: object not found")
	ErrInvalidKey     = errors.New("archive: invalid object key")
	ErrDigestMismatch = errors.New("archive: segment digest mismatch")
)

// Backend is a flat blob store. Keys are slash separated relative paths.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// FileBackend keeps objects under a local directory.
type FileBackend struct {
	mu   sync.RWMutex
	root string
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", root, err)
	}
	return &FileBackend{root: root}, nil
}

// Root returns the backing directory.
func (b *FileBackend) Root() string { return b.root }

func (b *FileBackend) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// Put writes through a temp file and rename so readers never see a partial
// object.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("archive: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := os.ReadFile(path) //nolint:gosec // key validated above
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (b *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}
