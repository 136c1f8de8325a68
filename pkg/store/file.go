package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/organism/pkg/audit"
)

// FileAuditStore appends envelopes to a JSONL file and serves queries from
// an in-memory index rebuilt on open.
type FileAuditStore struct {
	path string
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	mem  *MemoryAuditStore
}

// OpenFileAuditStore opens or creates path.
func OpenFileAuditStore(path string) (*FileAuditStore, error) {
	mem := NewMemoryAuditStore()

	existing, err := os.Open(path)
	switch {
	case err == nil:
		envs, rerr := audit.ReadJSONL(existing)
		_ = existing.Close()
		if rerr != nil {
			return nil, fmt.Errorf("store: load %s: %w", path, rerr)
		}
		for _, env := range envs {
			if err := mem.Append(context.Background(), env); err != nil {
				return nil, fmt.Errorf("store: load %s: %w", path, err)
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileAuditStore{path: path, f: f, w: bufio.NewWriter(f), mem: mem}, nil
}

// Append writes env to disk, syncs, then indexes it.
func (s *FileAuditStore) Append(ctx context.Context, env audit.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New("store: file audit store is closed")
	}
	if _, dup := s.mem.Get(env.EventID); dup {
		return fmt.Errorf("%w: %s", ErrMutationAttempt, env.EventID)
	}

	line, err := audit.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	return s.mem.Append(ctx, env)
}

// Query returns every envelope for correlationID in append order.
func (s *FileAuditStore) Query(ctx context.Context, correlationID string) ([]audit.Envelope, error) {
	return s.mem.Query(ctx, correlationID)
}

// Correlations lists the correlation ids in the file.
func (s *FileAuditStore) Correlations() []string {
	return s.mem.Correlations()
}

// Path returns the backing file path.
func (s *FileAuditStore) Path() string { return s.path }

// Close flushes and closes the file.
func (s *FileAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.f = nil
	return errors.Join(ferr, cerr)
}
