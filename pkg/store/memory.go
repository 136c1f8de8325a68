// Package store implements the persistence backends behind the audit log and
// the approval binding table: in-memory, JSONL file and SQL (Postgres or
// SQLite).
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
)

var (
	ErrMutationAttempt = errors.New("store: mutation of existing entry attempted")
	ErrChainBroken     = errors.New("store: hash chain is broken")
)

const genesis = "genesis"

// AppendHandler is called after an envelope has been appended.
type AppendHandler func(env audit.Envelope)

// MemoryAuditStore is an append-only, hash-chained audit log held in memory.
type MemoryAuditStore struct {
	mu            sync.RWMutex
	entries       []audit.Envelope
	chain         []string
	byID          map[string]int
	byCorrelation map[string][]int
	chainHead     string
	handlers      []AppendHandler
}

// NewMemoryAuditStore creates an empty store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		byID:          make(map[string]int),
		byCorrelation: make(map[string][]int),
		chainHead:     genesis,
	}
}

// Append stores env. A second append of the same event id is rejected.
func (s *MemoryAuditStore) Append(ctx context.Context, env audit.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.EventID == "" {
		return errors.New("store: envelope has no event id")
	}

	s.mu.Lock()
	if _, exists := s.byID[env.EventID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMutationAttempt, env.EventID)
	}

	stored := env.Clone()
	idx := len(s.entries)
	s.entries = append(s.entries, stored)
	s.byID[env.EventID] = idx
	s.byCorrelation[env.CorrelationID] = append(s.byCorrelation[env.CorrelationID], idx)
	s.chainHead = chainLink(s.chainHead, stored)
	s.chain = append(s.chain, s.chainHead)
	handlers := make([]AppendHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(stored.Clone())
	}
	return nil
}

// Query returns copies of every envelope for correlationID in append order.
func (s *MemoryAuditStore) Query(ctx context.Context, correlationID string) ([]audit.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byCorrelation[correlationID]
	out := make([]audit.Envelope, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i].Clone())
	}
	return out, nil
}

// Get returns one envelope by id.
func (s *MemoryAuditStore) Get(eventID string) (audit.Envelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[eventID]
	if !ok {
		return audit.Envelope{}, false
	}
	return s.entries[i].Clone(), true
}

// Correlations lists every correlation id present, sorted.
func (s *MemoryAuditStore) Correlations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCorrelation))
	for id := range s.byCorrelation {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored envelopes.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ChainHead returns the hash over every envelope appended so far.
func (s *MemoryAuditStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// OnAppend registers a handler invoked after each append.
func (s *MemoryAuditStore) OnAppend(h AppendHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// VerifyChain recomputes the append chain and each payload hash.
func (s *MemoryAuditStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := genesis
	for i, env := range s.entries {
		if err := env.VerifyPayloadHash(); err != nil {
			return fmt.Errorf("%w at %d: %v", ErrChainBroken, i, err)
		}
		head = chainLink(head, env)
		if head != s.chain[i] {
			return fmt.Errorf("%w at %d", ErrChainBroken, i)
		}
	}
	return nil
}

func chainLink(prev string, env audit.Envelope) string {
	return canonicalize.StableHash(prev + "|" + env.EventID + "|" + env.PayloadHash)
}
