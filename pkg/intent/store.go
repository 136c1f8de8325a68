package intent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/store"
)

// Store owns the approval_id -> intent hash mapping.
type Store struct {
	mu      sync.Mutex
	backend store.BindingStore
	clock   func() time.Time
}

// NewStore creates a Store. A nil backend keeps bindings in memory.
func NewStore(backend store.BindingStore) *Store {
	if backend == nil {
		backend = store.NewMemoryBindingStore()
	}
	return &Store{backend: backend, clock: time.Now}
}

// WithClock overrides the clock used for bound_at.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// BindApprovalToIntent binds approvalID to the intent's hash. Binding the
// same hash again is a no-op; any other hash is a BindingConflictError. An
// intent whose recorded hash no longer matches its content is refused.
func (s *Store) BindApprovalToIntent(ctx context.Context, approvalID string, in contracts.ExecutionIntent) (store.Binding, error) {
	return s.bind(ctx, approvalID, in, time.Time{})
}

// BindApprovalToIntentAt is BindApprovalToIntent with an explicit bound_at,
// used when re-applying a recorded binding.
func (s *Store) BindApprovalToIntentAt(ctx context.Context, approvalID string, in contracts.ExecutionIntent, boundAt time.Time) (store.Binding, error) {
	if boundAt.IsZero() {
		return store.Binding{}, fmt.Errorf("intent: bind %s: bound_at is required", approvalID)
	}
	return s.bind(ctx, approvalID, in, boundAt)
}

func (s *Store) bind(ctx context.Context, approvalID string, in contracts.ExecutionIntent, boundAt time.Time) (store.Binding, error) {
	if approvalID == "" {
		return store.Binding{}, ErrMissingApproval
	}
	if err := Verify(in); err != nil {
		return store.Binding{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if boundAt.IsZero() {
		boundAt = s.clock()
	}
	candidate := store.Binding{
		ApprovalID: approvalID,
		IntentHash: in.CanonicalHash,
		IntentID:   in.IntentID,
		BoundAt:    boundAt.UTC().Truncate(time.Microsecond),
	}
	got, _, err := s.backend.Bind(ctx, candidate)
	if err != nil {
		return store.Binding{}, fmt.Errorf("intent: bind %s: %w", approvalID, err)
	}
	if got.IntentHash != in.CanonicalHash {
		return got, &BindingConflictError{
			ApprovalID:    approvalID,
			BoundHash:     got.IntentHash,
			AttemptedHash: in.CanonicalHash,
		}
	}
	return got, nil
}

// VerifyBinding recomputes the intent hash and compares it with the hash
// bound to approvalID. An unknown approval verifies false.
func (s *Store) VerifyBinding(ctx context.Context, approvalID string, in contracts.ExecutionIntent) (bool, error) {
	b, ok, err := s.backend.Get(ctx, approvalID)
	if err != nil {
		return false, fmt.Errorf("intent: lookup %s: %w", approvalID, err)
	}
	if !ok {
		return false, nil
	}
	actual, err := ComputeIntentHash(in)
	if err != nil {
		return false, err
	}
	return actual == b.IntentHash, nil
}

// Lookup returns the binding for approvalID.
func (s *Store) Lookup(ctx context.Context, approvalID string) (store.Binding, bool, error) {
	return s.backend.Get(ctx, approvalID)
}
