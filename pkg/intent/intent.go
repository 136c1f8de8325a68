// Package intent freezes execution intents under a canonical hash and binds
// approvals to exactly one frozen intent.
package intent

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

var (
	ErrAlreadyBound    = errors.New("intent: approval already bound to a different intent")
	ErrIntentTampered  = errors.New("intent: canonical hash does not match intent content")
	ErrMissingApproval = errors.New("intent: approval id is required")
	ErrInvalidIntent   = errors.New("intent: invalid intent")
)

// BindingConflictError reports an attempt to rebind an approval.
type BindingConflictError struct {
	ApprovalID    string
	BoundHash     string
	AttemptedHash string
}

func (e *BindingConflictError) Error() string {
	return fmt.Sprintf("intent: approval %s is bound to %s, refused %s", e.ApprovalID, e.BoundHash, e.AttemptedHash)
}

func (e *BindingConflictError) Is(target error) bool { return target == ErrAlreadyBound }

// volatileFields never contribute to the canonical hash. approval_id is
// volatile because binding happens after the hash is frozen.
var volatileFields = []string{
	"canonical_hash",
	"created_at",
	"execution_started_at",
	"executed_at",
	"approval_id",
}

// VolatileFields returns the JSON names excluded from hashing.
func VolatileFields() []string {
	out := make([]string, len(volatileFields))
	copy(out, volatileFields)
	return out
}

// ComputeIntentHash strips volatile fields and hashes the canonical form.
func ComputeIntentHash(in contracts.ExecutionIntent) (string, error) {
	norm, err := canonicalize.Normalize(in)
	if err != nil {
		return "", fmt.Errorf("intent: normalize: %w", err)
	}
	obj, ok := norm.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: intent did not normalize to an object", ErrInvalidIntent)
	}
	for _, f := range volatileFields {
		delete(obj, f)
	}
	return canonicalize.CanonicalHash(obj)
}

// IdempotencyKey derives a stable key from what the action does, so the same
// action with the same parameters is recognised across decisions.
func IdempotencyKey(action string, class contracts.ActionClass, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	return canonicalize.PrefixedContentID("idem", map[string]any{
		"action":       action,
		"action_class": string(class),
		"parameters":   params,
	})
}

// Spec is what a caller supplies to create an intent.
type Spec struct {
	CorrelationID string
	DecisionID    string
	CellID        string
	Action        string
	ActionClass   contracts.ActionClass
	Parameters    map[string]any
}

// New builds and freezes an intent.
func New(spec Spec, createdAt time.Time) (contracts.ExecutionIntent, error) {
	if spec.Action == "" {
		return contracts.ExecutionIntent{}, fmt.Errorf("%w: action is required", ErrInvalidIntent)
	}
	if !spec.ActionClass.Valid() {
		return contracts.ExecutionIntent{}, fmt.Errorf("%w: action class %q", ErrInvalidIntent, spec.ActionClass)
	}
	if spec.DecisionID == "" {
		return contracts.ExecutionIntent{}, fmt.Errorf("%w: decision id is required", ErrInvalidIntent)
	}

	params := copyParams(spec.Parameters)
	key, err := IdempotencyKey(spec.Action, spec.ActionClass, params)
	if err != nil {
		return contracts.ExecutionIntent{}, fmt.Errorf("intent: idempotency key: %w", err)
	}
	id, err := canonicalize.PrefixedContentID("int", map[string]any{
		"decision_id":     spec.DecisionID,
		"idempotency_key": key,
	})
	if err != nil {
		return contracts.ExecutionIntent{}, fmt.Errorf("intent: id: %w", err)
	}

	in := contracts.ExecutionIntent{
		IntentID:       id,
		IdempotencyKey: key,
		CorrelationID:  spec.CorrelationID,
		DecisionID:     spec.DecisionID,
		CellID:         spec.CellID,
		Action:         spec.Action,
		ActionClass:    spec.ActionClass,
		Parameters:     params,
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}
	if in.CanonicalHash, err = ComputeIntentHash(in); err != nil {
		return contracts.ExecutionIntent{}, err
	}
	return in, nil
}

// Verify recomputes the hash and compares it with the recorded one.
func Verify(in contracts.ExecutionIntent) error {
	actual, err := ComputeIntentHash(in)
	if err != nil {
		return err
	}
	if actual != in.CanonicalHash {
		return fmt.Errorf("%w: intent %s recorded %s computed %s", ErrIntentTampered, in.IntentID, in.CanonicalHash, actual)
	}
	return nil
}

func copyParams(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
