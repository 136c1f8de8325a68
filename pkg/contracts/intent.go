package contracts

import "time"

// ExecutionIntent is a frozen, hash-addressed description of an action the
// organism has decided to take.
type ExecutionIntent struct {
	IntentID       string         `json:"intent_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id"`
	DecisionID     string         `json:"decision_id"`
	CellID         string         `json:"cell_id"`
	Action         string         `json:"action"`
	ActionClass    ActionClass    `json:"action_class"`
	Parameters     map[string]any `json:"parameters"`
	ApprovalID     string         `json:"approval_id,omitempty"`
	CanonicalHash  string         `json:"canonical_hash"`

	CreatedAt          time.Time  `json:"created_at"`
	ExecutionStartedAt *time.Time `json:"execution_started_at,omitempty"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`
}
