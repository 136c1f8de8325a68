package contracts

import "time"

// ExecutionStatus is the effector's report on an executed intent.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is the payload of an intent_executed event. It carries
// the full intent so replay can recompute its hash.
type ExecutionRecord struct {
	Intent     ExecutionIntent `json:"intent"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Detail     string          `json:"detail,omitempty"`
}

// ApprovalBindingRecord is the payload of an approval_bound_to_intent event.
type ApprovalBindingRecord struct {
	ApprovalID string    `json:"approval_id"`
	IntentID   string    `json:"intent_id"`
	IntentHash string    `json:"intent_hash"`
	BoundAt    time.Time `json:"bound_at"`
}

// ApprovalDecisionRecord is the payload of an approval_denied event.
type ApprovalDecisionRecord struct {
	ApprovalID string         `json:"approval_id"`
	IntentID   string         `json:"intent_id"`
	DecisionID string         `json:"decision_id"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
}
