package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// State is the lifecycle state of one replay run.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateFetching    State = "FETCHING"
	StateProcessing  State = "PROCESSING"
	StateSuccess     State = "SUCCESS"
	StatePartial     State = "PARTIAL"
	StateFailure     State = "FAILURE"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StatePartial || s == StateFailure
}

var transitions = map[State][]State{
	StateInitialized: {StateFetching},
	StateFetching:    {StateProcessing, StateFailure},
	StateProcessing:  {StateSuccess, StatePartial, StateFailure},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureCode classifies a replay failure.
type FailureCode string

const (
	CodePayloadHashMismatch   FailureCode = "payload_hash_mismatch"
	CodeEventIDMismatch       FailureCode = "event_id_mismatch"
	CodeIntentHashMismatch    FailureCode = "intent_hash_mismatch"
	CodeVerdictMismatch       FailureCode = "verdict_mismatch"
	CodeBindingMismatch       FailureCode = "binding_mismatch"
	CodeDecodeError           FailureCode = "decode_error"
	CodeChronological         FailureCode = "chronological_violation"
	CodeMissingReference      FailureCode = "missing_reference"
	CodeUnauthorizedExecution FailureCode = "unauthorized_execution"
)

// Failure is one verification that did not hold.
type Failure struct {
	EventID   string          `json:"event_id"`
	EventType audit.EventType `json:"event_type"`
	Code      FailureCode     `json:"code"`
	Detail    string          `json:"detail"`
	Expected  string          `json:"expected,omitempty"`
	Actual    string          `json:"actual,omitempty"`
	Critical  bool            `json:"critical"`
}

// Warning is a non-failing observation, such as an unknown event type.
type Warning struct {
	EventID   string          `json:"event_id"`
	EventType audit.EventType `json:"event_type"`
	Message   string          `json:"message"`
}

// Decision summarizes what the trail says about one decision.
type Decision struct {
	DecisionID  string            `json:"decision_id"`
	Verdict     contracts.Verdict `json:"verdict"`
	Evaluations int               `json:"evaluations"`
	IntentID    string            `json:"intent_id,omitempty"`
	Executed    bool              `json:"executed"`
}

// Report is the outcome of one replay. RunID and RunTimestamp vary between
// runs; every other field is a pure function of the audit trail.
type Report struct {
	RunID                  string     `json:"run_id"`
	RunTimestamp           time.Time  `json:"run_timestamp"`
	CorrelationID          string     `json:"correlation_id"`
	Result                 State      `json:"result"`
	States                 []State    `json:"states"`
	EventsProcessed        int        `json:"events_processed"`
	AuditIntegrityVerified bool       `json:"audit_integrity_verified"`
	SafetyGateVerified     bool       `json:"safety_gate_verified"`
	IntentHashVerified     bool       `json:"intent_hash_verified"`
	BindingVerified        bool       `json:"binding_verified"`
	ChronologyVerified     bool       `json:"chronology_verified"`
	Decisions              []Decision `json:"decisions"`
	Failures               []Failure  `json:"failures"`
	Warnings               []Warning  `json:"warnings"`
}

// Digest hashes the canonical form of the report without its run metadata.
// Two replays of an unchanged trail have equal digests.
func (r *Report) Digest() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	delete(m, "run_id")
	delete(m, "run_timestamp")
	return canonicalize.CanonicalHash(m)
}

// FailuresFor returns the failures recorded against eventID.
func (r *Report) FailuresFor(eventID string) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.EventID == eventID {
			out = append(out, f)
		}
	}
	return out
}

// ExitCode maps the result onto the CLI contract: 0 success, 1 failure,
// 2 partial.
func (r *Report) ExitCode() int {
	switch r.Result {
	case StateSuccess:
		return 0
	case StatePartial:
		return 2
	}
	return 1
}

func (r *Report) String() string {
	return fmt.Sprintf("replay %s: %s (%d events, %d failures, %d warnings)",
		r.CorrelationID, r.Result, r.EventsProcessed, len(r.Failures), len(r.Warnings))
}
