package guardian

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// GateRecord is the payload of a safety_gate_evaluated event: the exact
// input snapshot and the verdict it produced.
type GateRecord struct {
	Input   contracts.ArbitrationInput   `json:"input"`
	Verdict contracts.ArbitrationVerdict `json:"verdict"`
}

// ErrorRecord is the payload of an arbitration_evaluation_error event.
type ErrorRecord struct {
	Input   contracts.ArbitrationInput   `json:"input"`
	Verdict contracts.ArbitrationVerdict `json:"verdict"`
	Field   string                       `json:"field"`
	Reason  string                       `json:"reason"`
}

// NewErrorRecord builds the audit payload for a failed evaluation.
func NewErrorRecord(in contracts.ArbitrationInput, v contracts.ArbitrationVerdict, err error) ErrorRecord {
	rec := ErrorRecord{Input: in, Verdict: v, Reason: err.Error()}
	var ae *ArbitrationError
	if errors.As(err, &ae) {
		rec.Field = ae.Field
		rec.Reason = ae.Reason
	}
	return rec
}

// Diff compares a recorded verdict against a fresh evaluation and describes
// the first difference, or returns "" when they agree.
func Diff(recorded, fresh contracts.ArbitrationVerdict) string {
	if recorded.Verdict != fresh.Verdict {
		return fmt.Sprintf("verdict %s, re-evaluated %s", recorded.Verdict, fresh.Verdict)
	}
	if len(recorded.Rationale) != len(fresh.Rationale) {
		return fmt.Sprintf("rationale %v, re-evaluated %v", recorded.Rationale, fresh.Rationale)
	}
	for i := range recorded.Rationale {
		if recorded.Rationale[i] != fresh.Rationale[i] {
			return fmt.Sprintf("rationale %v, re-evaluated %v", recorded.Rationale, fresh.Rationale)
		}
	}
	if recorded.EffectiveActionClass != fresh.EffectiveActionClass {
		return fmt.Sprintf("effective class %s, re-evaluated %s", recorded.EffectiveActionClass, fresh.EffectiveActionClass)
	}
	if recorded.SatisfiedPath != fresh.SatisfiedPath {
		return fmt.Sprintf("satisfied path %s, re-evaluated %s", recorded.SatisfiedPath, fresh.SatisfiedPath)
	}
	if recorded.DecisionID != fresh.DecisionID {
		return fmt.Sprintf("decision %s, re-evaluated %s", recorded.DecisionID, fresh.DecisionID)
	}
	return ""
}
