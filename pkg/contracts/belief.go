package contracts

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidBelief is returned by Belief.Validate.
var ErrInvalidBelief = errors.New("invalid belief")

// Belief is an evidence-backed claim emitted by a cell. Beliefs are never
// mutated after emission; a superseding belief is a new value.
type Belief struct {
	BeliefID       string        `json:"belief_id"`
	ClaimType      string        `json:"claim_type"`
	SubjectKey     string        `json:"subject_key"`
	Confidence     float64       `json:"confidence"`
	EvidenceRefs   []string      `json:"evidence_refs"`
	TTL            time.Duration `json:"ttl"`
	EmittingCellID string        `json:"emitting_cell_id"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Validate checks the structural invariants of a belief.
func (b Belief) Validate() error {
	switch {
	case b.BeliefID == "":
		return fmt.Errorf("%w: missing belief_id", ErrInvalidBelief)
	case b.ClaimType == "" || b.SubjectKey == "":
		return fmt.Errorf("%w: %s: missing claim_type or subject_key", ErrInvalidBelief, b.BeliefID)
	case b.EmittingCellID == "":
		return fmt.Errorf("%w: %s: missing emitting_cell_id", ErrInvalidBelief, b.BeliefID)
	case math.IsNaN(b.Confidence) || b.Confidence < 0 || b.Confidence > 1:
		return fmt.Errorf("%w: %s: confidence %v outside [0,1]", ErrInvalidBelief, b.BeliefID, b.Confidence)
	case len(b.EvidenceRefs) == 0:
		return fmt.Errorf("%w: %s: no evidence refs", ErrInvalidBelief, b.BeliefID)
	case b.TTL < 0:
		return fmt.Errorf("%w: %s: negative ttl", ErrInvalidBelief, b.BeliefID)
	}
	return nil
}

// ExpiredAt reports whether the belief has decayed at now. A zero TTL never
// expires.
func (b Belief) ExpiredAt(now time.Time) bool {
	if b.TTL == 0 {
		return false
	}
	return !now.Before(b.Timestamp.Add(b.TTL))
}

// Clone returns a deep copy so propagated beliefs never share slices.
func (b Belief) Clone() Belief {
	out := b
	out.EvidenceRefs = append([]string(nil), b.EvidenceRefs...)
	return out
}
