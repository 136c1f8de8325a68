// Package guardian is the safety gate: a fixed precedence chain that turns
// an ArbitrationInput snapshot into exactly one verdict. Evaluation is pure;
// it performs no I/O and reads no clock.
package guardian

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// Gate evaluates inputs against a set of decision limits.
type Gate struct {
	limits DecisionLimits
	rules  []rule
}

// NewGate creates a gate. A nil limits map uses DefaultLimits.
func NewGate(limits DecisionLimits) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Gate{limits: limits, rules: precedence()}
}

var defaultGate = NewGate(nil)

// Evaluate runs the default gate.
func Evaluate(in contracts.ArbitrationInput) (contracts.ArbitrationVerdict, error) {
	return defaultGate.Evaluate(in)
}

// Rules returns the precedence order, validation first.
func (g *Gate) Rules() []contracts.RuleID {
	out := []contracts.RuleID{contracts.RuleInputValidation}
	for _, r := range g.rules {
		out = append(out, r.id)
	}
	return out
}

// Evaluate walks the precedence chain and stops at the first definitive
// outcome. Malformed input yields deny plus an *ArbitrationError.
func (g *Gate) Evaluate(in contracts.ArbitrationInput) (contracts.ArbitrationVerdict, error) {
	v := contracts.ArbitrationVerdict{
		DecisionID:  in.DecisionID,
		EvaluatedAt: in.EvaluatedAt,
	}

	limits, err := g.validate(in)
	if err != nil {
		v.Verdict = contracts.VerdictDeny
		v.Rationale = []contracts.RuleID{contracts.RuleInputValidation}
		v.Outcomes = []contracts.RuleOutcome{{Rule: contracts.RuleInputValidation, Detail: err.Error()}}
		return v, err
	}

	st := &evalState{in: in, limits: limits, gate: g}
	for _, r := range g.rules {
		res := r.eval(st)
		v.Rationale = append(v.Rationale, r.id)
		v.Outcomes = append(v.Outcomes, contracts.RuleOutcome{Rule: r.id, Passed: res.verdict == "", Detail: res.detail})
		if res.verdict != "" {
			v.Verdict = res.verdict
			break
		}
	}
	if v.Verdict == "" {
		// The allow rule always decides; reaching here means the table is
		// misconfigured.
		v.Verdict = contracts.VerdictDeny
	}
	v.PermittedPaths = st.permitted
	v.SatisfiedPath = st.satisfied
	v.EffectiveActionClass = st.effective
	return v, nil
}

func (g *Gate) validate(in contracts.ArbitrationInput) (ClassLimits, error) {
	fail := func(field, reason string) (ClassLimits, error) {
		return ClassLimits{}, &ArbitrationError{Field: field, Reason: reason}
	}

	if in.DecisionID == "" {
		return fail("decision_id", "required")
	}
	if in.EvaluatedAt.IsZero() {
		return fail("evaluated_at", "must be injected by the caller")
	}
	if !in.Local.ActionClass.Valid() {
		return fail("local.action_class", fmt.Sprintf("unknown class %q", in.Local.ActionClass))
	}
	limits, ok := g.limits[in.Local.ActionClass]
	if !ok {
		return fail("local.action_class", fmt.Sprintf("no limits for %s", in.Local.ActionClass))
	}
	if !unit(in.Local.Confidence) {
		return fail("local.confidence", "must be within [0,1]")
	}
	if in.TrustScore == nil {
		return fail("trust_score", "required")
	}
	if !unit(*in.TrustScore) {
		return fail("trust_score", "must be within [0,1]")
	}
	if !unit(in.Collective.AggregateScore) {
		return fail("collective.aggregate_score", "must be within [0,1]")
	}
	if in.Collective.QuorumCount < 0 {
		return fail("collective.quorum_count", "negative")
	}
	switches := []struct {
		name  string
		state contracts.KillSwitchState
	}{
		{"kill_switch.global", in.KillSwitch.Global},
		{"kill_switch.tenant", in.KillSwitch.Tenant},
	}
	for _, sw := range switches {
		if sw.state != contracts.KillSwitchActive && sw.state != contracts.KillSwitchInactive {
			return fail(sw.name, fmt.Sprintf("unknown state %q", sw.state))
		}
	}
	switch in.Policy.Status {
	case contracts.PolicyValid, contracts.PolicyInvalid, contracts.PolicyExpired, contracts.PolicyUnverifiable:
	default:
		return fail("policy.status", fmt.Sprintf("unknown status %q", in.Policy.Status))
	}
	if in.ApprovalRequirement.Rank() < 0 {
		return fail("approval_requirement", fmt.Sprintf("unknown requirement %q", in.ApprovalRequirement))
	}
	if a := in.Approval; a != nil {
		switch a.Status {
		case contracts.ApprovalApproved, contracts.ApprovalPending, contracts.ApprovalDenied, contracts.ApprovalNotFound:
		default:
			return fail("approval.status", fmt.Sprintf("unknown status %q", a.Status))
		}
	}
	return limits, nil
}

func unit(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
