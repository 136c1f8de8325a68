package guardian

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// randomInput builds a syntactically valid input from generated values.
func randomInput(class int, local, trust, score float64, quorum int, flags int) contracts.ArbitrationInput {
	classes := []contracts.ActionClass{contracts.ActionA0, contracts.ActionA1, contracts.ActionA2, contracts.ActionA3}
	policies := []contracts.PolicyStatus{contracts.PolicyValid, contracts.PolicyInvalid, contracts.PolicyExpired, contracts.PolicyUnverifiable}
	reqs := []contracts.ApprovalRequirement{contracts.ApprovalRequirementNone, contracts.ApprovalRequirementQuorum, contracts.ApprovalRequirementHuman}
	statuses := []contracts.ApprovalStatus{contracts.ApprovalApproved, contracts.ApprovalPending, contracts.ApprovalDenied, contracts.ApprovalNotFound}

	in := baseInput(classes[class%4], local)
	in.TrustScore = contracts.Float64(trust)
	in.Collective = contracts.AggregateResult{AggregateScore: score, QuorumCount: quorum, ConflictFlag: flags&1 == 1}
	in.ConflictDetected = flags&2 == 2
	in.Policy.Status = policies[(flags>>2)%4]
	in.ApprovalRequirement = reqs[(flags>>4)%3]
	if flags&64 == 64 {
		in.Approval = &contracts.ApprovalState{ApprovalID: "apr", Status: statuses[(flags>>7)%4], Bound: flags&512 == 512}
	}
	if flags&1024 == 1024 {
		in.KillSwitch.Tenant = contracts.KillSwitchActive
	}
	return in
}

func TestGuardianProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	unit := gen.Float64Range(0, 1)

	properties.Property("active kill switch always denies above A0", prop.ForAll(
		func(class int, local, trust, score float64, quorum, flags int) bool {
			in := randomInput(class, local, trust, score, quorum, flags)
			in.KillSwitch.Global = contracts.KillSwitchActive
			v, err := Evaluate(in)
			if err != nil {
				return false
			}
			if in.Local.ActionClass == contracts.ActionA0 {
				return v.Verdict != contracts.VerdictDeny || v.DecidingRule() != contracts.RuleKillSwitch
			}
			return v.Verdict == contracts.VerdictDeny && len(v.Rationale) == 1 && v.Rationale[0] == contracts.RuleKillSwitch
		},
		gen.IntRange(0, 3), unit, unit, unit, gen.IntRange(0, 6), gen.IntRange(0, 2047),
	))

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(class int, local, trust, score float64, quorum, flags int) bool {
			in := randomInput(class, local, trust, score, quorum, flags)
			a, errA := Evaluate(in)
			b, errB := Evaluate(in)
			return (errA == nil) == (errB == nil) && Diff(a, b) == "" && a.Verdict == b.Verdict
		},
		gen.IntRange(0, 3), unit, unit, unit, gen.IntRange(0, 6), gen.IntRange(0, 2047),
	))

	properties.Property("missing trust never allows", prop.ForAll(
		func(class int, local, score float64, quorum, flags int) bool {
			in := randomInput(class, local, 1, score, quorum, flags)
			in.TrustScore = nil
			v, err := Evaluate(in)
			return err != nil && v.Verdict == contracts.VerdictDeny
		},
		gen.IntRange(0, 3), unit, unit, gen.IntRange(0, 6), gen.IntRange(0, 2047),
	))

	properties.Property("rationale is a prefix of the precedence order", prop.ForAll(
		func(class int, local, trust, score float64, quorum, flags int) bool {
			v, err := Evaluate(randomInput(class, local, trust, score, quorum, flags))
			if err != nil {
				return false
			}
			order := allRules()
			if len(v.Rationale) == 0 || len(v.Rationale) > len(order) {
				return false
			}
			for i, r := range v.Rationale {
				if order[i] != r {
					return false
				}
			}
			return (v.Verdict == contracts.VerdictAllow) == (v.DecidingRule() == contracts.RuleAllow)
		},
		gen.IntRange(0, 3), unit, unit, unit, gen.IntRange(0, 6), gen.IntRange(0, 2047),
	))

	properties.TestingRun(t)
}
