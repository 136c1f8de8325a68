package guardian

import (
	"fmt"
	"strconv"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// evalState carries what earlier stages established to later ones.
type evalState struct {
	in        contracts.ArbitrationInput
	limits    ClassLimits
	gate      *Gate
	permitted []contracts.ExecutionPath
	satisfied contracts.ExecutionPath
	effective contracts.ActionClass
}

func (s *evalState) class() contracts.ActionClass { return s.in.Local.ActionClass }

func (s *evalState) pathPermitted(p contracts.ExecutionPath) bool {
	for _, x := range s.permitted {
		if x == p {
			return true
		}
	}
	return false
}

// ruleResult is a definitive verdict, or "" to continue.
type ruleResult struct {
	verdict contracts.Verdict
	detail  string
}

func pass(detail string) ruleResult { return ruleResult{detail: detail} }

func stop(v contracts.Verdict, detail string) ruleResult {
	return ruleResult{verdict: v, detail: detail}
}

type rule struct {
	id   contracts.RuleID
	eval func(*evalState) ruleResult
}

// precedence is the fixed, non-overridable evaluation order.
func precedence() []rule {
	return []rule{
		{contracts.RuleKillSwitch, killSwitchRule},
		{contracts.RulePolicyVerification, policyRule},
		{contracts.RuleConflictCheck, conflictRule},
		{contracts.RuleTrustConstraints, trustRule},
		{contracts.RuleThresholdCheck, thresholdRule},
		{contracts.RuleApprovalGate, approvalRule},
		{contracts.RuleAllow, allowRule},
	}
}

func killSwitchRule(s *evalState) ruleResult {
	if !s.in.KillSwitch.Active() {
		return pass("inactive")
	}
	if s.class() == contracts.ActionA0 {
		return pass("active; observation permitted")
	}
	return stop(contracts.VerdictDeny, fmt.Sprintf("active (global=%s tenant=%s)", s.in.KillSwitch.Global, s.in.KillSwitch.Tenant))
}

func policyRule(s *evalState) ruleResult {
	if s.in.Policy.Status == contracts.PolicyValid {
		return pass("valid")
	}
	if s.class() == contracts.ActionA0 {
		return pass(string(s.in.Policy.Status) + "; observation permitted")
	}
	return stop(contracts.VerdictDeny, "policy "+string(s.in.Policy.Status))
}

func conflictRule(s *evalState) ruleResult {
	conflict := s.in.ConflictDetected || s.in.Collective.ConflictFlag
	if !conflict {
		return pass("none")
	}
	if s.class().AtLeast(contracts.ActionA2) {
		return stop(contracts.VerdictRequireHuman, "conflicting claims require human resolution")
	}
	return pass("conflict tolerated below A2")
}

// trustRule decides which execution paths remain. When no path of the
// requested class survives, the highest lower class that trust still
// permits is recorded and a human is required for the original class.
func trustRule(s *evalState) ruleResult {
	trust := *s.in.TrustScore
	s.permitted = s.limits.permittedPaths(trust)
	if len(s.permitted) > 0 {
		if !s.pathPermitted(contracts.PathLocal) {
			return pass("trust " + fmtScore(trust) + " below local floor; collective path only")
		}
		return pass("trust " + fmtScore(trust))
	}

	s.effective = s.gate.fallbackClass(s.class(), trust)
	return stop(contracts.VerdictRequireHuman, fmt.Sprintf("trust %s below every floor for %s; autonomy limited to %s", fmtScore(trust), s.class(), s.effective))
}

func thresholdRule(s *evalState) ruleResult {
	l := s.limits
	if s.class() == contracts.ActionA0 {
		s.satisfied = contracts.PathLocal
		return pass("no threshold for A0")
	}

	local := s.pathPermitted(contracts.PathLocal) && l.localMet(s.in.Local)
	collective := s.pathPermitted(contracts.PathCollective) && l.collectiveMet(s.in.Collective)

	if l.JointPaths {
		if local && collective {
			s.satisfied = contracts.PathLocal
			return pass("local and collective thresholds met")
		}
		return stop(contracts.VerdictRequireHuman, fmt.Sprintf("%s needs local >= %s and quorum >= %d with score >= %s",
			s.class(), fmtScore(l.LocalConfidence), l.QuorumCount, fmtScore(l.AggregateScore)))
	}

	switch {
	case local:
		s.satisfied = contracts.PathLocal
		return pass("local confidence " + fmtScore(s.in.Local.Confidence))
	case collective:
		s.satisfied = contracts.PathCollective
		return pass(fmt.Sprintf("collective quorum %d score %s", s.in.Collective.QuorumCount, fmtScore(s.in.Collective.AggregateScore)))
	case s.pathPermitted(contracts.PathCollective):
		return stop(contracts.VerdictRequireQuorum, "thresholds unmet; quorum path remains")
	}
	return stop(contracts.VerdictRequireHuman, "thresholds unmet; no quorum path")
}

func approvalRule(s *evalState) ruleResult {
	a := s.in.Approval
	if a != nil && a.Status == contracts.ApprovalDenied {
		return stop(contracts.VerdictDeny, "approval "+a.ApprovalID+" denied")
	}

	req := s.in.ApprovalRequirement
	if req.Rank() == 0 {
		return pass("no approval required")
	}
	if a != nil && a.Status == contracts.ApprovalApproved && a.Bound {
		return pass("approval " + a.ApprovalID + " bound")
	}

	detail := "approval missing"
	if a != nil {
		detail = fmt.Sprintf("approval %s is %s (bound=%t)", a.ApprovalID, a.Status, a.Bound)
	}
	if req == contracts.ApprovalRequirementQuorum {
		return stop(contracts.VerdictRequireQuorum, detail)
	}
	return stop(contracts.VerdictRequireHuman, detail)
}

func allowRule(*evalState) ruleResult {
	return stop(contracts.VerdictAllow, "all stages passed")
}

// fallbackClass returns the highest class below c that trust permits on
// any path. A0 is always permitted.
func (g *Gate) fallbackClass(c contracts.ActionClass, trust float64) contracts.ActionClass {
	order := []contracts.ActionClass{contracts.ActionA3, contracts.ActionA2, contracts.ActionA1, contracts.ActionA0}
	for _, lower := range order {
		if lower.Rank() >= c.Rank() {
			continue
		}
		l, ok := g.limits[lower]
		if !ok {
			continue
		}
		if len(l.permittedPaths(trust)) > 0 {
			return lower
		}
	}
	return contracts.ActionA0
}

func fmtScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
