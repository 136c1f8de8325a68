package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// RuleSet holds compiled approval rules.
type RuleSet struct {
	rules    []Rule
	programs []cel.Program
}

// Match is one rule that fired.
type Match struct {
	RuleID  string                        `json:"rule_id"`
	Require contracts.ApprovalRequirement `json:"require"`
	Error   string                        `json:"error,omitempty"`
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Compile builds programs for every rule. A rule that does not compile to a
// boolean expression is an error.
func Compile(rules []Rule) (*RuleSet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	rs := &RuleSet{rules: rules}
	for _, r := range rules {
		if r.Require.Rank() < 0 {
			return nil, fmt.Errorf("%w: rule %s: unknown requirement %q", ErrInvalidBundle, r.ID, r.Require)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidBundle, r.ID, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: rule %s: expression must be boolean, got %s", ErrInvalidBundle, r.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidBundle, r.ID, err)
		}
		rs.programs = append(rs.programs, prg)
	}
	return rs, nil
}

// Requirement evaluates every rule and returns the strictest requirement
// among those that matched. A rule that errors at runtime counts as a human
// requirement.
func (rs *RuleSet) Requirement(input map[string]any) (contracts.ApprovalRequirement, []Match) {
	req := contracts.ApprovalRequirementNone
	var matches []Match
	if rs == nil {
		return req, nil
	}
	vars := map[string]any{"input": input}
	for i, prg := range rs.programs {
		r := rs.rules[i]
		out, _, err := prg.Eval(vars)
		if err != nil {
			matches = append(matches, Match{RuleID: r.ID, Require: contracts.ApprovalRequirementHuman, Error: err.Error()})
			req = contracts.ApprovalRequirementHuman
			continue
		}
		fired, ok := out.Value().(bool)
		if !ok {
			matches = append(matches, Match{RuleID: r.ID, Require: contracts.ApprovalRequirementHuman, Error: "non-boolean result"})
			req = contracts.ApprovalRequirementHuman
			continue
		}
		if !fired {
			continue
		}
		matches = append(matches, Match{RuleID: r.ID, Require: r.Require})
		if r.Require.Rank() > req.Rank() {
			req = r.Require
		}
	}
	return req, matches
}

// DecisionInput is the CEL view of a pending decision.
func DecisionInput(cellID, tenantID string, local contracts.LocalDecision, agg contracts.AggregateResult) map[string]any {
	return map[string]any{
		"cell_id":         cellID,
		"tenant_id":       tenantID,
		"action":          local.Action,
		"action_class":    string(local.ActionClass),
		"confidence":      local.Confidence,
		"claim_type":      local.ClaimType,
		"subject_key":     local.SubjectKey,
		"quorum_count":    int64(agg.QuorumCount),
		"aggregate_score": agg.AggregateScore,
		"conflict":        agg.ConflictFlag,
	}
}
