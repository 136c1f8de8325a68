package contracts

import "time"

// KillSwitchState is the resolved state of one kill switch.
type KillSwitchState string

const (
	KillSwitchInactive KillSwitchState = "inactive"
	KillSwitchActive   KillSwitchState = "active"
)

// KillSwitchStatus bundles the global and tenant kill switches.
type KillSwitchStatus struct {
	Global KillSwitchState `json:"global"`
	Tenant KillSwitchState `json:"tenant"`
}

// Active reports whether either switch is engaged.
func (k KillSwitchStatus) Active() bool {
	return k.Global == KillSwitchActive || k.Tenant == KillSwitchActive
}

// PolicyStatus is the outcome of policy bundle verification.
type PolicyStatus string

const (
	PolicyValid        PolicyStatus = "valid"
	PolicyInvalid      PolicyStatus = "invalid"
	PolicyExpired      PolicyStatus = "expired"
	PolicyUnverifiable PolicyStatus = "unverifiable"
)

// PolicyVerificationResult is the typed result of the policy lookup.
type PolicyVerificationResult struct {
	Status        PolicyStatus `json:"status"`
	BundleVersion string       `json:"bundle_version,omitempty"`
	BundleHash    string       `json:"bundle_hash,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// ApprovalStatus is what the approval service reports for an approval id.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalNotFound ApprovalStatus = "not_found"
)

// ApprovalRequirement is what policy demands before an action may run.
type ApprovalRequirement string

const (
	ApprovalRequirementNone   ApprovalRequirement = "none"
	ApprovalRequirementQuorum ApprovalRequirement = "quorum"
	ApprovalRequirementHuman  ApprovalRequirement = "human"
)

// Rank orders requirements by strictness.
func (r ApprovalRequirement) Rank() int {
	switch r {
	case ApprovalRequirementNone, "":
		return 0
	case ApprovalRequirementQuorum:
		return 1
	case ApprovalRequirementHuman:
		return 2
	}
	return -1
}

// ApprovalState is the resolved approval for the decision, if any.
type ApprovalState struct {
	ApprovalID string         `json:"approval_id"`
	Status     ApprovalStatus `json:"status"`
	// Bound is true when the approval is bound to this decision's intent hash.
	Bound bool `json:"bound"`
}

// LocalDecision is the emitting cell's own proposal.
type LocalDecision struct {
	Action      string      `json:"action"`
	ActionClass ActionClass `json:"action_class"`
	Confidence  float64     `json:"confidence"`
	ClaimType   string      `json:"claim_type,omitempty"`
	SubjectKey  string      `json:"subject_key,omitempty"`
}

// AggregateResult is the collective confidence for one claim/subject.
type AggregateResult struct {
	ClaimType         string   `json:"claim_type,omitempty"`
	SubjectKey        string   `json:"subject_key,omitempty"`
	AggregateScore    float64  `json:"aggregate_score"`
	QuorumCount       int      `json:"quorum_count"`
	ConflictFlag      bool     `json:"conflict_flag"`
	ContributingCells []string `json:"contributing_cells,omitempty"`
	ConflictingClaims []string `json:"conflicting_claims,omitempty"`
}

// ArbitrationInput is the immutable snapshot the safety gate evaluates.
// Every time-dependent value is resolved before construction.
type ArbitrationInput struct {
	DecisionID          string                   `json:"decision_id"`
	CorrelationID       string                   `json:"correlation_id"`
	CellID              string                   `json:"cell_id"`
	TenantID            string                   `json:"tenant_id,omitempty"`
	KillSwitch          KillSwitchStatus         `json:"kill_switch"`
	Policy              PolicyVerificationResult `json:"policy"`
	TrustScore          *float64                 `json:"trust_score"`
	Collective          AggregateResult          `json:"collective"`
	Local               LocalDecision            `json:"local"`
	ConflictDetected    bool                     `json:"conflict_detected"`
	ApprovalRequirement ApprovalRequirement      `json:"approval_requirement"`
	Approval            *ApprovalState           `json:"approval,omitempty"`
	EvaluatedAt         time.Time                `json:"evaluated_at"`
}

// Float64 returns a pointer to v, for TrustScore literals.
func Float64(v float64) *float64 { return &v }

// Verdict is the safety gate outcome.
type Verdict string

const (
	VerdictAllow         Verdict = "allow"
	VerdictDeny          Verdict = "deny"
	VerdictRequireQuorum Verdict = "require_quorum"
	VerdictRequireHuman  Verdict = "require_human"
)

// RuleID names one stage of the precedence chain.
type RuleID string

const (
	RuleInputValidation    RuleID = "input_validation"
	RuleKillSwitch         RuleID = "kill_switch"
	RulePolicyVerification RuleID = "policy_verification"
	RuleConflictCheck      RuleID = "conflict_check"
	RuleTrustConstraints   RuleID = "trust_constraints"
	RuleThresholdCheck     RuleID = "threshold_check"
	RuleApprovalGate       RuleID = "approval_gate"
	RuleAllow              RuleID = "allow"
)

// ExecutionPath is an autonomy path through the threshold matrix.
type ExecutionPath string

const (
	PathLocal      ExecutionPath = "local"
	PathCollective ExecutionPath = "collective"
)

// RuleOutcome is the per-stage detail recorded next to the rationale.
type RuleOutcome struct {
	Rule   RuleID `json:"rule"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ArbitrationVerdict is produced exactly once per decision.
type ArbitrationVerdict struct {
	DecisionID string  `json:"decision_id"`
	Verdict    Verdict `json:"verdict"`
	// Rationale lists every rule evaluated, in order, ending with the one
	// that decided.
	Rationale      []RuleID        `json:"rationale"`
	Outcomes       []RuleOutcome   `json:"outcomes"`
	PermittedPaths []ExecutionPath `json:"permitted_paths,omitempty"`
	SatisfiedPath  ExecutionPath   `json:"satisfied_path,omitempty"`
	// EffectiveActionClass is set when trust forced a downgrade: the highest
	// class the cell may still run autonomously.
	EffectiveActionClass ActionClass `json:"effective_action_class,omitempty"`
	EvaluatedAt          time.Time   `json:"evaluated_at"`
}

// DecidingRule returns the last rule in the rationale.
func (v ArbitrationVerdict) DecidingRule() RuleID {
	if len(v.Rationale) == 0 {
		return ""
	}
	return v.Rationale[len(v.Rationale)-1]
}
