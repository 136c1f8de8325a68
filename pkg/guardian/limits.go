package guardian

import "github.com/Mindburn-Labs/organism/pkg/contracts"

// ClassLimits are the trust floors and confidence thresholds for one action
// class. A zero floor on a path that the class does not support is expressed
// by leaving the path disabled.
type ClassLimits struct {
	LocalPath      bool
	CollectivePath bool

	LocalTrustFloor      float64
	CollectiveTrustFloor float64

	// LocalConfidence is the local-path threshold.
	LocalConfidence float64
	// QuorumCount and AggregateScore form the collective-path threshold.
	QuorumCount    int
	AggregateScore float64
	// JointPaths requires the local and collective thresholds together
	// instead of either one.
	JointPaths bool
}

// DecisionLimits maps each action class to its limits.
type DecisionLimits map[contracts.ActionClass]ClassLimits

// DefaultLimits returns the decision matrix:
//
//	A0  always permitted
//	A1  trust >= 0.35;  local >= 0.80
//	A2  trust >= 0.50 local, >= 0.35 collective;  local >= 0.90 or (quorum >= 2 and score >= 0.85)
//	A3  trust >= 0.80 local, >= 0.35 collective;  local >= 0.97 and quorum >= 3 and score >= 0.92
func DefaultLimits() DecisionLimits {
	return DecisionLimits{
		contracts.ActionA0: {LocalPath: true},
		contracts.ActionA1: {
			LocalPath:       true,
			LocalTrustFloor: 0.35,
			LocalConfidence: 0.80,
		},
		contracts.ActionA2: {
			LocalPath:            true,
			CollectivePath:       true,
			LocalTrustFloor:      0.50,
			CollectiveTrustFloor: 0.35,
			LocalConfidence:      0.90,
			QuorumCount:          2,
			AggregateScore:       0.85,
		},
		contracts.ActionA3: {
			LocalPath:            true,
			CollectivePath:       true,
			LocalTrustFloor:      0.80,
			CollectiveTrustFloor: 0.35,
			LocalConfidence:      0.97,
			QuorumCount:          3,
			AggregateScore:       0.92,
			JointPaths:           true,
		},
	}
}

// permittedPaths returns the execution paths trust allows for limits, in
// fixed order.
func (l ClassLimits) permittedPaths(trust float64) []contracts.ExecutionPath {
	var out []contracts.ExecutionPath
	if l.LocalPath && trust >= l.LocalTrustFloor {
		out = append(out, contracts.PathLocal)
	}
	if l.CollectivePath && trust >= l.CollectiveTrustFloor {
		out = append(out, contracts.PathCollective)
	}
	return out
}

func (l ClassLimits) localMet(local contracts.LocalDecision) bool {
	return local.Confidence >= l.LocalConfidence
}

func (l ClassLimits) collectiveMet(agg contracts.AggregateResult) bool {
	return agg.QuorumCount >= l.QuorumCount && agg.AggregateScore >= l.AggregateScore
}
