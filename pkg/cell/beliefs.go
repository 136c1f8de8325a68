package cell

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// MinHintWeight is the weight below which a hint does not become a belief.
const MinHintWeight = 0.1

// GenerateBeliefs turns the claim hints of facts into beliefs emitted by
// cellID. Each belief cites the telemetry event and the facts record.
func GenerateBeliefs(cellID string, facts contracts.SignalFacts, ttl time.Duration) ([]contracts.Belief, error) {
	var out []contracts.Belief
	for _, h := range facts.ClaimHints {
		if h.Weight < MinHintWeight {
			continue
		}
		id, err := canonicalize.PrefixedContentID("bel", map[string]any{
			"cell_id":    cellID,
			"claim_type": h.ClaimType,
			"subject":    facts.Subject.Key(),
			"facts_id":   facts.FactsID,
		})
		if err != nil {
			return nil, fmt.Errorf("cell: belief id: %w", err)
		}
		b := contracts.Belief{
			BeliefID:       id,
			ClaimType:      h.ClaimType,
			SubjectKey:     facts.Subject.Key(),
			Confidence:     h.Weight,
			EvidenceRefs:   []string{facts.EventID, facts.FactsID},
			TTL:            ttl,
			EmittingCellID: cellID,
			Timestamp:      facts.DerivedAt,
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ActionPlan is the containment response to a claim.
type ActionPlan struct {
	Action      string
	ActionClass contracts.ActionClass
}

// Playbook maps claim types to actions.
type Playbook map[string]ActionPlan

// DefaultPlaybook is the built-in claim to action table.
func DefaultPlaybook() Playbook {
	return Playbook{
		ClaimMalware:      {Action: "isolate_host", ActionClass: contracts.ActionA2},
		ClaimExfiltration: {Action: "block_egress", ActionClass: contracts.ActionA2},
		ClaimCompromised:  {Action: "quarantine", ActionClass: contracts.ActionA3},
		ClaimIntrusion:    {Action: "disable_account", ActionClass: contracts.ActionA3},
		ClaimBenign:       {Action: "observe", ActionClass: contracts.ActionA0},
		ClaimHealthy:      {Action: "observe", ActionClass: contracts.ActionA0},
	}
}

// Propose picks the strongest actionable belief and returns the local
// decision for it. Ties go to the higher action class, then claim type.
func (p Playbook) Propose(beliefs []contracts.Belief) (contracts.LocalDecision, bool) {
	var (
		best  contracts.LocalDecision
		found bool
	)
	for _, b := range beliefs {
		plan, ok := p[b.ClaimType]
		if !ok {
			continue
		}
		cand := contracts.LocalDecision{
			Action:      plan.Action,
			ActionClass: plan.ActionClass,
			Confidence:  b.Confidence,
			ClaimType:   b.ClaimType,
			SubjectKey:  b.SubjectKey,
		}
		if !found || strongerProposal(cand, best) {
			best, found = cand, true
		}
	}
	return best, found
}

func strongerProposal(a, b contracts.LocalDecision) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.ActionClass.Rank() != b.ActionClass.Rank() {
		return a.ActionClass.Rank() > b.ActionClass.Rank()
	}
	return a.ClaimType < b.ClaimType
}

// BeliefBoard is the shared view of beliefs across cells. Beliefs go in and
// come out as copies, so no cell holds a reference another cell can see.
type BeliefBoard struct {
	mu      sync.RWMutex
	beliefs map[string]map[string]contracts.Belief // subject key -> belief id -> belief
	swept   time.Time
}

// NewBeliefBoard creates an empty board.
func NewBeliefBoard() *BeliefBoard {
	return &BeliefBoard{beliefs: make(map[string]map[string]contracts.Belief)}
}

// Publish adds beliefs. A belief id already on the board is ignored.
func (b *BeliefBoard) Publish(beliefs ...contracts.Belief) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bel := range beliefs {
		m, ok := b.beliefs[bel.SubjectKey]
		if !ok {
			m = make(map[string]contracts.Belief)
			b.beliefs[bel.SubjectKey] = m
		}
		if _, dup := m[bel.BeliefID]; dup {
			continue
		}
		m[bel.BeliefID] = bel.Clone()
	}
}

// Snapshot returns copies of the beliefs about subjectKey that are still
// live at now, ordered by belief id.
func (b *BeliefBoard) Snapshot(subjectKey string, now time.Time) []contracts.Belief {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.beliefs[subjectKey]
	out := make([]contracts.Belief, 0, len(m))
	for _, bel := range m {
		if bel.ExpiredAt(now) {
			continue
		}
		out = append(out, bel.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeliefID < out[j].BeliefID })
	return out
}

// Prune drops beliefs expired at now and returns how many were removed.
func (b *BeliefBoard) Prune(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pruneLocked(now)
}

// Sweep prunes when at least every has passed since the last sweep. Cells
// call it on each event so a long-running board stays bounded by its TTLs.
func (b *BeliefBoard) Sweep(now time.Time, every time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.swept.IsZero() && now.Sub(b.swept) < every {
		return 0
	}
	return b.pruneLocked(now)
}

func (b *BeliefBoard) pruneLocked(now time.Time) int {
	b.swept = now
	n := 0
	for subject, m := range b.beliefs {
		for id, bel := range m {
			if bel.ExpiredAt(now) {
				delete(m, id)
				n++
			}
		}
		if len(m) == 0 {
			delete(b.beliefs, subject)
		}
	}
	return n
}
