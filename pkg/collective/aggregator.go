// Package collective combines beliefs from many cells into a collective
// confidence per (claim type, subject). It is a pure function of its input
// apart from optional warning logs.
package collective

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// WarningCode classifies tolerated input problems.
type WarningCode string

const (
	WarnInvalidBelief     WarningCode = "invalid_belief"
	WarnExpiredBelief     WarningCode = "expired_belief"
	WarnEmptyEvidenceRef  WarningCode = "empty_evidence_ref"
	WarnDuplicateEvidence WarningCode = "duplicate_evidence_ref"
	WarnCellDuplicate     WarningCode = "cell_duplicate"
	WarnEvidenceDuplicate WarningCode = "evidence_duplicate"
)

// Warning describes a belief that was dropped, collapsed or cleaned.
type Warning struct {
	Code     WarningCode `json:"code"`
	BeliefID string      `json:"belief_id"`
	CellID   string      `json:"cell_id,omitempty"`
	Message  string      `json:"message"`
}

// Group is the aggregate for one (claim type, subject) pair plus the
// beliefs that counted.
type Group struct {
	Result   contracts.AggregateResult
	Counted  []contracts.Belief
	Excluded []string
}

// Analysis is the full aggregation output.
type Analysis struct {
	Groups   []Group
	Warnings []Warning
	// Conflicts maps subject key to the incompatible material claim types.
	Conflicts map[string][]string
}

// Aggregator holds the conflict table and the materiality floor.
type Aggregator struct {
	conflicts ConflictTable
	floor     float64
	logger    *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithConflicts replaces the conflict table.
func WithConflicts(t ConflictTable) Option {
	return func(a *Aggregator) { a.conflicts = t }
}

// WithMaterialityFloor replaces the materiality floor.
func WithMaterialityFloor(f float64) Option {
	return func(a *Aggregator) { a.floor = f }
}

// WithLogger logs every warning at warn level.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{conflicts: DefaultConflicts(), floor: MaterialityFloor}
	for _, o := range opts {
		o(a)
	}
	return a
}

var defaultAggregator = New()

// Aggregate combines beliefs with the default aggregator and no TTL check.
func Aggregate(beliefs []contracts.Belief) contracts.AggregateResult {
	return defaultAggregator.Aggregate(beliefs)
}

// Aggregate returns the strongest group. ConflictFlag is set when any
// subject in the input carries incompatible material claims.
func (a *Aggregator) Aggregate(beliefs []contracts.Belief) contracts.AggregateResult {
	return a.AggregateAt(beliefs, time.Time{})
}

// AggregateAt is Aggregate with beliefs expired at now dropped. A zero now
// disables expiry.
func (a *Aggregator) AggregateAt(beliefs []contracts.Belief, now time.Time) contracts.AggregateResult {
	an := a.Analyze(beliefs, now)
	if len(an.Groups) == 0 {
		return contracts.AggregateResult{}
	}
	best := an.Groups[0].Result
	for _, g := range an.Groups[1:] {
		if stronger(g.Result, best) {
			best = g.Result
		}
	}
	if len(an.Conflicts) > 0 {
		best.ConflictFlag = true
		best.ConflictingClaims = allConflictClaims(an.Conflicts)
	}
	return best
}

// AggregateFor returns the aggregate for one claim type and subject. The
// conflict flag reflects that subject only.
func (a *Aggregator) AggregateFor(beliefs []contracts.Belief, claimType, subjectKey string, now time.Time) contracts.AggregateResult {
	an := a.Analyze(beliefs, now)
	res := contracts.AggregateResult{ClaimType: claimType, SubjectKey: subjectKey}
	for _, g := range an.Groups {
		if g.Result.ClaimType == claimType && g.Result.SubjectKey == subjectKey {
			res = g.Result
			break
		}
	}
	if claims, ok := an.Conflicts[subjectKey]; ok {
		res.ConflictFlag = true
		res.ConflictingClaims = append([]string(nil), claims...)
	}
	return res
}

// Analyze groups, deduplicates and scores beliefs.
func (a *Aggregator) Analyze(beliefs []contracts.Belief, now time.Time) Analysis {
	var an Analysis

	type groupKey struct{ claim, subject string }
	grouped := map[groupKey][]contracts.Belief{}

	for _, b := range beliefs {
		if err := b.Validate(); err != nil {
			an.warn(a, Warning{Code: WarnInvalidBelief, BeliefID: b.BeliefID, CellID: b.EmittingCellID, Message: err.Error()})
			continue
		}
		if !now.IsZero() && b.ExpiredAt(now) {
			an.warn(a, Warning{Code: WarnExpiredBelief, BeliefID: b.BeliefID, CellID: b.EmittingCellID, Message: "ttl elapsed"})
			continue
		}
		cleaned, ok := a.cleanEvidence(b, &an)
		if !ok {
			continue
		}
		k := groupKey{b.ClaimType, b.SubjectKey}
		grouped[k] = append(grouped[k], cleaned)
	}

	keys := make([]groupKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].subject != keys[j].subject {
			return keys[i].subject < keys[j].subject
		}
		return keys[i].claim < keys[j].claim
	})

	for _, k := range keys {
		an.Groups = append(an.Groups, a.scoreGroup(k.claim, k.subject, grouped[k], &an))
	}

	an.Conflicts = a.conflicts.conflictsFor(an.Groups, a.floor)
	for i := range an.Groups {
		if claims, ok := an.Conflicts[an.Groups[i].Result.SubjectKey]; ok {
			an.Groups[i].Result.ConflictFlag = true
			an.Groups[i].Result.ConflictingClaims = append([]string(nil), claims...)
		}
	}
	return an
}

// cleanEvidence drops empty and repeated refs. A belief left without
// evidence is excluded.
func (a *Aggregator) cleanEvidence(b contracts.Belief, an *Analysis) (contracts.Belief, bool) {
	out := b.Clone()
	out.EvidenceRefs = out.EvidenceRefs[:0]
	seen := map[string]bool{}
	for _, ref := range b.EvidenceRefs {
		ref = strings.TrimSpace(ref)
		switch {
		case ref == "":
			an.warn(a, Warning{Code: WarnEmptyEvidenceRef, BeliefID: b.BeliefID, CellID: b.EmittingCellID, Message: "empty evidence ref ignored"})
			continue
		case seen[ref]:
			an.warn(a, Warning{Code: WarnDuplicateEvidence, BeliefID: b.BeliefID, CellID: b.EmittingCellID, Message: "repeated evidence ref " + ref})
			continue
		}
		seen[ref] = true
		out.EvidenceRefs = append(out.EvidenceRefs, ref)
	}
	if len(out.EvidenceRefs) == 0 {
		an.warn(a, Warning{Code: WarnInvalidBelief, BeliefID: b.BeliefID, CellID: b.EmittingCellID, Message: "no usable evidence refs"})
		return contracts.Belief{}, false
	}
	sort.Strings(out.EvidenceRefs)
	return out, true
}

func (a *Aggregator) scoreGroup(claim, subject string, bs []contracts.Belief, an *Analysis) Group {
	g := Group{Result: contracts.AggregateResult{ClaimType: claim, SubjectKey: subject}}

	// At most one belief per cell: the most confident, ties to the smaller id.
	perCell := map[string]contracts.Belief{}
	for _, b := range bs {
		cur, ok := perCell[b.EmittingCellID]
		if !ok {
			perCell[b.EmittingCellID] = b
			continue
		}
		keep, drop := cur, b
		if b.Confidence > cur.Confidence || (b.Confidence == cur.Confidence && b.BeliefID < cur.BeliefID) {
			keep, drop = b, cur
		}
		perCell[b.EmittingCellID] = keep
		if drop.BeliefID != keep.BeliefID {
			g.Excluded = append(g.Excluded, drop.BeliefID)
			an.warn(a, Warning{Code: WarnCellDuplicate, BeliefID: drop.BeliefID, CellID: drop.EmittingCellID, Message: "superseded by " + keep.BeliefID})
		}
	}

	// Identical evidence sets from different cells count once.
	byEvidence := map[string]contracts.Belief{}
	for _, b := range sortedByCell(perCell) {
		ek := strings.Join(b.EvidenceRefs, "\x00")
		cur, ok := byEvidence[ek]
		if !ok {
			byEvidence[ek] = b
			continue
		}
		keep, drop := cur, b
		if b.Confidence > cur.Confidence {
			keep, drop = b, cur
		}
		byEvidence[ek] = keep
		g.Excluded = append(g.Excluded, drop.BeliefID)
		an.warn(a, Warning{Code: WarnEvidenceDuplicate, BeliefID: drop.BeliefID, CellID: drop.EmittingCellID, Message: "same evidence as " + keep.BeliefID})
	}

	counted := make([]contracts.Belief, 0, len(byEvidence))
	for _, b := range byEvidence {
		counted = append(counted, b)
	}
	sort.Slice(counted, func(i, j int) bool { return counted[i].EmittingCellID < counted[j].EmittingCellID })

	miss := 1.0
	cells := make([]string, 0, len(counted))
	for _, b := range counted {
		miss *= 1 - b.Confidence
		cells = append(cells, b.EmittingCellID)
	}
	if len(counted) > 0 {
		g.Result.AggregateScore = 1 - miss
	}
	g.Result.QuorumCount = len(cells)
	g.Result.ContributingCells = cells
	g.Counted = counted
	sort.Strings(g.Excluded)
	return g
}

func sortedByCell(m map[string]contracts.Belief) []contracts.Belief {
	out := make([]contracts.Belief, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmittingCellID < out[j].EmittingCellID })
	return out
}

func stronger(a, b contracts.AggregateResult) bool {
	if a.AggregateScore != b.AggregateScore {
		return a.AggregateScore > b.AggregateScore
	}
	if a.QuorumCount != b.QuorumCount {
		return a.QuorumCount > b.QuorumCount
	}
	if a.SubjectKey != b.SubjectKey {
		return a.SubjectKey < b.SubjectKey
	}
	return a.ClaimType < b.ClaimType
}

func allConflictClaims(m map[string][]string) []string {
	seen := map[string]bool{}
	for _, claims := range m {
		for _, c := range claims {
			seen[c] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (an *Analysis) warn(a *Aggregator, w Warning) {
	an.Warnings = append(an.Warnings, w)
	if a.logger != nil {
		a.logger.Warn("belief tolerated with warning",
			"code", w.Code,
			"belief_id", w.BeliefID,
			"cell_id", w.CellID,
			"detail", w.Message,
		)
	}
}
