package collective

import (
	"bytes"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func belief(id, cell, claim string, conf float64, refs ...string) contracts.Belief {
	if len(refs) == 0 {
		refs = []string{"ev-" + id}
	}
	return contracts.Belief{
		BeliefID:       id,
		ClaimType:      claim,
		SubjectKey:     "host:web-01",
		Confidence:     conf,
		EvidenceRefs:   refs,
		EmittingCellID: cell,
		Timestamp:      t0,
	}
}

func TestAggregate_Empty(t *testing.T) {
	res := Aggregate(nil)
	assert.Zero(t, res.AggregateScore)
	assert.Zero(t, res.QuorumCount)
	assert.False(t, res.ConflictFlag)
}

func TestAggregate_PerCellDedup(t *testing.T) {
	res := Aggregate([]contracts.Belief{
		belief("b1", "A", "malware", 0.8),
		belief("b2", "A", "malware", 0.6),
		belief("b3", "B", "malware", 0.5),
	})
	assert.InDelta(t, 0.90, res.AggregateScore, 1e-12)
	assert.Equal(t, 2, res.QuorumCount)
	assert.Equal(t, []string{"A", "B"}, res.ContributingCells)
	assert.Equal(t, "malware", res.ClaimType)
}

func TestAggregate_SameEvidenceCountsOnce(t *testing.T) {
	res := Aggregate([]contracts.Belief{
		belief("b1", "A", "malware", 0.7, "ev-1", "ev-2"),
		belief("b2", "B", "malware", 0.6, "ev-2", "ev-1"),
		belief("b3", "C", "malware", 0.5, "ev-3"),
	})
	assert.InDelta(t, 1-(0.3*0.5), res.AggregateScore, 1e-12)
	assert.Equal(t, 2, res.QuorumCount)
	assert.Equal(t, []string{"A", "C"}, res.ContributingCells)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	bs := []contracts.Belief{
		belief("b1", "A", "malware", 0.3),
		belief("b2", "B", "malware", 0.45),
		belief("b3", "C", "malware", 0.77),
		belief("b4", "B", "malware", 0.2),
	}
	rev := make([]contracts.Belief, len(bs))
	for i := range bs {
		rev[len(bs)-1-i] = bs[i]
	}
	assert.Equal(t, Aggregate(bs), Aggregate(rev))
}

func TestAggregate_DropsInvalidAndWarns(t *testing.T) {
	noEvidence := belief("b2", "B", "malware", 0.9)
	noEvidence.EvidenceRefs = nil
	tooHigh := belief("b3", "C", "malware", 1.4)
	onlyBlank := belief("b4", "D", "malware", 0.9, " ", "")

	an := New().Analyze([]contracts.Belief{
		belief("b1", "A", "malware", 0.5, "ev-1", "ev-1", ""),
		noEvidence, tooHigh, onlyBlank,
	}, time.Time{})

	require.Len(t, an.Groups, 1)
	assert.Equal(t, 1, an.Groups[0].Result.QuorumCount)
	assert.Equal(t, []string{"ev-1"}, an.Groups[0].Counted[0].EvidenceRefs)

	codes := map[WarningCode]int{}
	for _, w := range an.Warnings {
		codes[w.Code]++
	}
	assert.Equal(t, 3, codes[WarnInvalidBelief])
	assert.Equal(t, 1, codes[WarnDuplicateEvidence])
	assert.GreaterOrEqual(t, codes[WarnEmptyEvidenceRef], 2)
}

func TestAggregate_WarningsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	New(WithLogger(logger)).Aggregate([]contracts.Belief{belief("b1", "A", "malware", 0.5, "ev", "ev")})
	assert.Contains(t, buf.String(), string(WarnDuplicateEvidence))
}

func TestAggregateAt_TTL(t *testing.T) {
	short := belief("b1", "A", "malware", 0.9)
	short.TTL = time.Minute
	forever := belief("b2", "B", "malware", 0.5)

	agg := New()
	before := agg.AggregateAt([]contracts.Belief{short, forever}, t0.Add(30*time.Second))
	assert.Equal(t, 2, before.QuorumCount)

	after := agg.AggregateAt([]contracts.Belief{short, forever}, t0.Add(time.Minute))
	assert.Equal(t, 1, after.QuorumCount)
	assert.InDelta(t, 0.5, after.AggregateScore, 1e-12)
}

func TestAggregate_Conflict(t *testing.T) {
	bs := []contracts.Belief{
		belief("b1", "A", "malware", 0.6),
		belief("b2", "B", "benign", 0.4),
	}
	res := Aggregate(bs)
	assert.True(t, res.ConflictFlag)
	assert.Equal(t, []string{"benign", "malware"}, res.ConflictingClaims)
	assert.Equal(t, "malware", res.ClaimType)

	agg := New()
	forMalware := agg.AggregateFor(bs, "malware", "host:web-01", time.Time{})
	assert.True(t, forMalware.ConflictFlag)
	assert.InDelta(t, 0.6, forMalware.AggregateScore, 1e-12)
}

func TestAggregate_ConflictBelowMaterialityFloor(t *testing.T) {
	res := Aggregate([]contracts.Belief{
		belief("b1", "A", "malware", 0.9),
		belief("b2", "B", "benign", 0.29),
	})
	assert.False(t, res.ConflictFlag)
}

func TestAggregate_ConflictOnlyWithinSubject(t *testing.T) {
	other := belief("b2", "B", "benign", 0.8)
	other.SubjectKey = "host:db-01"
	agg := New()
	bs := []contracts.Belief{belief("b1", "A", "malware", 0.8), other}

	assert.False(t, agg.AggregateFor(bs, "malware", "host:web-01", time.Time{}).ConflictFlag)
	assert.False(t, agg.Aggregate(bs).ConflictFlag)
}

func TestAggregateFor_Missing(t *testing.T) {
	res := New().AggregateFor(nil, "malware", "host:x", time.Time{})
	assert.Equal(t, "malware", res.ClaimType)
	assert.Zero(t, res.QuorumCount)
}

func TestConflictTable(t *testing.T) {
	ct := DefaultConflicts()
	assert.True(t, ct.Incompatible("benign", "malware"))
	assert.True(t, ct.Incompatible("healthy", "compromised"))
	assert.False(t, ct.Incompatible("malware", "malware"))
	assert.False(t, ct.Incompatible("malware", "exfiltration"))

	custom := New(WithConflicts(ConflictTable{"a": {"b"}}), WithMaterialityFloor(0.1))
	res := custom.Aggregate([]contracts.Belief{belief("1", "X", "a", 0.2), belief("2", "Y", "b", 0.2)})
	assert.True(t, res.ConflictFlag)
}

func TestAggregate_ScoreStaysInRange(t *testing.T) {
	var bs []contracts.Belief
	for i, c := range []float64{1, 0, 0.999999, 0.5} {
		bs = append(bs, belief(string(rune('a'+i)), string(rune('A'+i)), "malware", c))
	}
	res := Aggregate(bs)
	assert.False(t, math.IsNaN(res.AggregateScore))
	assert.LessOrEqual(t, res.AggregateScore, 1.0)
	assert.Equal(t, 4, res.QuorumCount)
}
