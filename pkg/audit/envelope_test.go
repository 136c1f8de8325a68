package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEventTypePriority(t *testing.T) {
	assert.Equal(t, 1, EventTelemetryIngested.Priority())
	assert.Equal(t, 4, EventSafetyGateEvaluated.Priority())
	assert.Equal(t, 4, EventArbitrationEvaluationError.Priority())
	assert.Equal(t, 8, EventApprovalDenied.Priority())
	assert.Equal(t, UnknownPriority, EventType("custom").Priority())
	assert.False(t, EventType("custom").Known())

	catalog := Catalog()
	for i := 1; i < len(catalog); i++ {
		assert.LessOrEqual(t, catalog[i-1].Priority(), catalog[i].Priority())
	}
}

func TestCriticalPath(t *testing.T) {
	assert.True(t, EventIntentCreated.CriticalPath())
	assert.True(t, EventApprovalBoundToIntent.CriticalPath())
	assert.True(t, EventIntentExecuted.CriticalPath())
	assert.False(t, EventBeliefEmitted.CriticalPath())
	assert.False(t, EventSafetyGateEvaluated.CriticalPath())
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	b := NewBuilder(nil, fixedClock(now))

	env, err := b.NewEnvelope(EventTelemetryIngested, "cell-1", "corr-1", map[string]any{"b": 2, "a": 1}, "")
	require.NoError(t, err)

	assert.Equal(t, `{"a":1,"b":2}`, string(env.Payload))
	assert.Equal(t, uint64(1), env.SequenceNumber)
	assert.Equal(t, now.Truncate(time.Microsecond), env.Timestamp)
	assert.Regexp(t, `^evt_[a-z2-7]{26}$`, env.EventID)
	require.NoError(t, env.VerifyPayloadHash())

	again, err := b.NewEnvelope(EventFactsDerived, "cell-1", "corr-1", map[string]any{}, env.EventID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.SequenceNumber)
	assert.True(t, again.Timestamp.After(env.Timestamp), "same clock reading must still advance")
	assert.Equal(t, env.EventID, again.ParentEventID)
}

func TestNewEnvelopeRejects(t *testing.T) {
	b := NewBuilder(nil, nil)

	_, err := b.NewEnvelope(EventTelemetryIngested, "cell-1", "", nil, "")
	assert.ErrorIs(t, err, ErrMissingCorrelation)

	_, err = b.NewEnvelope("custom", "cell-1", "corr", nil, "")
	assert.Error(t, err)

	_, err = b.NewEnvelope(EventTelemetryIngested, "cell-1", "corr", map[string]any{"f": func() {}}, "")
	assert.Error(t, err)
}

func TestVerifyPayloadHashDetectsMutation(t *testing.T) {
	b := NewBuilder(nil, fixedClock(time.Unix(1700000000, 0)))
	env, err := b.NewEnvelope(EventIntentCreated, "cell-1", "corr", map[string]any{"action": "isolate_host"}, "")
	require.NoError(t, err)

	tampered := env.Clone()
	tampered.Payload = json.RawMessage(`{"action":"wipe_host"}`)
	err = tampered.VerifyPayloadHash()
	assert.ErrorIs(t, err, ErrPayloadHashMismatch)

	// Same JSON value, different bytes: still a mismatch.
	reformatted := env.Clone()
	reformatted.Payload = json.RawMessage(`{ "action": "isolate_host" }`)
	assert.ErrorIs(t, reformatted.VerifyPayloadHash(), ErrPayloadHashMismatch)

	// Hash updated to match non-canonical bytes.
	forged := reformatted
	forged.PayloadHash = forged.ComputedPayloadHash()
	assert.ErrorIs(t, forged.VerifyPayloadHash(), ErrNonCanonicalPayload)

	require.NoError(t, env.VerifyPayloadHash(), "clone must not alias the original payload")
}

func TestEnvelopeJSONRoundTripKeepsHash(t *testing.T) {
	b := NewBuilder(nil, fixedClock(time.Unix(1700000000, 5000)))
	env, err := b.NewEnvelope(EventBeliefEmitted, "cell-1", "corr", map[string]any{"note": "<a&b>"}, "")
	require.NoError(t, err)

	data, err := MarshalEnvelope(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"<a&b>"`)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.VerifyPayloadHash())
	assert.Equal(t, env.EventID, back.EventID)
	assert.True(t, env.Timestamp.Equal(back.Timestamp))
}

func TestJSONLRoundTrip(t *testing.T) {
	b := NewBuilder(nil, fixedClock(time.Unix(1700000000, 0)))
	var envs []Envelope
	for i := 0; i < 3; i++ {
		env, err := b.NewEnvelope(EventTelemetryIngested, "cell-1", "corr", map[string]any{"i": i, "html": "<>"}, "")
		require.NoError(t, err)
		envs = append(envs, env)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, envs))
	buf.WriteString("\n")

	back, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, back, 3)
	for i := range back {
		assert.Equal(t, envs[i].EventID, back[i].EventID)
		assert.NoError(t, back[i].VerifyPayloadHash())
	}

	_, err = ReadJSONL(strings.NewReader("{not json}\n"))
	assert.Error(t, err)
}

func TestDeriveEventIDDependsOnContent(t *testing.T) {
	b := NewBuilder(nil, fixedClock(time.Unix(1700000000, 0)))
	env, err := b.NewEnvelope(EventTelemetryIngested, "cell-1", "corr", map[string]any{"x": 1}, "")
	require.NoError(t, err)

	id, err := DeriveEventID(env)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, id)

	other := env
	other.SequenceNumber++
	otherID, err := DeriveEventID(other)
	require.NoError(t, err)
	assert.NotEqual(t, id, otherID)
}

func TestCompareOrdering(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Envelope{EventID: "evt_b", Timestamp: base, EventType: EventIntentCreated, SequenceNumber: 1}
	b := Envelope{EventID: "evt_a", Timestamp: base, EventType: EventTelemetryIngested, SequenceNumber: 2}
	c := Envelope{EventID: "evt_c", Timestamp: base.Add(time.Microsecond), EventType: EventTelemetryIngested, SequenceNumber: 3}
	d := Envelope{EventID: "evt_a2", Timestamp: base, EventType: EventTelemetryIngested, SequenceNumber: 4}

	envs := []Envelope{c, a, d, b}
	sorted := Sorted(envs)

	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = e.EventID
	}
	assert.Equal(t, []string{"evt_a", "evt_a2", "evt_b", "evt_c"}, ids)
	assert.Equal(t, "evt_c", envs[0].EventID, "Sorted must not reorder its input")

	assert.Equal(t, 0, Compare(a, a))
	assert.Equal(t, -1, Compare(b, a))
	assert.Equal(t, 1, Compare(c, a))
}

func TestSequencerConcurrent(t *testing.T) {
	seq := NewSequencer()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	const n = 200
	var wg sync.WaitGroup
	type pair struct {
		seq uint64
		ts  time.Time
	}
	results := make(chan pair, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ts := seq.Next("corr", now)
			results <- pair{s, ts}
		}()
	}
	wg.Wait()
	close(results)

	byTS := map[uint64]time.Time{}
	for p := range results {
		_, dup := byTS[p.seq]
		require.False(t, dup, "sequence %d issued twice", p.seq)
		byTS[p.seq] = p.ts
	}
	require.Len(t, byTS, n)
	for i := uint64(2); i <= n; i++ {
		assert.True(t, byTS[i].After(byTS[i-1]), "seq %d must be later than %d", i, i-1)
	}
}

func TestSequencerResume(t *testing.T) {
	seq := NewSequencer()
	last := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	seq.Resume("corr", 41, last)

	s, ts := seq.Next("corr", last.Add(-time.Hour))
	assert.Equal(t, uint64(42), s)
	assert.True(t, ts.After(last))

	s, _ = seq.Next("other", last)
	assert.Equal(t, uint64(1), s)
}

type recordingStore struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (r *recordingStore) Append(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingStore) Query(_ context.Context, correlationID string) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.envs {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestEmitter(t *testing.T) {
	st := &recordingStore{}
	em := NewEmitter(NewBuilder(nil, nil), st, "cell-7", nil)

	env, err := em.Emit(context.Background(), EventTelemetryIngested, "corr", map[string]any{"k": "v"}, "")
	require.NoError(t, err)
	assert.Equal(t, "cell-7", env.Actor)

	got, err := st.Query(context.Background(), "corr")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.EventID, got[0].EventID)

	st.err = errors.New("disk full")
	_, err = em.Emit(context.Background(), EventTelemetryIngested, "corr", map[string]any{}, "")
	assert.Error(t, err)
}

func TestEmitterContinuesExistingPartition(t *testing.T) {
	st := &recordingStore{}
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	first := NewEmitter(NewBuilder(nil, fixedClock(t0)), st, "cell-1", nil)
	a, err := first.Emit(context.Background(), EventTelemetryIngested, "corr", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	b, err := first.Emit(context.Background(), EventFactsDerived, "corr", map[string]any{"n": 2}, a.EventID)
	require.NoError(t, err)

	// A fresh builder, as after a restart, with a clock that went backwards.
	second := NewEmitter(NewBuilder(nil, fixedClock(t0.Add(-time.Minute))), st, "cell-1", nil)
	c, err := second.Emit(context.Background(), EventTelemetryIngested, "corr", map[string]any{"n": 3}, "")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), c.SequenceNumber)
	assert.True(t, c.Timestamp.After(b.Timestamp))

	other, err := second.Emit(context.Background(), EventTelemetryIngested, "corr-new", map[string]any{}, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.SequenceNumber)
}

type failingQueryStore struct{ recordingStore }

func (f *failingQueryStore) Query(context.Context, string) ([]Envelope, error) {
	return nil, errors.New("connection refused")
}

func TestEmitterResumeQueryError(t *testing.T) {
	st := &failingQueryStore{}
	em := NewEmitter(NewBuilder(nil, nil), st, "cell-1", nil)

	_, err := em.Emit(context.Background(), EventTelemetryIngested, "corr", map[string]any{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume corr")
	assert.Empty(t, st.envs)
}
