package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/guardian"
	"github.com/Mindburn-Labs/organism/pkg/intent"
)

const corr = "corr-1"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sliceSource struct {
	envs []audit.Envelope
	err  error
}

func (s *sliceSource) Query(_ context.Context, correlationID string) ([]audit.Envelope, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []audit.Envelope
	for _, e := range s.envs {
		if e.CorrelationID == correlationID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

type trail struct {
	t       *testing.T
	builder *audit.Builder
	envs    []audit.Envelope
}

func newTrail(t *testing.T) *trail {
	clock := func() time.Time { return t0 }
	return &trail{t: t, builder: audit.NewBuilder(nil, clock)}
}

func (tr *trail) emit(et audit.EventType, payload any, parent string) audit.Envelope {
	tr.t.Helper()
	env, err := tr.builder.NewEnvelope(et, "cell-a", corr, payload, parent)
	require.NoError(tr.t, err)
	tr.envs = append(tr.envs, env)
	return env
}

func (tr *trail) source() *sliceSource {
	return &sliceSource{envs: append([]audit.Envelope(nil), tr.envs...)}
}

func gateInput(class contracts.ActionClass, local float64) contracts.ArbitrationInput {
	return contracts.ArbitrationInput{
		DecisionID:          "dec-1",
		CorrelationID:       corr,
		CellID:              "cell-a",
		KillSwitch:          contracts.KillSwitchStatus{Global: contracts.KillSwitchInactive, Tenant: contracts.KillSwitchInactive},
		Policy:              contracts.PolicyVerificationResult{Status: contracts.PolicyValid, BundleVersion: "1.2.0"},
		TrustScore:          contracts.Float64(0.85),
		Local:               contracts.LocalDecision{Action: "isolate_host", ActionClass: class, Confidence: local},
		ApprovalRequirement: contracts.ApprovalRequirementNone,
		EvaluatedAt:         t0,
	}
}

func (tr *trail) gate(in contracts.ArbitrationInput, parent string) (audit.Envelope, contracts.ArbitrationVerdict) {
	tr.t.Helper()
	v, err := guardian.Evaluate(in)
	require.NoError(tr.t, err)
	return tr.emit(audit.EventSafetyGateEvaluated, guardian.GateRecord{Input: in, Verdict: v}, parent), v
}

func newIntent(t *testing.T, class contracts.ActionClass) contracts.ExecutionIntent {
	t.Helper()
	in, err := intent.New(intent.Spec{
		CorrelationID: corr,
		DecisionID:    "dec-1",
		CellID:        "cell-a",
		Action:        "isolate_host",
		ActionClass:   class,
		Parameters:    map[string]any{"host": "web-01", "ttl_seconds": 600},
	}, t0)
	require.NoError(t, err)
	return in
}

// allowTrail is telemetry, facts, gate (allow), intent_created,
// intent_executed.
func allowTrail(t *testing.T) *trail {
	tr := newTrail(t)
	tel := tr.emit(audit.EventTelemetryIngested, contracts.TelemetryEvent{
		EventID:       "tel-1",
		CorrelationID: corr,
		Timestamp:     t0,
		Severity:      contracts.SeverityHigh,
		Source:        "edr",
		Kind:          "process_anomaly",
		Subject:       contracts.Subject{Type: "host", ID: "web-01"},
	}, "")
	facts := tr.emit(audit.EventFactsDerived, contracts.SignalFacts{
		FactsID: "facts-1", EventID: "tel-1", CorrelationID: corr,
		Subject: contracts.Subject{Type: "host", ID: "web-01"}, Severity: contracts.SeverityHigh,
		ClaimHints: []contracts.ClaimHint{{ClaimType: "malware", Weight: 0.82}}, DerivedAt: t0,
	}, tel.EventID)
	g, v := tr.gate(gateInput(contracts.ActionA1, 0.82), facts.EventID)
	require.Equal(t, contracts.VerdictAllow, v.Verdict)

	in := newIntent(t, contracts.ActionA1)
	created := tr.emit(audit.EventIntentCreated, in, g.EventID)
	tr.emit(audit.EventIntentExecuted, contracts.ExecutionRecord{Intent: in, Status: contracts.ExecutionSucceeded}, created.EventID)
	return tr
}

func newTestEngine(src Source, runID string) *Engine {
	return NewEngine(src,
		WithClock(func() time.Time { return t0.Add(time.Hour) }),
		WithRunID(func() string { return runID }),
	)
}

func TestReplay_CleanTrailSucceeds(t *testing.T) {
	tr := allowTrail(t)
	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, rep.Result, "failures: %+v", rep.Failures)
	assert.Equal(t, []State{StateInitialized, StateFetching, StateProcessing, StateSuccess}, rep.States)
	assert.Equal(t, 5, rep.EventsProcessed)
	assert.True(t, rep.AuditIntegrityVerified)
	assert.True(t, rep.SafetyGateVerified)
	assert.True(t, rep.IntentHashVerified)
	assert.True(t, rep.BindingVerified)
	assert.True(t, rep.ChronologyVerified)
	assert.Empty(t, rep.Failures)
	assert.Equal(t, 0, rep.ExitCode())

	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "dec-1", rep.Decisions[0].DecisionID)
	assert.Equal(t, contracts.VerdictAllow, rep.Decisions[0].Verdict)
	assert.True(t, rep.Decisions[0].Executed)
}

func TestReplay_TamperedExecutionFails(t *testing.T) {
	tr := allowTrail(t)
	executed := &tr.envs[4]
	require.Equal(t, audit.EventIntentExecuted, executed.EventType)
	executed.Payload = bytes.Replace(executed.Payload, []byte(`"web-01"`), []byte(`"web-02"`), 1)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)

	assert.Equal(t, StateFailure, rep.Result)
	assert.Equal(t, 1, rep.ExitCode())
	assert.False(t, rep.IntentHashVerified)
	assert.False(t, rep.AuditIntegrityVerified)

	fs := rep.FailuresFor(executed.EventID)
	require.NotEmpty(t, fs)
	codes := map[FailureCode]bool{}
	for _, f := range fs {
		codes[f.Code] = true
		assert.True(t, f.Critical)
	}
	assert.True(t, codes[CodePayloadHashMismatch])
	assert.True(t, codes[CodeIntentHashMismatch])
	assert.Equal(t, executed.PayloadHash, fs[0].Expected)
}

func TestReplay_TamperedTelemetryIsPartial(t *testing.T) {
	tr := allowTrail(t)
	tel := &tr.envs[0]
	tel.Payload = bytes.Replace(tel.Payload, []byte(`"edr"`), []byte(`"ids"`), 1)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)

	assert.Equal(t, StatePartial, rep.Result)
	assert.Equal(t, 2, rep.ExitCode())
	assert.False(t, rep.AuditIntegrityVerified)
	assert.True(t, rep.IntentHashVerified)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, tel.EventID, rep.Failures[0].EventID)
	assert.False(t, rep.Failures[0].Critical)
}

func TestReplay_RewrittenHashBreaksEventID(t *testing.T) {
	tr := allowTrail(t)
	tel := &tr.envs[0]
	tel.Payload = bytes.Replace(tel.Payload, []byte(`"edr"`), []byte(`"ids"`), 1)
	tel.PayloadHash = canonicalize.HashBytes(tel.Payload)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Failures)
	assert.Equal(t, CodeEventIDMismatch, rep.Failures[0].Code)
	assert.False(t, rep.AuditIntegrityVerified)
}

func TestReplay_Idempotent(t *testing.T) {
	tr := allowTrail(t)
	src := tr.source()

	a, err := newTestEngine(src, "run-a").Replay(context.Background(), corr)
	require.NoError(t, err)
	b, err := NewEngine(src, WithRunID(func() string { return "run-b" })).Replay(context.Background(), corr)
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	a.RunID, b.RunID = "", ""
	a.RunTimestamp, b.RunTimestamp = time.Time{}, time.Time{}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestReplay_OrderIndependentOfStorage(t *testing.T) {
	tr := allowTrail(t)
	src := tr.source()
	for i, j := 0, len(src.envs)-1; i < j; i, j = i+1, j-1 {
		src.envs[i], src.envs[j] = src.envs[j], src.envs[i]
	}
	rep, err := newTestEngine(src, "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, rep.Result, "failures: %+v", rep.Failures)
}

func TestReplay_ApprovalFlow(t *testing.T) {
	tr := newTrail(t)
	in := gateInput(contracts.ActionA2, 0.95)
	in.ApprovalRequirement = contracts.ApprovalRequirementHuman
	g1, v1 := tr.gate(in, "")
	require.Equal(t, contracts.VerdictRequireHuman, v1.Verdict)

	it := newIntent(t, contracts.ActionA2)
	created := tr.emit(audit.EventIntentCreated, it, g1.EventID)
	bound := tr.emit(audit.EventApprovalBoundToIntent, contracts.ApprovalBindingRecord{
		ApprovalID: "apr-1", IntentID: it.IntentID, IntentHash: it.CanonicalHash, BoundAt: t0,
	}, created.EventID)

	in.Approval = &contracts.ApprovalState{ApprovalID: "apr-1", Status: contracts.ApprovalApproved, Bound: true}
	g2, v2 := tr.gate(in, bound.EventID)
	require.Equal(t, contracts.VerdictAllow, v2.Verdict)
	tr.emit(audit.EventIntentExecuted, contracts.ExecutionRecord{Intent: it, ApprovalID: "apr-1", Status: contracts.ExecutionSucceeded}, g2.EventID)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, rep.Result, "failures: %+v", rep.Failures)
	assert.True(t, rep.BindingVerified)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, 2, rep.Decisions[0].Evaluations)
	assert.Equal(t, it.IntentID, rep.Decisions[0].IntentID)
}

func TestReplay_ExecutionWithoutAllowIsUnauthorized(t *testing.T) {
	tr := newTrail(t)
	in := gateInput(contracts.ActionA2, 0.95)
	in.ApprovalRequirement = contracts.ApprovalRequirementHuman
	g, v := tr.gate(in, "")
	require.Equal(t, contracts.VerdictRequireHuman, v.Verdict)

	it := newIntent(t, contracts.ActionA2)
	created := tr.emit(audit.EventIntentCreated, it, g.EventID)
	exec := tr.emit(audit.EventIntentExecuted, contracts.ExecutionRecord{Intent: it, Status: contracts.ExecutionSucceeded}, created.EventID)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, StateFailure, rep.Result)
	fs := rep.FailuresFor(exec.EventID)
	require.Len(t, fs, 1)
	assert.Equal(t, CodeUnauthorizedExecution, fs[0].Code)
	assert.Equal(t, string(contracts.VerdictRequireHuman), fs[0].Actual)
}

func TestReplay_ForgedVerdictDetected(t *testing.T) {
	tr := newTrail(t)
	in := gateInput(contracts.ActionA2, 0.99)
	in.KillSwitch.Global = contracts.KillSwitchActive
	forged := contracts.ArbitrationVerdict{
		DecisionID:  "dec-1",
		Verdict:     contracts.VerdictAllow,
		Rationale:   []contracts.RuleID{contracts.RuleKillSwitch, contracts.RuleAllow},
		EvaluatedAt: t0,
	}
	g := tr.emit(audit.EventSafetyGateEvaluated, guardian.GateRecord{Input: in, Verdict: forged}, "")

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.False(t, rep.SafetyGateVerified)
	assert.Equal(t, StatePartial, rep.Result)
	fs := rep.FailuresFor(g.EventID)
	require.Len(t, fs, 1)
	assert.Equal(t, CodeVerdictMismatch, fs[0].Code)
	assert.Equal(t, string(contracts.VerdictDeny), fs[0].Actual)
}

func TestReplay_EvaluationErrorReplays(t *testing.T) {
	tr := newTrail(t)
	in := gateInput(contracts.ActionA2, 0.99)
	in.TrustScore = nil
	v, err := guardian.Evaluate(in)
	require.Error(t, err)
	tr.emit(audit.EventArbitrationEvaluationError, guardian.NewErrorRecord(in, v, err), "")

	rep, rerr := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, rerr)
	assert.Equal(t, StateSuccess, rep.Result, "failures: %+v", rep.Failures)
	assert.Equal(t, contracts.VerdictDeny, rep.Decisions[0].Verdict)
}

func TestReplay_RebindingDetected(t *testing.T) {
	tr := newTrail(t)
	g, _ := tr.gate(gateInput(contracts.ActionA1, 0.82), "")
	first := newIntent(t, contracts.ActionA1)
	second := first
	second.Parameters = map[string]any{"host": "db-01"}
	second.IntentID = "int-other"
	var err error
	second.CanonicalHash, err = intent.ComputeIntentHash(second)
	require.NoError(t, err)

	c1 := tr.emit(audit.EventIntentCreated, first, g.EventID)
	c2 := tr.emit(audit.EventIntentCreated, second, g.EventID)
	tr.emit(audit.EventApprovalBoundToIntent, contracts.ApprovalBindingRecord{
		ApprovalID: "apr-1", IntentID: first.IntentID, IntentHash: first.CanonicalHash, BoundAt: t0,
	}, c1.EventID)
	rebound := tr.emit(audit.EventApprovalBoundToIntent, contracts.ApprovalBindingRecord{
		ApprovalID: "apr-1", IntentID: second.IntentID, IntentHash: second.CanonicalHash, BoundAt: t0,
	}, c2.EventID)

	rep, rerr := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, rerr)
	assert.Equal(t, StateFailure, rep.Result)
	assert.False(t, rep.BindingVerified)
	fs := rep.FailuresFor(rebound.EventID)
	require.Len(t, fs, 1)
	assert.Equal(t, CodeBindingMismatch, fs[0].Code)
	assert.Equal(t, first.CanonicalHash, fs[0].Expected)
}

func TestReplay_UnknownEventTypeWarns(t *testing.T) {
	tr := allowTrail(t)
	body := []byte(`{"note":"x"}`)
	env := audit.Envelope{
		Timestamp:      t0.Add(time.Second),
		EventType:      "operator_note",
		Actor:          "ops",
		CorrelationID:  corr,
		Payload:        body,
		PayloadHash:    canonicalize.HashBytes(body),
		SequenceNumber: 100,
	}
	var err error
	env.EventID, err = audit.DeriveEventID(env)
	require.NoError(t, err)
	tr.envs = append(tr.envs, env)

	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, rep.Result)
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, env.EventID, rep.Warnings[0].EventID)
}

func TestReplay_MissingParent(t *testing.T) {
	tr := newTrail(t)
	tel := tr.emit(audit.EventTelemetryIngested, contracts.TelemetryEvent{EventID: "tel-1", CorrelationID: corr}, "evt_doesnotexist")
	rep, err := newTestEngine(tr.source(), "run-1").Replay(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, StatePartial, rep.Result)
	fs := rep.FailuresFor(tel.EventID)
	require.Len(t, fs, 1)
	assert.Equal(t, CodeMissingReference, fs[0].Code)
}

func TestReplay_FetchErrors(t *testing.T) {
	_, err := newTestEngine(&sliceSource{}, "run-1").Replay(context.Background(), corr)
	assert.ErrorIs(t, err, ErrNoEvents)

	boom := errors.New("store down")
	rep, err := newTestEngine(&sliceSource{err: boom}, "run-1").Replay(context.Background(), corr)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, rep)
	assert.Equal(t, StateFailure, rep.Result)
	assert.Equal(t, []State{StateInitialized, StateFetching, StateFailure}, rep.States)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateInitialized, StateFetching))
	assert.False(t, canTransition(StateInitialized, StateSuccess))
	assert.False(t, canTransition(StateSuccess, StateProcessing))
	for _, s := range []State{StateSuccess, StatePartial, StateFailure} {
		assert.True(t, s.Terminal(), fmt.Sprint(s))
	}
}
