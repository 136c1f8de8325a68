// Package replay re-derives a decision trail from the audit log and checks
// that every recorded hash, verdict and binding still holds.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/guardian"
	"github.com/Mindburn-Labs/organism/pkg/intent"
)

// Source returns the envelopes of one correlation partition in any order.
type Source interface {
	Query(ctx context.Context, correlationID string) ([]audit.Envelope, error)
}

// Engine replays correlation partitions. Each call to Replay is independent;
// the engine holds no state between runs.
type Engine struct {
	source Source
	clock  func() time.Time
	runID  func() string
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for run_timestamp.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRunID sets the run id generator.
func WithRunID(fn func() string) Option {
	return func(e *Engine) { e.runID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine reading from source.
func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{
		source: source,
		clock:  time.Now,
		runID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "replay")
	return e
}

// run is the mutable state of one replay.
type run struct {
	report *Report
	seen   map[string]int // event id -> position in sorted order

	decisions map[string]*Decision
	order     []string
	// gates holds the most recent gate evaluation per decision.
	gates    map[string]guardian.GateRecord
	intents  map[string]contracts.ExecutionIntent
	bindings *intent.Store
}

func (r *run) transition(to State) error {
	from := r.report.States[len(r.report.States)-1]
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.report.States = append(r.report.States, to)
	r.report.Result = to
	return nil
}

func (r *run) fail(env audit.Envelope, code FailureCode, detail, expected, actual string) {
	f := Failure{
		EventID:   env.EventID,
		EventType: env.EventType,
		Code:      code,
		Detail:    detail,
		Expected:  expected,
		Actual:    actual,
		Critical:  env.EventType.CriticalPath() || code == CodeUnauthorizedExecution,
	}
	r.report.Failures = append(r.report.Failures, f)

	switch code {
	case CodePayloadHashMismatch, CodeEventIDMismatch:
		r.report.AuditIntegrityVerified = false
	case CodeChronological:
		r.report.ChronologyVerified = false
	case CodeVerdictMismatch:
		r.report.SafetyGateVerified = false
	case CodeIntentHashMismatch:
		r.report.IntentHashVerified = false
	case CodeBindingMismatch:
		r.report.BindingVerified = false
	}
	// Any unverifiable intent-bearing event leaves the intent hash unproven.
	switch env.EventType {
	case audit.EventIntentCreated, audit.EventIntentExecuted:
		if code == CodePayloadHashMismatch || code == CodeDecodeError || code == CodeEventIDMismatch {
			r.report.IntentHashVerified = false
		}
	case audit.EventSafetyGateEvaluated, audit.EventArbitrationEvaluationError:
		if code == CodePayloadHashMismatch || code == CodeDecodeError {
			r.report.SafetyGateVerified = false
		}
	case audit.EventApprovalBoundToIntent:
		if code == CodePayloadHashMismatch || code == CodeDecodeError {
			r.report.BindingVerified = false
		}
	}
}

func (r *run) warn(env audit.Envelope, msg string) {
	r.report.Warnings = append(r.report.Warnings, Warning{EventID: env.EventID, EventType: env.EventType, Message: msg})
}

func (r *run) decision(id string) *Decision {
	d, ok := r.decisions[id]
	if !ok {
		d = &Decision{DecisionID: id}
		r.decisions[id] = d
		r.order = append(r.order, id)
	}
	return d
}

// Replay fetches, orders and verifies every envelope of correlationID. The
// returned error is reserved for fetch failures and an empty partition;
// verification problems are reported in the Report.
func (e *Engine) Replay(ctx context.Context, correlationID string) (*Report, error) {
	r := &run{
		report: &Report{
			RunID:                  e.runID(),
			RunTimestamp:           e.clock().UTC(),
			CorrelationID:          correlationID,
			Result:                 StateInitialized,
			States:                 []State{StateInitialized},
			AuditIntegrityVerified: true,
			SafetyGateVerified:     true,
			IntentHashVerified:     true,
			BindingVerified:        true,
			ChronologyVerified:     true,
			Decisions:              []Decision{},
			Failures:               []Failure{},
			Warnings:               []Warning{},
		},
		seen:      make(map[string]int),
		decisions: make(map[string]*Decision),
		gates:     make(map[string]guardian.GateRecord),
		intents:   make(map[string]contracts.ExecutionIntent),
	}

	if err := r.transition(StateFetching); err != nil {
		return nil, err
	}
	envs, err := e.source.Query(ctx, correlationID)
	if err != nil {
		_ = r.transition(StateFailure)
		return r.report, fmt.Errorf("replay: fetch %s: %w", correlationID, err)
	}
	if len(envs) == 0 {
		_ = r.transition(StateFailure)
		return r.report, fmt.Errorf("%w: %s", ErrNoEvents, correlationID)
	}

	if err := r.transition(StateProcessing); err != nil {
		return nil, err
	}
	sorted := audit.Sorted(envs)
	for i, env := range sorted {
		if err := ctx.Err(); err != nil {
			_ = r.transition(StateFailure)
			return r.report, err
		}
		r.seen[env.EventID] = i
	}
	r.bindings = intent.NewStore(nil)

	var prevSeq uint64
	for i, env := range sorted {
		r.report.EventsProcessed++
		e.checkEnvelope(r, env, i, prevSeq)
		if env.SequenceNumber > prevSeq {
			prevSeq = env.SequenceNumber
		}
		e.dispatch(ctx, r, env)
	}

	for _, id := range r.order {
		r.report.Decisions = append(r.report.Decisions, *r.decisions[id])
	}
	sort.SliceStable(r.report.Failures, func(i, j int) bool {
		return r.seen[r.report.Failures[i].EventID] < r.seen[r.report.Failures[j].EventID]
	})

	if err := r.transition(e.outcome(r.report)); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "replay complete",
		"correlation_id", correlationID,
		"result", r.report.Result,
		"events", r.report.EventsProcessed,
		"failures", len(r.report.Failures),
		"warnings", len(r.report.Warnings),
	)
	return r.report, nil
}

func (e *Engine) outcome(rep *Report) State {
	for _, f := range rep.Failures {
		if f.Critical {
			return StateFailure
		}
	}
	if len(rep.Failures) > 0 {
		return StatePartial
	}
	if !rep.AuditIntegrityVerified || !rep.SafetyGateVerified || !rep.IntentHashVerified {
		return StateFailure
	}
	return StateSuccess
}

// checkEnvelope verifies integrity and ordering of one envelope in its
// sorted position.
func (e *Engine) checkEnvelope(r *run, env audit.Envelope, pos int, prevSeq uint64) {
	if env.CorrelationID != r.report.CorrelationID {
		r.fail(env, CodeMissingReference, "envelope belongs to correlation "+env.CorrelationID, r.report.CorrelationID, env.CorrelationID)
	}
	if err := env.VerifyPayloadHash(); err != nil {
		mismatch := &HashMismatchError{EventID: env.EventID, Kind: "payload", Expected: env.PayloadHash, Actual: env.ComputedPayloadHash()}
		detail := mismatch.Error()
		if errors.Is(err, audit.ErrNonCanonicalPayload) {
			detail = err.Error()
		}
		r.fail(env, CodePayloadHashMismatch, detail, mismatch.Expected, mismatch.Actual)
	}
	if id, err := audit.DeriveEventID(env); err != nil || id != env.EventID {
		r.fail(env, CodeEventIDMismatch, "event id does not address envelope content", env.EventID, id)
	}
	if pos > 0 && env.SequenceNumber <= prevSeq {
		r.fail(env, CodeChronological,
			fmt.Sprintf("sequence %d sorts after sequence %d", env.SequenceNumber, prevSeq),
			fmt.Sprintf("> %d", prevSeq), fmt.Sprintf("%d", env.SequenceNumber))
	}
	if env.ParentEventID != "" {
		parentPos, ok := r.seen[env.ParentEventID]
		switch {
		case !ok:
			r.fail(env, CodeMissingReference, "parent event not in trail", env.ParentEventID, "")
		case parentPos >= pos:
			r.fail(env, CodeChronological, "parent event sorts after child", env.ParentEventID, env.EventID)
		}
	}
}
