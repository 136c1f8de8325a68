package cell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/collective"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/guardian"
	"github.com/Mindburn-Labs/organism/pkg/intent"
	"github.com/Mindburn-Labs/organism/pkg/lookup"
	"github.com/Mindburn-Labs/organism/pkg/observability"
)

var (
	ErrNotPending = errors.New("cell: decision is not waiting for approval")
	ErrMisconfig  = errors.New("cell: misconfigured")
)

// Stage is where a decision ended up.
type Stage string

const (
	StageNoClaim         Stage = "no_claim"
	StageBlocked         Stage = "blocked"
	StageEscalated       Stage = "escalated"
	StagePendingApproval Stage = "pending_approval"
	StageApprovalDenied  Stage = "approval_denied"
	StageExecuted        Stage = "executed"
	StageExecutionFailed Stage = "execution_failed"
)

// Effector performs a contained action. It is only ever handed intents the
// safety gate allowed.
type Effector interface {
	Execute(ctx context.Context, in contracts.ExecutionIntent) error
}

// EffectorFunc adapts a function to Effector.
type EffectorFunc func(ctx context.Context, in contracts.ExecutionIntent) error

func (f EffectorFunc) Execute(ctx context.Context, in contracts.ExecutionIntent) error {
	return f(ctx, in)
}

// ApprovalRequester asks the approval service to decide on a bound intent.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, approvalID string, in contracts.ExecutionIntent) error
}

// ApprovalRequesterFunc adapts a function to ApprovalRequester.
type ApprovalRequesterFunc func(ctx context.Context, approvalID string, in contracts.ExecutionIntent) error

func (f ApprovalRequesterFunc) RequestApproval(ctx context.Context, approvalID string, in contracts.ExecutionIntent) error {
	return f(ctx, approvalID, in)
}

// Config identifies the cell.
type Config struct {
	CellID    string
	TenantID  string
	BeliefTTL time.Duration
}

// DefaultBeliefTTL applies when Config.BeliefTTL is zero.
const DefaultBeliefTTL = 15 * time.Minute

// Outcome is everything one decision produced.
type Outcome struct {
	CorrelationID  string
	DecisionID     string
	Stage          Stage
	Facts          contracts.SignalFacts
	Beliefs        []contracts.Belief
	Local          *contracts.LocalDecision
	Collective     contracts.AggregateResult
	Verdict        *contracts.ArbitrationVerdict
	Intent         *contracts.ExecutionIntent
	ApprovalID     string
	LookupFailures []*lookup.ExternalLookupError
	// EvaluationError is set when the gate rejected a malformed snapshot.
	EvaluationError error
	// Events are the envelopes recorded, in emission order.
	Events []audit.Envelope

	request lookup.Request
	last    string
}

// Cell runs the decision pipeline for one emitting cell.
type Cell struct {
	cfg        Config
	emitter    *audit.Emitter
	resolver   *lookup.Resolver
	intents    *intent.Store
	aggregator *collective.Aggregator
	board      *BeliefBoard
	playbook   Playbook
	effector   Effector
	requester  ApprovalRequester
	telemetry  *observability.Provider
	approvalID func() string
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Cell.
type Option func(*Cell)

func WithClock(clock func() time.Time) Option { return func(c *Cell) { c.clock = clock } }

// WithBoard shares a belief board with other cells.
func WithBoard(b *BeliefBoard) Option { return func(c *Cell) { c.board = b } }

func WithAggregator(a *collective.Aggregator) Option { return func(c *Cell) { c.aggregator = a } }

func WithPlaybook(p Playbook) Option { return func(c *Cell) { c.playbook = p } }

func WithEffector(e Effector) Option { return func(c *Cell) { c.effector = e } }

func WithApprovalRequester(r ApprovalRequester) Option { return func(c *Cell) { c.requester = r } }

func WithTelemetry(p *observability.Provider) Option { return func(c *Cell) { c.telemetry = p } }

// WithApprovalIDs replaces the approval id generator (uuid by default).
func WithApprovalIDs(gen func() string) Option { return func(c *Cell) { c.approvalID = gen } }

func WithLogger(l *slog.Logger) Option { return func(c *Cell) { c.logger = l } }

// New creates a Cell. Without an effector, allowed intents are logged and
// reported as succeeded.
func New(cfg Config, emitter *audit.Emitter, resolver *lookup.Resolver, intents *intent.Store, opts ...Option) (*Cell, error) {
	switch {
	case cfg.CellID == "":
		return nil, fmt.Errorf("%w: cell id is required", ErrMisconfig)
	case emitter == nil || resolver == nil || intents == nil:
		return nil, fmt.Errorf("%w: emitter, resolver and intent store are required", ErrMisconfig)
	}
	if cfg.BeliefTTL == 0 {
		cfg.BeliefTTL = DefaultBeliefTTL
	}
	c := &Cell{
		cfg:        cfg,
		emitter:    emitter,
		resolver:   resolver,
		intents:    intents,
		aggregator: collective.New(),
		board:      NewBeliefBoard(),
		playbook:   DefaultPlaybook(),
		approvalID: uuid.NewString,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "cell", "cell_id", cfg.CellID)
	if c.effector == nil {
		c.effector = EffectorFunc(func(ctx context.Context, in contracts.ExecutionIntent) error {
			c.logger.InfoContext(ctx, "intent executed", "intent_id", in.IntentID, "action", in.Action)
			return nil
		})
	}
	return c, nil
}

// ID returns the cell id.
func (c *Cell) ID() string { return c.cfg.CellID }

// Board returns the cell's belief board.
func (c *Cell) Board() *BeliefBoard { return c.board }

// Process runs one telemetry event through the pipeline. Events are
// recorded in causal order, each naming the previous one as parent. Safety
// gate outcomes are returned in the Outcome; a non-nil error means the
// event was invalid or the audit log or binding table failed.
func (c *Cell) Process(ctx context.Context, ev contracts.TelemetryEvent) (out *Outcome, err error) {
	ctx, done := c.track(ctx, "cell.process", attribute.String("correlation_id", ev.CorrelationID))
	defer func() { done(err) }()

	now := c.clock()
	facts, err := DeriveFacts(ev, now)
	if err != nil {
		return nil, err
	}
	out = &Outcome{CorrelationID: ev.CorrelationID, Facts: facts}

	if err := c.emit(ctx, out, audit.EventTelemetryIngested, ev); err != nil {
		return out, err
	}
	if err := c.emit(ctx, out, audit.EventFactsDerived, facts); err != nil {
		return out, err
	}
	beliefs, err := GenerateBeliefs(c.cfg.CellID, facts, c.cfg.BeliefTTL)
	if err != nil {
		return out, err
	}
	for _, b := range beliefs {
		if err := c.emit(ctx, out, audit.EventBeliefEmitted, b); err != nil {
			return out, err
		}
	}
	out.Beliefs = beliefs
	if n := c.board.Sweep(now, c.cfg.BeliefTTL); n > 0 {
		c.logger.DebugContext(ctx, "expired beliefs pruned", "count", n)
	}
	c.board.Publish(beliefs...)

	local, ok := c.playbook.Propose(beliefs)
	if !ok {
		out.Stage = StageNoClaim
		c.logger.DebugContext(ctx, "no actionable claim", "correlation_id", ev.CorrelationID, "facts_id", facts.FactsID)
		return out, nil
	}
	out.Local = &local

	out.DecisionID, err = canonicalize.PrefixedContentID("dec", map[string]any{
		"cell_id":        c.cfg.CellID,
		"correlation_id": ev.CorrelationID,
		"facts_id":       facts.FactsID,
		"action":         local.Action,
	})
	if err != nil {
		return out, fmt.Errorf("cell: decision id: %w", err)
	}

	out.Collective = c.aggregator.AggregateFor(c.board.Snapshot(local.SubjectKey, now), local.ClaimType, local.SubjectKey, now)
	tenant := ev.TenantID
	if tenant == "" {
		tenant = c.cfg.TenantID
	}
	out.request = lookup.Request{
		DecisionID:       out.DecisionID,
		CorrelationID:    ev.CorrelationID,
		CellID:           c.cfg.CellID,
		TenantID:         tenant,
		Local:            local,
		Collective:       out.Collective,
		ConflictDetected: out.Collective.ConflictFlag,
	}

	v, err := c.evaluate(ctx, out)
	if err != nil {
		return out, err
	}
	return out, c.afterFirstVerdict(ctx, out, v)
}

func (c *Cell) afterFirstVerdict(ctx context.Context, out *Outcome, v contracts.ArbitrationVerdict) error {
	switch {
	case v.Verdict == contracts.VerdictAllow:
		if err := c.createIntent(ctx, out); err != nil {
			return err
		}
		return c.execute(ctx, out)
	case v.Verdict == contracts.VerdictDeny:
		out.Stage = StageBlocked
		return nil
	case v.DecidingRule() == contracts.RuleApprovalGate:
		if err := c.createIntent(ctx, out); err != nil {
			return err
		}
		return c.requestApproval(ctx, out)
	}
	out.Stage = StageEscalated
	return nil
}

// Resume re-evaluates a decision that is waiting for approval, typically
// after the approval service has answered.
func (c *Cell) Resume(ctx context.Context, out *Outcome) (err error) {
	if out == nil || out.Stage != StagePendingApproval || out.Intent == nil {
		return ErrNotPending
	}
	ctx, done := c.track(ctx, "cell.resume", attribute.String("correlation_id", out.CorrelationID))
	defer func() { done(err) }()
	return c.reevaluate(ctx, out)
}

func (c *Cell) requestApproval(ctx context.Context, out *Outcome) error {
	id := c.approvalID()
	b, err := c.intents.BindApprovalToIntent(ctx, id, *out.Intent)
	if err != nil {
		return fmt.Errorf("cell: bind approval: %w", err)
	}
	out.ApprovalID = id
	rec := contracts.ApprovalBindingRecord{
		ApprovalID: b.ApprovalID,
		IntentID:   b.IntentID,
		IntentHash: b.IntentHash,
		BoundAt:    b.BoundAt,
	}
	if err := c.emit(ctx, out, audit.EventApprovalBoundToIntent, rec); err != nil {
		return err
	}
	if c.requester != nil {
		if err := c.requester.RequestApproval(ctx, id, *out.Intent); err != nil {
			c.logger.WarnContext(ctx, "approval request failed", "approval_id", id, "intent_id", out.Intent.IntentID, "error", err)
		}
	}
	return c.reevaluate(ctx, out)
}

func (c *Cell) reevaluate(ctx context.Context, out *Outcome) error {
	in := *out.Intent
	out.request.ApprovalID = out.ApprovalID
	out.request.Intent = &in

	v, err := c.evaluate(ctx, out)
	if err != nil {
		return err
	}
	switch {
	case v.Verdict == contracts.VerdictAllow:
		return c.execute(ctx, out)
	case v.Verdict == contracts.VerdictDeny && out.EvaluationError == nil && v.DecidingRule() == contracts.RuleApprovalGate:
		out.Stage = StageApprovalDenied
		return c.emit(ctx, out, audit.EventApprovalDenied, contracts.ApprovalDecisionRecord{
			ApprovalID: out.ApprovalID,
			IntentID:   in.IntentID,
			DecisionID: out.DecisionID,
			Status:     contracts.ApprovalDenied,
			Reason:     lastDetail(v),
		})
	case v.Verdict == contracts.VerdictDeny:
		out.Stage = StageBlocked
	case v.DecidingRule() == contracts.RuleApprovalGate:
		out.Stage = StagePendingApproval
	default:
		out.Stage = StageEscalated
	}
	return nil
}

// evaluate resolves a snapshot for out.request, runs the gate once and
// records the result.
func (c *Cell) evaluate(ctx context.Context, out *Outcome) (contracts.ArbitrationVerdict, error) {
	in, failures := c.resolver.Resolve(ctx, out.request)
	for _, f := range failures {
		out.LookupFailures = append(out.LookupFailures, f)
		if c.telemetry != nil {
			c.telemetry.RecordLookupFailure(ctx, string(f.Category))
		}
	}

	v, evalErr := guardian.Evaluate(in)
	if evalErr != nil {
		out.EvaluationError = evalErr
		c.logger.ErrorContext(ctx, "arbitration input rejected", "decision_id", out.DecisionID, "error", evalErr)
		if err := c.emit(ctx, out, audit.EventArbitrationEvaluationError, guardian.NewErrorRecord(in, v, evalErr)); err != nil {
			return v, err
		}
	} else {
		out.EvaluationError = nil
		if err := c.emit(ctx, out, audit.EventSafetyGateEvaluated, guardian.GateRecord{Input: in, Verdict: v}); err != nil {
			return v, err
		}
	}
	out.Verdict = &v
	if c.telemetry != nil {
		c.telemetry.RecordVerdict(ctx, string(v.Verdict), string(in.Local.ActionClass), string(v.DecidingRule()))
	}
	c.logger.InfoContext(ctx, "safety gate evaluated",
		"decision_id", out.DecisionID,
		"verdict", v.Verdict,
		"rule", v.DecidingRule(),
		"action", in.Local.Action,
		"action_class", in.Local.ActionClass,
	)
	return v, nil
}

func (c *Cell) createIntent(ctx context.Context, out *Outcome) error {
	in, err := intent.New(intent.Spec{
		CorrelationID: out.CorrelationID,
		DecisionID:    out.DecisionID,
		CellID:        c.cfg.CellID,
		Action:        out.Local.Action,
		ActionClass:   out.Local.ActionClass,
		Parameters: map[string]any{
			"target":     out.Local.SubjectKey,
			"claim_type": out.Local.ClaimType,
		},
	}, c.clock())
	if err != nil {
		return err
	}
	out.Intent = &in
	return c.emit(ctx, out, audit.EventIntentCreated, in)
}

func (c *Cell) execute(ctx context.Context, out *Outcome) error {
	in := *out.Intent
	in.ApprovalID = out.ApprovalID
	started := c.clock().UTC().Truncate(time.Microsecond)
	in.ExecutionStartedAt = &started

	rec := contracts.ExecutionRecord{ApprovalID: out.ApprovalID, Status: contracts.ExecutionSucceeded}
	out.Stage = StageExecuted
	if err := c.effector.Execute(ctx, in); err != nil {
		rec.Status = contracts.ExecutionFailed
		rec.Detail = err.Error()
		out.Stage = StageExecutionFailed
		c.logger.ErrorContext(ctx, "effector failed", "intent_id", in.IntentID, "action", in.Action, "error", err)
	}
	finished := c.clock().UTC().Truncate(time.Microsecond)
	in.ExecutedAt = &finished
	rec.Intent = in
	out.Intent = &in
	return c.emit(ctx, out, audit.EventIntentExecuted, rec)
}

func (c *Cell) emit(ctx context.Context, out *Outcome, t audit.EventType, payload any) error {
	env, err := c.emitter.Emit(ctx, t, out.CorrelationID, payload, out.last)
	if err != nil {
		return err
	}
	out.Events = append(out.Events, env)
	out.last = env.EventID
	return nil
}

func (c *Cell) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if c.telemetry == nil {
		return ctx, func(error) {}
	}
	return c.telemetry.TrackOperation(ctx, name, attrs...)
}

func lastDetail(v contracts.ArbitrationVerdict) string {
	if len(v.Outcomes) == 0 {
		return ""
	}
	return v.Outcomes[len(v.Outcomes)-1].Detail
}
