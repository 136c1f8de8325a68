package lookup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/policy"
)

// KillSwitchSource reads kill switch state.
type KillSwitchSource interface {
	KillSwitch(ctx context.Context, tenantID string) (contracts.KillSwitchStatus, error)
}

// PolicySource verifies the active policy bundle at a given time.
type PolicySource interface {
	Check(ctx context.Context, now time.Time) (contracts.PolicyVerificationResult, error)
}

// TrustSource reads per-cell trust.
type TrustSource interface {
	Trust(ctx context.Context, cellID string) (float64, error)
}

// RequirementSource maps a decision to the approval it needs.
type RequirementSource interface {
	Requirement(input map[string]any) (contracts.ApprovalRequirement, []policy.Match)
}

// BindingVerifier reports whether an approval is bound to an intent.
type BindingVerifier interface {
	VerifyBinding(ctx context.Context, approvalID string, in contracts.ExecutionIntent) (bool, error)
}

// Sources are the collaborators a Resolver queries. Nil sources resolve to
// their fail-closed value.
type Sources struct {
	KillSwitch   KillSwitchSource
	Policy       PolicySource
	Trust        TrustSource
	Approvals    ApprovalService
	Requirements RequirementSource
	Bindings     BindingVerifier
}

// Options tune timeouts, retries and rate limiting.
type Options struct {
	Timeouts         map[Category]time.Duration
	Retry            RetryPolicy
	RatePerSecond    float64
	Burst            int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultOptions mirrors the shipped configuration.
func DefaultOptions() Options {
	return Options{
		Timeouts: map[Category]time.Duration{
			CategoryKillSwitch: 50 * time.Millisecond,
			CategoryPolicy:     100 * time.Millisecond,
			CategoryTrust:      50 * time.Millisecond,
			CategoryApproval:   200 * time.Millisecond,
			CategoryBinding:    100 * time.Millisecond,
		},
		Retry:            DefaultRetryPolicy(),
		RatePerSecond:    200,
		Burst:            50,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

// Request is what the caller knows about a decision before lookups.
type Request struct {
	DecisionID       string
	CorrelationID    string
	CellID           string
	TenantID         string
	Local            contracts.LocalDecision
	Collective       contracts.AggregateResult
	ConflictDetected bool
	ApprovalID       string
	// Intent, when set with ApprovalID, is checked against the binding table.
	Intent *contracts.ExecutionIntent
}

// Resolver builds arbitration input snapshots.
type Resolver struct {
	src      Sources
	opts     Options
	limiter  *rate.Limiter
	breakers map[Category]*CircuitBreaker
	clock    func() time.Time
	sleep    sleepFunc
	logger   *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(src Sources, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	breakers := map[Category]*CircuitBreaker{}
	for _, c := range []Category{CategoryKillSwitch, CategoryPolicy, CategoryTrust, CategoryApproval, CategoryBinding} {
		breakers[c] = NewCircuitBreaker(string(c), opts.BreakerThreshold, opts.BreakerReset)
	}
	return &Resolver{
		src:      src,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: breakers,
		clock:    time.Now,
		sleep:    sleepCtx,
		logger:   logger.With("component", "lookup"),
	}
}

// WithClock injects the clock used for evaluated_at and policy expiry.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	for _, b := range r.breakers {
		b.WithClock(clock)
	}
	return r
}

// Breaker exposes the breaker of a category.
func (r *Resolver) Breaker(c Category) *CircuitBreaker { return r.breakers[c] }

// Resolve queries every source concurrently and returns the snapshot plus
// the lookups that failed. The snapshot is always complete: failures carry
// fail-closed values.
func (r *Resolver) Resolve(ctx context.Context, req Request) (contracts.ArbitrationInput, []*ExternalLookupError) {
	now := r.clock().UTC().Truncate(time.Microsecond)

	in := contracts.ArbitrationInput{
		DecisionID:       req.DecisionID,
		CorrelationID:    req.CorrelationID,
		CellID:           req.CellID,
		TenantID:         req.TenantID,
		Collective:       req.Collective,
		Local:            req.Local,
		ConflictDetected: req.ConflictDetected,
		EvaluatedAt:      now,
	}

	var (
		killErr, policyErr, trustErr, approvalErr *ExternalLookupError
		approval                                  *contracts.ApprovalState
	)
	var g errgroup.Group
	g.Go(func() error {
		in.KillSwitch, killErr = r.killSwitch(ctx, req.TenantID)
		return nil
	})
	g.Go(func() error {
		in.Policy, policyErr = r.policy(ctx, now)
		return nil
	})
	g.Go(func() error {
		var trust float64
		trust, trustErr = r.trust(ctx, req.CellID)
		in.TrustScore = &trust
		return nil
	})
	g.Go(func() error {
		approval, approvalErr = r.approval(ctx, req)
		return nil
	})
	_ = g.Wait()
	in.Approval = approval

	in.ApprovalRequirement = contracts.ApprovalRequirementHuman
	if r.src.Requirements != nil {
		in.ApprovalRequirement, _ = r.src.Requirements.Requirement(policy.DecisionInput(req.CellID, req.TenantID, req.Local, req.Collective))
	}

	var errs []*ExternalLookupError
	for _, e := range []*ExternalLookupError{killErr, policyErr, trustErr, approvalErr} {
		if e == nil {
			continue
		}
		r.logger.WarnContext(ctx, "external lookup failed closed",
			"category", e.Category,
			"key", e.Key,
			"fallback", e.Fallback,
			"decision_id", req.DecisionID,
			"error", e.Err,
		)
		errs = append(errs, e)
	}
	return in, errs
}

func call[T any](ctx context.Context, r *Resolver, c Category, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cb := r.breakers[c]
	if !cb.Allow() {
		return zero, ErrCircuitOpen
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout(c))
	defer cancel()

	v, err := withRetry(cctx, r.opts.Retry, string(c)+":"+key, r.sleep, func(ctx context.Context) (T, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		return fn(ctx)
	})
	if err != nil && !errorIsAnswer(err) {
		cb.Failure()
	} else {
		cb.Success()
	}
	return v, err
}

// errorIsAnswer reports errors that mean the backend is healthy.
func errorIsAnswer(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

func (r *Resolver) timeout(c Category) time.Duration {
	if d, ok := r.opts.Timeouts[c]; ok && d > 0 {
		return d
	}
	return 100 * time.Millisecond
}

func (r *Resolver) killSwitch(ctx context.Context, tenantID string) (contracts.KillSwitchStatus, *ExternalLookupError) {
	failClosed := contracts.KillSwitchStatus{Global: contracts.KillSwitchActive, Tenant: contracts.KillSwitchActive}
	if r.src.KillSwitch == nil {
		return failClosed, &ExternalLookupError{Category: CategoryKillSwitch, Key: tenantID, Fallback: "active", Err: ErrNoSource}
	}
	st, err := call(ctx, r, CategoryKillSwitch, tenantID, func(ctx context.Context) (contracts.KillSwitchStatus, error) {
		return r.src.KillSwitch.KillSwitch(ctx, tenantID)
	})
	if err != nil {
		return failClosed, &ExternalLookupError{Category: CategoryKillSwitch, Key: tenantID, Fallback: "active", Err: err}
	}
	return st, nil
}

func (r *Resolver) policy(ctx context.Context, now time.Time) (contracts.PolicyVerificationResult, *ExternalLookupError) {
	failClosed := contracts.PolicyVerificationResult{Status: contracts.PolicyUnverifiable}
	if r.src.Policy == nil {
		failClosed.Reason = "no policy source"
		return failClosed, &ExternalLookupError{Category: CategoryPolicy, Fallback: "unverifiable", Err: ErrNoSource}
	}
	res, err := call(ctx, r, CategoryPolicy, "bundle", func(ctx context.Context) (contracts.PolicyVerificationResult, error) {
		return r.src.Policy.Check(ctx, now)
	})
	if err != nil {
		failClosed.Reason = err.Error()
		return failClosed, &ExternalLookupError{Category: CategoryPolicy, Key: "bundle", Fallback: "unverifiable", Err: err}
	}
	return res, nil
}

func (r *Resolver) trust(ctx context.Context, cellID string) (float64, *ExternalLookupError) {
	if r.src.Trust == nil {
		return 0, &ExternalLookupError{Category: CategoryTrust, Key: cellID, Fallback: "0", Err: ErrNoSource}
	}
	score, err := call(ctx, r, CategoryTrust, cellID, func(ctx context.Context) (float64, error) {
		return r.src.Trust.Trust(ctx, cellID)
	})
	if err != nil {
		return 0, &ExternalLookupError{Category: CategoryTrust, Key: cellID, Fallback: "0", Err: err}
	}
	return score, nil
}

func (r *Resolver) approval(ctx context.Context, req Request) (*contracts.ApprovalState, *ExternalLookupError) {
	if req.ApprovalID == "" {
		return nil, nil
	}
	state := &contracts.ApprovalState{ApprovalID: req.ApprovalID, Status: contracts.ApprovalNotFound}
	if r.src.Approvals == nil {
		return state, &ExternalLookupError{Category: CategoryApproval, Key: req.ApprovalID, Fallback: string(contracts.ApprovalNotFound), Err: ErrNoSource}
	}
	status, err := call(ctx, r, CategoryApproval, req.ApprovalID, func(ctx context.Context) (contracts.ApprovalStatus, error) {
		return r.src.Approvals.CheckApprovalStatus(ctx, req.ApprovalID)
	})
	if err != nil {
		return state, &ExternalLookupError{Category: CategoryApproval, Key: req.ApprovalID, Fallback: string(contracts.ApprovalNotFound), Err: err}
	}
	state.Status = status

	if status != contracts.ApprovalApproved || req.Intent == nil || r.src.Bindings == nil {
		return state, nil
	}
	bound, err := call(ctx, r, CategoryBinding, req.ApprovalID, func(ctx context.Context) (bool, error) {
		return r.src.Bindings.VerifyBinding(ctx, req.ApprovalID, *req.Intent)
	})
	if err != nil {
		return state, &ExternalLookupError{Category: CategoryBinding, Key: req.ApprovalID, Fallback: "bound=false", Err: err}
	}
	state.Bound = bound
	return state, nil
}
