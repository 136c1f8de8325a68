package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/organism/pkg/audit"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
	"github.com/Mindburn-Labs/organism/pkg/guardian"
	"github.com/Mindburn-Labs/organism/pkg/intent"
)

func (e *Engine) dispatch(ctx context.Context, r *run, env audit.Envelope) {
	switch env.EventType {
	case audit.EventTelemetryIngested:
		var ev contracts.TelemetryEvent
		if decode(r, env, &ev) && ev.CorrelationID != "" && ev.CorrelationID != env.CorrelationID {
			r.fail(env, CodeMissingReference, "telemetry belongs to another correlation", env.CorrelationID, ev.CorrelationID)
		}
	case audit.EventFactsDerived:
		var f contracts.SignalFacts
		decode(r, env, &f)
	case audit.EventBeliefEmitted:
		var b contracts.Belief
		if decode(r, env, &b) {
			if err := b.Validate(); err != nil {
				r.warn(env, err.Error())
			}
		}
	case audit.EventSafetyGateEvaluated:
		e.replayGate(r, env)
	case audit.EventArbitrationEvaluationError:
		e.replayGateError(r, env)
	case audit.EventIntentCreated:
		e.replayIntentCreated(r, env)
	case audit.EventApprovalBoundToIntent:
		e.replayBinding(ctx, r, env)
	case audit.EventIntentExecuted:
		e.replayExecution(ctx, r, env)
	case audit.EventApprovalDenied:
		var d contracts.ApprovalDecisionRecord
		decode(r, env, &d)
	default:
		r.warn(env, fmt.Sprintf("unknown event type %q", env.EventType))
	}
}

func decode(r *run, env audit.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		r.fail(env, CodeDecodeError, err.Error(), "", "")
		return false
	}
	return true
}

func (e *Engine) replayGate(r *run, env audit.Envelope) {
	var rec guardian.GateRecord
	if !decode(r, env, &rec) {
		return
	}
	fresh, err := guardian.Evaluate(rec.Input)
	if err != nil {
		r.fail(env, CodeVerdictMismatch, "recorded as evaluated but input is malformed: "+err.Error(),
			string(rec.Verdict.Verdict), string(fresh.Verdict))
	} else if diff := guardian.Diff(rec.Verdict, fresh); diff != "" {
		r.fail(env, CodeVerdictMismatch, diff, string(rec.Verdict.Verdict), string(fresh.Verdict))
	}
	r.gates[rec.Input.DecisionID] = rec
	d := r.decision(rec.Input.DecisionID)
	d.Verdict = rec.Verdict.Verdict
	d.Evaluations++
}

func (e *Engine) replayGateError(r *run, env audit.Envelope) {
	var rec guardian.ErrorRecord
	if !decode(r, env, &rec) {
		return
	}
	fresh, err := guardian.Evaluate(rec.Input)
	switch {
	case err == nil:
		r.fail(env, CodeVerdictMismatch, "recorded as malformed but input evaluates cleanly",
			string(rec.Verdict.Verdict), string(fresh.Verdict))
	default:
		if diff := guardian.Diff(rec.Verdict, fresh); diff != "" {
			r.fail(env, CodeVerdictMismatch, diff, string(rec.Verdict.Verdict), string(fresh.Verdict))
		}
	}
	// An erroring evaluation always denies; it replaces any earlier verdict.
	r.gates[rec.Input.DecisionID] = guardian.GateRecord{Input: rec.Input, Verdict: rec.Verdict}
	d := r.decision(rec.Input.DecisionID)
	d.Verdict = rec.Verdict.Verdict
	d.Evaluations++
}

func (e *Engine) checkIntentHash(r *run, env audit.Envelope, in contracts.ExecutionIntent) bool {
	actual, err := intent.ComputeIntentHash(in)
	if err != nil {
		r.fail(env, CodeIntentHashMismatch, err.Error(), in.CanonicalHash, "")
		return false
	}
	if actual != in.CanonicalHash {
		m := &HashMismatchError{EventID: env.EventID, Kind: "intent", Expected: in.CanonicalHash, Actual: actual}
		r.fail(env, CodeIntentHashMismatch, m.Error(), m.Expected, m.Actual)
		return false
	}
	return true
}

func (e *Engine) replayIntentCreated(r *run, env audit.Envelope) {
	var in contracts.ExecutionIntent
	if !decode(r, env, &in) {
		return
	}
	e.checkIntentHash(r, env, in)
	if _, ok := r.gates[in.DecisionID]; !ok {
		r.fail(env, CodeMissingReference, "intent created without a gate evaluation", in.DecisionID, "")
	}
	r.intents[in.IntentID] = in
	r.decision(in.DecisionID).IntentID = in.IntentID
}

func (e *Engine) replayBinding(ctx context.Context, r *run, env audit.Envelope) {
	var rec contracts.ApprovalBindingRecord
	if !decode(r, env, &rec) {
		return
	}
	in, ok := r.intents[rec.IntentID]
	if !ok {
		r.fail(env, CodeMissingReference, "binding names an intent not in the trail", rec.IntentID, "")
		return
	}
	if rec.IntentHash != in.CanonicalHash {
		r.fail(env, CodeBindingMismatch, "bound hash differs from created intent", in.CanonicalHash, rec.IntentHash)
		return
	}
	if _, err := r.bindings.BindApprovalToIntentAt(ctx, rec.ApprovalID, in, rec.BoundAt); err != nil {
		var conflict *intent.BindingConflictError
		if errors.As(err, &conflict) {
			r.fail(env, CodeBindingMismatch, err.Error(), conflict.BoundHash, conflict.AttemptedHash)
			return
		}
		r.fail(env, CodeBindingMismatch, err.Error(), rec.IntentHash, "")
	}
}

func (e *Engine) replayExecution(ctx context.Context, r *run, env audit.Envelope) {
	var rec contracts.ExecutionRecord
	if !decode(r, env, &rec) {
		return
	}
	in := rec.Intent
	e.checkIntentHash(r, env, in)

	created, ok := r.intents[in.IntentID]
	switch {
	case !ok:
		r.fail(env, CodeMissingReference, "executed intent was never created", in.IntentID, "")
	case created.CanonicalHash != in.CanonicalHash:
		r.fail(env, CodeIntentHashMismatch, "executed intent differs from created intent", created.CanonicalHash, in.CanonicalHash)
	}

	if rec.ApprovalID != "" {
		okBound, err := r.bindings.VerifyBinding(ctx, rec.ApprovalID, in)
		if err != nil || !okBound {
			detail := "approval is not bound to the executed intent"
			if err != nil {
				detail = err.Error()
			}
			r.fail(env, CodeBindingMismatch, detail, rec.ApprovalID, in.CanonicalHash)
		}
	}

	gate, ok := r.gates[in.DecisionID]
	switch {
	case !ok:
		r.fail(env, CodeUnauthorizedExecution, "no gate evaluation for decision", in.DecisionID, "")
	case gate.Verdict.Verdict != contracts.VerdictAllow:
		r.fail(env, CodeUnauthorizedExecution, "latest verdict does not allow execution",
			string(contracts.VerdictAllow), string(gate.Verdict.Verdict))
	case gate.Input.Local.Action != in.Action || gate.Input.Local.ActionClass != in.ActionClass:
		r.fail(env, CodeUnauthorizedExecution, "executed action differs from the evaluated action",
			fmt.Sprintf("%s/%s", gate.Input.Local.Action, gate.Input.Local.ActionClass),
			fmt.Sprintf("%s/%s", in.Action, in.ActionClass))
	case gate.Input.Approval != nil && gate.Input.Approval.Bound && gate.Input.Approval.ApprovalID != rec.ApprovalID:
		r.fail(env, CodeUnauthorizedExecution, "executed under a different approval than the one evaluated",
			gate.Input.Approval.ApprovalID, rec.ApprovalID)
	}
	r.decision(in.DecisionID).Executed = true
}
