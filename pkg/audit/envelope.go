// Package audit defines the append-only audit envelope: the closed event
// catalog, content-addressed envelope construction, payload hash
// verification, and the deterministic total order used by replay.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
)

// EventType is drawn from a closed catalog with fixed priorities.
type EventType string

const (
	EventTelemetryIngested          EventType = "telemetry_ingested"
	EventFactsDerived               EventType = "facts_derived"
	EventBeliefEmitted              EventType = "belief_emitted"
	EventSafetyGateEvaluated        EventType = "safety_gate_evaluated"
	EventArbitrationEvaluationError EventType = "arbitration_evaluation_error"
	EventIntentCreated              EventType = "intent_created"
	EventApprovalBoundToIntent      EventType = "approval_bound_to_intent"
	EventIntentExecuted             EventType = "intent_executed"
	EventApprovalDenied             EventType = "approval_denied"
)

// UnknownPriority sorts unrecognized event types after the whole catalog.
const UnknownPriority = 99

var eventTypePriority = map[EventType]int{
	EventTelemetryIngested:          1,
	EventFactsDerived:               2,
	EventBeliefEmitted:              3,
	EventSafetyGateEvaluated:        4,
	EventArbitrationEvaluationError: 4,
	EventIntentCreated:              5,
	EventApprovalBoundToIntent:      6,
	EventIntentExecuted:             7,
	EventApprovalDenied:             8,
}

// Priority returns the catalog priority of t.
func (t EventType) Priority() int {
	if p, ok := eventTypePriority[t]; ok {
		return p
	}
	return UnknownPriority
}

// Known reports whether t is in the catalog.
func (t EventType) Known() bool {
	_, ok := eventTypePriority[t]
	return ok
}

// CriticalPath reports whether a failure on this event type must fail the
// whole replay.
func (t EventType) CriticalPath() bool {
	switch t {
	case EventIntentCreated, EventApprovalBoundToIntent, EventIntentExecuted:
		return true
	}
	return false
}

// Catalog returns the known event types in priority order.
func Catalog() []EventType {
	return []EventType{
		EventTelemetryIngested,
		EventFactsDerived,
		EventBeliefEmitted,
		EventSafetyGateEvaluated,
		EventArbitrationEvaluationError,
		EventIntentCreated,
		EventApprovalBoundToIntent,
		EventIntentExecuted,
		EventApprovalDenied,
	}
}

var (
	ErrPayloadHashMismatch = errors.New("audit: payload hash mismatch")
	ErrNonCanonicalPayload = errors.New("audit: payload is not in canonical form")
)

// Envelope is one immutable audit record. Payload holds the canonical JSON
// bytes of the event body, and PayloadHash is StableHash over those bytes.
type Envelope struct {
	EventID        string          `json:"event_id"`
	Timestamp      time.Time       `json:"timestamp"`
	EventType      EventType       `json:"event_type"`
	Actor          string          `json:"actor"`
	CorrelationID  string          `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	SequenceNumber uint64          `json:"sequence_number"`
	ParentEventID  string          `json:"parent_event_id,omitempty"`
}

// ComputedPayloadHash hashes the stored payload bytes exactly as persisted,
// so a change to any byte is visible.
func (e Envelope) ComputedPayloadHash() string {
	return canonicalize.HashBytes(e.Payload)
}

// VerifyPayloadHash checks the recorded hash against the payload and that
// the payload is still in canonical form.
func (e Envelope) VerifyPayloadHash() error {
	if actual := e.ComputedPayloadHash(); actual != e.PayloadHash {
		return fmt.Errorf("%w: event %s recorded %s computed %s", ErrPayloadHashMismatch, e.EventID, e.PayloadHash, actual)
	}
	canonical, err := canonicalize.CanonicalizeRaw(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: event %s: %v", ErrNonCanonicalPayload, e.EventID, err)
	}
	if string(canonical) != string(e.Payload) {
		return fmt.Errorf("%w: event %s", ErrNonCanonicalPayload, e.EventID)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("audit: decode %s payload of %s: %w", e.EventType, e.EventID, err)
	}
	return nil
}

// Clone returns a copy that does not share the payload buffer.
func (e Envelope) Clone() Envelope {
	out := e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return out
}

// idSeed is the content that addresses an envelope.
type idSeed struct {
	CorrelationID  string    `json:"correlation_id"`
	EventType      EventType `json:"event_type"`
	SequenceNumber uint64    `json:"sequence_number"`
	PayloadHash    string    `json:"payload_hash"`
	ParentEventID  string    `json:"parent_event_id"`
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
}

// DeriveEventID computes the content-addressed id of e.
func DeriveEventID(e Envelope) (string, error) {
	return canonicalize.PrefixedContentID("evt", idSeed{
		CorrelationID:  e.CorrelationID,
		EventType:      e.EventType,
		SequenceNumber: e.SequenceNumber,
		PayloadHash:    e.PayloadHash,
		ParentEventID:  e.ParentEventID,
		Timestamp:      e.Timestamp,
		Actor:          e.Actor,
	})
}
