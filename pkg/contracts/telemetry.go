// Package contracts defines the data model shared by the organism's cells:
// telemetry, derived facts, beliefs, arbitration inputs and verdicts, and
// execution intents.
package contracts

import "time"

// Severity grades a telemetry event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Subject identifies what a fact or belief is about.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key is the subject key used to group beliefs ("host:web-01").
func (s Subject) Key() string {
	return s.Type + ":" + s.ID
}

// TelemetryEvent is a validated event handed over by ingestion.
type TelemetryEvent struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	TraceID       string         `json:"trace_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Severity      Severity       `json:"severity"`
	Source        string         `json:"source"`
	Kind          string         `json:"kind"`
	Subject       Subject        `json:"subject"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// ClaimHint is a candidate claim suggested by fact derivation.
type ClaimHint struct {
	ClaimType string  `json:"claim_type"`
	Weight    float64 `json:"weight"`
}

// SignalFacts are the normalized features derived from one TelemetryEvent.
type SignalFacts struct {
	FactsID       string      `json:"facts_id"`
	EventID       string      `json:"event_id"`
	CorrelationID string      `json:"correlation_id"`
	Subject       Subject     `json:"subject"`
	Severity      Severity    `json:"severity"`
	ClaimHints    []ClaimHint `json:"claim_hints"`
	DerivedAt     time.Time   `json:"derived_at"`
}
