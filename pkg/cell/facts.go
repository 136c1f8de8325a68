// Package cell is the asynchronous shell around the deterministic core. A
// Cell turns telemetry into facts and beliefs, resolves an arbitration
// snapshot, runs the safety gate, and carries allowed intents to an
// effector, recording every step in the audit log. A Mesh runs many cells
// concurrently and shares beliefs between them by value.
package cell

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// ErrInvalidTelemetry is returned for events that cannot yield facts.
var ErrInvalidTelemetry = errors.New("cell: invalid telemetry event")

// Claim types the shell derives and acts on.
const (
	ClaimMalware      = "malware"
	ClaimExfiltration = "exfiltration"
	ClaimCompromised  = "compromised"
	ClaimIntrusion    = "intrusion"
	ClaimBenign       = "benign"
	ClaimHealthy      = "healthy"
)

// kindHints maps a telemetry kind to the claims it suggests, weighted
// before severity scaling.
var kindHints = map[string][]contracts.ClaimHint{
	"malware_signature":   {{ClaimType: ClaimMalware, Weight: 0.95}},
	"suspicious_process":  {{ClaimType: ClaimMalware, Weight: 0.7}, {ClaimType: ClaimIntrusion, Weight: 0.4}},
	"egress_anomaly":      {{ClaimType: ClaimExfiltration, Weight: 0.8}},
	"dns_tunnel":          {{ClaimType: ClaimExfiltration, Weight: 0.9}},
	"credential_abuse":    {{ClaimType: ClaimIntrusion, Weight: 0.85}},
	"login_anomaly":       {{ClaimType: ClaimIntrusion, Weight: 0.6}},
	"integrity_violation": {{ClaimType: ClaimCompromised, Weight: 0.9}},
	"scan_clean":          {{ClaimType: ClaimBenign, Weight: 0.9}},
	"heartbeat":           {{ClaimType: ClaimHealthy, Weight: 0.6}},
}

var severityScale = map[contracts.Severity]float64{
	contracts.SeverityInfo:     0.5,
	contracts.SeverityLow:      0.7,
	contracts.SeverityMedium:   0.85,
	contracts.SeverityHigh:     1.0,
	contracts.SeverityCritical: 1.0,
}

// DeriveFacts normalizes one telemetry event. An attribute "claim_hint"
// (with optional "claim_weight") adds an explicit hint next to the kind
// table. Hints are merged by claim type, keeping the highest weight.
func DeriveFacts(ev contracts.TelemetryEvent, derivedAt time.Time) (contracts.SignalFacts, error) {
	switch {
	case ev.EventID == "":
		return contracts.SignalFacts{}, fmt.Errorf("%w: missing event_id", ErrInvalidTelemetry)
	case ev.CorrelationID == "":
		return contracts.SignalFacts{}, fmt.Errorf("%w: %s: missing correlation_id", ErrInvalidTelemetry, ev.EventID)
	case ev.Subject.Type == "" || ev.Subject.ID == "":
		return contracts.SignalFacts{}, fmt.Errorf("%w: %s: missing subject", ErrInvalidTelemetry, ev.EventID)
	}
	scale, ok := severityScale[ev.Severity]
	if !ok {
		return contracts.SignalFacts{}, fmt.Errorf("%w: %s: severity %q", ErrInvalidTelemetry, ev.EventID, ev.Severity)
	}

	merged := map[string]float64{}
	for _, h := range kindHints[ev.Kind] {
		merged[h.ClaimType] = math.Max(merged[h.ClaimType], h.Weight)
	}
	if claim, ok := ev.Attributes["claim_hint"].(string); ok && claim != "" {
		w := 0.5
		if f, ok := ev.Attributes["claim_weight"].(float64); ok {
			w = f
		}
		merged[claim] = math.Max(merged[claim], clamp(w))
	}

	hints := make([]contracts.ClaimHint, 0, len(merged))
	for claim, w := range merged {
		hints = append(hints, contracts.ClaimHint{ClaimType: claim, Weight: round4(w * scale)})
	}
	sort.Slice(hints, func(i, j int) bool { return hints[i].ClaimType < hints[j].ClaimType })

	facts := contracts.SignalFacts{
		EventID:       ev.EventID,
		CorrelationID: ev.CorrelationID,
		Subject:       ev.Subject,
		Severity:      ev.Severity,
		ClaimHints:    hints,
		DerivedAt:     derivedAt.UTC().Truncate(time.Microsecond),
	}
	id, err := canonicalize.PrefixedContentID("facts", map[string]any{
		"event_id":    ev.EventID,
		"subject":     ev.Subject.Key(),
		"claim_hints": hints,
	})
	if err != nil {
		return contracts.SignalFacts{}, fmt.Errorf("cell: facts id: %w", err)
	}
	facts.FactsID = id
	return facts, nil
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
