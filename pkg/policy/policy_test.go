package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

var (
	issued  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expires = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func sampleBundle(t *testing.T, version string) *Bundle {
	t.Helper()
	b := &Bundle{
		BundleID:  "soc-default",
		Version:   version,
		IssuedAt:  issued,
		ExpiresAt: expires,
		ApprovalRules: []Rule{
			{ID: "irreversible-human", When: `input.action_class == "A3"`, Require: contracts.ApprovalRequirementHuman},
			{ID: "thin-quorum", When: `input.action_class == "A2" && input.quorum_count < 2`, Require: contracts.ApprovalRequirementQuorum},
		},
	}
	require.NoError(t, b.Seal())
	data, err := b.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	return parsed
}

func TestParseRoundTrip(t *testing.T) {
	b := sampleBundle(t, "1.2.0")
	assert.Equal(t, "soc-default", b.BundleID)
	assert.Equal(t, "1.2.0", b.SemVer().String())
	assert.True(t, issued.Equal(b.IssuedAt))
	require.Len(t, b.ApprovalRules, 2)

	h, err := b.ComputeContentHash()
	require.NoError(t, err)
	assert.Equal(t, b.ContentHash, h)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing field": `bundle_id: x
version: 1.0.0
issued_at: 2025-01-01T00:00:00Z
expires_at: 2026-01-01T00:00:00Z
approval_rules: []`,
		"bad requirement": `bundle_id: x
version: 1.0.0
issued_at: 2025-01-01T00:00:00Z
expires_at: 2026-01-01T00:00:00Z
content_hash: ` + "0000000000000000000000000000000000000000000000000000000000000000" + `
approval_rules:
  - id: r
    when: "true"
    require: maybe`,
		"bad version": `bundle_id: x
version: not-a-version
issued_at: 2025-01-01T00:00:00Z
expires_at: 2026-01-01T00:00:00Z
content_hash: ` + "0000000000000000000000000000000000000000000000000000000000000000" + `
approval_rules: []`,
		"not yaml": "{{{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)
	b := sampleBundle(t, "1.2.0")

	res := v.Verify(b, issued.Add(time.Hour))
	assert.Equal(t, contracts.PolicyValid, res.Status)
	assert.Equal(t, "1.2.0", res.BundleVersion)

	assert.Equal(t, contracts.PolicyExpired, v.Verify(b, expires).Status)
	assert.Equal(t, contracts.PolicyInvalid, v.Verify(b, issued.Add(-time.Second)).Status)
	assert.Equal(t, contracts.PolicyUnverifiable, v.Verify(nil, issued).Status)

	tampered := sampleBundle(t, "1.2.0")
	tampered.ApprovalRules[0].Require = contracts.ApprovalRequirementNone
	res = v.Verify(tampered, issued.Add(time.Hour))
	assert.Equal(t, contracts.PolicyInvalid, res.Status)
	assert.Equal(t, "content hash mismatch", res.Reason)
}

func TestVerifyRejectsRollback(t *testing.T) {
	v, err := NewVerifier("1.0.0")
	require.NoError(t, err)
	now := issued.Add(time.Hour)

	assert.Equal(t, contracts.PolicyInvalid, v.Verify(sampleBundle(t, "0.9.0"), now).Status)
	assert.Equal(t, contracts.PolicyValid, v.Verify(sampleBundle(t, "1.3.0"), now).Status)
	assert.Equal(t, contracts.PolicyInvalid, v.Verify(sampleBundle(t, "1.2.9"), now).Status)
	assert.Equal(t, contracts.PolicyValid, v.Verify(sampleBundle(t, "1.3.0"), now).Status)

	_, err = NewVerifier("nope")
	assert.Error(t, err)
}

func TestRuleSetRequirement(t *testing.T) {
	b := sampleBundle(t, "1.0.0")
	rs, err := Compile(b.ApprovalRules)
	require.NoError(t, err)

	local := contracts.LocalDecision{Action: "quarantine", ActionClass: contracts.ActionA3, Confidence: 0.99}
	req, matches := rs.Requirement(DecisionInput("cell-a", "t1", local, contracts.AggregateResult{QuorumCount: 4}))
	assert.Equal(t, contracts.ApprovalRequirementHuman, req)
	require.Len(t, matches, 1)
	assert.Equal(t, "irreversible-human", matches[0].RuleID)

	local.ActionClass = contracts.ActionA2
	req, _ = rs.Requirement(DecisionInput("cell-a", "t1", local, contracts.AggregateResult{QuorumCount: 1}))
	assert.Equal(t, contracts.ApprovalRequirementQuorum, req)

	req, matches = rs.Requirement(DecisionInput("cell-a", "t1", local, contracts.AggregateResult{QuorumCount: 3}))
	assert.Equal(t, contracts.ApprovalRequirementNone, req)
	assert.Empty(t, matches)
}

func TestRuleSetRuntimeErrorFailsClosed(t *testing.T) {
	rs, err := Compile([]Rule{{ID: "missing-key", When: `input.nonexistent == "x"`, Require: contracts.ApprovalRequirementNone}})
	require.NoError(t, err)

	req, matches := rs.Requirement(map[string]any{"action": "observe"})
	assert.Equal(t, contracts.ApprovalRequirementHuman, req)
	require.Len(t, matches, 1)
	assert.NotEmpty(t, matches[0].Error)
}

func TestCompileRejects(t *testing.T) {
	_, err := Compile([]Rule{{ID: "syntax", When: `input.action ==`, Require: contracts.ApprovalRequirementHuman}})
	assert.ErrorIs(t, err, ErrInvalidBundle)

	_, err = Compile([]Rule{{ID: "not-bool", When: `"text"`, Require: contracts.ApprovalRequirementHuman}})
	assert.ErrorIs(t, err, ErrInvalidBundle)

	_, err = Compile([]Rule{{ID: "bad-req", When: `true`, Require: "sometimes"}})
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(nil)

	res, err := p.Check(ctx, issued)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyUnverifiable, res.Status)
	req, _ := p.Requirement(map[string]any{})
	assert.Equal(t, contracts.ApprovalRequirementHuman, req)

	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	data, err := sampleBundle(t, "2.0.0").Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.NoError(t, p.Load(path))
	res, err = p.Check(ctx, issued.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyValid, res.Status)
	require.NoError(t, p.Reload())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Check(cancelled, issued)
	assert.Error(t, err)

	assert.Error(t, NewProvider(nil).Reload())
}
