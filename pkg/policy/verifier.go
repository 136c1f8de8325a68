package policy

import (
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// Verifier checks bundles and refuses version rollbacks: once a version has
// verified, older versions are invalid.
type Verifier struct {
	mu    sync.Mutex
	floor *semver.Version
}

// NewVerifier creates a verifier. minVersion may be empty.
func NewVerifier(minVersion string) (*Verifier, error) {
	v := &Verifier{}
	if minVersion != "" {
		floor, err := semver.NewVersion(minVersion)
		if err != nil {
			return nil, err
		}
		v.floor = floor
	}
	return v, nil
}

// Verify returns the bundle status at now. now is supplied by the caller so
// verification is reproducible.
func (v *Verifier) Verify(b *Bundle, now time.Time) contracts.PolicyVerificationResult {
	if b == nil {
		return contracts.PolicyVerificationResult{Status: contracts.PolicyUnverifiable, Reason: "no bundle loaded"}
	}
	res := contracts.PolicyVerificationResult{BundleVersion: b.Version, BundleHash: b.ContentHash}

	actual, err := b.ComputeContentHash()
	switch {
	case err != nil:
		res.Status = contracts.PolicyUnverifiable
		res.Reason = "hash: " + err.Error()
		return res
	case actual != b.ContentHash:
		res.Status = contracts.PolicyInvalid
		res.Reason = "content hash mismatch"
		return res
	case b.SemVer() == nil:
		res.Status = contracts.PolicyInvalid
		res.Reason = "unparsed version"
		return res
	case now.Before(b.IssuedAt):
		res.Status = contracts.PolicyInvalid
		res.Reason = "not yet issued"
		return res
	case !now.Before(b.ExpiresAt):
		res.Status = contracts.PolicyExpired
		res.Reason = "expired at " + b.ExpiresAt.Format(time.RFC3339)
		return res
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.floor != nil && b.SemVer().LessThan(v.floor) {
		res.Status = contracts.PolicyInvalid
		res.Reason = "version rollback below " + v.floor.String()
		return res
	}
	v.floor = b.SemVer()
	res.Status = contracts.PolicyValid
	return res
}
