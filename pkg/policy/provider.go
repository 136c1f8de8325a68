package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// Provider serves the active bundle to the decision pipeline.
type Provider struct {
	mu       sync.RWMutex
	path     string
	bundle   *Bundle
	rules    *RuleSet
	verifier *Verifier
}

// NewProvider creates a provider around verifier. Call Load or Set before
// use; with no bundle every check is unverifiable.
func NewProvider(verifier *Verifier) *Provider {
	if verifier == nil {
		verifier = &Verifier{}
	}
	return &Provider{verifier: verifier}
}

// Load reads a bundle from path and activates it.
func (p *Provider) Load(path string) error {
	b, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := p.Set(b); err != nil {
		return err
	}
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
	return nil
}

// Reload re-reads the last loaded path.
func (p *Provider) Reload() error {
	p.mu.RLock()
	path := p.path
	p.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("policy: nothing to reload")
	}
	return p.Load(path)
}

// Set activates an already parsed bundle.
func (p *Provider) Set(b *Bundle) error {
	rs, err := Compile(b.ApprovalRules)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundle = b
	p.rules = rs
	return nil
}

// Check verifies the active bundle at now.
func (p *Provider) Check(ctx context.Context, now time.Time) (contracts.PolicyVerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return contracts.PolicyVerificationResult{}, err
	}
	p.mu.RLock()
	b := p.bundle
	p.mu.RUnlock()
	return p.verifier.Verify(b, now), nil
}

// Requirement evaluates the active rules against input. With no bundle the
// requirement is human.
func (p *Provider) Requirement(input map[string]any) (contracts.ApprovalRequirement, []Match) {
	p.mu.RLock()
	rs := p.rules
	p.mu.RUnlock()
	if rs == nil {
		return contracts.ApprovalRequirementHuman, []Match{{RuleID: "no_bundle", Require: contracts.ApprovalRequirementHuman}}
	}
	return rs.Requirement(input)
}
