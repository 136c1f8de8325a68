// Package lookup resolves the external state a decision depends on (kill
// switches, policy, trust, approvals) into an immutable arbitration input.
// Every failure is mapped to the most restrictive value before the input
// reaches the safety gate.
package lookup

import (
	"errors"
	"fmt"
)

// Category names one class of external lookup.
type Category string

const (
	CategoryKillSwitch Category = "kill_switch"
	CategoryPolicy     Category = "policy"
	CategoryTrust      Category = "trust"
	CategoryApproval   Category = "approval"
	CategoryBinding    Category = "binding"
)

var (
	ErrNotFound    = errors.New("lookup: not found")
	ErrCircuitOpen = errors.New("lookup: circuit open")
	ErrNoSource    = errors.New("lookup: no source configured")
	ErrBadValue    = errors.New("lookup: malformed value")
)

// ExternalLookupError records a failed lookup and the fail-closed value that
// replaced it.
type ExternalLookupError struct {
	Category Category
	Key      string
	Fallback string
	Err      error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("lookup %s %q failed (resolved to %s): %v", e.Category, e.Key, e.Fallback, e.Err)
}

func (e *ExternalLookupError) Unwrap() error { return e.Err }
