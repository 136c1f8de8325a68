package replay

import (
	"errors"
	"fmt"
)

var (
	ErrNoEvents          = errors.New("replay: no events for correlation id")
	ErrInvalidTransition = errors.New("replay: invalid state transition")
)

// HashMismatchError is tamper evidence: a recorded hash that no longer
// matches the content it covers.
type HashMismatchError struct {
	EventID  string
	Kind     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("replay: %s hash mismatch on %s: expected %s, got %s", e.Kind, e.EventID, e.Expected, e.Actual)
}
