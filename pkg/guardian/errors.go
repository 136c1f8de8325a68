package guardian

import (
	"errors"
	"fmt"
)

// ErrArbitration matches every ArbitrationError.
var ErrArbitration = errors.New("guardian: malformed arbitration input")

// ArbitrationError reports malformed or incomplete input. It is always
// returned together with a deny verdict.
type ArbitrationError struct {
	Field  string
	Reason string
}

func (e *ArbitrationError) Error() string {
	return fmt.Sprintf("guardian: invalid %s: %s", e.Field, e.Reason)
}

func (e *ArbitrationError) Is(target error) bool { return target == ErrArbitration }
