package contracts

import (
	"encoding/json"
	"fmt"
)

// ActionClass grades actions from observation-only (A0) to irreversible (A3).
type ActionClass string

const (
	ActionA0 ActionClass = "A0"
	ActionA1 ActionClass = "A1"
	ActionA2 ActionClass = "A2"
	ActionA3 ActionClass = "A3"
)

// Rank returns 0..3 for known classes and -1 otherwise.
func (c ActionClass) Rank() int {
	switch c {
	case ActionA0:
		return 0
	case ActionA1:
		return 1
	case ActionA2:
		return 2
	case ActionA3:
		return 3
	}
	return -1
}

// Valid reports whether c is one of A0..A3.
func (c ActionClass) Valid() bool { return c.Rank() >= 0 }

// AtLeast reports whether c is at or above other.
func (c ActionClass) AtLeast(other ActionClass) bool {
	return c.Valid() && c.Rank() >= other.Rank()
}

// ParseActionClass parses "A0".."A3".
func ParseActionClass(s string) (ActionClass, error) {
	c := ActionClass(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown action class %q", s)
	}
	return c, nil
}

// UnmarshalJSON keeps unknown classes so validation can reject them with
// context instead of failing the decode.
func (c *ActionClass) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = ActionClass(s)
	return nil
}
