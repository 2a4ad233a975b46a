package turnloop

import (
	"errors"
	"fmt"
)

// TurnLimitError reports that an agent exhausted its turn budget. It is a
// normal, non-exceptional termination: every event produced before the limit
// was already delivered and persisted.
type TurnLimitError struct {
	Agent string
	Turns int
}

func (e *TurnLimitError) Error() string {
	if e == nil {
		return "turnloop: turn limit exceeded"
	}
	return fmt.Sprintf("turnloop: agent %q exceeded turn limit of %d", e.Agent, e.Turns)
}

// IsTurnLimit reports whether err is a turn budget exhaustion.
func IsTurnLimit(err error) bool {
	var target *TurnLimitError
	return errors.As(err, &target)
}
