package controlled

import (
	"errors"
	"fmt"
)

// ErrEnvelopeRequired is returned when envelopes are enforced and the caller
// supplied none.
var ErrEnvelopeRequired = errors.New("controlled: envelope required")

// PolicyNameExecutionContext names decisions made from per-request capability flags.
const PolicyNameExecutionContext = "execution_context"

// PolicyViolationError reports a run rejected before the task was invoked.
type PolicyViolationError struct {
	Message    string
	PolicyName string
	Reason     string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("controlled: %s (policy=%s, reason=%s)", e.Message, e.PolicyName, e.Reason)
}
