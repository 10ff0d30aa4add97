package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDescriptor is returned by FromMap when the input does not match the
// descriptor schema.
var ErrInvalidDescriptor = errors.New("descriptor: invalid serialized form")

// ValidationError reports a missing required identity field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s must not be empty", e.Field)
}

// InvalidConstraintError reports a constraint value outside its allowed set.
type InvalidConstraintError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *InvalidConstraintError) Error() string {
	return fmt.Sprintf("invalid constraint %s %q: allowed values are [%s]",
		e.Field, e.Value, strings.Join(e.Allowed, ", "))
}
