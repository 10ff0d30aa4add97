package envelope

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrVersionRejected is returned when an envelope's version is outside the
// accepted range.
var ErrVersionRejected = errors.New("envelope: version not accepted")

// VersionPolicy accepts envelopes whose version satisfies a semver constraint.
type VersionPolicy struct {
	raw        string
	constraint *semver.Constraints
}

// NewVersionPolicy parses a constraint such as ">= 1.0, < 2.0".
func NewVersionPolicy(constraint string) (*VersionPolicy, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid version constraint %q: %w", constraint, err)
	}
	return &VersionPolicy{raw: constraint, constraint: c}, nil
}

// String returns the constraint text.
func (p *VersionPolicy) String() string { return p.raw }

// Check returns nil when e.Version satisfies the constraint. Short versions such as
// "1.0" are coerced to "1.0.0".
func (p *VersionPolicy) Check(e Envelope) error {
	v, err := semver.NewVersion(e.Version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrVersionRejected, e.Version)
	}
	if !p.constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionRejected, e.Version, p.raw)
	}
	return nil
}
