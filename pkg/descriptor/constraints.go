package descriptor

import (
	"maps"
	"slices"
)

// Allowed constraint values.
var (
	AllowedScopes        = []string{"local", "session", "system", "global"}
	AllowedFormats       = []string{"text", "json", "binary", "numeric", "structured"}
	AllowedTemporal      = []string{"instant", "bounded", "long_running", "deterministic_simulation"}
	AllowedReversibility = []string{"reversible", "compensatable", "irreversible"}
)

// Constraints narrows what an operation may touch. Every field is optional.
type Constraints struct {
	Scope         string            `json:"scope,omitempty"`
	Format        string            `json:"format,omitempty"`
	Temporal      string            `json:"temporal,omitempty"`
	Reversibility string            `json:"reversibility,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether no constraint is set.
func (c Constraints) IsEmpty() bool {
	return c.Scope == "" && c.Format == "" && c.Temporal == "" &&
		c.Reversibility == "" && len(c.Extra) == 0
}

// Clone returns a deep copy of c.
func (c Constraints) Clone() Constraints {
	out := c
	out.Extra = maps.Clone(c.Extra)
	return out
}

// Validate checks every set field against its allowed values. It is opt-in and is
// never called by descriptor construction or by the execution layers.
func (c Constraints) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"scope", c.Scope, AllowedScopes},
		{"format", c.Format, AllowedFormats},
		{"temporal", c.Temporal, AllowedTemporal},
		{"reversibility", c.Reversibility, AllowedReversibility},
	}
	for _, chk := range checks {
		if chk.value == "" || slices.Contains(chk.allowed, chk.value) {
			continue
		}
		return &InvalidConstraintError{
			Field:   chk.field,
			Value:   chk.value,
			Allowed: slices.Clone(chk.allowed),
		}
	}
	return nil
}

// Describe returns a JSON-compatible representation. Unset fields are nil.
func (c Constraints) Describe() map[string]any {
	extra := make(map[string]any, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}
	return map[string]any{
		"scope":         optional(c.Scope),
		"format":        optional(c.Format),
		"temporal":      optional(c.Temporal),
		"reversibility": optional(c.Reversibility),
		"extra":         extra,
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
