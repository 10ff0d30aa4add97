// Package pdp defines the policy gate consulted before a task is allowed to run.
//
// Every Evaluator MUST:
//   - Be pure: the same descriptor always yields the same decision
//   - Be fail-closed: anything it cannot classify is denied
//   - Be safe for concurrent use without external locking
package pdp

import (
	"fmt"
	"maps"

	"github.com/kl-kernel/kl/pkg/canonicalize"
	"github.com/kl-kernel/kl/pkg/descriptor"
)

// Evaluator decides whether a described operation may run.
type Evaluator interface {
	Evaluate(d descriptor.Descriptor) Decision
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(d descriptor.Descriptor) Decision

// Evaluate calls f(d).
func (f EvaluatorFunc) Evaluate(d descriptor.Descriptor) Decision {
	return f(d)
}

// Decision is the verdict of one evaluation. Decisions are appended to traces,
// never merged.
type Decision struct {
	PolicyName string         `json:"policy_name"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Allow builds an allowing decision.
func Allow(policy, reason string) Decision {
	return Decision{PolicyName: policy, Allowed: true, Reason: reason}
}

// Deny builds a denying decision.
func Deny(policy, reason string) Decision {
	return Decision{PolicyName: policy, Allowed: false, Reason: reason}
}

// WithMetadata returns a copy of d with extra merged into its metadata.
func (d Decision) WithMetadata(extra map[string]any) Decision {
	out := d
	out.Metadata = make(map[string]any, len(d.Metadata)+len(extra))
	maps.Copy(out.Metadata, d.Metadata)
	maps.Copy(out.Metadata, extra)
	return out
}

// Describe returns a JSON-compatible representation with stable keys.
func (d Decision) Describe() map[string]any {
	meta := maps.Clone(d.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"policy_name": d.PolicyName,
		"allowed":     d.Allowed,
		"reason":      d.Reason,
		"metadata":    meta,
	}
}

// Hash produces a deterministic digest of the verdict. Metadata is excluded so the
// hash can be stored inside it.
func (d Decision) Hash() (string, error) {
	hashInput := struct {
		PolicyName string `json:"policy_name"`
		Allowed    bool   `json:"allowed"`
		Reason     string `json:"reason"`
	}{
		PolicyName: d.PolicyName,
		Allowed:    d.Allowed,
		Reason:     d.Reason,
	}
	h, err := canonicalize.Digest(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return h, nil
}
