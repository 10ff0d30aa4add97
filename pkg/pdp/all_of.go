package pdp

import (
	"strings"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

// AllOf returns an evaluator that consults each evaluator in order and reports the
// first denial. With no evaluators it denies.
func AllOf(evaluators ...Evaluator) Evaluator {
	chain := make([]Evaluator, len(evaluators))
	copy(chain, evaluators)
	return allOf(chain)
}

type allOf []Evaluator

func (a allOf) Evaluate(d descriptor.Descriptor) Decision {
	if len(a) == 0 {
		return Deny("all_of", "no policies configured")
	}
	var first Decision
	names := make([]string, 0, len(a))
	for i, e := range a {
		dec := e.Evaluate(d)
		if !dec.Allowed {
			return dec
		}
		if i == 0 {
			first = dec
		}
		names = append(names, dec.PolicyName)
	}
	if len(a) == 1 {
		return first
	}
	return Decision{
		PolicyName: strings.Join(names, "+"),
		Allowed:    true,
		Reason:     "allowed by all policies",
		Metadata:   map[string]any{"policies": names},
	}
}
