package pdp

import (
	"fmt"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

// Allowlist allows exactly the listed effects. Unlisted effects, known or not,
// are denied.
type Allowlist struct {
	name    string
	allowed map[string]struct{}
}

// NewAllowlist builds an allowlist evaluator. Effects are normalized with
// NormalizeEffect.
func NewAllowlist(name string, effects ...descriptor.Effect) *Allowlist {
	a := &Allowlist{name: name, allowed: make(map[string]struct{}, len(effects))}
	for _, e := range effects {
		a.allowed[NormalizeEffect(string(e))] = struct{}{}
	}
	return a
}

// Name returns the policy name.
func (a *Allowlist) Name() string { return a.name }

func (a *Allowlist) Evaluate(d descriptor.Descriptor) Decision {
	effect := NormalizeEffect(string(d.Effect))
	if _, ok := a.allowed[effect]; ok {
		return Allow(a.name, fmt.Sprintf("effect '%s' is allowed under %s", effect, a.name))
	}
	return Deny(a.name, fmt.Sprintf("effect '%s' is not allowed under %s", effect, a.name))
}
