package pdp

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

// DefaultSafeName is the policy name reported by DefaultSafe.
const DefaultSafeName = "default_safe_policy"

// DefaultSafe allows pure, read and ai effects. The io and external effects are
// denied, as is anything it does not recognize.
type DefaultSafe struct{}

// NewDefaultSafe returns the default evaluator.
func NewDefaultSafe() DefaultSafe {
	return DefaultSafe{}
}

// Evaluate classifies d by its effect.
func (DefaultSafe) Evaluate(d descriptor.Descriptor) Decision {
	effect := NormalizeEffect(string(d.Effect))
	switch descriptor.Effect(effect) {
	case descriptor.EffectPure, descriptor.EffectRead, descriptor.EffectAI:
		return Allow(DefaultSafeName, fmt.Sprintf("effect '%s' is allowed under %s", effect, DefaultSafeName))
	case descriptor.EffectIO, descriptor.EffectExternal:
		return Deny(DefaultSafeName, fmt.Sprintf("effect '%s' is not allowed under %s", effect, DefaultSafeName))
	default:
		return Deny(DefaultSafeName, fmt.Sprintf("unknown effect '%s' denied under %s", effect, DefaultSafeName))
	}
}

// NormalizeEffect trims, NFKC-normalizes and case-folds an effect tag so that
// look-alike spellings ("PURE", fullwidth "ｐｕｒｅ") classify the same way.
func NormalizeEffect(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	// A Caser carries state, so one is built per call.
	return cases.Fold().String(s)
}
