package pdp

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

// ErrEmptyExpression is returned by NewCEL for a blank rule.
var ErrEmptyExpression = errors.New("pdp: empty CEL expression")

// CEL evaluates a boolean CEL expression over the descriptor. The expression sees a
// single variable, descriptor, holding the Describe map:
//
//	descriptor.domain == "math" && !("experimental" in descriptor.tags)
//
// Programs are compiled once at construction. Any evaluation error or non-boolean
// result denies.
type CEL struct {
	name   string
	expr   string
	reason string
	prg    cel.Program
}

// NewCEL compiles expr under the given policy name. reason is reported on denial;
// when empty a generic message naming the rule is used.
func NewCEL(name, expr, reason string) (*CEL, error) {
	if expr == "" {
		return nil, ErrEmptyExpression
	}
	env, err := cel.NewEnv(
		cel.Variable("descriptor", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("pdp: compile %s: %w", name, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: program %s: %w", name, err)
	}
	if reason == "" {
		reason = fmt.Sprintf("rule %s denied the operation", name)
	}
	return &CEL{name: name, expr: expr, reason: reason, prg: prg}, nil
}

// Name returns the policy name.
func (c *CEL) Name() string { return c.name }

// Expression returns the source expression.
func (c *CEL) Expression() string { return c.expr }

// Evaluate runs the compiled program against d.
func (c *CEL) Evaluate(d descriptor.Descriptor) Decision {
	out, _, err := c.prg.Eval(map[string]any{"descriptor": d.Describe()})
	if err != nil {
		return Deny(c.name, fmt.Sprintf("rule %s failed to evaluate: %v", c.name, err))
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Deny(c.name, fmt.Sprintf("rule %s returned %T, not bool", c.name, out.Value()))
	}
	if !allowed {
		return Deny(c.name, c.reason)
	}
	return Allow(c.name, fmt.Sprintf("rule %s satisfied", c.name))
}
