package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/execution"
	"github.com/kl-kernel/kl/pkg/pdp"
)

// ErrUnknownEffect is returned for an allowed_effects entry outside the known set.
var ErrUnknownEffect = errors.New("config: unknown effect")

// PolicyFile is a YAML policy document:
//
//	name: strict
//	allowed_effects: [pure, read]
//	rules:
//	  - name: math_only
//	    expr: descriptor.domain == "math"
//	    reason: only math operations may run
//	execution:
//	  allow_network: false
//	  timeout_seconds: 5
type PolicyFile struct {
	Name           string          `yaml:"name"`
	AllowedEffects []string        `yaml:"allowed_effects,omitempty"`
	Rules          []RuleConfig    `yaml:"rules,omitempty"`
	Execution      ExecutionConfig `yaml:"execution"`
}

// RuleConfig is one CEL rule.
type RuleConfig struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Reason string `yaml:"reason,omitempty"`
}

// ExecutionConfig is the default execution policy applied to runs.
type ExecutionConfig struct {
	AllowNetwork    bool     `yaml:"allow_network"`
	AllowFilesystem bool     `yaml:"allow_filesystem"`
	TimeoutSeconds  *float64 `yaml:"timeout_seconds,omitempty"`
	MaxTokens       *int     `yaml:"max_tokens,omitempty"`
}

// LoadPolicyFile reads and parses a policy document.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a policy document and checks its effects.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if pf.Name == "" {
		pf.Name = "policy_file"
	}
	for _, e := range pf.AllowedEffects {
		if !descriptor.Effect(pdp.NormalizeEffect(e)).Known() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, e)
		}
	}
	if pf.Execution.TimeoutSeconds != nil && *pf.Execution.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("parse policy: timeout_seconds must be positive")
	}
	return &pf, nil
}

// Evaluator builds the evaluator described by the document. Without
// allowed_effects the default safe policy applies. Every rule must also allow.
func (pf *PolicyFile) Evaluator() (pdp.Evaluator, error) {
	var evals []pdp.Evaluator
	if pf.AllowedEffects == nil {
		evals = append(evals, pdp.NewDefaultSafe())
	} else {
		effects := make([]descriptor.Effect, len(pf.AllowedEffects))
		for i, e := range pf.AllowedEffects {
			effects[i] = descriptor.Effect(e)
		}
		evals = append(evals, pdp.NewAllowlist(pf.Name, effects...))
	}
	for _, r := range pf.Rules {
		rule, err := pdp.NewCEL(r.Name, r.Expr, r.Reason)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		evals = append(evals, rule)
	}
	return pdp.AllOf(evals...), nil
}

// ExecutionPolicy returns the default execution policy.
func (pf *PolicyFile) ExecutionPolicy() execution.Policy {
	return execution.Policy{
		AllowNetwork:    pf.Execution.AllowNetwork,
		AllowFilesystem: pf.Execution.AllowFilesystem,
		TimeoutSeconds:  pf.Execution.TimeoutSeconds,
		MaxTokens:       pf.Execution.MaxTokens,
	}
}
