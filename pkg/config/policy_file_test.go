package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

const strictPolicy = `
name: strict
allowed_effects: [pure, read]
rules:
  - name: math_only
    expr: descriptor.domain == "math"
    reason: only math operations may run
execution:
  allow_network: false
  allow_filesystem: true
  timeout_seconds: 5
  max_tokens: 256
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	pf, err := LoadPolicyFile(writePolicy(t, strictPolicy))
	require.NoError(t, err)
	assert.Equal(t, "strict", pf.Name)
	assert.Equal(t, []string{"pure", "read"}, pf.AllowedEffects)
	require.Len(t, pf.Rules, 1)

	ep := pf.ExecutionPolicy()
	assert.False(t, ep.AllowNetwork)
	assert.True(t, ep.AllowFilesystem)
	require.NotNil(t, ep.TimeoutSeconds)
	assert.Equal(t, 5.0, *ep.TimeoutSeconds)
	require.NotNil(t, ep.MaxTokens)
	assert.Equal(t, 256, *ep.MaxTokens)
}

func TestPolicyFileEvaluator(t *testing.T) {
	pf, err := ParsePolicy([]byte(strictPolicy))
	require.NoError(t, err)
	eval, err := pf.Evaluator()
	require.NoError(t, err)

	d := eval.Evaluate(descriptor.New("math.add", "math", descriptor.EffectPure))
	assert.True(t, d.Allowed)
	assert.Equal(t, "strict+math_only", d.PolicyName)

	d = eval.Evaluate(descriptor.New("llm.call", "math", descriptor.EffectAI))
	assert.False(t, d.Allowed)
	assert.Equal(t, "strict", d.PolicyName)

	d = eval.Evaluate(descriptor.New("text.read", "text", descriptor.EffectRead))
	assert.False(t, d.Allowed)
	assert.Equal(t, "math_only", d.PolicyName)
	assert.Equal(t, "only math operations may run", d.Reason)
}

func TestPolicyFileDefaultsToSafePolicy(t *testing.T) {
	pf, err := ParsePolicy([]byte("execution:\n  allow_network: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "policy_file", pf.Name)
	assert.Nil(t, pf.ExecutionPolicy().TimeoutSeconds)

	eval, err := pf.Evaluator()
	require.NoError(t, err)
	assert.Equal(t, "default_safe_policy", eval.Evaluate(descriptor.New("a", "b", descriptor.EffectPure)).PolicyName)
	assert.False(t, eval.Evaluate(descriptor.New("a", "b", descriptor.EffectIO)).Allowed)
}

func TestParsePolicyErrors(t *testing.T) {
	_, err := ParsePolicy([]byte("allowed_effects: [pure, teleport]"))
	require.ErrorIs(t, err, ErrUnknownEffect)

	_, err = ParsePolicy([]byte("execution:\n  timeout_seconds: 0\n"))
	require.Error(t, err)

	_, err = ParsePolicy([]byte("name: [unclosed"))
	require.Error(t, err)

	pf, err := ParsePolicy([]byte("rules:\n  - name: broken\n    expr: 'descriptor.'\n"))
	require.NoError(t, err)
	_, err = pf.Evaluator()
	require.Error(t, err)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
