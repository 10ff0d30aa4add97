// Package execution carries the per-request identity and capability policy that
// accompanies a controlled run.
package execution

import (
	"fmt"
	"maps"
	"time"
)

// Policy holds per-request capability flags and limits. The zero value denies
// network and filesystem access and sets no timeout.
type Policy struct {
	AllowNetwork    bool           `json:"allow_network"`
	AllowFilesystem bool           `json:"allow_filesystem"`
	TimeoutSeconds  *float64       `json:"timeout_seconds"`
	MaxTokens       *int           `json:"max_tokens"`
	Metadata        map[string]any `json:"metadata"`
}

// Timeout returns the policy timeout, if one is set.
func (p Policy) Timeout() (time.Duration, bool) {
	if p.TimeoutSeconds == nil {
		return 0, false
	}
	return time.Duration(*p.TimeoutSeconds * float64(time.Second)), true
}

// WithTimeout returns a copy of p with the given timeout in seconds.
func (p Policy) WithTimeout(seconds float64) Policy {
	out := p
	out.TimeoutSeconds = &seconds
	out.Metadata = maps.Clone(p.Metadata)
	return out
}

// ToMap returns a JSON-compatible representation. Unset limits are nil.
func (p Policy) ToMap() map[string]any {
	meta := maps.Clone(p.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	var timeout, tokens any
	if p.TimeoutSeconds != nil {
		timeout = *p.TimeoutSeconds
	}
	if p.MaxTokens != nil {
		tokens = *p.MaxTokens
	}
	return map[string]any{
		"allow_network":    p.AllowNetwork,
		"allow_filesystem": p.AllowFilesystem,
		"timeout_seconds":  timeout,
		"max_tokens":       tokens,
		"metadata":         meta,
	}
}

// PolicyFromMap rebuilds a Policy. A nil map yields the default policy.
func PolicyFromMap(m map[string]any) (Policy, error) {
	var p Policy
	if m == nil {
		return p, nil
	}
	p.AllowNetwork, _ = m["allow_network"].(bool)
	p.AllowFilesystem, _ = m["allow_filesystem"].(bool)
	if v, ok := m["timeout_seconds"]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return Policy{}, fmt.Errorf("execution: timeout_seconds: %w", err)
		}
		p.TimeoutSeconds = &f
	}
	if v, ok := m["max_tokens"]; ok && v != nil {
		f, err := toFloat(v)
		if err != nil {
			return Policy{}, fmt.Errorf("execution: max_tokens: %w", err)
		}
		n := int(f)
		p.MaxTokens = &n
	}
	if meta, ok := m["metadata"].(map[string]any); ok && len(meta) > 0 {
		p.Metadata = maps.Clone(meta)
	}
	return p, nil
}

// Context identifies the caller of one run.
type Context struct {
	UserID    string         `json:"user_id"`
	RequestID string         `json:"request_id"`
	Policy    *Policy        `json:"policy"`
	Metadata  map[string]any `json:"metadata"`
}

// PolicyOrDefault returns the attached policy or the zero Policy.
func (c Context) PolicyOrDefault() Policy {
	if c.Policy != nil {
		return *c.Policy
	}
	return Policy{}
}

// ToMap returns a JSON-compatible representation.
func (c Context) ToMap() map[string]any {
	meta := maps.Clone(c.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	var policy any
	if c.Policy != nil {
		policy = c.Policy.ToMap()
	}
	return map[string]any{
		"user_id":    c.UserID,
		"request_id": c.RequestID,
		"policy":     policy,
		"metadata":   meta,
	}
}

// ContextFromMap rebuilds a Context. user_id and request_id are required.
func ContextFromMap(m map[string]any) (Context, error) {
	user, ok := m["user_id"]
	if !ok || user == nil {
		return Context{}, fmt.Errorf("execution: user_id is required")
	}
	req, ok := m["request_id"]
	if !ok || req == nil {
		return Context{}, fmt.Errorf("execution: request_id is required")
	}
	c := Context{
		UserID:    fmt.Sprint(user),
		RequestID: fmt.Sprint(req),
	}
	if pm, ok := m["policy"].(map[string]any); ok {
		p, err := PolicyFromMap(pm)
		if err != nil {
			return Context{}, err
		}
		c.Policy = &p
	}
	if meta, ok := m["metadata"].(map[string]any); ok && len(meta) > 0 {
		c.Metadata = maps.Clone(meta)
	}
	return c, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
