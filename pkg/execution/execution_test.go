package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDefaults(t *testing.T) {
	var p Policy
	assert.False(t, p.AllowNetwork)
	assert.False(t, p.AllowFilesystem)
	_, ok := p.Timeout()
	assert.False(t, ok)
}

func TestPolicyTimeout(t *testing.T) {
	p := Policy{}.WithTimeout(1.5)
	d, ok := p.Timeout()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
}

func TestPolicyRoundTrip(t *testing.T) {
	timeout := 2.0
	tokens := 128
	p := Policy{
		AllowNetwork:   true,
		TimeoutSeconds: &timeout,
		MaxTokens:      &tokens,
		Metadata:       map[string]any{"tier": "gold"},
	}

	got, err := PolicyFromMap(p.ToMap())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	raw, err := json.Marshal(p.ToMap())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	got, err = PolicyFromMap(decoded)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPolicyFromMapNil(t *testing.T) {
	p, err := PolicyFromMap(nil)
	require.NoError(t, err)
	assert.Equal(t, Policy{}, p)

	_, err = PolicyFromMap(map[string]any{"timeout_seconds": "soon"})
	require.Error(t, err)
}

func TestPolicyToMapUnset(t *testing.T) {
	m := Policy{}.ToMap()
	assert.Nil(t, m["timeout_seconds"])
	assert.Nil(t, m["max_tokens"])
	assert.Equal(t, map[string]any{}, m["metadata"])
}

func TestContextPolicyOrDefault(t *testing.T) {
	c := Context{UserID: "u", RequestID: "r"}
	assert.Equal(t, Policy{}, c.PolicyOrDefault())

	p := Policy{AllowFilesystem: true}
	c.Policy = &p
	assert.True(t, c.PolicyOrDefault().AllowFilesystem)
}

func TestContextRoundTrip(t *testing.T) {
	timeout := 0.5
	c := Context{
		UserID:    "alice",
		RequestID: "req-1",
		Policy:    &Policy{AllowNetwork: true, TimeoutSeconds: &timeout},
		Metadata:  map[string]any{"source": "cli"},
	}
	got, err := ContextFromMap(c.ToMap())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	bare := Context{UserID: "bob", RequestID: "req-2"}
	got, err = ContextFromMap(bare.ToMap())
	require.NoError(t, err)
	assert.Equal(t, bare, got)
	assert.Nil(t, bare.ToMap()["policy"])
}

func TestContextFromMapRequiresIdentity(t *testing.T) {
	_, err := ContextFromMap(map[string]any{"request_id": "r"})
	require.Error(t, err)
	_, err = ContextFromMap(map[string]any{"user_id": "u"})
	require.Error(t, err)

	c, err := ContextFromMap(map[string]any{"user_id": 42, "request_id": "r"})
	require.NoError(t, err)
	assert.Equal(t, "42", c.UserID)
}
