package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubTextStablePlaceholders(t *testing.T) {
	s := New()

	key := "sk-ant-REDACTED"
	first := s.ScrubText("key is "+key, "turn-1")
	second := s.ScrubText("again: "+key, "turn-1")

	assert.NotContains(t, first, key)
	assert.Contains(t, first, "[SECRET-1]")
	// Same secret, same scope, same placeholder
	assert.Contains(t, second, "[SECRET-1]")
}

func TestScrubTextScopesAreIndependent(t *testing.T) {
	s := New()

	key1 := "sk-ant-REDACTED"
	key2 := "sk-ant-REDACTED"

	a := s.ScrubText(key1+" and "+key2, "turn-1")
	assert.Contains(t, a, "[SECRET-1]")
	assert.Contains(t, a, "[SECRET-2]")

	// A fresh scope restarts numbering
	b := s.ScrubText(key2, "turn-2")
	assert.Contains(t, b, "[SECRET-1]")
}

func TestScrubUnknownWalksStructures(t *testing.T) {
	s := New()
	key := "sk-ant-REDACTED"

	value := map[string]interface{}{
		"command": "curl -H 'Authorization: Bearer abc.def.ghi'",
		"nested": []interface{}{
			"plain",
			map[string]interface{}{"key": key},
		},
		"count": 42,
	}

	scrubbed, ok := s.ScrubUnknown(value, "turn-1").(map[string]interface{})
	require.True(t, ok)

	assert.NotContains(t, scrubbed["command"], "abc.def.ghi")
	assert.Equal(t, 42, scrubbed["count"])

	nested := scrubbed["nested"].([]interface{})
	assert.Equal(t, "plain", nested[0])
	assert.NotContains(t, nested[1].(map[string]interface{})["key"], key)
}

func TestClearScope(t *testing.T) {
	s := New()
	key := "sk-ant-REDACTED"

	s.ScrubText(key, "turn-1")
	s.ClearScope("turn-1")

	// After clearing, numbering restarts for the scope
	out := s.ScrubText(key, "turn-1")
	assert.Contains(t, out, "[SECRET-1]")
}

func TestAddPattern(t *testing.T) {
	s := New()

	require.NoError(t, s.AddPattern(`customer-[0-9]+`))
	assert.Contains(t, s.ScrubText("id customer-991", "turn-1"), "[SECRET-1]")

	assert.Error(t, s.AddPattern(`([broken`))
}
