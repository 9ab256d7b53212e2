package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor_APIKeys(t *testing.T) {
	r := NewRedactor()

	redacted := r.Redact("using key sk-ant-REDACTED")
	assert.NotContains(t, redacted, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, redacted, "[REDACTED]")
}

func TestRedactor_BearerToken(t *testing.T) {
	r := NewRedactor()

	redacted := r.Redact("Authorization: Bearer abc.def.ghi")
	assert.NotContains(t, redacted, "abc.def.ghi")
}

func TestRedactor_PlainTextUntouched(t *testing.T) {
	r := NewRedactor()

	input := "turn completed with 42 events"
	assert.Equal(t, input, r.Redact(input))
}

func TestRedactor_CustomPattern(t *testing.T) {
	r := NewRedactor()

	err := r.AddPattern(`internal-[0-9]+`)
	assert.NoError(t, err)
	assert.Equal(t, "[REDACTED]", r.Redact("internal-12345"))

	err = r.AddPattern(`([invalid`)
	assert.Error(t, err)
}

func TestRedactingWriter(t *testing.T) {
	r := NewRedactor()
	var buf bytes.Buffer

	w := r.Wrap(&buf)
	_, err := w.Write([]byte("key=sk-abcdefghijklmnopqrstuvwxyz"))
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "[REDACTED]")
}
