package logger

import (
	"io"
	"regexp"
)

// defaultPatterns covers the credential shapes this engine handles:
// provider API keys, bearer tokens, and key/value-style secrets that
// can leak through backend stderr or fallback diagnostics.
var defaultPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`api[_-]?key["\s:=]+[^\s",]+`,
	`password["\s:=]+[^\s"]+`,
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`secret["\s:=]+[^\s"]+`,
	`AKIA[0-9A-Z]{16}`,
}

// Redactor strips credential material from text before it reaches a
// log sink or an error message
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default pattern set
func NewRedactor() *Redactor {
	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Redactor{patterns: patterns}
}

// AddPattern compiles and appends a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Patterns returns the compiled redaction patterns. The scrubber
// reuses them for its per-turn scopes.
func (r *Redactor) Patterns() []*regexp.Regexp {
	return r.patterns
}

// Redact replaces every pattern match with a placeholder
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts everything written through it
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
