package adapter

import (
	"errors"
	"strings"

	"github.com/harun/turnstile/pkg/protocol"
)

// recoverablePatterns match error messages that indicate an
// authentication, transport, timeout, or model-availability problem.
// Anything else is fatal and aborts the fallback sequence.
var recoverablePatterns = []string{
	// Authentication
	"401", "403", "unauthorized", "authentication", "invalid api key", "invalid x-api-key",

	// Transport
	"econnreset", "econnrefused", "etimedout", "connection reset", "connection refused",
	"broken pipe", "429", "rate limit", "500", "502", "503", "504", "overloaded",

	// Timeouts and crashes
	"timeout", "timed out", "deadline exceeded", "exited before done",

	// Model availability
	"model not found", "model_not_found", "not_found_error", "model unavailable",
	"does not exist",
}

// IsRecoverable reports whether a failed attempt should advance the
// fallback chain instead of aborting the turn
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	// Protocol violations are never recoverable: the backend is
	// misbehaving, not unavailable
	var vErr *protocol.ViolationError
	if errors.As(err, &vErr) {
		return false
	}

	// Errors raised by the turn's own event handler are the turn's
	// failure regardless of what their message looks like; retrying on
	// another model would re-run tools that already executed
	var cErr *ConsumerError
	if errors.As(err, &cErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range recoverablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
