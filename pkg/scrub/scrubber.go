package scrub

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/harun/turnstile/internal/logger"
)

// Scrubber replaces sensitive values with stable per-scope
// placeholders. Within one scope the same secret always maps to the
// same placeholder, so scrubbed tool output stays internally
// consistent across a turn.
type Scrubber struct {
	patterns []*regexp.Regexp

	scopes map[string]map[string]string
	mu     sync.Mutex
}

// New creates a scrubber seeded with the logger's redaction patterns
func New() *Scrubber {
	return &Scrubber{
		patterns: logger.NewRedactor().Patterns(),
		scopes:   make(map[string]map[string]string),
	}
}

// AddPattern adds a custom detection pattern
func (s *Scrubber) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.patterns = append(s.patterns, re)
	s.mu.Unlock()
	return nil
}

// ScrubText replaces detected secrets in text with scope-stable
// placeholders
func (s *Scrubber) ScrubText(text, scopeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.scopes[scopeID]
	if !ok {
		scope = make(map[string]string)
		s.scopes[scopeID] = scope
	}

	for _, pattern := range s.patterns {
		text = pattern.ReplaceAllStringFunc(text, func(match string) string {
			if placeholder, seen := scope[match]; seen {
				return placeholder
			}
			placeholder := fmt.Sprintf("[SECRET-%d]", len(scope)+1)
			scope[match] = placeholder
			return placeholder
		})
	}
	return text
}

// ScrubUnknown scrubs any string content reachable in value. Maps and
// slices are walked; other types pass through unchanged.
func (s *Scrubber) ScrubUnknown(value interface{}, scopeID string) interface{} {
	switch v := value.(type) {
	case string:
		return s.ScrubText(v, scopeID)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = s.ScrubUnknown(item, scopeID)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.ScrubUnknown(item, scopeID)
		}
		return out
	case error:
		return fmt.Errorf("%s", s.ScrubText(v.Error(), scopeID))
	default:
		return value
	}
}

// ClearScope releases the placeholder mapping for a scope
func (s *Scrubber) ClearScope(scopeID string) {
	s.mu.Lock()
	delete(s.scopes, scopeID)
	s.mu.Unlock()
}
