package runtime

import "strings"

// mergeDelta folds an incoming assistant chunk into the accumulated
// text. It returns the incremental content actually applied (empty
// when the chunk is suppressed) and the new accumulated text.
//
// Rules, in order: an exact duplicate of the accumulated text is
// discarded; a chunk that extends the accumulated text replaces it and
// applies only the suffix; a fragment already contained in the
// accumulated text is discarded; anything else is appended. A chunk
// marked replace carries a full message and always wins wholesale
// when the other rules do not apply.
func mergeDelta(accumulated, chunk string, replace bool) (applied, result string) {
	if chunk == "" {
		return "", accumulated
	}
	if chunk == accumulated {
		return "", accumulated
	}
	if accumulated != "" && strings.HasPrefix(chunk, accumulated) {
		return chunk[len(accumulated):], chunk
	}
	if replace {
		return chunk, chunk
	}
	if accumulated != "" && strings.Contains(accumulated, chunk) {
		return "", accumulated
	}
	return chunk, accumulated + chunk
}
