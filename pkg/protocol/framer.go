package protocol

import (
	"bufio"
	"io"
	"strings"
)

// Sentinels bracketing a JSON object split across multiple lines
const (
	FrameBegin = "<<<JSON_BEGIN>>>"
	FrameEnd   = "<<<JSON_END>>>"
)

// maxLineSize bounds a single stdout line; large tool results can
// produce multi-megabyte frames
const maxLineSize = 8 * 1024 * 1024

// LineHook is invoked for every raw line read from the stream,
// before framing. Used to re-arm liveness timeouts.
type LineHook func(line string)

// Framer assembles complete JSON frames from a line-oriented stream.
// A frame is either a single line or the concatenation of the lines
// between a begin and end sentinel.
type Framer struct {
	scanner *bufio.Scanner
	onLine  LineHook

	buffering bool
	buf       strings.Builder
}

// NewFramer creates a framer over the given stream
func NewFramer(r io.Reader, onLine LineHook) *Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &Framer{
		scanner: scanner,
		onLine:  onLine,
	}
}

// Next returns the next complete frame. It returns ok=false when the
// stream is exhausted. A stream ending mid-frame is a violation.
func (f *Framer) Next() (string, bool, error) {
	for f.scanner.Scan() {
		line := f.scanner.Text()

		if f.onLine != nil {
			f.onLine(line)
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case trimmed == FrameBegin:
			if f.buffering {
				return "", false, &ViolationError{Reason: "nested frame begin sentinel"}
			}
			f.buffering = true
			f.buf.Reset()

		case trimmed == FrameEnd:
			if !f.buffering {
				return "", false, &ViolationError{Reason: "frame end sentinel without begin"}
			}
			f.buffering = false
			return f.buf.String(), true, nil

		case f.buffering:
			f.buf.WriteString(line)

		default:
			return trimmed, true, nil
		}
	}

	if err := f.scanner.Err(); err != nil {
		return "", false, err
	}

	if f.buffering {
		return "", false, &ViolationError{Reason: "stream ended inside framed object"}
	}

	return "", false, nil
}
