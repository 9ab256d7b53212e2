package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T, input string) []string {
	t.Helper()

	f := NewFramer(strings.NewReader(input), nil)
	var frames []string
	for {
		frame, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			return frames
		}
		frames = append(frames, frame)
	}
}

func TestFramerSingleLines(t *testing.T) {
	frames := collectFrames(t, `{"type":"assistant_delta","text":"hi"}
{"type":"done"}
`)

	require.Len(t, frames, 2)
	assert.Equal(t, `{"type":"assistant_delta","text":"hi"}`, frames[0])
	assert.Equal(t, `{"type":"done"}`, frames[1])
}

func TestFramerSkipsBlankLines(t *testing.T) {
	frames := collectFrames(t, "\n\n{\"type\":\"done\"}\n\n")
	require.Len(t, frames, 1)
}

func TestFramerSentinelBracketed(t *testing.T) {
	input := FrameBegin + "\n" +
		`{"type":"assistant",` + "\n" +
		`"content":[{"type":"text","text":"hello"}]}` + "\n" +
		FrameEnd + "\n" +
		`{"type":"done"}` + "\n"

	frames := collectFrames(t, input)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"type":"assistant","content":[{"type":"text","text":"hello"}]}`, frames[0])
	assert.Equal(t, `{"type":"done"}`, frames[1])
}

func TestFramerUnterminatedFrame(t *testing.T) {
	f := NewFramer(strings.NewReader(FrameBegin+"\n{\"type\":"), nil)
	_, _, err := f.Next()
	require.Error(t, err)
	assert.IsType(t, &ViolationError{}, err)
}

func TestFramerEndWithoutBegin(t *testing.T) {
	f := NewFramer(strings.NewReader(FrameEnd+"\n"), nil)
	_, _, err := f.Next()
	require.Error(t, err)
	assert.IsType(t, &ViolationError{}, err)
}

func TestFramerNestedBegin(t *testing.T) {
	f := NewFramer(strings.NewReader(FrameBegin+"\n"+FrameBegin+"\n"), nil)
	_, _, err := f.Next()
	require.Error(t, err)
}

func TestFramerLineHook(t *testing.T) {
	var seen int
	f := NewFramer(strings.NewReader("{\"type\":\"done\"}\n\n{\"type\":\"done\"}\n"), func(string) {
		seen++
	})

	for {
		_, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	// The hook fires per raw line, blank lines included
	assert.Equal(t, 3, seen)
}
