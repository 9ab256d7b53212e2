package provider

import (
	"context"
	"sync"
	"time"

	"github.com/harun/turnstile/pkg/protocol"
)

// Message is one chat message in a turn's outbound list
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendRequest carries everything a provider needs for one attempt
type SendRequest struct {
	TurnID    string
	SessionID string

	// ModelID is the backend model identifier for this attempt
	ModelID string

	// Profile is the credential profile name; APIKey is its resolved secret
	Profile string
	APIKey  string

	Messages []Message
	Tools    []protocol.ToolSpec
	System   string

	// Timeout is the per-line (subprocess) or per-chunk (HTTP) liveness
	// window; zero means the provider default
	Timeout time.Duration
}

// Provider translates one transport kind into a normalized event stream
type Provider interface {
	// Kind returns the transport kind this provider implements
	Kind() string

	// SendTurn starts one attempt and returns its event stream. Exactly
	// one done event, or a stream error, terminates the stream.
	SendTurn(ctx context.Context, req SendRequest) (*Stream, error)

	// Cancel requests best-effort cancellation of an in-flight turn.
	// Returns false if the turn is not known to this provider.
	Cancel(turnID string) bool
}

// Stream is a pull-based iterator over a provider's events
type Stream struct {
	events  chan protocol.Event
	current protocol.Event

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewStream creates a stream with a small forwarding buffer
func NewStream() *Stream {
	return &Stream{
		events: make(chan protocol.Event, 16),
	}
}

// Next advances to the next event. It returns false when the stream
// is exhausted; check Err to distinguish success from failure.
func (s *Stream) Next() bool {
	ev, ok := <-s.events
	if !ok {
		return false
	}
	s.current = ev
	return true
}

// Current returns the event most recently yielded by Next
func (s *Stream) Current() protocol.Event {
	return s.current
}

// Err returns the terminal stream error, if any
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers an event to the consumer. It blocks until the consumer
// keeps up or ctx is cancelled.
func (s *Stream) Push(ctx context.Context, ev protocol.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Fail records the terminal error and closes the stream
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// Close ends the stream without error
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}
