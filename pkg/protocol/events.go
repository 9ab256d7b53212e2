package protocol

import "encoding/json"

// EventType identifies a backend stream event
type EventType string

const (
	EventAssistantDelta   EventType = "assistant_delta"
	EventToolCall         EventType = "tool_call"
	EventUsage            EventType = "usage"
	EventError            EventType = "error"
	EventDone             EventType = "done"
	EventProtocol         EventType = "protocol"
	EventSystem           EventType = "system"
	EventUser             EventType = "user"
	EventThinking         EventType = "thinking"
	EventAssistant        EventType = "assistant"
	EventResult           EventType = "result"
	EventInteractionQuery EventType = "interaction_query"
)

// knownTypes is the closed set of accepted backend event types.
// Anything else on the wire is a violation, not a passthrough.
var knownTypes = map[EventType]bool{
	EventAssistantDelta:   true,
	EventToolCall:         true,
	EventUsage:            true,
	EventError:            true,
	EventDone:             true,
	EventProtocol:         true,
	EventSystem:           true,
	EventUser:             true,
	EventThinking:         true,
	EventAssistant:        true,
	EventResult:           true,
	EventInteractionQuery: true,
}

// Event is a decoded, forwardable stream event
type Event struct {
	Type EventType `json:"type"`

	// Text carries assistant or thinking content
	Text string `json:"text,omitempty"`

	// Replace marks full-message streams: the consumer should replace
	// accumulated text instead of appending this delta
	Replace bool `json:"replace,omitempty"`

	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`

	// ErrorMessage carries the backend error text for error events
	ErrorMessage string `json:"error,omitempty"`

	// Raw is the original frame for event types forwarded as-is
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage reports token accounting from the backend
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSpec declares a tool available to the model for one turn
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// ViolationError reports a protocol violation that fails the attempt
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "protocol violation: " + e.Reason
}
