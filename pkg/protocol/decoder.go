package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// SupportedVersion is the highest protocol version this decoder accepts
const SupportedVersion = 1

// envelope is the wire shape of one backend frame. Fields beyond Type
// are populated only for the event types that carry them.
type envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version,omitempty"`
	Text    string          `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`

	// tool_call payloads may be nested or flattened onto the envelope
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Decoder turns assembled frames into forwardable events. It carries
// the turn's declared tool set so tool calls can be resolved and
// validated at decode time.
type Decoder struct {
	tools   map[string]ToolSpec
	schemas *SchemaCache
}

// NewDecoder creates a decoder for one turn's tool declarations.
// The schema cache may be shared across turns.
func NewDecoder(tools []ToolSpec, schemas *SchemaCache) *Decoder {
	byName := make(map[string]ToolSpec, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	if schemas == nil {
		schemas = NewSchemaCache()
	}
	return &Decoder{
		tools:   byName,
		schemas: schemas,
	}
}

// Decode parses one frame. A nil event with nil error means the frame
// was valid but produces nothing forwardable.
func (d *Decoder) Decode(frame string) (*Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		return nil, &ViolationError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}

	eventType := EventType(env.Type)
	if !knownTypes[eventType] {
		return nil, &ViolationError{Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}

	switch eventType {
	case EventProtocol:
		if env.Version > SupportedVersion {
			return nil, &ViolationError{Reason: fmt.Sprintf("unsupported protocol version %d", env.Version)}
		}
		return nil, nil

	case EventSystem, EventUser, EventInteractionQuery:
		return nil, nil

	case EventThinking:
		return &Event{Type: EventThinking, Text: env.Text}, nil

	case EventAssistant:
		text, err := extractContentText(env.Content)
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		// Full messages replace rather than append downstream
		return &Event{Type: EventAssistantDelta, Text: text, Replace: true}, nil

	case EventAssistantDelta:
		return &Event{Type: EventAssistantDelta, Text: env.Text}, nil

	case EventResult, EventDone:
		return &Event{Type: EventDone, Usage: env.Usage}, nil

	case EventUsage:
		return &Event{Type: EventUsage, Usage: env.Usage}, nil

	case EventError:
		msg := env.Message
		if msg == "" {
			msg = env.Text
		}
		return &Event{Type: EventError, ErrorMessage: msg}, nil

	case EventToolCall:
		call, err := d.resolveToolCall(&env)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventToolCall, ToolCall: call}, nil
	}

	// Accepted but not special-cased: forward as-is
	return &Event{Type: eventType, Raw: json.RawMessage(frame)}, nil
}

// resolveToolCall pulls the name/arguments pair from either the nested
// tool_call field or the envelope itself, checks the tool is declared,
// and validates arguments against its schema.
func (d *Decoder) resolveToolCall(env *envelope) (*ToolCall, error) {
	call := &ToolCall{
		ID:        env.ID,
		Name:      env.Name,
		Arguments: env.Arguments,
	}

	if len(env.ToolCall) > 0 {
		var nested ToolCall
		if err := json.Unmarshal(env.ToolCall, &nested); err != nil {
			return nil, &ViolationError{Reason: fmt.Sprintf("malformed tool_call payload: %v", err)}
		}
		if nested.Name != "" {
			call = &nested
		}
	}

	if call.Name == "" {
		return nil, &ViolationError{Reason: "tool_call without a tool name"}
	}

	spec, ok := d.tools[call.Name]
	if !ok {
		return nil, &ViolationError{Reason: fmt.Sprintf("tool %q not declared for this turn", call.Name)}
	}

	if err := d.schemas.Validate(spec, call.Arguments); err != nil {
		return nil, &ViolationError{Reason: err.Error()}
	}

	return call, nil
}

// extractContentText joins the text parts of a structured content
// list. A separating space is inserted only when neither side of the
// join already ends or begins with whitespace.
func extractContentText(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", nil
	}

	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		// A bare string is also accepted
		var s string
		if err2 := json.Unmarshal(content, &s); err2 == nil {
			return s, nil
		}
		return "", &ViolationError{Reason: fmt.Sprintf("malformed content list: %v", err)}
	}

	var b strings.Builder
	for _, part := range parts {
		if part.Text == "" {
			continue
		}
		if b.Len() > 0 && needsSeparator(b.String(), part.Text) {
			b.WriteByte(' ')
		}
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

func needsSeparator(left, right string) bool {
	leftRunes := []rune(left)
	rightRunes := []rune(right)
	if unicode.IsSpace(leftRunes[len(leftRunes)-1]) {
		return false
	}
	return !unicode.IsSpace(rightRunes[0])
}
