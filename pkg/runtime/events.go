package runtime

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies a turn lifecycle event
type EventType string

const (
	EventQueued     EventType = "queued"
	EventStarted    EventType = "started"
	EventTool       EventType = "tool"
	EventAssistant  EventType = "assistant"
	EventCompaction EventType = "compaction"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// ToolPayload records one executed tool call, already scrubbed
type ToolPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// Event is one entry in a turn's observable history. Events are
// append-only and strictly ordered by emission.
type Event struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Text carries the incremental content actually applied for
	// assistant events
	Text string `json:"text,omitempty"`

	Tool *ToolPayload `json:"tool,omitempty"`

	// Error carries the scrubbed failure description for failed events
	Error string `json:"error,omitempty"`

	// Chars is the final accumulated character count on completed events
	Chars int `json:"chars,omitempty"`
}

// TurnResult is the terminal value of a successful turn
type TurnResult struct {
	TurnID string  `json:"turn_id"`
	Text   string  `json:"text"`
	Events []Event `json:"events"`
}

// Snapshot is the persisted form of a turn's history
type Snapshot struct {
	TurnID    string  `json:"turn_id"`
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// Hub fans runtime events out to subscribers. Delivery is best-effort:
// a slow subscriber drops events rather than stalling turn execution.
type Hub struct {
	subscribers map[int]chan Event
	nextID      int
	mu          sync.Mutex
}

// NewHub creates an event hub
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a listener. The returned function unsubscribes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers an event to all subscribers without blocking
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
