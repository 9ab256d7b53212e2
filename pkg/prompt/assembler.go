package prompt

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/harun/turnstile/pkg/memstore"
	"github.com/harun/turnstile/pkg/provider"
)

// defaultHistoryLimit bounds how many memory records are consulted
const defaultHistoryLimit = 50

// Assembler builds the outbound message list for a turn, folding in
// session memory and enforcing the character budget
type Assembler struct {
	store        *memstore.Store
	system       string
	budget       int
	historyLimit int
}

// Option configures an Assembler
type Option func(*Assembler)

// WithSystem sets the system prompt prepended to every turn
func WithSystem(system string) Option {
	return func(a *Assembler) { a.system = system }
}

// WithHistoryLimit caps how many memory records are retrieved
func WithHistoryLimit(limit int) Option {
	return func(a *Assembler) { a.historyLimit = limit }
}

// New creates an assembler. A nil store disables history.
func New(store *memstore.Store, budget int, opts ...Option) *Assembler {
	a := &Assembler{
		store:        store,
		budget:       budget,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// System returns the configured system prompt
func (a *Assembler) System() string {
	return a.system
}

// Build produces the message list for a turn: session history followed
// by the incoming messages, trimmed oldest-first to fit the budget.
// The newest incoming message is never trimmed.
func (a *Assembler) Build(ctx context.Context, sessionID string, incoming []provider.Message) ([]provider.Message, error) {
	var history []provider.Message
	if a.store != nil {
		records, err := a.store.RetrieveForSession(ctx, sessionID, a.historyLimit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			history = append(history, provider.Message{Role: rec.Role, Content: rec.Content})
		}
	}

	messages := append(history, incoming...)
	if a.budget <= 0 {
		return messages, nil
	}

	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}

	trimmed := 0
	for total > a.budget && len(messages) > 1 {
		total -= len(messages[0].Content)
		messages = messages[1:]
		trimmed++
	}

	// A single oversized message is truncated rather than dropped
	if total > a.budget && len(messages) == 1 {
		m := messages[0]
		m.Content = m.Content[:a.budget]
		messages = []provider.Message{m}
	}

	if trimmed > 0 {
		log.Debug().
			Str("session", sessionID).
			Int("trimmed", trimmed).
			Int("budget", a.budget).
			Msg("Prompt trimmed to budget")
	}
	return messages, nil
}
