package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/pkg/protocol"
	"github.com/harun/turnstile/pkg/provider"
)

// scripted outcome for one provider invocation
type fakeAttempt struct {
	events []protocol.Event
	err    error
}

type fakeProvider struct {
	kind      string
	script    []fakeAttempt
	calls     []provider.SendRequest
	cancelled []string
	mu        sync.Mutex
}

func (f *fakeProvider) Kind() string { return f.kind }

func (f *fakeProvider) SendTurn(ctx context.Context, req provider.SendRequest) (*provider.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var attempt fakeAttempt
	if len(f.script) > 0 {
		attempt = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	s := provider.NewStream()
	go func() {
		for _, ev := range attempt.events {
			if !s.Push(ctx, ev) {
				return
			}
		}
		if attempt.err != nil {
			s.Fail(attempt.err)
			return
		}
		s.Close()
	}()
	return s, nil
}

func (f *fakeProvider) Cancel(turnID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, turnID)
	return true
}

func doneEvents() []protocol.Event {
	return []protocol.Event{
		{Type: protocol.EventAssistantDelta, Text: "hi"},
		{Type: protocol.EventDone},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Profiles = map[string]config.ProfileConfig{
		"primary":   {APIKey: "sk-ant-primary"},
		"secondary": {APIKey: "sk-ant-secondary"},
	}
	cfg.Models.Default = "main"
	cfg.Models.Entries = map[string]config.ModelConfig{
		"main": {
			ID:        "model-main",
			Transport: "fake",
			Profiles:  []string{"primary", "secondary"},
			Fallbacks: []string{"backup"},
			Enabled:   true,
		},
		"backup": {
			ID:        "model-backup",
			Transport: "fake",
			Profiles:  []string{"primary"},
			Enabled:   true,
		},
	}
	return cfg
}

func collect(onto *[]protocol.Event) EventHandler {
	return func(ev protocol.Event) error {
		*onto = append(*onto, ev)
		return nil
	}
}

func TestSendTurnFirstAttemptSucceeds(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{{events: doneEvents()}}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	var events []protocol.Event
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&events))

	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "model-main", fake.calls[0].ModelID)
	assert.Equal(t, "primary", fake.calls[0].Profile)
	assert.Equal(t, "sk-ant-primary", fake.calls[0].APIKey)
}

func TestSendTurnFallsBackAcrossProfilesThenModels(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{err: errors.New("401 unauthorized")},
		{err: errors.New("connection reset")},
		{events: doneEvents()},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	var events []protocol.Event
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&events))

	require.NoError(t, err)
	require.Len(t, fake.calls, 3)
	assert.Equal(t, "primary", fake.calls[0].Profile)
	assert.Equal(t, "secondary", fake.calls[1].Profile)
	assert.Equal(t, "model-backup", fake.calls[2].ModelID)
	assert.Equal(t, "primary", fake.calls[2].Profile)
}

func TestSendTurnFatalErrorAbortsFallback(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{err: errors.New("schema validation failed")},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&[]protocol.Event{}))

	require.Error(t, err)
	assert.Len(t, fake.calls, 1)

	var exhErr *ExhaustionError
	assert.False(t, errors.As(err, &exhErr))
}

func TestSendTurnExhaustionListsAttempts(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&[]protocol.Event{}))

	var exhErr *ExhaustionError
	require.ErrorAs(t, err, &exhErr)
	require.Len(t, exhErr.Attempts, 3)
	assert.Equal(t, Attempt{Model: "main", Profile: "primary"}, exhErr.Attempts[0])
	assert.Equal(t, Attempt{Model: "main", Profile: "secondary"}, exhErr.Attempts[1])
	assert.Equal(t, Attempt{Model: "backup", Profile: "primary"}, exhErr.Attempts[2])
	assert.Contains(t, err.Error(), "main/primary")
	assert.Contains(t, err.Error(), "backup/primary")
}

func TestSendTurnCountsFallbackAdvances(t *testing.T) {
	before := testutil.ToFloat64(observability.FallbackAttemptCounter().WithLabelValues("main"))

	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{err: errors.New("request timed out")},
		{err: errors.New("401 unauthorized")},
		{events: doneEvents()},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&[]protocol.Event{}))
	require.NoError(t, err)

	// Two failed attempts advanced the chain; the succeeding one did not
	after := testutil.ToFloat64(observability.FallbackAttemptCounter().WithLabelValues("main"))
	assert.Equal(t, 2.0, after-before)
}

func TestSendTurnSkipsDisabledModels(t *testing.T) {
	cfg := testConfig()
	main := cfg.Models.Entries["main"]
	main.Enabled = false
	cfg.Models.Entries["main"] = main

	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{{events: doneEvents()}}}
	a := New(cfg, map[string]provider.Provider{"fake": fake})

	// The default model is disabled and a disabled model contributes no
	// fallbacks, so nothing is available
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&[]protocol.Event{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled model")
}

func TestSendTurnForwardsPartialOutputFromFailedAttempt(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{
			events: []protocol.Event{{Type: protocol.EventAssistantDelta, Text: "partial"}},
			err:    errors.New("connection reset"),
		},
		{events: doneEvents()},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	var events []protocol.Event
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, collect(&events))

	require.NoError(t, err)
	// The failed attempt's partial delta was forwarded before fallback
	require.Len(t, events, 3)
	assert.Equal(t, "partial", events[0].Text)
}

func TestSendTurnHandlerErrorNeverAdvancesFallback(t *testing.T) {
	// A tool timeout surfaces through the handler with a message that
	// looks transport-recoverable; it must still abort the whole turn
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{events: []protocol.Event{{Type: protocol.EventToolCall, ToolCall: &protocol.ToolCall{Name: "writer"}}}},
		{events: doneEvents()},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	toolErr := errors.New("tool writer failed: context deadline exceeded")
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, func(ev protocol.Event) error {
		if ev.Type == protocol.EventToolCall {
			return toolErr
		}
		return nil
	})

	require.ErrorIs(t, err, toolErr)
	assert.Len(t, fake.calls, 1)

	var exhErr *ExhaustionError
	assert.False(t, errors.As(err, &exhErr))
}

func TestSendTurnConsumerAbortCancelsProvider(t *testing.T) {
	fake := &fakeProvider{kind: "fake", script: []fakeAttempt{
		{events: doneEvents()},
	}}
	a := New(testConfig(), map[string]provider.Provider{"fake": fake})

	abort := errors.New("backend reported error event")
	err := a.SendTurn(context.Background(), TurnRequest{TurnID: "t1", SessionID: "s1"}, func(ev protocol.Event) error {
		return abort
	})

	require.ErrorIs(t, err, abort)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.cancelled, "t1")
}

func TestHandleReuseAndRebind(t *testing.T) {
	cache := NewHandleCache()

	h1 := cache.Resolve("s1", "main")
	assert.Equal(t, "main", h1.ModelID)

	cache.Bind("s1", "backup", "secondary")
	h2 := cache.Resolve("s1", "main")
	assert.Same(t, h1, h2)
	assert.Equal(t, "backup", h2.ModelID)
	assert.Equal(t, "secondary", h2.Profile)

	// A changed default model discards the binding
	h3 := cache.Resolve("s1", "other")
	assert.NotSame(t, h1, h3)
	assert.Equal(t, "other", h3.ModelID)

	cache.Invalidate("s1")
	h4 := cache.Resolve("s1", "other")
	assert.NotSame(t, h3, h4)
}

func TestCancelRoutesToActiveProvider(t *testing.T) {
	a := New(testConfig(), map[string]provider.Provider{})
	assert.False(t, a.Cancel("ghost"))
}
