package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/pkg/adapter"
	"github.com/harun/turnstile/pkg/protocol"
	"github.com/harun/turnstile/pkg/prompt"
	"github.com/harun/turnstile/pkg/provider"
	"github.com/harun/turnstile/pkg/snapshot"
	"github.com/harun/turnstile/pkg/toolrouter"
	"github.com/harun/turnstile/pkg/turnqueue"
)

type scriptedProvider struct {
	script  [][]protocol.Event
	errs    []error
	started chan struct{}
	block   chan struct{}
	mu      sync.Mutex
}

func (f *scriptedProvider) Kind() string { return "fake" }

func (f *scriptedProvider) SendTurn(ctx context.Context, req provider.SendRequest) (*provider.Stream, error) {
	f.mu.Lock()
	var events []protocol.Event
	var err error
	if len(f.script) > 0 {
		events = f.script[0]
		f.script = f.script[1:]
	}
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	s := provider.NewStream()
	go func() {
		if f.started != nil {
			f.started <- struct{}{}
		}
		if f.block != nil {
			<-f.block
		}
		for _, ev := range events {
			if !s.Push(ctx, ev) {
				return
			}
		}
		if err != nil {
			s.Fail(err)
			return
		}
		s.Close()
	}()
	return s, nil
}

func (f *scriptedProvider) Cancel(turnID string) bool { return false }

type runtimeFixture struct {
	rt       *Runtime
	provider *scriptedProvider
	router   *toolrouter.Router
	queue    *turnqueue.Queue
}

func newFixture(t *testing.T, cfg config.TurnConfig) *runtimeFixture {
	return newFixtureQueue(t, cfg, turnqueue.Options{SoftLimit: 8, HardLimit: 16})
}

func newFixtureQueue(t *testing.T, cfg config.TurnConfig, qopts turnqueue.Options) *runtimeFixture {
	t.Helper()

	appCfg := config.DefaultConfig()
	appCfg.Profiles = map[string]config.ProfileConfig{"primary": {APIKey: "sk-ant-test"}}
	appCfg.Models.Default = "main"
	appCfg.Models.Entries = map[string]config.ModelConfig{
		"main": {ID: "model-main", Transport: "fake", Profiles: []string{"primary"}, Enabled: true},
	}

	fake := &scriptedProvider{}
	ad := adapter.New(appCfg, map[string]provider.Provider{"fake": fake})

	router := toolrouter.New(nil)
	require.NoError(t, router.Register(toolrouter.Tool{
		Spec: protocol.ToolSpec{
			Name:   "echo",
			Schema: []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		},
		ReadOnly: true,
		Fn: func(ctx context.Context, args json.RawMessage, ec toolrouter.ExecutionContext) (string, error) {
			var parsed struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(args, &parsed)
			return "echo: " + parsed.Message, nil
		},
	}))

	snaps, err := snapshot.NewStore(t.TempDir())
	require.NoError(t, err)

	queue := turnqueue.New(qopts)
	t.Cleanup(queue.Shutdown)

	rt := New(Deps{
		Queue:     queue,
		Adapter:   ad,
		Assembler: prompt.New(nil, 0),
		Router:    router,
		Snapshots: snaps,
	}, cfg)

	return &runtimeFixture{rt: rt, provider: fake, router: router, queue: queue}
}

func userTurn(session string) TurnRequest {
	return TurnRequest{
		SessionID: session,
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestTurnLifecycleSuccess(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventAssistantDelta, Text: "Hello"},
		{Type: protocol.EventDone},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t,
		[]EventType{EventQueued, EventStarted, EventAssistant, EventCompleted},
		eventTypes(result.Events))

	completed := result.Events[len(result.Events)-1]
	assert.Equal(t, 5, completed.Chars)
}

func TestDuplicateSuppression(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventAssistantDelta, Text: "Hello"},
		{Type: protocol.EventAssistantDelta, Text: "Hello"},
		{Type: protocol.EventAssistantDelta, Text: " world"},
		{Type: protocol.EventDone},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Text)

	assistant := 0
	for _, ev := range result.Events {
		if ev.Type == EventAssistant {
			assistant++
		}
	}
	assert.Equal(t, 2, assistant)
}

func TestToolCallExecution(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventToolCall, ToolCall: &protocol.ToolCall{
			Name:      "echo",
			Arguments: []byte(`{"message":"ping"}`),
		}},
		{Type: protocol.EventAssistantDelta, Text: "ran the tool"},
		{Type: protocol.EventDone},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)

	var tool *Event
	for i := range result.Events {
		if result.Events[i].Type == EventTool {
			tool = &result.Events[i]
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Tool.Name)
	assert.Equal(t, "echo: ping", tool.Tool.Output)
}

func TestBackendErrorFailsTurn(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventError, ErrorMessage: "backend exploded"},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestProviderErrorFailsTurnAfterExhaustion(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.errs = []error{errors.New("request timed out")}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	var exhErr *adapter.ExhaustionError
	assert.ErrorAs(t, err, &exhErr)
}

func TestCompactionEvent(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{CompactionThreshold: 4})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventAssistantDelta, Text: "a long response"},
		{Type: protocol.EventDone},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, eventTypes(result.Events), EventCompaction)
}

func TestSnapshotPersistedAndQueryable(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventAssistantDelta, Text: "Hello"},
		{Type: protocol.EventDone},
	}}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)

	// After completion the history is served from the snapshot store
	events, ok := fx.rt.Events("s1", h.TurnID)
	require.True(t, ok)
	assert.Equal(t, eventTypes(result.Events), eventTypes(events))
}

func TestHubReceivesEvents(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.script = [][]protocol.Event{{
		{Type: protocol.EventAssistantDelta, Text: "Hello"},
		{Type: protocol.EventDone},
	}}

	ch, unsubscribe := fx.rt.Hub().Subscribe()
	defer unsubscribe()

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	var seen []EventType
	for len(seen) < 4 {
		ev := <-ch
		seen = append(seen, ev.Type)
	}
	assert.Equal(t, []EventType{EventQueued, EventStarted, EventAssistant, EventCompleted}, seen)
}

func TestDroppedTurnGetsTerminalFailure(t *testing.T) {
	fx := newFixtureQueue(t, config.TurnConfig{}, turnqueue.Options{
		SoftLimit:      1,
		HardLimit:      2,
		OverflowPolicy: turnqueue.PolicyDropOldest,
	})
	fx.provider.started = make(chan struct{}, 4)
	fx.provider.block = make(chan struct{})
	fx.provider.script = [][]protocol.Event{
		{{Type: protocol.EventDone}},
		{{Type: protocol.EventDone}},
	}

	h1, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)
	<-fx.provider.started

	// Depth 2: one running, one pending
	h2, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	// At the hard limit the oldest pending turn makes room for the new one
	h3, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = h2.Wait(waitCtx)
	require.Error(t, err)
	var capErr *turnqueue.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Contains(t, capErr.Reason, "dropped")

	// The dropped turn still reaches a terminal failed event and its
	// history stays queryable through the snapshot store
	assert.Eventually(t, func() bool {
		events, ok := fx.rt.Events("s1", h2.TurnID)
		if !ok || len(events) == 0 {
			return false
		}
		return events[len(events)-1].Type == EventFailed
	}, 2*time.Second, 10*time.Millisecond)

	close(fx.provider.block)
	_, err = h1.Wait(waitCtx)
	require.NoError(t, err)
	_, err = h3.Wait(waitCtx)
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})

	_, err := fx.rt.Submit(context.Background(), TurnRequest{Messages: []provider.Message{{Role: "user", Content: "x"}}})
	assert.Error(t, err)

	_, err = fx.rt.Submit(context.Background(), TurnRequest{SessionID: "s1"})
	assert.Error(t, err)
}

func TestFailedTurnEmitsScrubbedError(t *testing.T) {
	fx := newFixture(t, config.TurnConfig{})
	fx.provider.errs = []error{errors.New("bad key sk-ant-REDACTED rejected, validation failed")}

	h, err := fx.rt.Submit(context.Background(), userTurn("s1"))
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)

	events, ok := fx.rt.Events("s1", h.TurnID)
	require.True(t, ok)

	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.NotContains(t, last.Error, "abcdefghijklmnopqrstuvwxyz")
}
