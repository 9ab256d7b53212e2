package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"

	"github.com/harun/turnstile/pkg/adapter"
	"github.com/harun/turnstile/pkg/checkpoint"
	"github.com/harun/turnstile/pkg/memstore"
	"github.com/harun/turnstile/pkg/prompt"
	"github.com/harun/turnstile/pkg/protocol"
	"github.com/harun/turnstile/pkg/provider"
	"github.com/harun/turnstile/pkg/scrub"
	"github.com/harun/turnstile/pkg/snapshot"
	"github.com/harun/turnstile/pkg/toolrouter"
	"github.com/harun/turnstile/pkg/turnqueue"
)

// summaryLimit bounds the condensed turn summary appended to memory
const summaryLimit = 400

// TurnRequest is the immutable input for one turn
type TurnRequest struct {
	SessionID   string             `json:"session_id"`
	ChannelID   string             `json:"channel_id,omitempty"`
	ChannelKind string             `json:"channel_kind,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
	Messages    []provider.Message `json:"messages"`
}

// Handle references an admitted turn
type Handle struct {
	TurnID string
	result chan turnOutcome
}

type turnOutcome struct {
	result *TurnResult
	err    error
}

// Wait blocks for the turn's result
func (h *Handle) Wait(ctx context.Context) (*TurnResult, error) {
	select {
	case o := <-h.result:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deps wires the runtime's collaborators. Memory, snapshots, and
// checkpoints are optional; their absence disables the behavior.
type Deps struct {
	Queue       *turnqueue.Queue
	Adapter     *adapter.Adapter
	Assembler   *prompt.Assembler
	Router      *toolrouter.Router
	Memory      *memstore.Store
	Snapshots   *snapshot.Store
	Checkpoints *checkpoint.Manager
}

// Runtime drives the turn lifecycle: queued, started, a stream of
// tool/assistant/compaction events, and exactly one terminal event
type Runtime struct {
	deps     Deps
	scrubber *scrub.Scrubber
	hub      *Hub
	cfg      config.TurnConfig

	statesMu sync.Mutex
	states   map[string]*turnState
	active   int
}

type turnState struct {
	turnID    string
	sessionID string
	events    []Event
	text      string
	mu        sync.Mutex
}

// New creates a runtime
func New(deps Deps, cfg config.TurnConfig) *Runtime {
	observability.EnsureRegistered()

	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 64 * 1024
	}

	return &Runtime{
		deps:     deps,
		scrubber: scrub.New(),
		hub:      NewHub(),
		cfg:      cfg,
		states:   make(map[string]*turnState),
	}
}

// Hub exposes the runtime event hub for external observers
func (r *Runtime) Hub() *Hub {
	return r.hub
}

// Submit admits a turn. The queued event is emitted synchronously,
// before the session queue has necessarily begun draining.
func (r *Runtime) Submit(ctx context.Context, req TurnRequest) (*Handle, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	turnID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate turn id: %w", err)
	}

	ctx = tracing.WithTurnID(ctx, turnID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}

	st := &turnState{turnID: turnID, sessionID: req.SessionID}

	// The queued event must precede started even though the drain loop
	// runs concurrently, so execution waits for admission to finish
	admitted := make(chan struct{})
	inner, err := r.deps.Queue.Enqueue(ctx, req.SessionID, func(taskCtx context.Context) (interface{}, error) {
		<-admitted
		return r.execute(taskCtx, st, req)
	})
	if err != nil {
		close(admitted)
		return nil, err
	}

	r.statesMu.Lock()
	r.states[turnID] = st
	r.statesMu.Unlock()

	r.emit(st, Event{Type: EventQueued})
	close(admitted)

	h := &Handle{TurnID: turnID, result: make(chan turnOutcome, 1)}
	go r.watch(st, inner, h)

	return h, nil
}

// watch forwards the queue's outcome to the handle. A turn the queue
// rejected after admission (dropped at the hard limit, flushed at
// shutdown) never ran execute, so its terminal event and state cleanup
// happen here.
func (r *Runtime) watch(st *turnState, inner *turnqueue.Handle, h *Handle) {
	v, err := inner.Wait(context.Background())

	var capErr *turnqueue.CapacityError
	if errors.As(err, &capErr) {
		r.emit(st, Event{Type: EventFailed, Error: capErr.Error()})
		r.persistSnapshot(st)
		if r.deps.Snapshots != nil {
			r.statesMu.Lock()
			delete(r.states, st.turnID)
			r.statesMu.Unlock()
		}
	}

	if err != nil {
		h.result <- turnOutcome{err: err}
		return
	}
	result, ok := v.(*TurnResult)
	if !ok {
		h.result <- turnOutcome{err: fmt.Errorf("unexpected result type %T", v)}
		return
	}
	h.result <- turnOutcome{result: result}
}

// Cancel forwards best-effort cancellation to the bound provider
func (r *Runtime) Cancel(turnID string) bool {
	return r.deps.Adapter.Cancel(turnID)
}

// Events returns a copy of the turn's history so far. For turns no
// longer in memory the snapshot store is consulted.
func (r *Runtime) Events(sessionID, turnID string) ([]Event, bool) {
	r.statesMu.Lock()
	st, ok := r.states[turnID]
	r.statesMu.Unlock()

	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		out := make([]Event, len(st.events))
		copy(out, st.events)
		return out, true
	}

	if r.deps.Snapshots == nil {
		return nil, false
	}
	var snap Snapshot
	if err := r.deps.Snapshots.Read(sessionID, turnID, &snap); err != nil {
		return nil, false
	}
	return snap.Events, true
}

// emit appends an event to the turn history and publishes it
func (r *Runtime) emit(st *turnState, ev Event) {
	ev.TurnID = st.turnID
	ev.SessionID = st.sessionID
	ev.Timestamp = time.Now()

	st.mu.Lock()
	st.events = append(st.events, ev)
	count := len(st.events)
	st.mu.Unlock()

	r.hub.Publish(ev)

	// Periodic snapshot every N emitted events
	if count%r.cfg.SnapshotInterval == 0 {
		r.persistSnapshot(st)
	}
}

func (r *Runtime) persistSnapshot(st *turnState) {
	if r.deps.Snapshots == nil {
		return
	}

	st.mu.Lock()
	snap := Snapshot{
		TurnID:    st.turnID,
		SessionID: st.sessionID,
		Events:    make([]Event, len(st.events)),
	}
	copy(snap.Events, st.events)
	st.mu.Unlock()

	if err := r.deps.Snapshots.Write(st.sessionID, st.turnID, snap); err != nil {
		log.Error().Err(err).Str("turnId", st.turnID).Msg("Snapshot write failed")
	}
}

// execute runs one turn end to end. Failures here are final: fallback
// across (model, profile) pairs already happened inside the adapter.
func (r *Runtime) execute(ctx context.Context, st *turnState, req TurnRequest) (result *TurnResult, err error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"turnstile.runtime",
		"runtime.execute_turn",
		attribute.String("turn_id", st.turnID),
		attribute.String("session", st.sessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	r.statesMu.Lock()
	r.active++
	observability.SetActiveTurns(r.active)
	r.statesMu.Unlock()

	defer func() {
		r.statesMu.Lock()
		r.active--
		observability.SetActiveTurns(r.active)
		r.statesMu.Unlock()

		if err != nil {
			r.emit(st, Event{Type: EventFailed, Error: r.scrubber.ScrubText(err.Error(), st.turnID)})
		}
		observability.RecordTurn(time.Since(start), err == nil)
		r.persistSnapshot(st)

		// Privacy scope dies with the turn regardless of outcome
		r.scrubber.ClearScope(st.turnID)

		// Once the final snapshot is durable the in-memory state can go;
		// status queries fall back to the snapshot store
		if r.deps.Snapshots != nil {
			r.statesMu.Lock()
			delete(r.states, st.turnID)
			r.statesMu.Unlock()
		}
	}()

	r.emit(st, Event{Type: EventStarted})
	logger.Info().Str("turnId", st.turnID).Msg("Turn started")

	messages, err := r.deps.Assembler.Build(ctx, st.sessionID, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("prompt assembly failed: %w", err)
	}

	adapterReq := adapter.TurnRequest{
		TurnID:    st.turnID,
		SessionID: st.sessionID,
		System:    r.deps.Assembler.System(),
		Messages:  messages,
		Tools:     r.deps.Router.Specs(),
	}

	err = r.deps.Adapter.SendTurn(ctx, adapterReq, func(ev protocol.Event) error {
		return r.consumeEvent(ctx, st, ev)
	})
	if err != nil {
		return nil, err
	}

	if err := r.finishTurn(ctx, st, req); err != nil {
		return nil, err
	}

	st.mu.Lock()
	result = &TurnResult{
		TurnID: st.turnID,
		Text:   st.text,
		Events: make([]Event, len(st.events)),
	}
	copy(result.Events, st.events)
	st.mu.Unlock()

	logger.Info().
		Str("turnId", st.turnID).
		Int("chars", len(result.Text)).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return result, nil
}

// consumeEvent interprets one adapter event. A non-nil error aborts
// the turn; the adapter does not fall back past it.
func (r *Runtime) consumeEvent(ctx context.Context, st *turnState, ev protocol.Event) error {
	switch ev.Type {
	case protocol.EventAssistantDelta:
		st.mu.Lock()
		applied, merged := mergeDelta(st.text, ev.Text, ev.Replace)
		st.text = merged
		st.mu.Unlock()
		if applied != "" {
			r.emit(st, Event{Type: EventAssistant, Text: applied})
		}
		return nil

	case protocol.EventToolCall:
		return r.handleToolCall(ctx, st, ev.ToolCall)

	case protocol.EventError:
		return fmt.Errorf("backend reported error: %s", ev.ErrorMessage)

	case protocol.EventThinking, protocol.EventUsage, protocol.EventDone:
		// Thinking stays internal; usage and done carry no turn history
		return nil

	default:
		return nil
	}
}

// handleToolCall executes one tool call. Tool calls within a turn run
// strictly one at a time, in stream order.
func (r *Runtime) handleToolCall(ctx context.Context, st *turnState, call *protocol.ToolCall) error {
	if call == nil {
		return &protocol.ViolationError{Reason: "tool_call event without payload"}
	}

	var cp *checkpoint.Handle
	mutating := !r.deps.Router.IsReadOnly(call.Name)
	if mutating && r.deps.Checkpoints != nil {
		h, err := r.deps.Checkpoints.CreateCheckpoint(ctx, st.turnID)
		if err != nil {
			log.Warn().Err(err).Str("turnId", st.turnID).Msg("Checkpoint creation failed, continuing without")
		} else {
			cp = h
		}
	}

	output, err := r.deps.Router.Execute(ctx, *call, toolrouter.ExecutionContext{
		SessionID: st.sessionID,
		TurnID:    st.turnID,
	})
	if err != nil {
		return err
	}

	if cp != nil {
		verify, verr := r.deps.Checkpoints.VerifyReliabilityChecks(ctx)
		if verr != nil {
			return fmt.Errorf("reliability verification errored: %w", verr)
		}
		if !verify.OK {
			if rbErr := r.deps.Checkpoints.Rollback(ctx, cp); rbErr != nil {
				log.Error().Err(rbErr).Str("turnId", st.turnID).Msg("Checkpoint rollback failed")
			}
			return fmt.Errorf("reliability checks failed after tool %s: %s", call.Name, verify.FailedCommand)
		}
		_ = r.deps.Checkpoints.Cleanup(ctx, cp)
	}

	scrubbedArgs := r.scrubber.ScrubText(string(call.Arguments), st.turnID)
	r.emit(st, Event{Type: EventTool, Tool: &ToolPayload{
		Name:      call.Name,
		Arguments: []byte(scrubbedArgs),
		Output:    r.scrubber.ScrubText(output, st.turnID),
	}})
	return nil
}

// finishTurn runs the success path: compaction, memory append, and
// the terminal completed event
func (r *Runtime) finishTurn(ctx context.Context, st *turnState, req TurnRequest) error {
	st.mu.Lock()
	text := st.text
	st.mu.Unlock()

	if len(text) > r.cfg.CompactionThreshold {
		r.emit(st, Event{Type: EventCompaction})
		if r.deps.Memory != nil {
			if err := r.deps.Memory.FlushPreCompaction(ctx, st.sessionID); err != nil {
				log.Warn().Err(err).Str("session", st.sessionID).Msg("Pre-compaction flush failed")
			}
		}
	}

	if r.deps.Memory != nil {
		for _, msg := range req.Messages {
			_ = r.deps.Memory.Append(ctx, memstore.Record{
				SessionID: st.sessionID,
				TurnID:    st.turnID,
				Role:      msg.Role,
				Content:   msg.Content,
			})
		}
		if text != "" {
			_ = r.deps.Memory.Append(ctx, memstore.Record{
				SessionID: st.sessionID,
				TurnID:    st.turnID,
				Role:      "assistant",
				Content:   text,
			})
		}
		_ = r.deps.Memory.Append(ctx, memstore.Record{
			SessionID: st.sessionID,
			TurnID:    st.turnID,
			Role:      "summary",
			Content:   condense(text),
		})
	}

	r.emit(st, Event{Type: EventCompleted, Chars: len(text)})
	return nil
}

func condense(text string) string {
	if len(text) <= summaryLimit {
		return text
	}
	return text[:summaryLimit] + "..."
}
