package turnqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Task represents one turn's execution body
type Task func(ctx context.Context) (interface{}, error)

// Policy selects the behavior when a session's queue hits the hard limit
type Policy string

const (
	// PolicyDeferNew rejects the incoming turn
	PolicyDeferNew Policy = "defer-new"
	// PolicyDropOldest rejects the oldest pending turn and admits the new one
	PolicyDropOldest Policy = "drop-oldest"
)

// Options configures queue limits and overflow behavior
type Options struct {
	SoftLimit      int
	HardLimit      int
	OverflowPolicy Policy
}

// CapacityError reports a turn rejected for queue capacity reasons
type CapacityError struct {
	Session string
	Reason  string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %s: %s", e.Session, e.Reason)
}

type taskResult struct {
	value interface{}
	err   error
}

// Handle is the caller's reference to an admitted turn
type Handle struct {
	ID     string
	result chan taskResult
}

// Wait blocks until the turn's result is delivered or ctx is done
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case r := <-h.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type turnRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

// sessionState manages execution state for one session.
// Only the active drain loop mutates running; admission only appends.
type sessionState struct {
	pending []*turnRecord
	running bool
	mu      sync.Mutex
}

// Queue serializes turns per session while sessions run independently
type Queue struct {
	opts      Options
	sessions  map[string]*sessionState
	turnIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a session queue
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	if opts.SoftLimit <= 0 {
		opts.SoftLimit = 4
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = 16
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = PolicyDeferNew
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		opts:     opts,
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *Queue) session(session string) *sessionState {
	q.mu.RLock()
	ss, exists := q.sessions[session]
	q.mu.RUnlock()
	if exists {
		return ss
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ss, exists = q.sessions[session]; !exists {
		ss = &sessionState{}
		q.sessions[session] = ss
	}
	return ss
}

// Enqueue admits a turn for the session and returns its handle.
// Admission applies the soft-limit warning and hard-limit overflow
// policy before the turn is accepted.
func (q *Queue) Enqueue(ctx context.Context, session string, task Task) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"turnstile.turnqueue",
		"turnqueue.enqueue",
		attribute.String("session", session),
	)
	defer span.End()

	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, session)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if q.ctx.Err() != nil {
		err := &CapacityError{Session: session, Reason: "queue shut down"}
		observability.RecordReject("shutdown")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ss := q.session(session)

	q.mu.Lock()
	q.turnIDSeq++
	turnID := fmt.Sprintf("%s-%d", session, q.turnIDSeq)
	q.mu.Unlock()

	record := &turnRecord{
		id:         turnID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ss.mu.Lock()

	depth := len(ss.pending)
	if ss.running {
		depth++
	}

	if depth >= q.opts.SoftLimit {
		logger.Warn().
			Str("session", session).
			Int("depth", depth).
			Int("softLimit", q.opts.SoftLimit).
			Msg("Session queue past soft limit")
		observability.RecordSoftLimitWarning(session)
	}

	if depth >= q.opts.HardLimit {
		switch q.opts.OverflowPolicy {
		case PolicyDropOldest:
			if len(ss.pending) > 0 {
				dropped := ss.pending[0]
				ss.pending = ss.pending[1:]
				dropped.result <- taskResult{err: &CapacityError{
					Session: session,
					Reason:  "dropped due to queue cap",
				}}
				close(dropped.result)
				observability.RecordReject("dropped_oldest")
				logger.Warn().
					Str("session", session).
					Str("droppedTurnId", dropped.id).
					Msg("Dropped oldest pending turn at hard limit")
			} else {
				// Nothing pending to drop, only a running turn: reject the new one
				ss.mu.Unlock()
				err := &CapacityError{Session: session, Reason: "queue hard limit reached"}
				observability.RecordReject("hard_limit")
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		default: // PolicyDeferNew
			ss.mu.Unlock()
			err := &CapacityError{Session: session, Reason: "queue hard limit reached"}
			observability.RecordReject("hard_limit")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	ss.pending = append(ss.pending, record)
	depth = len(ss.pending)
	if ss.running {
		depth++
	}
	ss.mu.Unlock()

	logger.Debug().
		Str("session", session).
		Str("turnId", turnID).
		Int("depth", depth).
		Msg("Turn enqueued")

	observability.RecordEnqueue(session, depth)

	go q.drainSession(session)

	return &Handle{ID: turnID, result: record.result}, nil
}

// EnqueueWait admits a turn and blocks for its result
func (q *Queue) EnqueueWait(ctx context.Context, session string, task Task) (interface{}, error) {
	handle, err := q.Enqueue(ctx, session, task)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// drainSession starts the next pending turn if none is running.
// Strict FIFO, one turn at a time per session.
func (q *Queue) drainSession(session string) {
	ss := q.session(session)

	ss.mu.Lock()
	defer ss.mu.Unlock()

	// Shutdown flushes whatever is still pending; starting it would race
	// with that flush
	if q.ctx.Err() != nil {
		return
	}

	if ss.running || len(ss.pending) == 0 {
		return
	}

	record := ss.pending[0]
	ss.pending = ss.pending[1:]
	ss.running = true

	q.wg.Add(1)
	go q.executeTurn(session, record)
}

func (q *Queue) executeTurn(session string, record *turnRecord) {
	defer q.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"turnstile.turnqueue",
		"turnqueue.execute_turn",
		attribute.String("session", session),
		attribute.String("turn_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ss := q.session(session)
	ss.mu.Lock()
	ss.running = false
	depth := len(ss.pending)
	ss.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("session", session).
			Str("turnId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Turn failed")
	} else {
		logger.Debug().
			Str("session", session).
			Str("turnId", record.id).
			Dur("duration", duration).
			Msg("Turn completed")
	}

	observability.SetQueueDepth(session, depth)

	// A failed turn does not halt the drain of the rest of the session
	go q.drainSession(session)
}

// Depth returns the session's current depth (pending plus running)
func (q *Queue) Depth(session string) int {
	q.mu.RLock()
	ss, exists := q.sessions[session]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	depth := len(ss.pending)
	if ss.running {
		depth++
	}
	return depth
}

// Shutdown cancels in-flight turn contexts, resolves every still-pending
// turn with a capacity error, and waits for running turns to settle
func (q *Queue) Shutdown() {
	q.cancel()

	q.mu.RLock()
	sessions := make(map[string]*sessionState, len(q.sessions))
	for name, ss := range q.sessions {
		sessions[name] = ss
	}
	q.mu.RUnlock()

	for name, ss := range sessions {
		ss.mu.Lock()
		pending := ss.pending
		ss.pending = nil
		ss.mu.Unlock()

		for _, record := range pending {
			record.result <- taskResult{err: &CapacityError{
				Session: name,
				Reason:  "queue shut down",
			}}
			close(record.result)
		}
	}

	q.wg.Wait()
}
