package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnstile/pkg/protocol"
)

// ToolFunc executes one tool call and returns its textual output
type ToolFunc func(ctx context.Context, args json.RawMessage, ec ExecutionContext) (string, error)

// Tool pairs a declared spec with its implementation
type Tool struct {
	Spec protocol.ToolSpec
	// ReadOnly marks tools that never mutate external state; mutating
	// tools may trigger a reliability checkpoint upstream
	ReadOnly bool
	Fn       ToolFunc
}

// ExecutionContext carries per-turn execution scope to tools
type ExecutionContext struct {
	SessionID string
	TurnID    string
	WorkDir   string
}

// Policy defines which tools may run
type Policy struct {
	Allow []string `json:"allow"` // tool names, * for all
	Deny  []string `json:"deny"`  // overrides allow
}

// Allows checks a tool name against the policy
func (p *Policy) Allows(name string) bool {
	if p == nil {
		return true
	}
	for _, denied := range p.Deny {
		if denied == name || denied == "*" {
			return false
		}
	}
	for _, allowed := range p.Allow {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// ApprovalFunc gates a call before execution; false denies it
type ApprovalFunc func(call protocol.ToolCall, ec ExecutionContext) bool

// PolicyError reports a tool denied by policy or approval gate
type PolicyError struct {
	Tool   string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Tool, e.Reason)
}

// Router validates, gates, and executes tool calls
type Router struct {
	tools    map[string]Tool
	schemas  *protocol.SchemaCache
	policy   *Policy
	approval ApprovalFunc
	timeout  time.Duration
	mu       sync.RWMutex
}

// Option configures a Router
type Option func(*Router)

// WithPolicy sets the allow/deny policy
func WithPolicy(p *Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithApproval sets the approval gate
func WithApproval(fn ApprovalFunc) Option {
	return func(r *Router) { r.approval = fn }
}

// WithTimeout bounds a single tool execution
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// New creates a tool router. The schema cache may be shared with
// providers.
func New(schemas *protocol.SchemaCache, opts ...Option) *Router {
	if schemas == nil {
		schemas = protocol.NewSchemaCache()
	}
	r := &Router{
		tools:   make(map[string]Tool),
		schemas: schemas,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the router
func (r *Router) Register(tool Tool) error {
	if tool.Spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Fn == nil {
		return fmt.Errorf("tool %s has no implementation", tool.Spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Spec.Name)
	}
	r.tools[tool.Spec.Name] = tool

	log.Debug().Str("tool", tool.Spec.Name).Bool("readOnly", tool.ReadOnly).Msg("Tool registered")
	return nil
}

// Specs returns the declared specs of all registered tools
func (r *Router) Specs() []protocol.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]protocol.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec)
	}
	return specs
}

// IsReadOnly reports whether the named tool is registered read-only.
// Unknown tools count as mutating.
func (r *Router) IsReadOnly(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.ReadOnly
}

// Execute validates and runs one tool call
func (r *Router) Execute(ctx context.Context, call protocol.ToolCall, ec ExecutionContext) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"turnstile.toolrouter",
		"toolrouter.execute",
		attribute.String("tool", call.Name),
		attribute.String("turn_id", ec.TurnID),
	)
	defer span.End()

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	policy := r.policy
	approval := r.approval
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return "", &protocol.ViolationError{Reason: fmt.Sprintf("tool %q is not registered", call.Name)}
	}

	if !policy.Allows(call.Name) {
		return "", &PolicyError{Tool: call.Name, Reason: "blocked by tool policy"}
	}
	if approval != nil && !approval(call, ec) {
		return "", &PolicyError{Tool: call.Name, Reason: "rejected by approval gate"}
	}

	if err := r.schemas.Validate(tool.Spec, call.Arguments); err != nil {
		return "", &protocol.ViolationError{Reason: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Fn(runCtx, call.Arguments, ec)
	observability.RecordToolExecution(call.Name, time.Since(start), err == nil)

	if err != nil {
		return "", fmt.Errorf("tool %s failed: %w", call.Name, err)
	}
	return output, nil
}
