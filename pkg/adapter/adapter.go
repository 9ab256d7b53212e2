package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/internal/logger"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnstile/pkg/protocol"
	"github.com/harun/turnstile/pkg/provider"
)

// TurnRequest carries one turn through the fallback chain
type TurnRequest struct {
	TurnID    string
	SessionID string
	System    string
	Messages  []provider.Message
	Tools     []protocol.ToolSpec
}

// EventHandler consumes forwarded events. A non-nil return aborts the
// attempt and the whole turn.
type EventHandler func(ev protocol.Event) error

// ConsumerError wraps an error returned by the event handler. The
// failure belongs to the turn itself (a tool execution, a decoded
// backend error event), not the transport, so it never advances the
// fallback chain.
type ConsumerError struct {
	Err error
}

func (e *ConsumerError) Error() string { return e.Err.Error() }

func (e *ConsumerError) Unwrap() error { return e.Err }

// Attempt identifies one (model, profile) combination that was tried
type Attempt struct {
	Model   string
	Profile string
}

// ExhaustionError reports that every fallback candidate failed
type ExhaustionError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *ExhaustionError) Error() string {
	pairs := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		pairs[i] = a.Model + "/" + a.Profile
	}
	return fmt.Sprintf("all model attempts exhausted [%s]: %v",
		strings.Join(pairs, ", "), e.LastErr)
}

func (e *ExhaustionError) Unwrap() error {
	return e.LastErr
}

// Adapter routes turns to providers with ordered (model, profile)
// fallback. Models come first in the session's bound order, then each
// configured fallback model; within a model, profiles in declared order.
type Adapter struct {
	providers map[string]provider.Provider
	handles   *HandleCache
	redactor  *logger.Redactor

	cfgMu sync.RWMutex
	cfg   *config.Config

	activeMu sync.Mutex
	active   map[string]provider.Provider

	lastFallbackMu  sync.Mutex
	lastFallbackErr string
}

// New creates an adapter over the given providers, keyed by transport kind
func New(cfg *config.Config, providers map[string]provider.Provider) *Adapter {
	observability.EnsureRegistered()

	return &Adapter{
		providers: providers,
		handles:   NewHandleCache(),
		redactor:  logger.NewRedactor(),
		cfg:       cfg,
		active:    make(map[string]provider.Provider),
	}
}

// UpdateConfig swaps in a reloaded configuration. Only model
// enablement and the default model affect turns already admitted.
func (a *Adapter) UpdateConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()
}

// Handles exposes the session handle cache
func (a *Adapter) Handles() *HandleCache {
	return a.handles
}

// LastFallbackError returns the redacted message of the most recent
// recoverable attempt failure
func (a *Adapter) LastFallbackError() string {
	a.lastFallbackMu.Lock()
	defer a.lastFallbackMu.Unlock()
	return a.lastFallbackErr
}

func (a *Adapter) snapshot() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// candidateModels returns the session's bound model followed by its
// declared fallbacks, skipping disabled and unknown entries
func candidateModels(cfg *config.Config, first string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		mc, ok := cfg.Models.Entries[name]
		if !ok || !mc.Enabled {
			return
		}
		out = append(out, name)
	}

	add(first)
	if mc, ok := cfg.Models.Entries[first]; ok {
		for _, fb := range mc.Fallbacks {
			add(fb)
		}
	}
	return out
}

func resolveAPIKey(pc config.ProfileConfig) string {
	if pc.APIKey != "" {
		return pc.APIKey
	}
	if pc.APIKeyEnv != "" {
		return os.Getenv(pc.APIKeyEnv)
	}
	return ""
}

// SendTurn runs the fallback chain for one turn, forwarding every
// provider event to onEvent as it arrives. Fallback never buffers:
// partial output from a failed attempt has already been observed.
func (a *Adapter) SendTurn(ctx context.Context, req TurnRequest, onEvent EventHandler) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"turnstile.adapter",
		"adapter.send_turn",
		attribute.String("turn_id", req.TurnID),
		attribute.String("session", req.SessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	cfg := a.snapshot()
	handle := a.handles.Resolve(req.SessionID, cfg.Models.Default)

	models := candidateModels(cfg, handle.ModelID)
	if len(models) == 0 {
		return fmt.Errorf("no enabled model available for session %s", req.SessionID)
	}

	var attempts []Attempt
	var lastErr error

	for _, modelName := range models {
		mc := cfg.Models.Entries[modelName]

		prov, ok := a.providers[mc.Transport]
		if !ok {
			lastErr = fmt.Errorf("no provider for transport %q", mc.Transport)
			continue
		}

		for _, profileName := range mc.Profiles {
			pc, ok := cfg.Profiles[profileName]
			if !ok {
				lastErr = fmt.Errorf("unknown profile %q for model %s", profileName, modelName)
				continue
			}

			attempts = append(attempts, Attempt{Model: modelName, Profile: profileName})

			a.handles.Bind(req.SessionID, modelName, profileName)

			logger.Info().
				Str("turnId", req.TurnID).
				Str("model", modelName).
				Str("profile", profileName).
				Msg("Trying model attempt")

			err := a.attempt(ctx, prov, mc, req, profileName, resolveAPIKey(pc), onEvent)
			if err == nil {
				return nil
			}
			lastErr = err

			a.lastFallbackMu.Lock()
			a.lastFallbackErr = a.redactor.Redact(err.Error())
			a.lastFallbackMu.Unlock()

			if !IsRecoverable(err) {
				logger.Error().
					Str("turnId", req.TurnID).
					Str("model", modelName).
					Str("profile", profileName).
					Err(err).
					Msg("Fatal attempt error, aborting fallback")
				return err
			}

			observability.RecordFallbackAttempt(modelName)
			logger.Warn().
				Str("turnId", req.TurnID).
				Str("model", modelName).
				Str("profile", profileName).
				Str("error", a.redactor.Redact(err.Error())).
				Msg("Recoverable attempt error, advancing fallback")
		}
	}

	return &ExhaustionError{Attempts: attempts, LastErr: lastErr}
}

// attempt runs one provider invocation and forwards its events
func (a *Adapter) attempt(ctx context.Context, prov provider.Provider, mc config.ModelConfig, req TurnRequest, profile, apiKey string, onEvent EventHandler) error {
	sendReq := provider.SendRequest{
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		ModelID:   mc.ID,
		Profile:   profile,
		APIKey:    apiKey,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		Timeout:   time.Duration(mc.TimeoutSeconds) * time.Second,
	}

	stream, err := prov.SendTurn(ctx, sendReq)
	if err != nil {
		return err
	}

	a.activeMu.Lock()
	a.active[req.TurnID] = prov
	a.activeMu.Unlock()
	defer func() {
		a.activeMu.Lock()
		delete(a.active, req.TurnID)
		a.activeMu.Unlock()
	}()

	for stream.Next() {
		if err := onEvent(stream.Current()); err != nil {
			prov.Cancel(req.TurnID)
			return &ConsumerError{Err: err}
		}
	}
	return stream.Err()
}

// Cancel forwards cancellation to the provider bound to the turn
func (a *Adapter) Cancel(turnID string) bool {
	a.activeMu.Lock()
	prov, ok := a.active[turnID]
	a.activeMu.Unlock()
	if !ok {
		return false
	}
	return prov.Cancel(turnID)
}
