package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/harun/turnstile/internal/logger"
	"github.com/harun/turnstile/internal/observability"
	"github.com/rs/zerolog/log"

	"github.com/harun/turnstile/pkg/protocol"
)

// maxArgBytes is the prompt size above which prompt-as-argument mode
// falls back to standard-input delivery
const maxArgBytes = 128 * 1024

// defaultLivenessTimeout applies when the model config sets none
const defaultLivenessTimeout = 120 * time.Second

// killGracePeriod is how long Cancel waits after SIGTERM before SIGKILL
const killGracePeriod = 3 * time.Second

// SubprocessConfig describes how to launch a backend process
type SubprocessConfig struct {
	Command     string
	Args        []string
	PromptAsArg bool
}

// promptDoc is the turn document handed to the backend
type promptDoc struct {
	Type      string              `json:"type"`
	TurnID    string              `json:"turn_id"`
	SessionID string              `json:"session_id"`
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []Message           `json:"messages"`
	Tools     []protocol.ToolSpec `json:"tools,omitempty"`
}

type processEntry struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	waitDone chan struct{}
}

// SubprocessProvider runs a model backend as a child process and
// translates its framed stdout stream into events
type SubprocessProvider struct {
	cfg      SubprocessConfig
	schemas  *protocol.SchemaCache
	redactor *logger.Redactor

	processes map[string]*processEntry
	mu        sync.Mutex
}

// NewSubprocessProvider creates a subprocess provider. The schema
// cache may be shared with other providers.
func NewSubprocessProvider(cfg SubprocessConfig, schemas *protocol.SchemaCache) *SubprocessProvider {
	if schemas == nil {
		schemas = protocol.NewSchemaCache()
	}
	return &SubprocessProvider{
		cfg:       cfg,
		schemas:   schemas,
		redactor:  logger.NewRedactor(),
		processes: make(map[string]*processEntry),
	}
}

// Kind returns the transport kind
func (p *SubprocessProvider) Kind() string {
	return "subprocess"
}

// SendTurn launches the backend and returns its event stream
func (p *SubprocessProvider) SendTurn(ctx context.Context, req SendRequest) (*Stream, error) {
	doc, err := json.Marshal(promptDoc{
		Type:      "turn",
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		Model:     req.ModelID,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn document: %w", err)
	}

	// Prompt-as-argument mode switches to stdin when the document would
	// blow the platform's argv limit
	asArg := p.cfg.PromptAsArg && len(doc) <= maxArgBytes

	entry, stdout, stderr, err := p.launch(ctx, req, doc, asArg)
	if err != nil && asArg {
		// One retry of the same attempt over stdin
		log.Warn().
			Str("turnId", req.TurnID).
			Err(err).
			Msg("Prompt-as-argument launch failed, retrying over stdin")
		entry, stdout, stderr, err = p.launch(ctx, req, doc, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}

	p.mu.Lock()
	p.processes[req.TurnID] = entry
	p.mu.Unlock()

	stream := NewStream()
	go p.consume(ctx, req, entry, stdout, stderr, stream)

	return stream, nil
}

func (p *SubprocessProvider) launch(ctx context.Context, req SendRequest, doc []byte, asArg bool) (*processEntry, io.ReadCloser, *bytes.Buffer, error) {
	args := append([]string(nil), p.cfg.Args...)
	if asArg {
		args = append(args, string(doc))
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Env = append(os.Environ(),
		"TURNSTILE_PROFILE="+req.Profile,
		"TURNSTILE_MODEL="+req.ModelID,
	)
	if req.APIKey != "" {
		cmd.Env = append(cmd.Env, "TURNSTILE_API_KEY="+req.APIKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	if !asArg {
		go func() {
			_, _ = stdin.Write(doc)
			_, _ = stdin.Write([]byte("\n"))
		}()
	}

	return &processEntry{
		cmd:      cmd,
		stdin:    stdin,
		waitDone: make(chan struct{}),
	}, stdout, &stderr, nil
}

// consume reads the framed stdout stream until done, error, or exit
func (p *SubprocessProvider) consume(ctx context.Context, req SendRequest, entry *processEntry, stdout io.ReadCloser, stderr *bytes.Buffer, stream *Stream) {
	defer p.deregister(req.TurnID, entry)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultLivenessTimeout
	}

	var timedOut bool
	var timedOutMu sync.Mutex
	timer := time.AfterFunc(timeout, func() {
		timedOutMu.Lock()
		timedOut = true
		timedOutMu.Unlock()
		p.terminate(entry)
	})
	defer timer.Stop()

	framer := protocol.NewFramer(stdout, func(string) {
		timer.Reset(timeout)
	})
	decoder := protocol.NewDecoder(req.Tools, p.schemas)

	forwarded := 0
	doneSeen := false
	var streamErr error

	for {
		frame, ok, err := framer.Next()
		if err != nil {
			streamErr = err
			break
		}
		if !ok {
			break
		}

		ev, err := decoder.Decode(frame)
		if err != nil {
			streamErr = err
			break
		}
		if ev == nil {
			continue
		}

		if !stream.Push(ctx, *ev) {
			streamErr = ctx.Err()
			break
		}
		forwarded++

		if ev.Type == protocol.EventDone {
			doneSeen = true
			break
		}
	}

	timer.Stop()

	// After done, closing stdin tells a well-behaved backend to exit
	if doneSeen {
		_ = entry.stdin.Close()
	}

	// A backend that broke the protocol may keep running with stdout
	// open; it must be terminated before the drain below or Wait would
	// block for as long as the process lives
	if streamErr != nil {
		p.terminate(entry)
	}

	// Drain remaining output so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := entry.cmd.Wait()
	close(entry.waitDone)

	timedOutMu.Lock()
	expired := timedOut
	timedOutMu.Unlock()

	switch {
	case expired:
		observability.RecordProviderTimeout(p.Kind())
		stream.Fail(fmt.Errorf("backend liveness timeout after %s", timeout))

	case streamErr != nil:
		stream.Fail(streamErr)

	case waitErr != nil && !doneSeen:
		stream.Fail(fmt.Errorf("backend exited before done: %v: %s",
			waitErr, p.redactor.Redact(stderr.String())))

	case doneSeen:
		stream.Close()

	case forwarded > 0:
		// Clean exit with output but no explicit done: synthesize it
		stream.Push(ctx, protocol.Event{Type: protocol.EventDone})
		stream.Close()

	default:
		stream.Fail(errors.New("backend stream ended without done or output"))
	}
}

// Cancel writes a cancellation message, signals termination, and
// escalates to a forceful kill if the process lingers
func (p *SubprocessProvider) Cancel(turnID string) bool {
	p.mu.Lock()
	entry, ok := p.processes[turnID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.terminate(entry)
	return true
}

// terminate asks the backend to stop and escalates to a forceful kill
// if it has not exited within the grace period
func (p *SubprocessProvider) terminate(entry *processEntry) {
	p.politeCancel(entry)

	go func() {
		select {
		case <-entry.waitDone:
		case <-time.After(killGracePeriod):
			if entry.cmd.Process != nil {
				_ = entry.cmd.Process.Kill()
			}
		}
	}()
}

// politeCancel asks the backend to stop before signalling it
func (p *SubprocessProvider) politeCancel(entry *processEntry) {
	_, _ = entry.stdin.Write([]byte(`{"type":"cancel"}` + "\n"))
	_ = entry.stdin.Close()
	if entry.cmd.Process != nil {
		_ = entry.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *SubprocessProvider) deregister(turnID string, entry *processEntry) {
	p.mu.Lock()
	if p.processes[turnID] == entry {
		delete(p.processes, turnID)
	}
	p.mu.Unlock()
}
