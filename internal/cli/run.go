package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/internal/logger"
	"github.com/harun/turnstile/internal/tracing"

	"github.com/harun/turnstile/pkg/adapter"
	"github.com/harun/turnstile/pkg/checkpoint"
	"github.com/harun/turnstile/pkg/memstore"
	"github.com/harun/turnstile/pkg/prompt"
	"github.com/harun/turnstile/pkg/protocol"
	"github.com/harun/turnstile/pkg/provider"
	"github.com/harun/turnstile/pkg/runtime"
	"github.com/harun/turnstile/pkg/snapshot"
	"github.com/harun/turnstile/pkg/toolrouter"
	"github.com/harun/turnstile/pkg/turnqueue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the turn engine",
	Long: `Run the turn engine in the foreground. Turn requests are read from
standard input as JSON lines ({"session_id": "...", "message": "..."}) and
turn lifecycle events are written to standard output as JSON lines.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// inboundTurn is one stdin line in the run loop
type inboundTurn struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	System    string `json:"system,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if err := tracing.InitOpenTelemetry("turnstile"); err != nil {
		log.Warn().Err(err).Msg("OpenTelemetry initialization failed, continuing without tracing")
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Hot-reload model enable/disable flags and the default model
	configPath, err := loader.ConfigPath()
	if err == nil {
		watcher, werr := config.NewWatcher(configPath, func(next *config.Config) {
			eng.adapter.UpdateConfig(next)
			log.Info().Msg("Configuration reloaded")
		})
		if werr != nil {
			log.Warn().Err(werr).Msg("Config watcher unavailable")
		} else if serr := watcher.Start(); serr != nil {
			log.Warn().Err(serr).Msg("Config watcher failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Msg("Turnstile engine started")
	return runLoop(ctx, eng)
}

// runLoop drives the stdin/stdout JSON-lines session until EOF or signal
func runLoop(ctx context.Context, eng *engine) error {
	events, unsubscribe := eng.rt.Hub().Subscribe()
	defer unsubscribe()

	enc := json.NewEncoder(os.Stdout)
	go func() {
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				log.Error().Err(err).Msg("Failed to write event")
			}
		}
	}()

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var in inboundTurn
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			log.Warn().Err(err).Msg("Skipping malformed turn request")
			continue
		}

		h, err := eng.rt.Submit(ctx, runtime.TurnRequest{
			SessionID: in.SessionID,
			Messages:  []provider.Message{{Role: "user", Content: in.Message}},
		})
		if err != nil {
			log.Error().Err(err).Str("session", in.SessionID).Msg("Turn rejected")
			continue
		}

		wg.Add(1)
		go func(h *runtime.Handle, session string) {
			defer wg.Done()
			if _, err := h.Wait(ctx); err != nil {
				log.Error().Err(err).Str("session", session).Str("turnId", h.TurnID).Msg("Turn failed")
			}
		}(h, in.SessionID)
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("Input stream error")
	}

	wg.Wait()
	// Give the hub goroutine a moment to drain terminal events
	time.Sleep(50 * time.Millisecond)
	return nil
}

// engine bundles the wired components so shutdown can unwind them
type engine struct {
	rt      *runtime.Runtime
	adapter *adapter.Adapter
	queue   *turnqueue.Queue
	memory  *memstore.Store
	sweeper *snapshot.Sweeper
}

func (e *engine) Close() {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	e.queue.Shutdown()
	if e.memory != nil {
		if err := e.memory.Close(); err != nil {
			log.Error().Err(err).Msg("Memory store close failed")
		}
	}
}

// buildEngine wires providers, adapter, queue, stores, and the runtime
// from the loaded configuration
func buildEngine(cfg *config.Config) (*engine, error) {
	schemas := protocol.NewSchemaCache()
	providers := make(map[string]provider.Provider)

	if mc, ok := transportModel(cfg, "subprocess"); ok {
		providers["subprocess"] = provider.NewSubprocessProvider(provider.SubprocessConfig{
			Command:     mc.Command,
			Args:        mc.Args,
			PromptAsArg: mc.PromptAsArg,
		}, schemas)
	}
	if mc, ok := transportModel(cfg, "anthropic"); ok {
		providers["anthropic"] = provider.NewAnthropicProvider(mc.BaseURL, schemas)
	}
	if mc, ok := transportModel(cfg, "openai"); ok {
		providers["openai"] = provider.NewOpenAIProvider(mc.BaseURL, schemas)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no enabled models configured")
	}

	ad := adapter.New(cfg, providers)

	queue := turnqueue.New(turnqueue.Options{
		SoftLimit:      cfg.Queue.SoftLimit,
		HardLimit:      cfg.Queue.HardLimit,
		OverflowPolicy: turnqueue.Policy(cfg.Queue.OverflowPolicy),
	})

	memory, err := memstore.Open(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		queue.Shutdown()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	snaps, err := snapshot.NewStore(cfg.Snapshots.Dir)
	if err != nil {
		queue.Shutdown()
		memory.Close()
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	var sweeper *snapshot.Sweeper
	if cfg.Snapshots.RetentionHours > 0 {
		retention := time.Duration(cfg.Snapshots.RetentionHours) * time.Hour
		sweeper, err = snapshot.NewSweeper(snaps, retention, cfg.Snapshots.SweepSchedule)
		if err != nil {
			log.Warn().Err(err).Msg("Snapshot sweeper unavailable")
		} else if err := sweeper.Start(); err != nil {
			log.Warn().Err(err).Msg("Snapshot sweeper failed to start")
			sweeper = nil
		}
	}

	var checkpoints *checkpoint.Manager
	if cfg.Checkpoint.Enabled {
		checkpoints, err = checkpoint.NewManager(cfg.Checkpoint.RepoDir, cfg.Checkpoint.VerifyCommand)
		if err != nil {
			log.Warn().Err(err).Msg("Checkpoint manager unavailable, continuing without")
			checkpoints = nil
		}
	}

	router := toolrouter.New(schemas,
		toolrouter.WithTimeout(time.Duration(cfg.Turn.ToolTimeoutSeconds)*time.Second))

	assembler := prompt.New(memory, cfg.Turn.PromptBudget)

	rt := runtime.New(runtime.Deps{
		Queue:       queue,
		Adapter:     ad,
		Assembler:   assembler,
		Router:      router,
		Memory:      memory,
		Snapshots:   snaps,
		Checkpoints: checkpoints,
	}, cfg.Turn)

	return &engine{
		rt:      rt,
		adapter: ad,
		queue:   queue,
		memory:  memory,
		sweeper: sweeper,
	}, nil
}

// transportModel picks the model entry whose launch settings configure
// the provider for a transport kind. The default model wins; otherwise
// the first enabled entry in name order.
func transportModel(cfg *config.Config, kind string) (config.ModelConfig, bool) {
	if mc, ok := cfg.Models.Entries[cfg.Models.Default]; ok && mc.Transport == kind && mc.Enabled {
		return mc, true
	}

	names := make([]string, 0, len(cfg.Models.Entries))
	for name := range cfg.Models.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mc := cfg.Models.Entries[name]
		if mc.Transport == kind && mc.Enabled {
			return mc, true
		}
	}
	return config.ModelConfig{}, false
}
