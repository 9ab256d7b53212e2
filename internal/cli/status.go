package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/pkg/runtime"
	"github.com/harun/turnstile/pkg/snapshot"
)

var (
	statusSession string
	statusTurn    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect persisted turn snapshots",
	Long: `Inspect persisted turn snapshots for a session. Without --turn the
snapshotted turn ids are listed; with --turn the turn's event history is
printed.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "session id (required)")
	statusCmd.Flags().StringVar(&statusTurn, "turn", "", "turn id")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusSession == "" {
		return fmt.Errorf("--session is required")
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := snapshot.NewStore(cfg.Snapshots.Dir)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	if statusTurn == "" {
		turns, err := store.List(statusSession)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		if len(turns) == 0 {
			fmt.Printf("No snapshots for session %s\n", statusSession)
			return nil
		}
		for _, id := range turns {
			fmt.Println(id)
		}
		return nil
	}

	var snap runtime.Snapshot
	if err := store.Read(statusSession, statusTurn, &snap); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	for _, ev := range snap.Events {
		line := fmt.Sprintf("%s  %-10s", ev.Timestamp.Format("15:04:05.000"), ev.Type)
		switch {
		case ev.Text != "":
			line += "  " + ev.Text
		case ev.Tool != nil:
			line += "  " + ev.Tool.Name
		case ev.Error != "":
			line += "  " + ev.Error
		case ev.Chars > 0:
			line += fmt.Sprintf("  %d chars", ev.Chars)
		}
		fmt.Println(line)
	}
	return nil
}
