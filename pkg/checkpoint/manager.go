package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// commandTimeout bounds any single git or verify invocation
const commandTimeout = 2 * time.Minute

// Handle identifies one reliability checkpoint
type Handle struct {
	TurnID string
	// HeadRef is the commit the worktree was based on
	HeadRef string
	// StashRef captures uncommitted changes; empty when the tree was clean
	StashRef string
	Created  time.Time
}

// VerifyResult reports the outcome of the reliability checks
type VerifyResult struct {
	OK            bool
	FailedCommand string
	Output        string
}

// Manager creates and rolls back git checkpoints around mutating
// tool calls
type Manager struct {
	repoDir       string
	verifyCommand []string
}

// NewManager creates a checkpoint manager for the repository
func NewManager(repoDir string, verifyCommand []string) (*Manager, error) {
	if repoDir == "" {
		return nil, errors.New("repository directory is required")
	}
	return &Manager{
		repoDir:       repoDir,
		verifyCommand: verifyCommand,
	}, nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %v: %s",
			strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// CreateCheckpoint records the current worktree state without
// modifying it
func (m *Manager) CreateCheckpoint(ctx context.Context, turnID string) (*Handle, error) {
	head, err := m.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	// stash create leaves the worktree untouched and returns empty
	// output when there is nothing to capture
	stash, err := m.git(ctx, "stash", "create", "checkpoint "+turnID)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		TurnID:   turnID,
		HeadRef:  head,
		StashRef: stash,
		Created:  time.Now(),
	}

	log.Debug().
		Str("turnId", turnID).
		Str("head", head).
		Bool("dirty", stash != "").
		Msg("Checkpoint created")
	return h, nil
}

// VerifyReliabilityChecks runs the configured verify command. A
// missing command counts as passing.
func (m *Manager) VerifyReliabilityChecks(ctx context.Context) (*VerifyResult, error) {
	if len(m.verifyCommand) == 0 {
		return &VerifyResult{OK: true}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.verifyCommand[0], m.verifyCommand[1:]...)
	cmd.Dir = m.repoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return &VerifyResult{
			OK:            false,
			FailedCommand: strings.Join(m.verifyCommand, " "),
			Output:        strings.TrimSpace(out.String()),
		}, nil
	}
	return &VerifyResult{OK: true}, nil
}

// Rollback restores the worktree to the checkpointed state
func (m *Manager) Rollback(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("nil checkpoint handle")
	}

	if _, err := m.git(ctx, "reset", "--hard", h.HeadRef); err != nil {
		return err
	}
	if h.StashRef != "" {
		if _, err := m.git(ctx, "stash", "apply", h.StashRef); err != nil {
			return err
		}
	}

	log.Warn().
		Str("turnId", h.TurnID).
		Str("head", h.HeadRef).
		Msg("Rolled back to checkpoint")
	return nil
}

// Cleanup releases the checkpoint. The stash-created commit is
// unreferenced and left to git's garbage collection.
func (m *Manager) Cleanup(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.StashRef = ""
	h.HeadRef = ""
	return nil
}
