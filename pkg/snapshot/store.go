package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/turnstile/internal/observability"
)

// Store persists one snapshot file per (session, turn) pair. Files are
// rewritten whole on every checkpoint; writes go through a temp file
// and rename so a crash never leaves a torn snapshot.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func (s *Store) path(sessionID, turnID string) string {
	return filepath.Join(s.dir, sanitize(sessionID)+"__"+sanitize(turnID)+".json")
}

// Write persists the payload for the (session, turn) pair
func (s *Store) Write(sessionID, turnID string, payload interface{}) error {
	start := time.Now()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	target := s.path(sessionID, turnID)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	observability.RecordSnapshotWrite(time.Since(start))
	return nil
}

// Read loads the snapshot for the (session, turn) pair into out
func (s *Store) Read(sessionID, turnID string, out interface{}) error {
	data, err := os.ReadFile(s.path(sessionID, turnID))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Exists reports whether a snapshot is present for the pair
func (s *Store) Exists(sessionID, turnID string) bool {
	_, err := os.Stat(s.path(sessionID, turnID))
	return err == nil
}

// List returns the turn ids with snapshots for the session
func (s *Store) List(sessionID string) ([]string, error) {
	prefix := sanitize(sessionID) + "__"

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var turns []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		turns = append(turns, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
	}
	return turns, nil
}

// Delete removes the snapshot for the pair, if present
func (s *Store) Delete(sessionID, turnID string) error {
	err := os.Remove(s.path(sessionID, turnID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
