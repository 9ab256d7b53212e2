package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper deletes snapshots older than the retention window on a
// cron schedule
type Sweeper struct {
	store     *Store
	retention time.Duration
	schedule  string
	runner    *cron.Cron
}

// NewSweeper creates a retention sweeper for the store
func NewSweeper(store *Store, retention time.Duration, schedule string) (*Sweeper, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return &Sweeper{
		store:     store,
		retention: retention,
		schedule:  schedule,
	}, nil
}

// Start schedules periodic sweeps
func (s *Sweeper) Start() error {
	s.runner = cron.New()
	if _, err := s.runner.AddFunc(s.schedule, func() {
		if removed, err := s.Sweep(); err != nil {
			log.Error().Err(err).Msg("Snapshot sweep failed")
		} else if removed > 0 {
			log.Info().Int("removed", removed).Msg("Snapshot sweep completed")
		}
	}); err != nil {
		return err
	}

	s.runner.Start()
	log.Info().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Msg("Snapshot sweeper started")
	return nil
}

// Stop halts scheduled sweeps
func (s *Sweeper) Stop() {
	if s.runner != nil {
		s.runner.Stop()
	}
}

// Sweep removes snapshots past retention and returns how many
func (s *Sweeper) Sweep() (int, error) {
	cutoff := time.Now().Add(-s.retention)

	entries, err := os.ReadDir(s.store.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.store.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
