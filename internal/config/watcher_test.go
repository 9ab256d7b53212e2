package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "turnstile.json")

	err := os.WriteFile(configPath, []byte(`{"queue": {"soft_limit": 4, "hard_limit": 16, "overflow_policy": "defer-new"}}`), 0644)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(configPath, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	err = os.WriteFile(configPath, []byte(`{"queue": {"soft_limit": 2, "hard_limit": 8, "overflow_policy": "drop-oldest"}}`), 0644)
	require.NoError(t, err)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "drop-oldest", cfg.Queue.OverflowPolicy)
		assert.Equal(t, 8, cfg.Queue.HardLimit)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload callback not invoked")
	}
}

func TestWatcherKeepsPreviousOnInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "turnstile.json")

	err := os.WriteFile(configPath, []byte(`{}`), 0644)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(configPath, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Invalid config must not trigger the callback
	err = os.WriteFile(configPath, []byte(`{"queue": {"soft_limit": 20, "hard_limit": 8, "overflow_policy": "defer-new"}}`), 0644)
	require.NoError(t, err)

	select {
	case <-reloaded:
		t.Fatal("invalid config should not be applied")
	case <-time.After(1 * time.Second):
	}
}
