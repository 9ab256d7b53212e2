package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnstile/internal/config"
)

func testModelConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Profiles = map[string]config.ProfileConfig{
		"primary": {APIKey: "sk-ant-test"},
	}
	cfg.Models.Default = "local"
	cfg.Models.Entries = map[string]config.ModelConfig{
		"local": {
			ID:        "claude-local",
			Transport: "subprocess",
			Command:   "claude",
			Profiles:  []string{"primary"},
			Enabled:   true,
		},
		"hosted": {
			ID:        "claude-hosted",
			Transport: "anthropic",
			BaseURL:   "https://api.example.com",
			Profiles:  []string{"primary"},
			Enabled:   true,
		},
		"disabled": {
			ID:        "gpt-unused",
			Transport: "openai",
			Profiles:  []string{"primary"},
			Enabled:   false,
		},
	}
	return cfg
}

func TestBuildEngine(t *testing.T) {
	cfg := testModelConfig()
	cfg.DataDir = t.TempDir()
	cfg.Snapshots.Dir = t.TempDir()

	eng, err := buildEngine(cfg)
	require.NoError(t, err)
	defer eng.Close()

	assert.NotNil(t, eng.rt)
	assert.NotNil(t, eng.adapter)
	assert.NotNil(t, eng.memory)
}

func TestBuildEngineNoModels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	_, err := buildEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled models")
}
