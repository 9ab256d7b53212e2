package config

// Config represents the main Turnstile configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Credential profiles
	Profiles map[string]ProfileConfig `json:"profiles" mapstructure:"profiles"`

	// Queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Turn execution
	Turn TurnConfig `json:"turn" mapstructure:"turn"`

	// Snapshots
	Snapshots SnapshotsConfig `json:"snapshots" mapstructure:"snapshots"`

	// Checkpoints
	Checkpoint CheckpointConfig `json:"checkpoint" mapstructure:"checkpoint"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ModelsConfig holds the model registry and default selection
type ModelsConfig struct {
	Default string                 `json:"default" mapstructure:"default"`
	Entries map[string]ModelConfig `json:"entries" mapstructure:"entries"`
}

// ModelConfig describes one model backend
type ModelConfig struct {
	// ID is the backend model identifier sent on the wire
	ID string `json:"id" mapstructure:"id"`

	// Transport kind: subprocess, anthropic, openai
	Transport string `json:"transport" mapstructure:"transport"`

	// Subprocess transport
	Command     string   `json:"command,omitempty" mapstructure:"command"`
	Args        []string `json:"args,omitempty" mapstructure:"args"`
	PromptAsArg bool     `json:"prompt_as_arg,omitempty" mapstructure:"prompt_as_arg"`

	// HTTP transports
	BaseURL string `json:"base_url,omitempty" mapstructure:"base_url"`

	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Profiles       []string `json:"profiles" mapstructure:"profiles"`
	Fallbacks      []string `json:"fallbacks,omitempty" mapstructure:"fallbacks"`
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
}

// ProfileConfig holds one credential profile
type ProfileConfig struct {
	APIKey string `json:"api_key,omitempty" mapstructure:"api_key"`
	// APIKeyEnv names an environment variable that holds the key
	APIKeyEnv string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
}

// QueueConfig holds session queue limits and the overflow policy
type QueueConfig struct {
	SoftLimit int `json:"soft_limit" mapstructure:"soft_limit"`
	HardLimit int `json:"hard_limit" mapstructure:"hard_limit"`
	// OverflowPolicy: defer-new or drop-oldest
	OverflowPolicy string `json:"overflow_policy" mapstructure:"overflow_policy"`
}

// TurnConfig holds per-turn execution knobs
type TurnConfig struct {
	// SnapshotInterval persists the event log every N runtime events
	SnapshotInterval int `json:"snapshot_interval" mapstructure:"snapshot_interval"`
	// CompactionThreshold is the accumulated-text size (chars) that triggers compaction
	CompactionThreshold int `json:"compaction_threshold" mapstructure:"compaction_threshold"`
	// PromptBudget bounds the assembled message list in characters
	PromptBudget int `json:"prompt_budget" mapstructure:"prompt_budget"`
	// ToolTimeoutSeconds bounds a single tool execution
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// SnapshotsConfig holds snapshot store settings
type SnapshotsConfig struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
	// SweepSchedule is a cron expression for the retention sweeper
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// CheckpointConfig holds git checkpoint settings
type CheckpointConfig struct {
	Enabled       bool     `json:"enabled" mapstructure:"enabled"`
	RepoDir       string   `json:"repo_dir,omitempty" mapstructure:"repo_dir"`
	VerifyCommand []string `json:"verify_command,omitempty" mapstructure:"verify_command"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Entries: map[string]ModelConfig{},
		},
		Profiles: map[string]ProfileConfig{},
		Queue: QueueConfig{
			SoftLimit:      4,
			HardLimit:      16,
			OverflowPolicy: "defer-new",
		},
		Turn: TurnConfig{
			SnapshotInterval:    10,
			CompactionThreshold: 64 * 1024,
			PromptBudget:        128 * 1024,
			ToolTimeoutSeconds:  30,
		},
		Snapshots: SnapshotsConfig{
			RetentionHours: 72,
			SweepSchedule:  "0 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}
