package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, transport string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", transport)
	}

	switch transport {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateOverflowPolicy validates the queue overflow policy
func (v *Validator) ValidateOverflowPolicy(policy string) error {
	validPolicies := []string{"defer-new", "drop-oldest"}
	for _, valid := range validPolicies {
		if policy == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid overflow policy: %s (must be one of: %s)", policy, strings.Join(validPolicies, ", "))
}

// ValidateQueueLimits validates the soft and hard queue depth limits
func (v *Validator) ValidateQueueLimits(soft, hard int) error {
	if hard <= 0 {
		return fmt.Errorf("queue hard limit must be positive, got %d", hard)
	}
	if soft <= 0 {
		return fmt.Errorf("queue soft limit must be positive, got %d", soft)
	}
	if soft > hard {
		return fmt.Errorf("queue soft limit (%d) cannot exceed hard limit (%d)", soft, hard)
	}
	return nil
}

// ValidateTransport validates a model transport kind
func (v *Validator) ValidateTransport(transport string) error {
	validTransports := []string{"subprocess", "anthropic", "openai"}
	for _, valid := range validTransports {
		if transport == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid transport: %s (must be one of: %s)", transport, strings.Join(validTransports, ", "))
}

// ValidateCronSchedule validates a cron expression
func (v *Validator) ValidateCronSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("cron schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateModel validates a model entry against the rest of the config
func (v *Validator) ValidateModel(name string, mc ModelConfig, cfg *Config) error {
	if err := v.ValidateTransport(mc.Transport); err != nil {
		return fmt.Errorf("model %s: %w", name, err)
	}

	if mc.Transport == "subprocess" && mc.Command == "" {
		return fmt.Errorf("model %s: subprocess transport requires a command", name)
	}

	if len(mc.Profiles) == 0 {
		return fmt.Errorf("model %s: at least one credential profile is required", name)
	}
	for _, profile := range mc.Profiles {
		if _, ok := cfg.Profiles[profile]; !ok {
			return fmt.Errorf("model %s: unknown profile %q", name, profile)
		}
	}

	for _, fallback := range mc.Fallbacks {
		if _, ok := cfg.Models.Entries[fallback]; !ok {
			return fmt.Errorf("model %s: unknown fallback model %q", name, fallback)
		}
		if fallback == name {
			return fmt.Errorf("model %s: cannot fall back to itself", name)
		}
	}

	if mc.TimeoutSeconds < 0 {
		return fmt.Errorf("model %s: timeout cannot be negative", name)
	}

	return nil
}

// ValidateConfig validates the whole configuration
func (v *Validator) ValidateConfig(cfg *Config) error {
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if err := v.ValidateOverflowPolicy(cfg.Queue.OverflowPolicy); err != nil {
		return err
	}

	if err := v.ValidateQueueLimits(cfg.Queue.SoftLimit, cfg.Queue.HardLimit); err != nil {
		return err
	}

	if cfg.Snapshots.SweepSchedule != "" {
		if err := v.ValidateCronSchedule(cfg.Snapshots.SweepSchedule); err != nil {
			return err
		}
	}

	if cfg.Models.Default != "" {
		if _, ok := cfg.Models.Entries[cfg.Models.Default]; !ok {
			return fmt.Errorf("default model %q is not configured", cfg.Models.Default)
		}
	}

	for name, mc := range cfg.Models.Entries {
		if err := v.ValidateModel(name, mc, cfg); err != nil {
			return err
		}
	}

	return nil
}
