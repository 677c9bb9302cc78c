package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// Default returns a validated configuration with every default applied.
// Used when no config file is given.
func Default() (*Config, *Secrets, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, *Secrets, error) {
	// Apply defaults
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	// Load secrets from environment
	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		// Long enough for a synthesis round trip on propose
		cfg.Server.WriteTimeoutSeconds = 180
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}

	// Polling cadence
	if cfg.Polling.FastSeconds == 0 {
		cfg.Polling.FastSeconds = 2
	}
	if cfg.Polling.NormalSeconds == 0 {
		cfg.Polling.NormalSeconds = 5
	}
	if cfg.Polling.SlowSeconds == 0 {
		cfg.Polling.SlowSeconds = 10
	}
	if cfg.Polling.BackoffInitialMillis == 0 {
		cfg.Polling.BackoffInitialMillis = 500
	}
	if cfg.Polling.BackoffMaxSeconds == 0 {
		cfg.Polling.BackoffMaxSeconds = 10
	}
	if cfg.Polling.BackoffMaxElapsedSeconds == 0 {
		cfg.Polling.BackoffMaxElapsedSeconds = 120
	}

	// Synthesis model defaults
	model := &cfg.Synthesis
	if model.Temperature == 0 {
		model.Temperature = 0.3
	}
	if model.TopP == 0 {
		model.TopP = 1.0
	}
	if model.MaxOutputTokens == 0 {
		model.MaxOutputTokens = 4096
	}
	if model.ContextSize == 0 {
		model.ContextSize = 32768
	}
	if model.RateLimitPerMinute == 0 {
		model.RateLimitPerMinute = 60
	}
	if model.MaxBackoffSeconds == 0 {
		model.MaxBackoffSeconds = 120 // 2 minutes default
	}
	// NOTE: In TOML, we can't distinguish 0 from unset, so:
	// - Unset (0) → defaults to 3
	// - Explicitly set to -1 → no retries
	if model.MaxRetries == 0 {
		model.MaxRetries = 3
	}
	if model.HTTPTimeoutSeconds == 0 {
		model.HTTPTimeoutSeconds = 120
	}

	// Refinement templates
	if cfg.Refinement.PromptTemplate == "" {
		cfg.Refinement.PromptTemplate = GetDefaultRefinementTemplate()
	}
	if cfg.Refinement.SystemPrompt == "" {
		cfg.Refinement.SystemPrompt = GetDefaultRefinementSystemPrompt()
	}
	if cfg.Refinement.MaxPromptLength == 0 {
		cfg.Refinement.MaxPromptLength = 4000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
