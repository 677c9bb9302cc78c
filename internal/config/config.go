package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Polling    PollingConfig    `toml:"polling"`
	Synthesis  ModelConfig      `toml:"synthesis"`
	Refinement RefinementConfig `toml:"refinement"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr                   string `toml:"addr"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	MetricsPath            string `toml:"metrics_path"` // Empty disables /metrics
}

// StorageConfig holds durable storage settings
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// PollingConfig holds the progress polling cadence and failure backoff
type PollingConfig struct {
	FastSeconds              int `toml:"fast_seconds"`   // pre-processing and processing (default: 2)
	NormalSeconds            int `toml:"normal_seconds"` // post-processing (default: 5)
	SlowSeconds              int `toml:"slow_seconds"`   // paused (default: 10)
	BackoffInitialMillis     int `toml:"backoff_initial_millis"`
	BackoffMaxSeconds        int `toml:"backoff_max_seconds"`
	BackoffMaxElapsedSeconds int `toml:"backoff_max_elapsed_seconds"` // 0 = retry forever
}

// ModelConfig represents configuration for the synthesis model endpoint
type ModelConfig struct {
	Enabled            bool    `toml:"enabled"`
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxBackoffSeconds  int     `toml:"max_backoff_seconds"`  // Optional: max backoff duration (default 120)
	MaxRetries         int     `toml:"max_retries"`          // Optional: max retry attempts (default 3)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // Optional: HTTP request timeout (default 120)
	UseJSONMode        bool    `toml:"use_json_mode"`        // Enable structured JSON output mode
}

// RefinementConfig holds the refinement prompt templates
type RefinementConfig struct {
	PromptTemplate  string `toml:"prompt_template"`
	SystemPrompt    string `toml:"system_prompt"`
	MaxPromptLength int    `toml:"max_prompt_length"` // Max characters in a user refinement prompt
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file"`  // Optional JSON log file
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxPromptLength is the upper bound for refinement.max_prompt_length
	MaxPromptLength = 20000
	// MaxRateLimitPerMinute is the maximum allowed synthesis rate limit
	MaxRateLimitPerMinute = 10000
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ReadTimeoutSeconds < 0 || c.Server.WriteTimeoutSeconds < 0 || c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return fmt.Errorf("server.metrics_path must start with / (got %s)", c.Server.MetricsPath)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	if c.Polling.FastSeconds < 1 || c.Polling.NormalSeconds < 1 || c.Polling.SlowSeconds < 1 {
		return fmt.Errorf("polling intervals must be at least 1 second")
	}
	if c.Polling.FastSeconds > c.Polling.NormalSeconds || c.Polling.NormalSeconds > c.Polling.SlowSeconds {
		return fmt.Errorf("polling intervals must satisfy fast <= normal <= slow (got %d, %d, %d)",
			c.Polling.FastSeconds, c.Polling.NormalSeconds, c.Polling.SlowSeconds)
	}
	if c.Polling.BackoffInitialMillis < 1 {
		return fmt.Errorf("polling.backoff_initial_millis must be at least 1")
	}
	if c.Polling.BackoffMaxElapsedSeconds < 0 {
		return fmt.Errorf("polling.backoff_max_elapsed_seconds must not be negative")
	}

	if c.Synthesis.Enabled {
		if err := validateModelConfig("synthesis", c.Synthesis); err != nil {
			return err
		}
		if c.Refinement.PromptTemplate == "" {
			return fmt.Errorf("refinement.prompt_template is required when synthesis is enabled")
		}
	}
	if c.Refinement.MaxPromptLength < 1 || c.Refinement.MaxPromptLength > MaxPromptLength {
		return fmt.Errorf("refinement.max_prompt_length must be between 1 and %d (got %d)", MaxPromptLength, c.Refinement.MaxPromptLength)
	}

	validLevel := false
	for _, l := range logLevels {
		if strings.ToLower(c.Logging.Level) == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("logging.level must be one of: %s (got %s)", strings.Join(logLevels, ", "), c.Logging.Level)
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("%s.max_output_tokens must be at least 1", name)
	}
	if mc.ContextSize < 1 {
		return fmt.Errorf("%s.context_size must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 || mc.RateLimitPerMinute > MaxRateLimitPerMinute {
		return fmt.Errorf("%s.rate_limit_per_minute must be between 1 and %d", name, MaxRateLimitPerMinute)
	}
	if mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// ReadTimeout returns the server read timeout
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the server write timeout
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// HTTPTimeout returns the synthesis request timeout (0 = none)
func (m ModelConfig) HTTPTimeout() time.Duration {
	return time.Duration(m.HTTPTimeoutSeconds) * time.Second
}

// MaxBackoff returns the cap on a single retry delay
func (m ModelConfig) MaxBackoff() time.Duration {
	return time.Duration(m.MaxBackoffSeconds) * time.Second
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Load generic API key (provider-agnostic)
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Load provider-specific API keys (optional, override generic)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
		secrets.APIKeys["nvidia"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if s == nil {
		return ""
	}
	if provider := GetProviderName(baseURL); provider != baseURL {
		if key := s.APIKeys[provider]; key != "" {
			return key
		}
	}

	// Fall back to generic API_KEY for any OpenAI-compatible provider
	if key := s.APIKeys["generic"]; key != "" {
		return key
	}

	// If no key found, return empty (could be local server without auth)
	return ""
}

// GetProviderName extracts a provider name from a base URL for rate limiting
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	}
	// For localhost or unknown providers, use the full base URL as provider name
	return baseURL
}
