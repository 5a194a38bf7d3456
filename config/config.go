// Package config provides configuration loading and management for Dossier.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verity-labs/dossier/recovery"
)

// Config represents the complete Dossier configuration
type Config struct {
	Worker   WorkerConfig    `yaml:"worker"`
	NATS     NATSConfig      `yaml:"nats"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Recovery recovery.Config `yaml:"recovery"`
	Consult  ConsultConfig   `yaml:"consult"`
	Rules    RulesConfig     `yaml:"rules"`
	Audit    AuditConfig     `yaml:"audit"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// WorkerConfig configures the LLM worker endpoint
type WorkerConfig struct {
	// Provider is the worker API flavor ("anthropic", "openai", "ollama")
	Provider string `yaml:"provider"`
	// Endpoint is the API base URL (empty = provider default)
	Endpoint string `yaml:"endpoint"`
	// Model is the model identifier sent to the provider
	Model string `yaml:"model"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens limits response length (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the maximum time to wait for worker responses
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL. Empty runs without NATS: in-memory
	// checkpoints, no human consultation channel, no event publication.
	URL string `yaml:"url"`
}

// DispatchConfig configures the worker call dispatcher
type DispatchConfig struct {
	// MaxConcurrentCalls is the process-global cap on in-flight worker calls
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// CallTimeout bounds a single worker call
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ConsultConfig configures the consultation manager
type ConsultConfig struct {
	// Deadline is how long a consultation waits for a human answer
	Deadline time.Duration `yaml:"deadline"`
	// SweepInterval is how often overdue pending requests are resolved
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RulesConfig configures the orchestration rules source
type RulesConfig struct {
	// Path is the rules YAML file (empty = built-in defaults)
	Path string `yaml:"path"`
	// Watch enables hot reload of the rules file
	Watch bool `yaml:"watch"`
}

// AuditConfig configures the audit trail
type AuditConfig struct {
	// SQLitePath is the local audit database (empty = NATS-only or disabled)
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Provider:    "ollama",
			Endpoint:    "http://localhost:11434/v1",
			Model:       "qwen2.5:32b",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		NATS: NATSConfig{
			URL: "",
		},
		Dispatch: DispatchConfig{
			MaxConcurrentCalls: 8,
			CallTimeout:        5 * time.Minute,
		},
		Recovery: recovery.DefaultConfig(),
		Consult: ConsultConfig{
			Deadline:      24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Rules: RulesConfig{
			Path:  "",
			Watch: false,
		},
		Audit: AuditConfig{
			SQLitePath: "",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Worker.Provider == "" {
		return fmt.Errorf("worker.provider is required")
	}
	if c.Worker.Model == "" {
		return fmt.Errorf("worker.model is required")
	}
	if c.Worker.Temperature < 0 || c.Worker.Temperature > 1 {
		return fmt.Errorf("worker.temperature must be between 0 and 1")
	}
	if c.Dispatch.MaxConcurrentCalls < 1 {
		return fmt.Errorf("dispatch.max_concurrent_calls must be at least 1")
	}
	if c.Dispatch.CallTimeout <= 0 {
		return fmt.Errorf("dispatch.call_timeout must be positive")
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if c.Consult.Deadline <= 0 {
		return fmt.Errorf("consult.deadline must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Worker
	if other.Worker.Provider != "" {
		c.Worker.Provider = other.Worker.Provider
	}
	if other.Worker.Endpoint != "" {
		c.Worker.Endpoint = other.Worker.Endpoint
	}
	if other.Worker.Model != "" {
		c.Worker.Model = other.Worker.Model
	}
	if other.Worker.Temperature != 0 {
		c.Worker.Temperature = other.Worker.Temperature
	}
	if other.Worker.MaxTokens != 0 {
		c.Worker.MaxTokens = other.Worker.MaxTokens
	}
	if other.Worker.Timeout != 0 {
		c.Worker.Timeout = other.Worker.Timeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Dispatch
	if other.Dispatch.MaxConcurrentCalls != 0 {
		c.Dispatch.MaxConcurrentCalls = other.Dispatch.MaxConcurrentCalls
	}
	if other.Dispatch.CallTimeout != 0 {
		c.Dispatch.CallTimeout = other.Dispatch.CallTimeout
	}

	// Recovery
	if other.Recovery.MaxAttempts != 0 {
		c.Recovery.MaxAttempts = other.Recovery.MaxAttempts
	}
	if other.Recovery.BackoffBase != 0 {
		c.Recovery.BackoffBase = other.Recovery.BackoffBase
	}
	if other.Recovery.BackoffMultiplier != 0 {
		c.Recovery.BackoffMultiplier = other.Recovery.BackoffMultiplier
	}
	if other.Recovery.MaxBackoff != 0 {
		c.Recovery.MaxBackoff = other.Recovery.MaxBackoff
	}
	if len(other.Recovery.Overrides) > 0 {
		c.Recovery.Overrides = other.Recovery.Overrides
	}

	// Consult
	if other.Consult.Deadline != 0 {
		c.Consult.Deadline = other.Consult.Deadline
	}
	if other.Consult.SweepInterval != 0 {
		c.Consult.SweepInterval = other.Consult.SweepInterval
	}

	// Rules
	if other.Rules.Path != "" {
		c.Rules.Path = other.Rules.Path
		c.Rules.Watch = other.Rules.Watch
	}

	// Audit
	if other.Audit.SQLitePath != "" {
		c.Audit.SQLitePath = other.Audit.SQLitePath
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
