package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document for the coordination
// service, loaded from concord.yml.
type Config struct {
	Version      string             `yaml:"version"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Retry        RetryConfig        `yaml:"retry"`
	Resolver     ResolverConfig     `yaml:"resolver"`
	Sync         SyncConfig         `yaml:"sync"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Server       ServerConfig       `yaml:"server"`
}

// BreakerConfig configures per-participant circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // failures within the window before opening
	MonitoringWindow time.Duration `yaml:"monitoring_window"` // rolling failure window
	ResetTimeout     time.Duration `yaml:"reset_timeout"`     // open -> half-open delay
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	CallTimeout      time.Duration `yaml:"call_timeout"` // hard per-invocation timeout
	HealthCheck      bool          `yaml:"health_check"` // probe participants while open
	HealthInterval   time.Duration `yaml:"health_interval"`
}

// RetryConfig configures the error classifier and retry executor.
type RetryConfig struct {
	MaxAttempts      int                       `yaml:"max_attempts"`
	BaseDelay        time.Duration             `yaml:"base_delay"`
	MaxDelay         time.Duration             `yaml:"max_delay"`
	Multiplier       float64                   `yaml:"multiplier"`
	Jitter           bool                      `yaml:"jitter"` // +/-25% when enabled
	UseBreaker       bool                      `yaml:"use_breaker"`
	CategoryPolicies map[string]CategoryPolicy `yaml:"category_policies,omitempty"`
}

// CategoryPolicy overrides the default retryability and severity for one
// error category.
type CategoryPolicy struct {
	Retryable *bool  `yaml:"retryable,omitempty"`
	Severity  string `yaml:"severity,omitempty"`
}

// ResolverConfig configures conflict resolution.
type ResolverConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"` // stale-conflict sweep period
	NegotiationRounds int           `yaml:"negotiation_rounds"`
	HistoryLimit      int           `yaml:"history_limit"`
}

// SyncConfig configures the context synchronizer.
type SyncConfig struct {
	PendingSoftLimit  int           `yaml:"pending_soft_limit"`
	ConcurrencyWindow time.Duration `yaml:"concurrency_window"` // concurrent-modification detection window
	SnapshotLimit     int           `yaml:"snapshot_limit"`
}

// OrchestratorConfig configures workflow execution.
type OrchestratorConfig struct {
	GlobalTimeout      time.Duration `yaml:"global_timeout"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	MaxStepRetries     int           `yaml:"max_step_retries"`
	CheckpointLimit    int           `yaml:"checkpoint_limit"`
	MaxConcurrentSteps int           `yaml:"max_concurrent_steps"`
}

// ServerConfig configures the HTTP observability endpoint.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Version: "1",
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			MonitoringWindow: 60 * time.Second,
			ResetTimeout:     30 * time.Second,
			HalfOpenMaxCalls: 3,
			CallTimeout:      15 * time.Second,
			HealthCheck:      false,
			HealthInterval:   30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
			UseBreaker:  true,
		},
		Resolver: ResolverConfig{
			DefaultTimeout:    5 * time.Minute,
			MonitorInterval:   30 * time.Second,
			NegotiationRounds: 5,
			HistoryLimit:      500,
		},
		Sync: SyncConfig{
			PendingSoftLimit:  10,
			ConcurrencyWindow: time.Second,
			SnapshotLimit:     50,
		},
		Orchestrator: OrchestratorConfig{
			GlobalTimeout:      30 * time.Minute,
			StepTimeout:        2 * time.Minute,
			MaxStepRetries:     3,
			CheckpointLimit:    100,
			MaxConcurrentSteps: 8,
		},
		Server: ServerConfig{
			Listen:          ":8799",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads and validates a configuration file. Fields omitted from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that yaml decoding cannot express.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.half_open_max_calls must be positive, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	if c.Breaker.MonitoringWindow <= 0 || c.Breaker.ResetTimeout <= 0 || c.Breaker.CallTimeout <= 0 {
		return fmt.Errorf("breaker durations must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be >= 1.0, got %v", c.Retry.Multiplier)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays invalid: base %v, max %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	for category, policy := range c.Retry.CategoryPolicies {
		switch policy.Severity {
		case "", "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("retry.category_policies[%s].severity %q is not a known severity", category, policy.Severity)
		}
	}
	if c.Resolver.NegotiationRounds <= 0 {
		return fmt.Errorf("resolver.negotiation_rounds must be positive, got %d", c.Resolver.NegotiationRounds)
	}
	if c.Resolver.HistoryLimit <= 0 {
		return fmt.Errorf("resolver.history_limit must be positive, got %d", c.Resolver.HistoryLimit)
	}
	if c.Sync.PendingSoftLimit < 0 {
		return fmt.Errorf("sync.pending_soft_limit must not be negative, got %d", c.Sync.PendingSoftLimit)
	}
	if c.Orchestrator.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_steps must be positive, got %d", c.Orchestrator.MaxConcurrentSteps)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	return nil
}
