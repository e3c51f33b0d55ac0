// Package config loads and validates the typed configuration structure the
// core consumes (spec.md §6, "Configuration surface"). The file format and
// CLI binding are an ambient concern, not a core one, but the core owns the
// typed shape and its validation rules.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full typed configuration consumed by C0 at startup.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	HTTP      HTTPConfig      `yaml:"http"`
	Cache     CacheConfig     `yaml:"cache"`
	Workers   WorkersConfig   `yaml:"workers"`
	Queue     QueueConfig     `yaml:"queue"`
	Registry  RegistryConfig  `yaml:"registry"`
	Output    OutputConfig    `yaml:"output"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Store     StoreConfig     `yaml:"store"`
}

type ExecutionConfig struct {
	MaxExecutionDurationS     int  `yaml:"max_execution_duration_s"`
	ValidateSchemas           bool `yaml:"validate_schemas"`
	MaxConcurrentTasks        int  `yaml:"max_concurrent_tasks"`
	TimeoutGraceS             int  `yaml:"timeout_grace_s"`
	RecordValidationFailures  bool `yaml:"record_validation_failures"`
}

type HTTPConfig struct {
	TimeoutS     int        `yaml:"timeout_s"`
	MaxRedirects int        `yaml:"max_redirects"`
	VerifySSL    bool       `yaml:"verify_ssl"`
	UserAgent    string     `yaml:"user_agent"`
	Pool         PoolConfig `yaml:"pool"`
}

type PoolConfig struct {
	MaxIdleConns int `yaml:"max_idle_conns"`
	MaxConnsPerHost int `yaml:"max_conns_per_host"`
}

type CacheConfig struct {
	TaskContentCacheSize int  `yaml:"task_content_cache_size"`
	TTLSeconds           int  `yaml:"ttl_s"`
	Enabled              bool `yaml:"enabled"`
}

type WorkersConfig struct {
	Count                 int    `yaml:"count"`
	RestartOnCrash        bool   `yaml:"restart_on_crash"`
	MaxRestartAttempts    int    `yaml:"max_restart_attempts"`
	RestartDelayS         int    `yaml:"restart_delay_s"`
	HealthCheckIntervalS  int    `yaml:"health_check_interval_s"`
	Isolation             string `yaml:"isolation"` // "process" (default) or "docker"
	MemoryCapMB           int    `yaml:"memory_cap_mb"`
	BinaryPath            string `yaml:"binary_path"`
	DockerImage           string `yaml:"docker_image"`
	MaxPending            int    `yaml:"max_pending"`
	CancelGraceS          int    `yaml:"cancel_grace_s"`
}

type QueueConfig struct {
	MaxQueueSize      int               `yaml:"max_queue_size"`
	DefaultRetry      RetryConfig       `yaml:"default_retry"`
	AgingThresholdS   int               `yaml:"aging_threshold_s"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

type RegistryConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

type SourceConfig struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"` // local | archive | http | git
	URI              string   `yaml:"uri"`
	PollingIntervalS int      `yaml:"polling_interval_s"`
	Watch            bool     `yaml:"watch"`
	IncludePatterns  []string `yaml:"include_patterns"`
	ExcludePatterns  []string `yaml:"exclude_patterns"`
}

type OutputConfig struct {
	MaxConcurrentDeliveries int               `yaml:"max_concurrent_deliveries"`
	DefaultTimeoutS         int               `yaml:"default_timeout_s"`
	DefaultRetry            RetryConfig       `yaml:"default_retry"`
	Destinations            []DestinationConfig `yaml:"destinations"`
	// DeliverOn is the supplemented §9 opt-in for non-succeeded delivery.
	DeliverOn []string `yaml:"deliver_on"`
}

type DestinationConfig struct {
	Name   string            `yaml:"name"`
	Kind   string            `yaml:"kind"` // webhook | filesystem | stdio
	URL    string            `yaml:"url"`
	Method string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	AuthSecret string         `yaml:"auth_secret"`
	PathTemplate string       `yaml:"path_template"`
	Root   string             `yaml:"root"`
	Format string             `yaml:"format"`
	Stream string             `yaml:"stream"` // stdout | stderr
}

type ProtocolConfig struct {
	Transport   string          `yaml:"transport"` // pipe | sse
	Endpoint    string          `yaml:"endpoint"`
	Auth        AuthConfig      `yaml:"auth"`
	RateLimits  []RateLimitRule `yaml:"rate_limits"`
	Session     SessionConfig   `yaml:"session"`
}

type AuthConfig struct {
	Method string   `yaml:"method"` // none | bearer | shared_key
	Keys   []string `yaml:"keys"`
}

type RateLimitRule struct {
	Method string `yaml:"method"`
	RatePerMin int `yaml:"rate_per_min"`
	Burst      int `yaml:"burst"`
}

type SessionConfig struct {
	TimeoutS    int `yaml:"timeout_s"`
	MaxPerClient int `yaml:"max_per_client"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
	EncryptionKeyHex string `yaml:"encryption_key_hex"`
}

// Load reads and parses a YAML configuration file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with the teacher-style conservative
// defaults used when a file omits a group entirely.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			MaxExecutionDurationS: 300,
			ValidateSchemas:       true,
			MaxConcurrentTasks:    0, // 0 = unbounded beyond worker pool size
			TimeoutGraceS:         10,
		},
		HTTP: HTTPConfig{
			TimeoutS:     30,
			MaxRedirects: 3,
			VerifySSL:    true,
			UserAgent:    "ratchet-execution-core/1.0",
		},
		Cache: CacheConfig{
			TaskContentCacheSize: 256,
			TTLSeconds:           3600,
			Enabled:              true,
		},
		Workers: WorkersConfig{
			Count:                0, // 0 = CPU count, resolved at startup
			RestartOnCrash:       true,
			MaxRestartAttempts:   5,
			RestartDelayS:        1,
			HealthCheckIntervalS: 10,
			Isolation:            "process",
			BinaryPath:           "ratchetd",
			MaxPending:           256,
			CancelGraceS:         10,
		},
		Queue: QueueConfig{
			MaxQueueSize: 1000,
			DefaultRetry: RetryConfig{MaxAttempts: 3, InitialDelayMs: 1000, MaxDelayMs: 30000, BackoffMultiplier: 2.0},
			AgingThresholdS: 60,
		},
		Output: OutputConfig{
			MaxConcurrentDeliveries: 8,
			DefaultTimeoutS:         10,
			DefaultRetry:            RetryConfig{MaxAttempts: 5, InitialDelayMs: 1000, MaxDelayMs: 60000, BackoffMultiplier: 2.0},
			DeliverOn:               []string{"succeeded"},
		},
		Protocol: ProtocolConfig{
			Transport: "sse",
			Endpoint:  ":8089",
			Auth:      AuthConfig{Method: "none"},
			Session:   SessionConfig{TimeoutS: 300, MaxPerClient: 4},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "ratchet.db",
		},
	}
}

// Validate enforces cross-field invariants that can't be expressed in the
// struct tags alone, including the Open Question decision on Git + watch
// (SPEC_FULL.md §9 decision 1).
func (c *Config) Validate() error {
	for _, src := range c.Registry.Sources {
		if src.Kind == "git" && src.Watch {
			return fmt.Errorf("config: registry source %q: watch mode is not supported for kind=git sources", src.Name)
		}
		switch src.Kind {
		case "local", "archive", "http", "git":
		default:
			return fmt.Errorf("config: registry source %q: unknown kind %q", src.Name, src.Kind)
		}
	}

	for _, d := range c.Output.DeliverOn {
		switch d {
		case "succeeded", "failed", "cancelled", "timed_out":
		default:
			return fmt.Errorf("config: output.deliver_on: unknown state %q", d)
		}
	}

	switch c.Workers.Isolation {
	case "process":
	case "docker":
		if c.Workers.DockerImage == "" {
			return fmt.Errorf("config: workers.isolation=docker requires workers.docker_image")
		}
	default:
		return fmt.Errorf("config: workers.isolation: unknown strategy %q", c.Workers.Isolation)
	}

	switch c.Protocol.Auth.Method {
	case "none", "bearer", "shared_key":
	default:
		return fmt.Errorf("config: protocol.auth.method: unknown method %q", c.Protocol.Auth.Method)
	}

	return nil
}

// ExecutionTimeout returns the configured max execution duration as a
// time.Duration for convenience at call sites.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.MaxExecutionDurationS) * time.Second
}
