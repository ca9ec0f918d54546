// Package config loads engageflow settings.
// Priority: env vars (ENGAGEFLOW_*) > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ENGAGEFLOW_STORE_DRIVER.
const EnvPrefix = "ENGAGEFLOW"

// Store drivers.
const (
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the whole process configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Engine struct {
		StepLimit   int             `mapstructure:"step_limit"`
		PoolSize    int             `mapstructure:"pool_size"`
		JobTimeout  time.Duration   `mapstructure:"job_timeout"`
		RetryDelays []time.Duration `mapstructure:"retry_delays"`
	} `mapstructure:"engine"`

	CircuitBreaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"circuit_breaker"`

	Scheduler struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		BatchSize    int           `mapstructure:"batch_size"`
		StaleAfter   time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"scheduler"`

	FollowUp struct {
		Enabled             bool          `mapstructure:"enabled"`
		ScanInterval        time.Duration `mapstructure:"scan_interval"`
		BatchSize           int           `mapstructure:"batch_size"`
		RatePerSecond       float64       `mapstructure:"rate_per_second"`
		Concurrency         int           `mapstructure:"concurrency"`
		DefaultMaxFollowUps int           `mapstructure:"default_max_follow_ups"`
	} `mapstructure:"followup"`

	AI struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ai"`

	Messaging struct {
		WebhookURL       string        `mapstructure:"webhook_url"`
		ConversationsURL string        `mapstructure:"conversations_url"`
		APIKey           string        `mapstructure:"api_key"`
		Timeout          time.Duration `mapstructure:"timeout"`
	} `mapstructure:"messaging"`

	// Fallback drives the direct AI reply sent when no message workflow matches.
	Fallback struct {
		Enabled      bool   `mapstructure:"enabled"`
		SystemPrompt string `mapstructure:"system_prompt"`
	} `mapstructure:"fallback"`

	MCP struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"mcp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store.driver", DriverLibSQL)
	v.SetDefault("store.dsn", "file:engageflow.db")

	v.SetDefault("engine.step_limit", 500)
	v.SetDefault("engine.pool_size", 10)
	v.SetDefault("engine.job_timeout", 2*time.Minute)
	v.SetDefault("engine.retry_delays", []string{"30s", "60s", "120s"})

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", 30*time.Second)

	v.SetDefault("scheduler.poll_interval", 15*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.stale_after", 10*time.Minute)

	v.SetDefault("followup.enabled", true)
	v.SetDefault("followup.scan_interval", 5*time.Minute)
	v.SetDefault("followup.batch_size", 50)
	v.SetDefault("followup.rate_per_second", 5.0)
	v.SetDefault("followup.concurrency", 4)
	v.SetDefault("followup.default_max_follow_ups", 3)

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.timeout", 30*time.Second)

	v.SetDefault("messaging.webhook_url", "")
	v.SetDefault("messaging.conversations_url", "")
	v.SetDefault("messaging.api_key", "")
	v.SetDefault("messaging.timeout", 10*time.Second)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.system_prompt", "")
	v.SetDefault("mcp.enabled", false)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverLibSQL, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver != DriverMemory && strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn: required"))
	}

	positive := map[string]int{
		"engine.step_limit":    c.Engine.StepLimit,
		"engine.pool_size":     c.Engine.PoolSize,
		"scheduler.batch_size": c.Scheduler.BatchSize,
		"followup.batch_size":  c.FollowUp.BatchSize,
		"followup.concurrency": c.FollowUp.Concurrency,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", key, positive[key]))
		}
	}

	durations := map[string]time.Duration{
		"engine.job_timeout":      c.Engine.JobTimeout,
		"scheduler.poll_interval": c.Scheduler.PollInterval,
		"followup.scan_interval":  c.FollowUp.ScanInterval,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", key, durations[key]))
		}
	}

	for i, d := range c.Engine.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("engine.retry_delays[%d]: must not be negative", i))
		}
	}
	if c.FollowUp.RatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("followup.rate_per_second: must be positive, got %g", c.FollowUp.RatePerSecond))
	}
	if c.FollowUp.DefaultMaxFollowUps < 0 {
		errs = append(errs, errors.New("followup.default_max_follow_ups: must not be negative"))
	}

	return errors.Join(errs...)
}

// AIEnabled reports whether an AI provider endpoint is configured.
func (c *Config) AIEnabled() bool {
	return c.AI.BaseURL != ""
}
