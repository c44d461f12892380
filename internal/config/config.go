// Package config loads engine configuration from file, environment, and
// flags via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognised option. Durations accept Go duration
// strings ("30m", "5s").
type Config struct {
	// StalenessThreshold is the in_progress context age after which the
	// hint enhancer attaches a staleness warning.
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	// EnrichVision controls whether responses carry vision_context by default.
	EnrichVision bool `mapstructure:"enrich_vision"`
	// AlignmentCacheTTL bounds how long a computed alignment view is reused.
	AlignmentCacheTTL time.Duration `mapstructure:"alignment_cache_ttl"`
	// MaxHints caps hints per response.
	MaxHints int `mapstructure:"max_hints"`
	// EventDepthLimit caps handler-emitted event recursion.
	EventDepthLimit int `mapstructure:"event_depth_limit"`
	// ToolDeadline bounds a single tool invocation.
	ToolDeadline time.Duration `mapstructure:"tool_deadline"`
	// BatchDeadline bounds batch operations (list, search).
	BatchDeadline time.Duration `mapstructure:"batch_deadline"`
	// OverheadBudget is informational: the p95 budget for core-added work.
	OverheadBudget time.Duration `mapstructure:"overhead_budget"`
	// LockRetries is the optimistic-lock retry count before
	// CONCURRENT_MODIFICATION is surfaced.
	LockRetries int `mapstructure:"lock_retries"`

	// Store selects the repository backend: "memory" or "postgres".
	Store string `mapstructure:"store"`
	// PostgresDSN is required when Store is "postgres".
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// RedisAddr enables the Redis alignment cache when non-empty.
	RedisAddr string `mapstructure:"redis_addr"`

	// HTTPAddr enables the streamable HTTP transport when non-empty;
	// otherwise the server speaks stdio.
	HTTPAddr string `mapstructure:"http_addr"`

	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		StalenessThreshold: 30 * time.Minute,
		EnrichVision:       true,
		AlignmentCacheTTL:  5 * time.Minute,
		MaxHints:           6,
		EventDepthLimit:    4,
		ToolDeadline:       5 * time.Second,
		BatchDeadline:      30 * time.Second,
		OverheadBudget:     100 * time.Millisecond,
		LockRetries:        3,
		Store:              "memory",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads configuration from an optional file path plus CONDUCTOR_*
// environment variables, layered over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("staleness_threshold", def.StalenessThreshold)
	v.SetDefault("enrich_vision", def.EnrichVision)
	v.SetDefault("alignment_cache_ttl", def.AlignmentCacheTTL)
	v.SetDefault("max_hints", def.MaxHints)
	v.SetDefault("event_depth_limit", def.EventDepthLimit)
	v.SetDefault("tool_deadline", def.ToolDeadline)
	v.SetDefault("batch_deadline", def.BatchDeadline)
	v.SetDefault("overhead_budget", def.OverheadBudget)
	v.SetDefault("lock_retries", def.LockRetries)
	v.SetDefault("store", def.Store)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable option combinations.
func (c Config) Validate() error {
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness_threshold must be positive")
	}
	if c.MaxHints <= 0 {
		return fmt.Errorf("max_hints must be positive")
	}
	if c.EventDepthLimit <= 0 {
		return fmt.Errorf("event_depth_limit must be positive")
	}
	if c.LockRetries < 1 {
		return fmt.Errorf("lock_retries must be at least 1")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when store=postgres")
		}
	default:
		return fmt.Errorf("unknown store %q (expected memory or postgres)", c.Store)
	}
	return nil
}
