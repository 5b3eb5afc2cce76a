// Package config loads the service configuration file and the hot-reloadable
// intent keyword sets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/exprisk/orchestrator/internal/invoker"
	"github.com/exprisk/orchestrator/internal/schedules"
	"github.com/exprisk/orchestrator/internal/session"
	"github.com/exprisk/orchestrator/internal/tracing"
	"github.com/exprisk/orchestrator/internal/websearch"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig holds the shared invocation rate limit.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// SchedulerConfig holds ticker settings on top of the schedule limits.
type SchedulerConfig struct {
	schedules.Config `mapstructure:",squash"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Session   session.Config   `mapstructure:"session"`
	Invoker   invoker.Config   `mapstructure:"invoker"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Search    websearch.Config `mapstructure:"search"`
	Tracing   tracing.Config   `mapstructure:"tracing"`

	// DatabaseDSN selects sqlite (path or sqlite: prefix) or postgres (URL).
	DatabaseDSN string `mapstructure:"database_dsn"`
	// IntentsPath points at the intent keyword yaml.
	IntentsPath string `mapstructure:"intents_path"`
	// StreamBuffer is the per-session replay ring capacity.
	StreamBuffer int `mapstructure:"stream_buffer"`
}

// Load reads the config file from CONFIG_PATH or config/exprisk.yaml and
// applies environment overrides for deployment knobs.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/exprisk.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		// a missing file falls back to defaults; a malformed one is an error
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_cached", 10000)
	v.SetDefault("session.max_history", 100)
	v.SetDefault("invoker.timeout", "30s")
	v.SetDefault("invoker.rate_wait", "5s")
	v.SetDefault("invoker.retry.max_retries", 2)
	v.SetDefault("invoker.retry.initial_backoff", "500ms")
	v.SetDefault("invoker.retry.max_backoff", "10s")
	v.SetDefault("invoker.retry.multiplier", 2.0)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("scheduler.max_entries", 50)
	v.SetDefault("scheduler.min_cron_interval_mins", 60)
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("search.provider", "serper")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("database_dsn", "exprisk.db")
	v.SetDefault("intents_path", "config/intents.yaml")
	v.SetDefault("stream_buffer", 256)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "exprisk-orchestrator")
}

// applyEnvOverrides covers the secrets and endpoints that differ per
// deployment and never belong in the config file.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Session.RedisAddr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Session.RedisPassword = pw
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if key := os.Getenv("SEARCH_API_KEY"); key != "" {
		cfg.Search.APIKey = key
	}
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if ep := os.Getenv("OTLP_ENDPOINT"); ep != "" {
		cfg.Tracing.OTLPEndpoint = ep
		cfg.Tracing.Enabled = true
	}
}
