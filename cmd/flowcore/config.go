package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from an optional
// YAML file with FLOWCORE_* environment overrides.
type Config struct {
	Listen   string         `mapstructure:"listen"`
	DBPath   string         `mapstructure:"db_path"`
	LogLevel string         `mapstructure:"log_level"`
	Dialog   DialogConfig   `mapstructure:"dialog"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	// Adapters maps a webhook service name to the jq program that
	// normalizes its deliveries, e.g.
	//   adapters:
	//     stripe: '{event: .type, event_id: .id, data: .data.object}'
	// Services without an entry use the passthrough adapter.
	Adapters map[string]string `mapstructure:"adapters"`
}

// DialogConfig bounds conversational context retention.
type DialogConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ActionsConfig bounds the conversational action path.
type ActionsConfig struct {
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// EngineConfig bounds workflow step execution.
type EngineConfig struct {
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// ScheduleConfig bounds the schedule poll loop.
type ScheduleConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoadConfig reads configuration from the given file (optional) and
// the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("db_path", "flowcore.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("dialog.ttl", 6*time.Hour)
	v.SetDefault("actions.rate_limit", 30)
	v.SetDefault("actions.rate_limit_window", time.Minute)
	v.SetDefault("actions.cache_ttl", 30*time.Second)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_delay", 500*time.Millisecond)
	v.SetDefault("engine.retry_max_delay", 10*time.Second)
	v.SetDefault("schedule.poll_interval", 60*time.Second)

	v.SetEnvPrefix("FLOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
