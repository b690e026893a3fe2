// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the api and worker binaries need at startup.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	ListenAddr  string `mapstructure:"listen_addr"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	// CompletionWindow is the review window a client has before an
	// unanswered completion request auto-confirms.
	CompletionWindow time.Duration `mapstructure:"completion_window"`
	// SweepInterval is how often the worker scans for expired windows.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("completion_window", 120*time.Hour)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("outbox_interval", 2*time.Second)
	v.SetDefault("outbox_batch_size", 50)
	v.SetDefault("outbox_max_attempts", 5)
}

// Load reads configuration from LEXFLOW_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEXFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// AutomaticEnv alone does not surface keys to Unmarshal, so bind
	// each one explicitly.
	for _, key := range []string{
		"database_url", "listen_addr", "jwt_secret",
		"completion_window", "sweep_interval",
		"outbox_interval", "outbox_batch_size", "outbox_max_attempts",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: LEXFLOW_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: LEXFLOW_JWT_SECRET is required")
	}
	if cfg.CompletionWindow <= 0 {
		return Config{}, fmt.Errorf("config: completion window must be positive, got %s", cfg.CompletionWindow)
	}
	return cfg, nil
}
