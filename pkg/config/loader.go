// Package config loads the application configuration from a YAML file and
// environment variables, with sane defaults for local development.
package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("relay.address", ":8080")
	v.SetDefault("relay.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("relay.connectionLimit.maxPerUser", 0)
	v.SetDefault("relay.connectionLimit.mode", "reject")
	v.SetDefault("relay.readTimeout", "60s")

	v.SetDefault("transport.dialTimeout", "10s")
	v.SetDefault("transport.reconnectAttempts", 5)
	v.SetDefault("transport.reconnectBackoff", "1s")

	v.SetDefault("session.pointerThrottle", "33ms")
	v.SetDefault("session.broadcastBatch", "100ms")
	v.SetDefault("session.persistDebounce", "20s")

	v.SetDefault("store.baseUrl", "http://localhost:8080")
	v.SetDefault("store.attempts", 3)
	v.SetDefault("store.backoff", "500ms")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ASTRADRAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
