package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv overlays environment variables onto cfg. Only settings an
// operator plausibly flips per deployment are exposed this way; tunables
// stay in the YAML file.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RESILIENCE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("RESILIENCE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("RESILIENCE_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Interval = d
		}
	}
	if v := os.Getenv("RESILIENCE_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("RESILIENCE_PG_HOST"); v != "" {
		cfg.Snapshot.Postgres.Enabled = true
		cfg.Snapshot.Postgres.Host = v
	}
	if v := os.Getenv("RESILIENCE_PG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.Postgres.Port = p
		}
	}
	if v := os.Getenv("RESILIENCE_PG_DATABASE"); v != "" {
		cfg.Snapshot.Postgres.Database = v
	}
	if v := os.Getenv("RESILIENCE_PG_USER"); v != "" {
		cfg.Snapshot.Postgres.User = v
	}
	if v := os.Getenv("RESILIENCE_PG_PASSWORD"); v != "" {
		cfg.Snapshot.Postgres.Password = v
	}
}

// GetEnvOrDefault returns the environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
