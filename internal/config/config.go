// Package config loads daemon configuration from YAML with environment
// overrides. Scoring weights and canary thresholds are deliberately plain
// tunables rather than constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Health   HealthConfig   `yaml:"health"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Failover FailoverConfig `yaml:"failover"`
	Recovery RecoveryConfig `yaml:"recovery"`
	SLA      SLAConfig      `yaml:"sla"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Workers      int           `yaml:"workers"`
	ProbesPerSec float64       `yaml:"probes_per_sec"`
	// RecoverySuccesses is the consecutive-success debounce before an
	// unhealthy service is considered healthy again.
	RecoverySuccesses int `yaml:"recovery_successes"`
}

type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
	RequiredSuccesses int           `yaml:"required_successes"`
}

// ScoringWeights drives failover candidate selection. The constants mirror
// long-standing production behaviour; treat them as tunable policy, not as
// an optimal formula.
type ScoringWeights struct {
	Priority        float64 `yaml:"priority"`
	HealthyBonus    float64 `yaml:"healthy_bonus"`
	DegradedBonus   float64 `yaml:"degraded_bonus"`
	Uptime          float64 `yaml:"uptime"`
	LatencyCap      float64 `yaml:"latency_cap"`
	SameRegionBonus float64 `yaml:"same_region_bonus"`
	SpareCapacity   float64 `yaml:"spare_capacity"`
}

type FailoverConfig struct {
	Stages         []int          `yaml:"stages"`
	StageDelay     time.Duration  `yaml:"stage_delay"`
	RoutingURL     string         `yaml:"routing_url"`
	RoutingTimeout time.Duration  `yaml:"routing_timeout"`
	HistorySize    int            `yaml:"history_size"`
	Weights        ScoringWeights `yaml:"weights"`
}

type RecoveryConfig struct {
	Stages             []int         `yaml:"stages"`
	IntermediateWindow time.Duration `yaml:"intermediate_window"`
	FinalWindow        time.Duration `yaml:"final_window"`
	PreflightAttempts  int           `yaml:"preflight_attempts"`
	PreflightDelay     time.Duration `yaml:"preflight_delay"`
	MinUptime          float64       `yaml:"min_uptime"`
	MaxAvgResponse     time.Duration `yaml:"max_avg_response"`
}

type SLAConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DegradedLatency marks a service degraded when its average response
	// time crosses it while probes still succeed.
	DegradedLatency time.Duration `yaml:"degraded_latency"`
}

type SnapshotConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8090,
			LogLevel: "info",
		},
		Health: HealthConfig{
			Interval:          30 * time.Second,
			ProbeTimeout:      10 * time.Second,
			Workers:           8,
			ProbesPerSec:      50,
			RecoverySuccesses: 3,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			Timeout:           60 * time.Second,
			RequiredSuccesses: 3,
		},
		Failover: FailoverConfig{
			Stages:         []int{10, 50, 100},
			StageDelay:     2 * time.Second,
			RoutingURL:     "http://localhost:8091",
			RoutingTimeout: 10 * time.Second,
			HistorySize:    1000,
			Weights: ScoringWeights{
				Priority:        10,
				HealthyBonus:    50,
				DegradedBonus:   25,
				Uptime:          0.3,
				LatencyCap:      20,
				SameRegionBonus: 15,
				SpareCapacity:   20,
			},
		},
		Recovery: RecoveryConfig{
			Stages:             []int{5, 20, 50, 100},
			IntermediateWindow: 30 * time.Second,
			FinalWindow:        10 * time.Second,
			PreflightAttempts:  3,
			PreflightDelay:     5 * time.Second,
			MinUptime:          98.0,
			MaxAvgResponse:     3 * time.Second,
		},
		SLA: SLAConfig{
			SweepInterval:   time.Minute,
			DegradedLatency: 2 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Interval: 5 * time.Minute,
			Path:     "/var/lib/resilience/state.json.gz",
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "disable",
			},
		},
	}
}

// Load reads configuration from path, applying defaults first and
// environment overrides last. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Health.Interval <= 0 {
		return fmt.Errorf("config: health.interval must be positive")
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("config: health.probe_timeout must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	if len(c.Failover.Stages) == 0 || c.Failover.Stages[len(c.Failover.Stages)-1] != 100 {
		return fmt.Errorf("config: failover.stages must end at 100")
	}
	if len(c.Recovery.Stages) == 0 || c.Recovery.Stages[len(c.Recovery.Stages)-1] != 100 {
		return fmt.Errorf("config: recovery.stages must end at 100")
	}
	for _, stages := range [][]int{c.Failover.Stages, c.Recovery.Stages} {
		prev := 0
		for _, s := range stages {
			if s <= prev || s > 100 {
				return fmt.Errorf("config: traffic stages must be strictly increasing within (0,100]")
			}
			prev = s
		}
	}
	return nil
}
