// Package config loads the broker's configuration: required credentials
// and state-store connection parameters from the environment (per the
// spec's §6 "Configuration" contract), layered on top of optional tunable
// defaults read from an on-disk broker.toml, the same two-tier pattern
// the teacher's config.EnvConfig.Load() applies to $TESTGROUND_HOME/.env.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/imdario/mergo"
)

// StateStore holds the connection parameters for the State Store (§6).
type StateStore struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Tunables are non-credential knobs that a broker.toml file may override;
// none of them are secrets, so they are safe to commit to a config file
// rather than demanding they all live in the environment.
type Tunables struct {
	CleanupInterval       int    `toml:"cleanup_interval_seconds"`
	PrestartInterval      int    `toml:"prestart_interval_seconds"`
	PortRangeLow          int    `toml:"port_range_low"`
	PortRangeHigh         int    `toml:"port_range_high"`
	PortCollisionBudget   int    `toml:"port_collision_budget"`
	ChallengeDir          string `toml:"challenge_dir"`
	InfraContainerName    string `toml:"infra_container_name"`
}

// defaultTunables mirrors the teacher's defaultConfig pattern in
// pkg/runner/local_docker.go: a zero-value-safe struct that Load merges
// user overrides into via mergo.
var defaultTunables = Tunables{
	CleanupInterval:     30,
	PrestartInterval:    5,
	PortRangeLow:        1025,
	PortRangeHigh:       65535,
	PortCollisionBudget: 32,
	ChallengeDir:        "challenges",
	InfraContainerName:  "cadvisor",
}

// Config is the fully resolved broker configuration.
type Config struct {
	APIKey     string
	StateStore StateStore
	Tunables   Tunables
}

// Load reads API_KEY and STATE_STORE_* from the environment, then layers
// an optional ./broker.toml (or the path in BROKER_CONFIG) over the
// default Tunables. Non-zero values in the file win over the hardcoded
// defaults. The environment supplies only the credentials and state-store
// parameters; no tunable is read from an environment variable.
func Load() (*Config, error) {
	cfg := &Config{Tunables: defaultTunables}

	if path := configPath(); path != "" {
		var fromFile struct {
			Tunables Tunables `toml:"tunables"`
		}
		if _, err := toml.DecodeFile(path, &fromFile); err != nil {
			return nil, fmt.Errorf("failed to parse broker config at %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg.Tunables, fromFile.Tunables, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge broker config: %w", err)
		}
	}

	cfg.APIKey = os.Getenv("API_KEY")
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY environment variable is required")
	}

	ss := StateStore{
		Host:     envOr("STATE_STORE_HOST", "127.0.0.1"),
		Password: os.Getenv("STATE_STORE_PASSWORD"),
	}
	port, err := strconv.Atoi(envOr("STATE_STORE_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid STATE_STORE_PORT: %w", err)
	}
	ss.Port = port

	db, err := strconv.Atoi(envOr("STATE_STORE_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid STATE_STORE_DB: %w", err)
	}
	ss.DB = db
	cfg.StateStore = ss

	return cfg, nil
}

func configPath() string {
	if p := os.Getenv("BROKER_CONFIG"); p != "" {
		return p
	}
	if p := "broker.toml"; fileExists(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return p
		}
		return abs
	}
	return ""
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
