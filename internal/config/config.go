package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS  NATSConfig  `yaml:"nats"`
	Store StoreConfig `yaml:"store"`
	Web   WebConfig   `yaml:"web"`
	Swarm SwarmConfig `yaml:"swarm"`
	Purge PurgeConfig `yaml:"purge"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// SwarmConfig carries the per-swarm defaults applied when a caller creates a
// swarm without overriding them.
type SwarmConfig struct {
	MaxAgents           int           `yaml:"max_agents"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
	TTLSweepInterval    time.Duration `yaml:"ttl_sweep_interval"`
	LoadBalancing       string        `yaml:"load_balancing"`
	RetryLimit          int           `yaml:"retry_limit"`
	MaxQueue            int           `yaml:"max_queue"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

type PurgeConfig struct {
	// Schedule accepts a plain cron expression or the JSON form understood
	// by internal/schedule. Empty disables journal purging.
	Schedule string `yaml:"schedule"`
	// Retain is how long terminal task/proposal rows are kept.
	Retain time.Duration `yaml:"retain"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/swarmd.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Swarm: SwarmConfig{
			MaxAgents:           16,
			HealthTimeout:       30 * time.Second,
			HealthSweepInterval: 5 * time.Second,
			TTLSweepInterval:    time.Second,
			LoadBalancing:       "least-loaded",
			RetryLimit:          3,
			MaxQueue:            256,
			RequestTimeout:      30 * time.Second,
			DrainTimeout:        time.Minute,
		},
		Purge: PurgeConfig{
			Schedule: "0 * * * *",
			Retain:   24 * time.Hour,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SWARMD_CONFIG")
	if path == "" {
		path = "config/swarmd.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARMD_WEB_TOKEN"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SWARMD_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARMD_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARMD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARMD_NATS_DATA_DIR"); v != "" {
		cfg.NATS.DataDir = v
	}
}
