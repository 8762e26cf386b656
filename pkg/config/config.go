package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Hearth configuration, loaded from YAML.
type Config struct {
	Instance    string            `yaml:"instance"`
	DataDir     string            `yaml:"data_dir"`
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
	State       StateConfig       `yaml:"state"`
	Cache       CacheConfig       `yaml:"cache"`
	Persist     PersistConfig     `yaml:"persist"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ReplicationConfig tunes the writer-to-worker streaming protocol.
type ReplicationConfig struct {
	// BatchSize bounds how many rows one stream fetch may return. A reader
	// whose backlog fills a whole batch is disconnected and must resync.
	BatchSize    int           `yaml:"batch_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	// ReconnectBackoff is the initial delay before a worker redials the
	// manager; it doubles per attempt up to ReconnectBackoffMax.
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// StateConfig tunes state-group storage.
type StateConfig struct {
	// MaxDeltaHops bounds the length of a delta chain before a full
	// snapshot is stored instead of another delta.
	MaxDeltaHops int `yaml:"max_delta_hops"`
}

// CacheConfig configures worker caches and the optional shared Redis mirror.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
}

// PersistConfig tunes the writer's event persister.
type PersistConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns a configuration with all tunables at their defaults.
func Default() *Config {
	return &Config{
		Instance: "master",
		DataDir:  "/var/lib/hearth",
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8448,
			MetricsPort: 9090,
		},
		Replication: ReplicationConfig{
			BatchSize:           100,
			PingInterval:        5 * time.Second,
			PingTimeout:         30 * time.Second,
			ReconnectBackoff:    time.Second,
			ReconnectBackoffMax: 30 * time.Second,
		},
		State: StateConfig{
			MaxDeltaHops: 100,
		},
		Cache: CacheConfig{
			RedisTimeout: 200 * time.Millisecond,
		},
		Persist: PersistConfig{
			MaxRetries:   5,
			RetryBackoff: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as obscure
// runtime failures.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("instance name must not be empty")
	}
	if c.Replication.BatchSize <= 0 {
		return fmt.Errorf("replication.batch_size must be positive, got %d", c.Replication.BatchSize)
	}
	if c.State.MaxDeltaHops <= 0 {
		return fmt.Errorf("state.max_delta_hops must be positive, got %d", c.State.MaxDeltaHops)
	}
	if c.Persist.MaxRetries < 0 {
		return fmt.Errorf("persist.max_retries must not be negative, got %d", c.Persist.MaxRetries)
	}
	return nil
}
