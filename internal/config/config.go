// Package config loads the YAML configuration shared by the node and router
// binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tickvault/tickvault/internal/cache"
	"github.com/tickvault/tickvault/internal/partition"
)

// Node identifies one storage node of the cluster.
type Node struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// StoreConfig sizes the per-shard record stores.
type StoreConfig struct {
	RecordCap       int64         `yaml:"record_cap"` // distinct keys per shard, zero means unbounded
	Sync            bool          `yaml:"sync"`
	Retention       time.Duration `yaml:"retention"`        // zero disables retention compaction
	CompactInterval time.Duration `yaml:"compact_interval"` // how often retention runs
}

// HealthConfig tunes the node health monitor.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailThreshold    int           `yaml:"fail_threshold"`
	RecoverThreshold int           `yaml:"recover_threshold"`
}

// PoolConfig tunes the router's connection pool.
type PoolConfig struct {
	PerNodeCap     int           `yaml:"per_node_cap"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

// BalancerConfig tunes request routing.
type BalancerConfig struct {
	Strategy        string        `yaml:"strategy"` // least_connections or round_robin
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// Config is the full configuration tree.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Node-side settings.
	NodeID     string `yaml:"node_id"`
	NodeListen string `yaml:"node_listen"`
	DataDir    string `yaml:"data_dir"`

	// Router-side settings.
	RouterListen string                `yaml:"router_listen"`
	Nodes        []Node                `yaml:"nodes"`
	SeedShards   []partition.SeedShard `yaml:"seed_shards"`

	Store    StoreConfig    `yaml:"store"`
	Health   HealthConfig   `yaml:"health"`
	Pool     PoolConfig     `yaml:"pool"`
	Balancer BalancerConfig `yaml:"balancer"`
	Cache    cache.Config   `yaml:"cache"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		LogLevel:     "info",
		NodeListen:   ":7101",
		DataDir:      "data",
		RouterListen: ":7100",
		Store: StoreConfig{
			CompactInterval: time.Hour,
		},
		Balancer: BalancerConfig{
			Strategy: "least_connections",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Seed shard membership must refer
// to declared nodes, and declared nodes must be unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" || n.Addr == "" {
			return fmt.Errorf("node entries need both id and addr")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, s := range c.SeedShards {
		if s.Primary != "" && !seen[s.Primary] {
			return fmt.Errorf("seed shard %d: primary %q is not a declared node", s.ShardID, s.Primary)
		}
		for _, sec := range s.Secondaries {
			if !seen[sec] {
				return fmt.Errorf("seed shard %d: secondary %q is not a declared node", s.ShardID, sec)
			}
		}
	}
	if c.Store.RecordCap < 0 {
		return fmt.Errorf("store.record_cap must not be negative")
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative")
	}
	return nil
}
