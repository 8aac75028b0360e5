// Package config loads the YAML configuration for the golem binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/minio"
	"github.com/golemcloud/golem-core/shard"
)

// Config holds all configuration for an executor or shard-manager node.
type Config struct {
	Node         NodeConfig             `yaml:"node"`
	Oplog        OplogConfig            `yaml:"oplog"`
	Executor     golem.ExecutorConfig   `yaml:"executor"`
	Limits       golem.ResourceLimits   `yaml:"limits"`
	Components   ComponentCacheConfig   `yaml:"components"`
	ShardManager shard.ControllerConfig `yaml:"shard_manager"`
	Router       shard.RouterConfig     `yaml:"router"`
}

// NodeConfig describes identity and networking of the node.
type NodeConfig struct {
	NodeID           string        `yaml:"node_id"`
	ListenAddr       string        `yaml:"listen_addr"`
	AdvertiseAddr    string        `yaml:"advertise_addr"`
	ShardManagerAddr string        `yaml:"shard_manager_addr"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
}

// OplogConfig covers the tiered oplog store.
type OplogConfig struct {
	SQLitePath      string        `yaml:"sqlite_path"`
	ChunkSize       uint64        `yaml:"chunk_size"`
	ArchiveAfter    time.Duration `yaml:"archive_after"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
	// Archive selects the archive tier; empty endpoint disables archival.
	Archive minio.Config `yaml:"archive"`
}

// ComponentCacheConfig sizes the compiled-component cache.
type ComponentCacheConfig struct {
	MemoryEntries int    `yaml:"memory_entries"`
	Dir           string `yaml:"dir"`
	MaxDiskBytes  int64  `yaml:"max_disk_bytes"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			NodeID:           "",
			ListenAddr:       "0.0.0.0:9090",
			AdvertiseAddr:    "127.0.0.1:9090",
			ShardManagerAddr: "127.0.0.1:9000",
			HeartbeatEvery:   time.Second,
		},
		Oplog: OplogConfig{
			SQLitePath:      "./data/golem.sqlite",
			ChunkSize:       256,
			ArchiveAfter:    15 * time.Minute,
			ArchiveInterval: time.Minute,
		},
		Executor: golem.DefaultExecutorConfig(),
		Limits:   golem.DefaultResourceLimits(),
		Components: ComponentCacheConfig{
			MemoryEntries: 64,
			Dir:           "./data/components",
			MaxDiskBytes:  1 << 30,
		},
		ShardManager: shard.DefaultControllerConfig(),
		Router:       shard.DefaultRouterConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Executor.NumberOfShards != cfg.ShardManager.NumberOfShards {
		return Config{}, fmt.Errorf("executor and shard manager disagree on shard count: %d vs %d",
			cfg.Executor.NumberOfShards, cfg.ShardManager.NumberOfShards)
	}
	return cfg, nil
}
