package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	SnapshotDB string `yaml:"snapshot_db"` // sqlite file holding compacted chains
	LogFile    string `yaml:"log_file"`    // frag log replayed on startup
	SyncEvery  int    `yaml:"sync_every"`  // fsync the frag log every N appends, 0 = never
}

type CacheConfig struct {
	MaxPageBytes  uint64 `yaml:"max_page_bytes"`  // split threshold
	CompactAfter  int    `yaml:"compact_after"`   // chain length that triggers compaction
	MaxChainBytes uint64 `yaml:"max_chain_bytes"` // chain footprint that triggers compaction
}

func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:       "linkdb_data",
			SnapshotDB: "snapshots.db",
			LogFile:    "frags.log",
			SyncEvery:  0,
		},
		Cache: CacheConfig{
			MaxPageBytes:  8 * 1024,
			CompactAfter:  16,
			MaxChainBytes: 64 * 1024,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/linkdb.yaml", "linkdb.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, errors.Wrapf(err, "config: parse %s", p)
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", configPath)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Storage.SnapshotDB == "" {
		cfg.Storage.SnapshotDB = def.Storage.SnapshotDB
	}
	if cfg.Storage.LogFile == "" {
		cfg.Storage.LogFile = def.Storage.LogFile
	}
	if cfg.Storage.SyncEvery < 0 {
		cfg.Storage.SyncEvery = 0
	}
	if cfg.Cache.MaxPageBytes == 0 {
		cfg.Cache.MaxPageBytes = def.Cache.MaxPageBytes
	}
	if cfg.Cache.CompactAfter <= 1 {
		cfg.Cache.CompactAfter = def.Cache.CompactAfter
	}
	if cfg.Cache.MaxChainBytes == 0 {
		cfg.Cache.MaxChainBytes = def.Cache.MaxChainBytes
	}
}
