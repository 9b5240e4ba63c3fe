// Package config loads scandog configuration from (in ascending precedence)
// built-in defaults, an optional config file, and SCANDOG_* environment
// variables. Command line flags override all of these; the CLI reads its
// flag defaults from the loaded config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime configuration for a scan run.
type Config struct {
	// ChunkSize is the target maximum subtree size per chunk, in bytes.
	ChunkSize int64 `mapstructure:"chunk_size"`
	// Workers is the maximum number of concurrently running chunk workers.
	Workers int `mapstructure:"workers"`
	// Threads is the per-worker walk/hash thread count.
	Threads int `mapstructure:"threads"`
	// BatchSize is the number of file records buffered before a catalog commit.
	BatchSize int `mapstructure:"batch_size"`
	// RetryLimit bounds launch retries before a chunk is abandoned.
	RetryLimit int `mapstructure:"retry_limit"`

	AnalysisTimeout time.Duration `mapstructure:"analysis_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	StallAfter      time.Duration `mapstructure:"stall_after"`

	// Launcher selects the worker runtime: "local" or "docker".
	Launcher string `mapstructure:"launcher"`
	// Image is the container image used by the docker launcher.
	Image string `mapstructure:"image"`
	// WorkerCPUs and WorkerMemory are the per-worker resource quota.
	WorkerCPUs   float64 `mapstructure:"worker_cpus"`
	WorkerMemory int64   `mapstructure:"worker_memory"`

	// SizeCacheFile enables the persistent directory-size cache when set.
	SizeCacheFile string `mapstructure:"size_cache_file"`

	LogLevel string `mapstructure:"log_level"`
}

// Defaults mirror the documented operating point: 100 GiB chunks, 6 workers,
// 1000-record batches, 30 minute analysis timeout, 5 minute health checks,
// 1 hour stall threshold.
func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", int64(100)<<30)
	v.SetDefault("workers", 6)
	v.SetDefault("threads", 8)
	v.SetDefault("batch_size", 1000)
	v.SetDefault("retry_limit", 3)
	v.SetDefault("analysis_timeout", 30*time.Minute)
	v.SetDefault("health_interval", 5*time.Minute)
	v.SetDefault("stall_after", time.Hour)
	v.SetDefault("launcher", "local")
	v.SetDefault("image", "scandog:latest")
	v.SetDefault("worker_cpus", 8.0)
	v.SetDefault("worker_memory", int64(8)<<30)
	v.SetDefault("size_cache_file", "")
	v.SetDefault("log_level", "info")
}

// Load reads configuration. If file is empty, the default location
// (~/.config/scandog/config.yaml) is tried and silently skipped when absent.
// A file named explicitly must exist.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCANDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			file = filepath.Join(home, ".config", "scandog", "config.yaml")
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		err := v.ReadInConfig()
		if err != nil && (explicit || !os.IsNotExist(err)) {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
