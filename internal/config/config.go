// Package config loads the daemon's runtime configuration: repository
// location and permissions, cross-region lock timeouts, the request
// processor pool's worker count, and logging/metrics settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the daemon.
type Config struct {
	Repo    RepoConfig    `mapstructure:"repo"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RepoConfig controls where the shared-memory-backed repository lives
// on disk and its locking behavior.
type RepoConfig struct {
	Path          string        `mapstructure:"path"`
	Perm          uint32        `mapstructure:"perm"`
	MainMinSize   uint32        `mapstructure:"main_min_size"`
	ArenaMinSize  uint32        `mapstructure:"arena_min_size"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`

	// DirPerm applies to the data directories below, created on first
	// init.
	DirPerm    uint32 `mapstructure:"dir_perm"`
	StartupDir string `mapstructure:"startup_dir"`
	NotifDir   string `mapstructure:"notif_dir"`
	YangDir    string `mapstructure:"yang_dir"`
}

// PoolConfig controls the request processor pool.
type PoolConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueDepth   int `mapstructure:"queue_depth"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional
// config file named "sysrepo-shmd" on the current path or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("repo.path", "/dev/shm/sysrepo-shmd")
	v.SetDefault("repo.perm", 0o600)
	v.SetDefault("repo.main_min_size", 4096)
	v.SetDefault("repo.arena_min_size", 4096)
	v.SetDefault("repo.lock_timeout", 5*time.Second)
	v.SetDefault("repo.dir_perm", 0o700)
	v.SetDefault("repo.startup_dir", "/var/lib/sysrepo-shmd/startup")
	v.SetDefault("repo.notif_dir", "/var/lib/sysrepo-shmd/notifications")
	v.SetDefault("repo.yang_dir", "/var/lib/sysrepo-shmd/yang")

	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.queue_depth", 1024)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9107")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("sysrepo-shmd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SYSREPO_SHMD")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Pool.Workers <= 0 {
		cfg.Pool.Workers = 4
	}
	if cfg.Pool.QueueDepth <= 0 {
		cfg.Pool.QueueDepth = 1024
	}

	return cfg, nil
}
