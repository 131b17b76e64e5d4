package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/config"
)

func TestLoad_DefaultsAreFilledWhenNoConfigFilePresent(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/shm/sysrepo-shmd", cfg.Repo.Path)
	assert.Equal(t, uint32(4096), cfg.Repo.MainMinSize)
	assert.Equal(t, uint32(4096), cfg.Repo.ArenaMinSize)
	assert.Equal(t, 5*time.Second, cfg.Repo.LockTimeout)
	assert.Equal(t, uint32(0o700), cfg.Repo.DirPerm)
	assert.NotEmpty(t, cfg.Repo.StartupDir)
	assert.NotEmpty(t, cfg.Repo.NotifDir)
	assert.NotEmpty(t, cfg.Repo.YangDir)

	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, 1024, cfg.Pool.QueueDepth)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9107", cfg.Metrics.ListenAddr)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoad_NeverReturnsNonPositivePoolSettings(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Greater(t, cfg.Pool.Workers, 0)
	assert.Greater(t, cfg.Pool.QueueDepth, 0)
}
