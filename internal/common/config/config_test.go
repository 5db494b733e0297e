package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "worker", cfg.Redis.StreamPrefix)
	assert.Equal(t, "corral", cfg.Manager.ContainerPrefix)
	assert.Equal(t, "corral-agent", cfg.Manager.ImagePrefix)
	assert.Equal(t, 30*time.Minute, cfg.Manager.IdleThreshold())
	assert.Equal(t, 60*time.Second, cfg.Manager.ReaperInterval())
	assert.Equal(t, 168*time.Hour, cfg.Manager.ImageRetention())
	assert.Equal(t, 10*time.Minute, cfg.Wrapper.SubprocessTimeout())
	assert.Equal(t, 72*time.Hour, cfg.Wrapper.SessionTTL())
	assert.Equal(t, 24*time.Hour, cfg.Spawner.MappingTTL())
	assert.Equal(t, 72*time.Hour, cfg.Spawner.SessionTTL())
	assert.Equal(t, "claude", cfg.Spawner.AgentType)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CORRAL_REDIS_URL", "redis://redis.internal:6379/2")
	t.Setenv("CORRAL_REDIS_STREAM_PREFIX", "corral-prod")
	t.Setenv("CORRAL_MANAGER_CONTAINER_PREFIX", "prod")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "redis://redis.internal:6379/2", cfg.Redis.URL)
	assert.Equal(t, "corral-prod", cfg.Redis.StreamPrefix)
	assert.Equal(t, "prod", cfg.Manager.ContainerPrefix)
}

func TestWorkerEnvFallback(t *testing.T) {
	// The wrapper's env contract reuses the same loader inside containers.
	t.Setenv("WORKER_REDIS_URL", "redis://host.docker.internal:6379/0")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "redis://host.docker.internal:6379/0", cfg.Redis.URL)
}
