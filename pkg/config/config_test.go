package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Framework.LogLevel)
	assert.Equal(t, 5672, cfg.Broker.Port)
	assert.Equal(t, 10, cfg.Broker.PoolSize)
	assert.Equal(t, "/crs", cfg.Storage.Dir)
	assert.Equal(t, 3, cfg.Worker.RetryLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Broker.Host)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("broker:\n  host: broker.internal\n  prefetch_count: 15\nworker:\n  retry_limit: 5\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	t.Setenv("RABBITMQ_HOST", "rabbitmq")
	t.Setenv("REDIS_SENTINEL_HOSTS", "s1:26379,s2:26379")
	t.Setenv("TIMEOUT_OOM_TRIAGE", "sender")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over file
	assert.Equal(t, "rabbitmq", cfg.Broker.Host)
	assert.Equal(t, 15, cfg.Broker.PrefetchCount)
	assert.Equal(t, 5, cfg.Worker.RetryLimit)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.Redis.SentinelHosts)
	assert.Equal(t, "sender", cfg.Worker.TimeoutOOMRole)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.TimeoutOOMRole = "broadcast"
	assert.Error(t, cfg.Validate())
}

func TestBrokerURL(t *testing.T) {
	b := BrokerConfig{Host: "mq", Port: 5672, User: "crs", Password: "secret"}
	assert.Equal(t, "amqp://crs:secret@mq:5672/", b.URL())
}
