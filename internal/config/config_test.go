package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, "rules.changed", cfg.NATS.Subject)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
database:
  driver: pgx
  dsn: postgres://alertd@localhost/alertd
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  producer:
    max_retries: 5
engine:
  workers: 8
  action_timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Kafka.Producer.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Kafka.Producer.RetryBackoff, "unset fields keep defaults")
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 3*time.Second, cfg.Engine.ActionTimeout)
}

func TestLoadValidation(t *testing.T) {
	tests := map[string]string{
		"unknown driver":   "database:\n  driver: mysql\n",
		"missing dsn":      "database:\n  driver: postgres\n",
		"zero workers":     "engine:\n  workers: 0\n",
		"bad log format":   "log:\n  format: xml\n",
		"qos out of range": "mqtt:\n  qos: 3\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"ALERTD_KAFKA_BROKERS": "a:9092, b:9092,",
		"ALERTD_WORKERS":       "16",
		"ALERTD_REDIS_ADDR":    "redis:6379",
	}
	applyEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestWatchFile(t *testing.T) {
	path := writeConfig(t, "rules: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	go func() {
		_ = WatchFile(ctx, path, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("rules: [{}]\n"), 0o600))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification received")
	}
}
