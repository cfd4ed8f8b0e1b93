package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("QUEUE_STALE_SECONDS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 60*time.Second, cfg.QueueStaleAfter)
	assert.Equal(t, 60*time.Second, cfg.MoveTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("MOVE_TIMEOUT_SECONDS", "30")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "0")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := Load()
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 30*time.Second, cfg.MoveTimeout)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("QUEUE_STALE_SECONDS", "soon")
	assert.Equal(t, 60*time.Second, Load().QueueStaleAfter)
}
