package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFromEnv(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cleanenv.ReadEnv(cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.ExactlyOnce.BatchSize)
	assert.Equal(t, time.Second, cfg.ExactlyOnce.NoKafkaMessagesDelay)
	assert.Equal(t, 30*time.Second, cfg.ExactlyOnce.LockedDelay)
	assert.Equal(t, time.Second, cfg.ExactlyOnce.NoInboxMessagesDelay)
	assert.Equal(t, []string{"topic-1", "topic-2"}, cfg.Kafka.Topics)
	assert.Equal(t, 1, cfg.ExactlyOnce.Workers)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EO_BATCH_SIZE", "7")
	t.Setenv("EO_LOCKED_DELAY", "2m")
	t.Setenv("KAFKA_TOPICS", "orders,payments")

	cfg := &Config{}
	require.NoError(t, cleanenv.ReadEnv(cfg))

	assert.Equal(t, 7, cfg.ExactlyOnce.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.ExactlyOnce.LockedDelay)
	assert.Equal(t, []string{"orders", "payments"}, cfg.Kafka.Topics)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cleanenv.ReadEnv(cfg))

	cfg.ExactlyOnce.BatchSize = 0
	cfg.ExactlyOnce.LockedDelay = 0
	cfg.Kafka.Topics = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "locked_delay")
	assert.Contains(t, err.Error(), "kafka.topics")
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "eo"}
	assert.Equal(t, "postgres://u:p@db:5433/eo?sslmode=disable", p.DSN())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Log{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Log{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, Log{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Log{Level: "whatever"}.SlogLevel())
}
