package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/denis-tsv/ExactlyOnce/internal/config"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/kafka"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/postgres"
	"github.com/denis-tsv/ExactlyOnce/internal/infrastructure/redis"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

// Factory builds the shared clients of a process once and closes them together.
type Factory struct {
	cfg       *config.Config
	logger    *slog.Logger
	pgPool    *pgxpool.Pool
	redisCli  *go_redis.Client
	producer  *kafka.Producer
	consumers []*kafka.Consumer
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
			MaxConns: f.cfg.Postgres.MaxConns,
		})
		if err == nil {
			break
		}
		f.logger.Warn("failed to connect to postgres, retrying", "attempt", i+1, "max", 5, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) KafkaProducer() *kafka.Producer {
	if f.producer == nil {
		f.producer = kafka.NewProducer(kafka.Config{Brokers: f.cfg.Kafka.Brokers})
	}
	return f.producer
}

// KafkaConsumers returns one group reader per configured topic.
func (f *Factory) KafkaConsumers() []*kafka.Consumer {
	if f.consumers == nil {
		for _, topic := range f.cfg.Kafka.Topics {
			f.consumers = append(f.consumers, kafka.NewConsumer(f.cfg.Kafka.Brokers, topic, f.cfg.Kafka.GroupID, f.cfg.Kafka.StartOffset))
		}
	}
	return f.consumers
}

func (f *Factory) Close() {
	for _, c := range f.consumers {
		if err := c.Close(); err != nil {
			f.logger.Error("failed to close kafka consumer", "topic", c.Topic(), "error", err)
		}
	}
	if f.producer != nil {
		if err := f.producer.Close(); err != nil {
			f.logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
