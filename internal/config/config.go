package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App         App         `yaml:"app"`
	HTTP        HTTP        `yaml:"http"`
	Log         Log         `yaml:"log"`
	Metrics     Metrics     `yaml:"metrics"`
	Postgres    Postgres    `yaml:"postgres"`
	Redis       Redis       `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	ExactlyOnce ExactlyOnce `yaml:"exactly_once"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"exactly-once"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Metrics struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR" env-default:":9091"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"exactly_once"`
	MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS" env-default:"10"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"exactly-once"`
	Topics  []string `yaml:"topics" env:"KAFKA_TOPICS" env-default:"topic-1,topic-2"`
	// StartOffset applies when the group has no committed offset yet: "earliest" or "latest".
	StartOffset string `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest"`
}

// ExactlyOnce holds the batching, lease and backoff knobs of the inbox pipeline.
type ExactlyOnce struct {
	BatchSize            int           `yaml:"batch_size" env:"EO_BATCH_SIZE" env-default:"100"`
	NoKafkaMessagesDelay time.Duration `yaml:"no_kafka_messages_delay" env:"EO_NO_KAFKA_MESSAGES_DELAY" env-default:"1s"`
	LockedDelay          time.Duration `yaml:"locked_delay" env:"EO_LOCKED_DELAY" env-default:"30s"`
	NoInboxMessagesDelay time.Duration `yaml:"no_inbox_messages_delay" env:"EO_NO_INBOX_MESSAGES_DELAY" env-default:"1s"`
	RetryDelay           time.Duration `yaml:"retry_delay" env:"EO_RETRY_DELAY" env-default:"1s"`
	Workers              int           `yaml:"workers" env:"EO_WORKERS" env-default:"1"`
	PruneInterval        time.Duration `yaml:"prune_interval" env:"EO_PRUNE_INTERVAL" env-default:"0s"`
	PruneRetention       time.Duration `yaml:"prune_retention" env:"EO_PRUNE_RETENTION" env-default:"24h"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config env override: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	eo := c.ExactlyOnce
	if eo.BatchSize <= 0 {
		errs = append(errs, errors.New("exactly_once.batch_size must be positive"))
	}
	if eo.NoKafkaMessagesDelay <= 0 {
		errs = append(errs, errors.New("exactly_once.no_kafka_messages_delay must be positive"))
	}
	if eo.LockedDelay <= 0 {
		errs = append(errs, errors.New("exactly_once.locked_delay must be positive"))
	}
	if eo.NoInboxMessagesDelay <= 0 {
		errs = append(errs, errors.New("exactly_once.no_inbox_messages_delay must be positive"))
	}
	if eo.RetryDelay < 0 || eo.PruneInterval < 0 || eo.PruneRetention < 0 {
		errs = append(errs, errors.New("exactly_once delays must not be negative"))
	}
	if eo.Workers <= 0 {
		errs = append(errs, errors.New("exactly_once.workers must be positive"))
	}
	if len(c.Kafka.Topics) == 0 {
		errs = append(errs, errors.New("kafka.topics must not be empty"))
	}
	for _, t := range c.Kafka.Topics {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("kafka.topics contains an empty topic"))
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// DSN builds a libpq-style connection URL for the configured database.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.DBName)
}

func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
