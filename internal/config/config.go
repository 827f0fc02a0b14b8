package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Queue    Queue    `yaml:"queue"`
	Metrics  Metrics  `yaml:"metrics"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"blobstore-sync-queue"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel parses Level, falling back to info.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"mononoke"`
	// ReplicaHost serves Depth; empty means read from the primary.
	ReplicaHost string `yaml:"replica_host" env:"POSTGRES_REPLICA_HOST"`
	MaxConns    int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS" env-default:"10"`
}

type Redis struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"blobstore_sync_queue"`
}

type Kafka struct {
	Brokers     []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	NotifyTopic string   `yaml:"notify_topic" env:"KAFKA_NOTIFY_TOPIC" env-default:"sync-queue-events"`
	IngestTopic string   `yaml:"ingest_topic" env:"KAFKA_INGEST_TOPIC" env-default:"blobstore-write-lag"`
	GroupID     string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"sync-queue-ingest"`
	// Notify toggles EntriesEnqueued events on every add.
	Notify bool `yaml:"notify" env:"KAFKA_NOTIFY" env-default:"false"`
}

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Queue struct {
	Backend         string        `yaml:"backend" env:"QUEUE_BACKEND" env-default:"postgres"`
	Table           string        `yaml:"table" env:"QUEUE_TABLE" env-default:"blobstore_sync_queue"`
	WriteBatchSize  int           `yaml:"write_batch_size" env:"QUEUE_WRITE_BATCH_SIZE" env-default:"5000"`
	DeleteChunkSize int           `yaml:"delete_chunk_size" env:"QUEUE_DELETE_CHUNK_SIZE" env-default:"10000"`
	FlushTimeout    time.Duration `yaml:"flush_timeout" env:"QUEUE_FLUSH_TIMEOUT" env-default:"30s"`
	EnsureSchema    bool          `yaml:"ensure_schema" env:"QUEUE_ENSURE_SCHEMA" env-default:"false"`
}

type Metrics struct {
	Port string `yaml:"port" env:"METRICS_PORT" env-default:"9090"`
}

// New reads config.yaml when present and lets env vars override it.
func New() (*Config, error) {
	return Load("config.yaml")
}

func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config error: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.WriteBatchSize <= 0 {
		return fmt.Errorf("config error: write batch size must be positive, got %d", c.Queue.WriteBatchSize)
	}
	if c.Queue.DeleteChunkSize <= 0 {
		return fmt.Errorf("config error: delete chunk size must be positive, got %d", c.Queue.DeleteChunkSize)
	}
	return nil
}
