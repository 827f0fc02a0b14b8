package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"

	"github.com/AgentEnder/sapling/internal/config"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
	"github.com/AgentEnder/sapling/internal/infrastructure/kafka"
	"github.com/AgentEnder/sapling/internal/infrastructure/memory"
	"github.com/AgentEnder/sapling/internal/infrastructure/postgres"
	"github.com/AgentEnder/sapling/internal/infrastructure/redis"
	"github.com/AgentEnder/sapling/internal/notify"
	"github.com/AgentEnder/sapling/internal/stats"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Store is a sync queue that owns a background writer.
type Store interface {
	syncqueue.Queue
	Close(ctx context.Context) error
}

type Factory struct {
	cfg    *config.Config
	logger *slog.Logger

	pgPrimary *pgxpool.Pool
	pgReplica *pgxpool.Pool
	redisCli  *go_redis.Client
	producer  *kafka.Producer
	store     syncqueue.Queue
	queue     syncqueue.Queue

	// retryDelay is overridden in tests.
	retryDelay time.Duration
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:        cfg,
		logger:     slog.Default(),
		retryDelay: connectBackoff,
	}
}

func (f *Factory) postgresConfig(host string) postgres.Config {
	return postgres.Config{
		Host:     host,
		Port:     f.cfg.Postgres.Port,
		User:     f.cfg.Postgres.User,
		Password: f.cfg.Postgres.Password,
		DBName:   f.cfg.Postgres.DBName,
		MaxConns: f.cfg.Postgres.MaxConns,
	}
}

func (f *Factory) connectPostgres(ctx context.Context, host string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	for i := 0; i < connectAttempts; i++ {
		pool, err = postgres.NewClient(ctx, f.postgresConfig(host))
		if err == nil {
			return pool, nil
		}
		f.logger.Warn("failed to connect to postgres, retrying",
			"host", host, "attempt", i+1, "max_attempts", connectAttempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
	return nil, fmt.Errorf("failed to init postgres %s after retries: %w", host, err)
}

// Postgres opens the primary pool and, when configured, the replica pool.
func (f *Factory) Postgres(ctx context.Context) (postgres.Connections, error) {
	if f.pgPrimary == nil {
		pool, err := f.connectPostgres(ctx, f.cfg.Postgres.Host)
		if err != nil {
			return postgres.Connections{}, err
		}
		f.pgPrimary = pool
	}
	if f.cfg.Postgres.ReplicaHost != "" && f.pgReplica == nil {
		pool, err := f.connectPostgres(ctx, f.cfg.Postgres.ReplicaHost)
		if err != nil {
			return postgres.Connections{}, err
		}
		f.pgReplica = pool
	}
	return postgres.NewConnections(f.pgPrimary, f.pgReplica), nil
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

func (f *Factory) Producer() *kafka.Producer {
	if f.producer == nil {
		f.producer = kafka.NewProducer(kafka.Config{
			Brokers: f.cfg.Kafka.Brokers,
			Topic:   f.cfg.Kafka.NotifyTopic,
		})
	}
	return f.producer
}

func (f *Factory) Consumer() *kafka.Consumer {
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: f.cfg.Kafka.Brokers,
		Topic:   f.cfg.Kafka.IngestTopic,
		GroupID: f.cfg.Kafka.GroupID,
	})
}

// Store returns the configured backend without decorators.
func (f *Factory) Store(ctx context.Context) (syncqueue.Queue, error) {
	if f.store != nil {
		return f.store, nil
	}

	qc := f.cfg.Queue
	switch qc.Backend {
	case config.BackendPostgres:
		conns, err := f.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		if qc.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, conns.Write, qc.Table); err != nil {
				return nil, fmt.Errorf("failed to ensure sync queue schema: %w", err)
			}
		}
		repo, err := postgres.NewSyncQueueRepository(conns, postgres.SyncQueueOptions{
			Table:           qc.Table,
			WriteBatchSize:  qc.WriteBatchSize,
			DeleteChunkSize: qc.DeleteChunkSize,
			FlushTimeout:    qc.FlushTimeout,
			Logger:          f.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres sync queue: %w", err)
		}
		f.store = repo
	case config.BackendRedis:
		client, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		f.store = redis.NewSyncQueueRepository(client, redis.SyncQueueOptions{
			KeyPrefix:       f.cfg.Redis.KeyPrefix,
			WriteBatchSize:  qc.WriteBatchSize,
			DeleteChunkSize: qc.DeleteChunkSize,
			FlushTimeout:    qc.FlushTimeout,
			Logger:          f.logger,
		})
	case config.BackendMemory:
		f.store = memory.NewSyncQueue()
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}

	f.logger.Info("sync queue store ready", "backend", qc.Backend)
	return f.store, nil
}

// Queue returns the store wrapped with metrics and, if enabled, Kafka
// notifications.
func (f *Factory) Queue(ctx context.Context) (syncqueue.Queue, error) {
	if f.queue != nil {
		return f.queue, nil
	}
	store, err := f.Store(ctx)
	if err != nil {
		return nil, err
	}

	var q syncqueue.Queue = stats.Wrap(store)
	if f.cfg.Kafka.Notify {
		q = notify.Wrap(q, f.Producer(), notify.Options{
			Producer: f.cfg.App.Name,
			Logger:   f.logger,
		})
	}
	f.queue = q
	return q, nil
}

// Close flushes the store's pending writes before releasing connections.
func (f *Factory) Close(ctx context.Context) {
	if s, ok := f.store.(Store); ok {
		if err := s.Close(ctx); err != nil {
			f.logger.Error("failed to close sync queue store", "error", err)
		}
	}
	if f.producer != nil {
		if err := f.producer.Close(); err != nil {
			f.logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if f.pgReplica != nil {
		f.pgReplica.Close()
	}
	if f.pgPrimary != nil {
		f.pgPrimary.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
