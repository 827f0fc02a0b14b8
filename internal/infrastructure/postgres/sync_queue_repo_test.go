package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue/syncqueuetest"
)

var _ syncqueue.Queue = (*SyncQueueRepository)(nil)
var _ syncqueue.Inspector = (*SyncQueueRepository)(nil)

var postgresIntegrationCounter uint64

func TestSyncQueueRepository_RequiresAllPools(t *testing.T) {
	_, err := NewSyncQueueRepository(Connections{}, SyncQueueOptions{})
	assert.Error(t, err)
}

func TestNewConnections_FallsBackToPrimary(t *testing.T) {
	primary := &pgxpool.Pool{}
	conns := NewConnections(primary, nil)
	assert.Same(t, primary, conns.Write)
	assert.Same(t, primary, conns.Read)
	assert.Same(t, primary, conns.ReadPrimary)

	replica := &pgxpool.Pool{}
	conns = NewConnections(primary, replica)
	assert.Same(t, replica, conns.Read)
	assert.Same(t, primary, conns.ReadPrimary)
	assert.NoError(t, conns.validate())
}

func TestSyncQueueRepository_DelValidatesBeforeQuerying(t *testing.T) {
	pool := &pgxpool.Pool{}
	repo, err := NewSyncQueueRepository(NewConnections(pool, nil), SyncQueueOptions{})
	require.NoError(t, err)

	err = repo.Del(context.Background(), []syncqueue.Entry{{ID: 1}, {BlobKey: "fresh"}})
	assert.ErrorIs(t, err, syncqueue.ErrValidation)
}

func TestSyncQueueRepository_IterLimitZeroSkipsQuery(t *testing.T) {
	repo, err := NewSyncQueueRepository(NewConnections(&pgxpool.Pool{}, nil), SyncQueueOptions{})
	require.NoError(t, err)

	got, err := repo.Iter(context.Background(), syncqueue.IterParams{MultiplexID: 1, OlderThan: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyncQueueRepository_IterRejectsTrailingEscapeBeforeQuerying(t *testing.T) {
	repo, err := NewSyncQueueRepository(NewConnections(&pgxpool.Pool{}, nil), SyncQueueOptions{})
	require.NoError(t, err)

	_, err = repo.Iter(context.Background(), syncqueue.IterParams{KeyLike: `abc\`, MultiplexID: 1, OlderThan: time.Now(), Limit: 10})
	assert.ErrorIs(t, err, syncqueue.ErrValidation)
	assert.NotErrorIs(t, err, syncqueue.ErrDurable)
}

func TestSyncQueueRepository_AddRejectsUnstorableTimestamp(t *testing.T) {
	repo, err := NewSyncQueueRepository(NewConnections(&pgxpool.Pool{}, nil), SyncQueueOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close(context.Background()) })

	err = repo.Add(context.Background(), syncqueue.NewEntry("k", 1, 1, time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), syncqueue.NewCorrelationKey()))
	assert.ErrorIs(t, err, syncqueue.ErrValidation)
}

func TestSyncQueueRepository_IterQuery(t *testing.T) {
	repo, err := NewSyncQueueRepository(NewConnections(&pgxpool.Pool{}, nil), SyncQueueOptions{Table: `odd"name`})
	require.NoError(t, err)

	plain := repo.iterQuery(false)
	assert.NotContains(t, plain, "LIKE")
	assert.NotContains(t, plain, "$5")
	assert.Contains(t, plain, `"odd""name"`)

	like := repo.iterQuery(true)
	assert.Contains(t, like, "blob_key LIKE $5")
	assert.Equal(t, 1, strings.Count(like, "LIKE"), "the pattern only filters group selection")
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5433", User: "queue", Password: "p@ss", DBName: "mononoke"}
	assert.Equal(t, "postgres://queue:p%40ss@db:5433/mononoke?sslmode=disable", cfg.DSN())
}

func TestPostgresIntegrationSyncQueueConformance(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	syncqueuetest.Run(t, func(t *testing.T) syncqueue.Queue {
		repo, _ := newIntegrationRepo(t, dsn, SyncQueueOptions{WriteBatchSize: 7})
		return repo
	})
}

func TestPostgresIntegrationDeleteInChunks(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	repo, pool := newIntegrationRepo(t, dsn, SyncQueueOptions{DeleteChunkSize: 3})
	ctx := context.Background()

	var entries []syncqueue.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, syncqueue.NewEntry("chunked", syncqueue.BackendID(i), 1, syncqueuetest.At(int64(i)), syncqueue.NewCorrelationKey()))
	}
	require.NoError(t, repo.AddMany(ctx, entries))

	stored, err := repo.Get(ctx, "chunked")
	require.NoError(t, err)
	require.Len(t, stored, 10)

	require.NoError(t, repo.Del(ctx, stored))

	var n int
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", repo.table.Sanitize())).Scan(&n))
	assert.Zero(t, n)

	depth, err := repo.Depth(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPostgresIntegrationCloseRejectsWrites(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	repo, _ := newIntegrationRepo(t, dsn, SyncQueueOptions{})
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, syncqueue.NewEntry("before", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey())))
	require.NoError(t, repo.Close(ctx))

	err := repo.Add(ctx, syncqueue.NewEntry("after", 1, 1, syncqueuetest.At(2), syncqueue.NewCorrelationKey()))
	assert.ErrorIs(t, err, syncqueue.ErrAggregatorUnavailable)
}

func newIntegrationRepo(t *testing.T, dsn string, opts SyncQueueOptions) (*SyncQueueRepository, *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	opts.Table = postgresIntegrationTableName("sync_queue_it")
	require.NoError(t, EnsureSchema(ctx, pool, opts.Table))
	// Running it twice must be harmless.
	require.NoError(t, EnsureSchema(ctx, pool, opts.Table))

	repo, err := NewSyncQueueRepository(NewConnections(pool, nil), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(ctx)
		_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{opts.Table}.Sanitize())
		if err != nil {
			t.Errorf("drop %s: %v", opts.Table, err)
		}
		pool.Close()
	})
	return repo, pool
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCQUEUE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SYNCQUEUE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func TestPostgresIntegrationDeleteRollsBackWithTransaction(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	repo, pool := newIntegrationRepo(t, dsn, SyncQueueOptions{DeleteChunkSize: 1})
	ctx := context.Background()

	require.NoError(t, repo.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("tx", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()),
		syncqueue.NewEntry("tx", 2, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()),
	}))
	stored, err := repo.Get(ctx, "tx")
	require.NoError(t, err)

	boom := fmt.Errorf("abort")
	err = NewTxManager(pool).WithinTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, repo.Del(txCtx, stored))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := repo.Get(ctx, "tx")
	require.NoError(t, err)
	assert.Len(t, after, 2)
}
