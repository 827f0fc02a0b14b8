package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue/syncqueuetest"
)

var _ syncqueue.Queue = (*SyncQueueRepository)(nil)
var _ syncqueue.Inspector = (*SyncQueueRepository)(nil)

func newTestRepo(t *testing.T, opts SyncQueueOptions) (*SyncQueueRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := NewSyncQueueRepository(client, opts)
	t.Cleanup(func() {
		_ = repo.Close(context.Background())
		_ = client.Close()
	})
	return repo, mr
}

func TestSyncQueueRepository_Conformance(t *testing.T) {
	syncqueuetest.Run(t, func(t *testing.T) syncqueue.Queue {
		repo, _ := newTestRepo(t, SyncQueueOptions{WriteBatchSize: 16})
		return repo
	})
}

func TestSyncQueueRepository_DeleteCleansIndexes(t *testing.T) {
	repo, mr := newTestRepo(t, SyncQueueOptions{KeyPrefix: "sq", DeleteChunkSize: 2})
	ctx := context.Background()

	op := syncqueue.NewCorrelationKey()
	require.NoError(t, repo.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("blob", 1, 5, syncqueuetest.At(1), op),
		syncqueue.NewEntry("blob", 2, 5, syncqueuetest.At(1), op),
		syncqueue.NewEntry("other", 3, 5, syncqueuetest.At(2), syncqueue.NilCorrelationKey),
	}))

	depth, err := repo.Depth(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	due, err := repo.Iter(ctx, syncqueue.IterParams{MultiplexID: 5, OlderThan: syncqueuetest.At(10), Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.NoError(t, repo.Del(ctx, due))

	assert.ElementsMatch(t, []string{"sq:seq"}, mr.Keys())

	depth, err = repo.Depth(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSyncQueueRepository_IDsAreSequential(t *testing.T) {
	repo, _ := newTestRepo(t, SyncQueueOptions{})
	ctx := context.Background()

	require.NoError(t, repo.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()),
		syncqueue.NewEntry("k", 2, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()),
	}))
	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)
}

func TestSyncQueueRepository_IterPagesPastUnmatchedEntries(t *testing.T) {
	repo, _ := newTestRepo(t, SyncQueueOptions{})
	ctx := context.Background()

	entries := make([]syncqueue.Entry, 0, iterPageSize+10)
	for i := 0; i < iterPageSize+5; i++ {
		entries = append(entries, syncqueue.NewEntry("noise", 1, 1, syncqueuetest.At(1), syncqueue.NilCorrelationKey))
	}
	entries = append(entries, syncqueue.NewEntry("wanted", 1, 1, syncqueuetest.At(2), syncqueue.NewCorrelationKey()))
	require.NoError(t, repo.AddMany(ctx, entries))

	got, err := repo.Iter(ctx, syncqueue.IterParams{KeyLike: "want%", MultiplexID: 1, OlderThan: syncqueuetest.At(5), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wanted", got[0].BlobKey)
}

func TestSyncQueueRepository_UnavailableBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	repo := NewSyncQueueRepository(client, SyncQueueOptions{})
	t.Cleanup(func() {
		_ = repo.Close(context.Background())
		_ = client.Close()
	})
	mr.Close()
	ctx := context.Background()

	err = repo.Add(ctx, syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()))
	assert.ErrorIs(t, err, syncqueue.ErrDurable)

	_, err = repo.Get(ctx, "k")
	assert.ErrorIs(t, err, syncqueue.ErrDurable)
}

func TestSyncQueueRepository_CloseRejectsWrites(t *testing.T) {
	repo, _ := newTestRepo(t, SyncQueueOptions{})
	ctx := context.Background()
	require.NoError(t, repo.Close(ctx))

	err := repo.Add(ctx, syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()))
	assert.ErrorIs(t, err, syncqueue.ErrAggregatorUnavailable)
}
