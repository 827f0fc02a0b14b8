package redis

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgentEnder/sapling/internal/coalesce"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

const (
	DefaultKeyPrefix       = "blobstore_sync_queue"
	DefaultDeleteChunkSize = 1000
	iterPageSize           = 500
)

type SyncQueueOptions struct {
	KeyPrefix       string
	WriteBatchSize  int
	DeleteChunkSize int
	FlushTimeout    time.Duration
	Logger          *slog.Logger
}

// SyncQueueRepository stores the queue in Redis:
//
//	<prefix>:seq                      id sequence
//	<prefix>:entry:<id>               hash with the entry fields
//	<prefix>:mux:<m>:time             zset of ids scored by insert time (µs)
//	<prefix>:mux:<m>:group:<key hex>  set of ids sharing a correlation key
//	<prefix>:blob:<blob key>          set of ids recorded for a blob key
//
// Nil correlation keys get no group set. Every chunk of inserts is written
// in one MULTI/EXEC.
type SyncQueueRepository struct {
	client          redis.UniversalClient
	prefix          string
	deleteChunkSize int
	logger          *slog.Logger
	writer          *coalesce.Coalescer[syncqueue.Entry]
}

func NewSyncQueueRepository(client redis.UniversalClient, opts SyncQueueOptions) *SyncQueueRepository {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.DeleteChunkSize <= 0 {
		opts.DeleteChunkSize = DefaultDeleteChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &SyncQueueRepository{
		client:          client,
		prefix:          opts.KeyPrefix,
		deleteChunkSize: opts.DeleteChunkSize,
		logger:          opts.Logger.With("component", "redis_sync_queue", "prefix", opts.KeyPrefix),
	}
	r.writer = coalesce.New(r.insertEntries, coalesce.Config{
		MaxBatch:     opts.WriteBatchSize,
		FlushTimeout: opts.FlushTimeout,
		Logger:       r.logger,
	})
	return r
}

func (r *SyncQueueRepository) seqKey() string {
	return r.prefix + ":seq"
}

func (r *SyncQueueRepository) entryKey(id int64) string {
	return r.prefix + ":entry:" + strconv.FormatInt(id, 10)
}

func (r *SyncQueueRepository) timeKey(m syncqueue.MultiplexID) string {
	return fmt.Sprintf("%s:mux:%d:time", r.prefix, m)
}

func (r *SyncQueueRepository) groupKey(m syncqueue.MultiplexID, key syncqueue.CorrelationKey) string {
	return fmt.Sprintf("%s:mux:%d:group:%s", r.prefix, m, hex.EncodeToString(key[:]))
}

func (r *SyncQueueRepository) blobKey(key string) string {
	return r.prefix + ":blob:" + key
}

func (r *SyncQueueRepository) Add(ctx context.Context, entry syncqueue.Entry) error {
	return r.AddMany(ctx, []syncqueue.Entry{entry})
}

func (r *SyncQueueRepository) AddMany(ctx context.Context, entries []syncqueue.Entry) error {
	if err := syncqueue.ValidateEntries(entries); err != nil {
		return err
	}
	if err := r.writer.Submit(ctx, entries); err != nil {
		return fmt.Errorf("add sync queue entries: %w", err)
	}
	return nil
}

func (r *SyncQueueRepository) insertEntries(ctx context.Context, entries []syncqueue.Entry) error {
	last, err := r.client.IncrBy(ctx, r.seqKey(), int64(len(entries))).Result()
	if err != nil {
		return syncqueue.Durable("allocate sync queue ids", err)
	}
	first := last - int64(len(entries)) + 1

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range entries {
			id := first + int64(i)
			pipe.HSet(ctx, r.entryKey(id), map[string]any{
				"k": e.BlobKey,
				"b": int64(e.BackendID),
				"m": int64(e.MultiplexID),
				"t": e.UnixNano(),
				"c": e.CorrelationKey.Bytes(),
			})
			pipe.ZAdd(ctx, r.timeKey(e.MultiplexID), redis.Z{Score: float64(e.InsertedAt.UnixMicro()), Member: id})
			if !e.CorrelationKey.IsNil() {
				pipe.SAdd(ctx, r.groupKey(e.MultiplexID, e.CorrelationKey), id)
			}
			pipe.SAdd(ctx, r.blobKey(e.BlobKey), id)
		}
		return nil
	})
	if err != nil {
		return syncqueue.Durable("write sync queue entries", err)
	}
	return nil
}

func (r *SyncQueueRepository) Iter(ctx context.Context, params syncqueue.IterParams) ([]syncqueue.Entry, error) {
	pattern, err := syncqueue.CompileKeyPattern(params.KeyLike)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		return nil, nil
	}

	// The zset is ordered by time, so the first member seen for a group is
	// its oldest matching entry. Scores are µs; the exact ns cutoff is
	// applied to the loaded entries.
	selected := make([]syncqueue.GroupKey, 0, params.Limit)
	seen := make(map[syncqueue.GroupKey]bool)
	bound := strconv.FormatInt(params.OlderThan.UnixMicro(), 10)
	var offset int64
scan:
	for {
		ids, err := r.client.ZRangeByScore(ctx, r.timeKey(params.MultiplexID), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    bound,
			Offset: offset,
			Count:  iterPageSize,
		}).Result()
		if err != nil {
			return nil, syncqueue.Durable("scan sync queue range", err)
		}
		offset += int64(len(ids))

		page, err := r.load(ctx, ids, false)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if e.InsertedAt.After(params.OlderThan) || !pattern.Match(e.BlobKey) {
				continue
			}
			g := syncqueue.GroupOf(e)
			if seen[g] {
				continue
			}
			seen[g] = true
			selected = append(selected, g)
			if len(selected) == params.Limit {
				break scan
			}
		}
		if len(ids) < iterPageSize {
			break
		}
	}

	var ids []string
	for _, g := range selected {
		if g.CorrelationKey.IsNil() {
			ids = append(ids, strconv.FormatInt(g.SoloID, 10))
			continue
		}
		members, err := r.client.SMembers(ctx, r.groupKey(params.MultiplexID, g.CorrelationKey)).Result()
		if err != nil {
			return nil, syncqueue.Durable("read sync queue group", err)
		}
		ids = append(ids, members...)
	}
	return r.load(ctx, ids, true)
}

func (r *SyncQueueRepository) Del(ctx context.Context, entries []syncqueue.Entry) error {
	ids, err := syncqueue.IDs(entries)
	if err != nil {
		return err
	}

	for _, chunk := range syncqueue.Chunk(ids, r.deleteChunkSize) {
		members := make([]string, len(chunk))
		for i, id := range chunk {
			members[i] = strconv.FormatInt(id, 10)
		}
		// Index keys are derived from the stored copy; absent ids are skipped.
		stored, err := r.load(ctx, members, false)
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			continue
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range stored {
				pipe.Del(ctx, r.entryKey(e.ID))
				pipe.ZRem(ctx, r.timeKey(e.MultiplexID), e.ID)
				if !e.CorrelationKey.IsNil() {
					pipe.SRem(ctx, r.groupKey(e.MultiplexID, e.CorrelationKey), e.ID)
				}
				pipe.SRem(ctx, r.blobKey(e.BlobKey), e.ID)
			}
			return nil
		})
		if err != nil {
			return syncqueue.Durable("delete sync queue entries", err)
		}
	}
	return nil
}

func (r *SyncQueueRepository) Get(ctx context.Context, blobKey string) ([]syncqueue.Entry, error) {
	ids, err := r.client.SMembers(ctx, r.blobKey(blobKey)).Result()
	if err != nil {
		return nil, syncqueue.Durable("read sync queue by key", err)
	}
	return r.load(ctx, ids, true)
}

func (r *SyncQueueRepository) Depth(ctx context.Context, multiplexID syncqueue.MultiplexID) (int64, error) {
	n, err := r.client.ZCard(ctx, r.timeKey(multiplexID)).Result()
	if err != nil {
		return 0, syncqueue.Durable("count sync queue entries", err)
	}
	return n, nil
}

func (r *SyncQueueRepository) Close(ctx context.Context) error {
	return r.writer.Close(ctx)
}

// load fetches entries by id, dropping ids deleted in the meantime. The
// input order is kept unless sortByID is set.
func (r *SyncQueueRepository) load(ctx context.Context, ids []string, sortByID bool) ([]syncqueue.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("parse sync queue id %q: %w", raw, err)
			}
			cmds[i] = pipe.HGetAll(ctx, r.entryKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, syncqueue.Durable("load sync queue entries", err)
	}

	entries := make([]syncqueue.Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(ids[i], fields)
		if err != nil {
			return nil, syncqueue.Durable("decode sync queue entry", err)
		}
		entries = append(entries, e)
	}
	if sortByID {
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	}
	return entries, nil
}

func decodeEntry(rawID string, fields map[string]string) (syncqueue.Entry, error) {
	var e syncqueue.Entry
	var err error
	if e.ID, err = strconv.ParseInt(rawID, 10, 64); err != nil {
		return e, fmt.Errorf("id %q: %w", rawID, err)
	}
	backend, err := strconv.ParseInt(fields["b"], 10, 64)
	if err != nil {
		return e, fmt.Errorf("backend of %s: %w", rawID, err)
	}
	multiplex, err := strconv.ParseInt(fields["m"], 10, 64)
	if err != nil {
		return e, fmt.Errorf("multiplex of %s: %w", rawID, err)
	}
	ts, err := strconv.ParseInt(fields["t"], 10, 64)
	if err != nil {
		return e, fmt.Errorf("timestamp of %s: %w", rawID, err)
	}
	key, err := syncqueue.CorrelationKeyFromBytes([]byte(fields["c"]))
	if err != nil {
		return e, fmt.Errorf("correlation key of %s: %w", rawID, err)
	}
	e.BlobKey = fields["k"]
	e.BackendID = syncqueue.BackendID(backend)
	e.MultiplexID = syncqueue.MultiplexID(multiplex)
	e.InsertedAt = syncqueue.TimeFromUnixNano(ts)
	e.CorrelationKey = key
	return e, nil
}
