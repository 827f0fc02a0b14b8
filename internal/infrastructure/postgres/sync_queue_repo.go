package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/AgentEnder/sapling/internal/coalesce"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

const (
	DefaultSyncQueueTable  = "blobstore_sync_queue"
	DefaultDeleteChunkSize = 10_000
)

var syncQueueColumns = []string{"blob_key", "backend_id", "multiplex_id", "inserted_at", "correlation_key"}

type SyncQueueOptions struct {
	Table           string
	WriteBatchSize  int
	DeleteChunkSize int
	FlushTimeout    time.Duration
	Logger          *slog.Logger
}

// SyncQueueRepository is the Postgres-backed syncqueue.Queue. Inserts from
// all callers funnel through one coalescer, so each chunk costs a single
// COPY on the write pool.
type SyncQueueRepository struct {
	conns           Connections
	table           pgx.Identifier
	deleteChunkSize int
	logger          *slog.Logger
	writer          *coalesce.Coalescer[syncqueue.Entry]
}

func NewSyncQueueRepository(conns Connections, opts SyncQueueOptions) (*SyncQueueRepository, error) {
	if err := conns.validate(); err != nil {
		return nil, err
	}
	if opts.Table == "" {
		opts.Table = DefaultSyncQueueTable
	}
	if opts.DeleteChunkSize <= 0 {
		opts.DeleteChunkSize = DefaultDeleteChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &SyncQueueRepository{
		conns:           conns,
		table:           pgx.Identifier{opts.Table},
		deleteChunkSize: opts.DeleteChunkSize,
		logger:          opts.Logger.With("component", "postgres_sync_queue", "table", opts.Table),
	}
	r.writer = coalesce.New(r.insertEntries, coalesce.Config{
		MaxBatch:     opts.WriteBatchSize,
		FlushTimeout: opts.FlushTimeout,
		Logger:       r.logger,
	})
	return r, nil
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
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.BlobKey, int64(e.BackendID), int64(e.MultiplexID), e.UnixNano(), e.CorrelationKey.Bytes()}
	}

	n, err := r.conns.Write.CopyFrom(ctx, r.table, syncQueueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return syncqueue.Durable("copy sync queue entries", err)
	}
	if n != int64(len(rows)) {
		return syncqueue.Durable("copy sync queue entries", fmt.Errorf("copied %d of %d rows", n, len(rows)))
	}
	return nil
}

func (r *SyncQueueRepository) Iter(ctx context.Context, params syncqueue.IterParams) ([]syncqueue.Entry, error) {
	// Postgres rejects some patterns (a trailing escape) only at execution
	// time; reject them up front like the other stores do.
	if _, err := syncqueue.CompileKeyPattern(params.KeyLike); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		return nil, nil
	}
	args := []any{
		int64(params.MultiplexID),
		syncqueue.CutoffUnixNano(params.OlderThan),
		params.Limit,
		syncqueue.NilCorrelationKey.Bytes(),
	}
	if params.KeyLike != "" {
		args = append(args, params.KeyLike)
	}

	rows, err := r.conns.ReadPrimary.Query(ctx, r.iterQuery(params.KeyLike != ""), args...)
	if err != nil {
		return nil, syncqueue.Durable("query sync queue range", err)
	}
	return collectEntries(rows)
}

// iterQuery picks the oldest groups first, then joins back to every member
// of each picked group. Nil-key rows are picked by id so they never pull in
// other nil-key rows.
func (r *SyncQueueRepository) iterQuery(withPattern bool) string {
	filter := ""
	if withPattern {
		filter = " AND blob_key LIKE $5"
	}
	return fmt.Sprintf(`
		WITH picked AS (
			SELECT
				CASE WHEN correlation_key = $4 THEN NULL ELSE correlation_key END AS correlation_key,
				CASE WHEN correlation_key = $4 THEN id END AS solo_id
			FROM %[1]s
			WHERE multiplex_id = $1 AND inserted_at <= $2%[2]s
			GROUP BY 1, 2
			ORDER BY MIN(inserted_at), MIN(id)
			LIMIT $3
		)
		SELECT q.id, q.blob_key, q.backend_id, q.multiplex_id, q.inserted_at, q.correlation_key
		FROM %[1]s q
		JOIN picked p ON q.correlation_key = p.correlation_key
		WHERE q.multiplex_id = $1
		UNION ALL
		SELECT q.id, q.blob_key, q.backend_id, q.multiplex_id, q.inserted_at, q.correlation_key
		FROM %[1]s q
		JOIN picked p ON q.id = p.solo_id
		ORDER BY 1`, r.table.Sanitize(), filter)
}

func (r *SyncQueueRepository) Del(ctx context.Context, entries []syncqueue.Entry) error {
	ids, err := syncqueue.IDs(entries)
	if err != nil {
		return err
	}

	// Chunks join the caller's transaction when ctx carries one.
	exec := executorFor(ctx, r.conns.Write)
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", r.table.Sanitize())
	var deleted int64
	for _, chunk := range syncqueue.Chunk(ids, r.deleteChunkSize) {
		tag, err := exec.Exec(ctx, query, chunk)
		if err != nil {
			return syncqueue.Durable("delete sync queue entries", err)
		}
		deleted += tag.RowsAffected()
	}
	r.logger.Debug("deleted sync queue entries", "requested", len(ids), "deleted", deleted)
	return nil
}

func (r *SyncQueueRepository) Get(ctx context.Context, blobKey string) ([]syncqueue.Entry, error) {
	query := fmt.Sprintf(`
		SELECT id, blob_key, backend_id, multiplex_id, inserted_at, correlation_key
		FROM %s
		WHERE blob_key = $1
		ORDER BY id ASC`, r.table.Sanitize())

	rows, err := r.conns.ReadPrimary.Query(ctx, query, blobKey)
	if err != nil {
		return nil, syncqueue.Durable("query sync queue by key", err)
	}
	return collectEntries(rows)
}

// Depth counts pending entries on the (possibly lagging) read pool.
func (r *SyncQueueRepository) Depth(ctx context.Context, multiplexID syncqueue.MultiplexID) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE multiplex_id = $1", r.table.Sanitize())
	var n int64
	if err := r.conns.Read.QueryRow(ctx, query, int64(multiplexID)).Scan(&n); err != nil {
		return 0, syncqueue.Durable("count sync queue entries", err)
	}
	return n, nil
}

// Close flushes pending inserts and stops the writer.
func (r *SyncQueueRepository) Close(ctx context.Context) error {
	return r.writer.Close(ctx)
}

func collectEntries(rows pgx.Rows) ([]syncqueue.Entry, error) {
	defer rows.Close()

	var entries []syncqueue.Entry
	for rows.Next() {
		var (
			e                  syncqueue.Entry
			backend, multiplex int64
			insertedAt         int64
			key                []byte
		)
		if err := rows.Scan(&e.ID, &e.BlobKey, &backend, &multiplex, &insertedAt, &key); err != nil {
			return nil, syncqueue.Durable("scan sync queue entry", err)
		}
		ck, err := syncqueue.CorrelationKeyFromBytes(key)
		if err != nil {
			return nil, syncqueue.Durable("scan sync queue entry", err)
		}
		e.BackendID = syncqueue.BackendID(backend)
		e.MultiplexID = syncqueue.MultiplexID(multiplex)
		e.InsertedAt = syncqueue.TimeFromUnixNano(insertedAt)
		e.CorrelationKey = ck
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncqueue.Durable("read sync queue rows", err)
	}
	return entries, nil
}
