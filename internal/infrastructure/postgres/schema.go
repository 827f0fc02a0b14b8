package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the sync queue table and its indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if table == "" {
		table = DefaultSyncQueueTable
	}
	name := pgx.Identifier{table}.Sanitize()
	index := func(suffix string) string {
		return pgx.Identifier{table + "_" + suffix}.Sanitize()
	}

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				blob_key TEXT NOT NULL,
				backend_id BIGINT NOT NULL,
				multiplex_id BIGINT NOT NULL,
				inserted_at BIGINT NOT NULL,
				correlation_key BYTEA NOT NULL CHECK (octet_length(correlation_key) = 16)
			)`, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (blob_key)", index("blob_key_idx"), name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (multiplex_id, inserted_at)", index("multiplex_time_idx"), name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (multiplex_id, correlation_key)", index("multiplex_correlation_idx"), name),
	}

	return NewTxManager(pool).WithinTransaction(ctx, func(txCtx context.Context) error {
		exec := executorFor(txCtx, pool)
		for _, stmt := range statements {
			if _, err := exec.Exec(txCtx, stmt); err != nil {
				return fmt.Errorf("create sync queue schema: %w", err)
			}
		}
		return nil
	})
}
