// Package postgres is a PostgreSQL-backed [store.Store].
//
// Each leaf of the JSON tree is one row of kv_nodes keyed by its full path;
// objects exist only through their leaves. Reads of a branch reassemble the
// subtree from every row beneath it. Every mutation raises a pg_notify on the
// kiosk_kv channel carrying the mutated path, which is how subscribers on any
// process learn about changes.
//
// Usage:
//
//	s, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.Write(ctx, "users/1", record)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel for change events.
const notifyChannel = "kiosk_kv"

const ddlNodes = `
CREATE TABLE IF NOT EXISTS kv_nodes (
    path        TEXT         PRIMARY KEY,
    value       JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kv_nodes_path_prefix
    ON kv_nodes (path text_pattern_ops);
`

// Migrate creates the kv_nodes table if needed. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlNodes); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
