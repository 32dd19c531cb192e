// Package store provides the durable schedule storage implementations: a
// PostgreSQL repository on pgx and an in-memory store for tests and embedded
// use. Both satisfy the engine's ScheduleStore interface. All mutation goes
// through the engine's serialized queue, so the implementations only need to
// be individually consistent, not transactional across calls.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// The repository accepts this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
