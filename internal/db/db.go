// Package db provides the PostgreSQL implementation of the entitlement store.
// All repositories accept a DBTX interface that is satisfied by both
// *pgxpool.Pool (for plain reads) and pgx.Tx (for the per-account write
// transaction), so the same query code serves both paths.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DBTX that can also open transactions. *pgxpool.Pool satisfies it.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
