// Package db defines the shared Postgres pool abstraction used by the store
// layer. The interface is the subset of pgxpool.Pool the code needs, and is
// satisfied by pgxmock pools in tests.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the connection pool surface used by store code. *pgxpool.Pool and
// pgxmock.PgxPoolIface both implement it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}
