// Package migrator creates the tables read by access.SQLStore.
package migrator

import (
	"context"
	"database/sql"
)

// Execer is what the migrator needs from a database handle.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
