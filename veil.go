// Package veil compiles permission-aware relational queries into SQL and
// executes them.
//
// A query names a collection, the fields to return (relational paths such
// as author.name included), a filter tree, sorting, pagination and
// optional aggregation. The requester's policies are resolved into
// permission rules per collection, and those rules are folded into the
// SQL itself: rows outside every rule are filtered out, and fields a row
// may not expose are returned as null.
//
// # Basic Usage
//
//	catalog, _ := schema.Load("catalog.yaml")
//	store, _ := access.LoadFixture("access.yaml", nil)
//	engine, _ := veil.New(catalog, access.NewService(store))
//
//	res, err := engine.Query(ctx, db, identity, "articles", &query.Query{
//		Fields: query.List{"title", "author.name"},
//		Filter: filter.Filter{"status": map[string]any{"_eq": "published"}},
//	})
//
// # Compile and Execute
//
// Compile resolves permissions and builds the root statement without
// touching the data database. The resulting Plan can be inspected with SQL
// and Args, and run later with Execute:
//
//	plan, _ := engine.Compile(ctx, identity, "articles", q)
//	fmt.Println(plan.SQL())
//	res, _ := engine.Execute(ctx, db, plan)
//
// # Transaction Support
//
// Execute accepts *sql.DB, *sql.Tx or *sql.Conn, so queries can read
// uncommitted changes of the surrounding transaction.
//
// # Errors
//
// Forbidden and InvalidQuery errors are raised before any SQL runs. Database
// errors are returned unmodified; SQLState extracts their SQLSTATE code.
package veil

import (
	"context"
	"database/sql"
)

// Querier executes queries. Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with ExecContext for migrations.
// Only required by the CLI migrate command, not for queries.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
