// Package executor runs compiled statements and assembles the nested
// result tree.
//
// The root branch runs as one statement. Every relation below it runs as
// one statement per batch of parent keys, so a query costs one round trip
// per relation and batch rather than one per row. Sibling relations of a
// level load concurrently.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/schema"
)

// DefaultBatchSize bounds the parent keys bound into one nested statement.
const DefaultBatchSize = 25000

// Querier runs SELECT statements. Implemented by *sql.DB, *sql.Tx and
// *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Row is one output object.
type Row = map[string]any

// Config holds everything an Executor needs besides the database.
type Config struct {
	Catalog *schema.Catalog
	Dialect sqlgen.Dialect
	Action  access.Action
	// Grants is nil for an unrestricted requester.
	Grants       access.Grants
	DefaultLimit int
	MaxLimit     int
	// BatchSize bounds the parent keys per nested statement. Zero means
	// DefaultBatchSize.
	BatchSize int
	Logger    logrus.FieldLogger
}

// Executor runs one injected tree.
type Executor struct {
	db  Querier
	cfg Config
	log logrus.FieldLogger
}

// New creates an executor over db.
func New(db Querier, cfg Config) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Dialect == nil {
		cfg.Dialect = sqlgen.Postgres{}
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Executor{db: db, cfg: cfg, log: log}
}

// Result is the output of a query.
type Result struct {
	Rows []Row
	// Singleton is set for singleton collections, whose result is one
	// object or nothing.
	Singleton bool
}

// Data returns the result as it is handed to callers: a list of rows, or
// a single row (possibly nil) for singletons.
func (r *Result) Data() any {
	if !r.Singleton {
		return r.Rows
	}
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Options returns the compiler options for a branch.
func (e *Executor) Options() sqlgen.Options {
	return sqlgen.Options{
		Catalog:      e.cfg.Catalog,
		Dialect:      e.cfg.Dialect,
		Action:       e.cfg.Action,
		Grants:       e.cfg.Grants,
		DefaultLimit: e.cfg.DefaultLimit,
		MaxLimit:     e.cfg.MaxLimit,
	}
}

// Run compiles and executes the tree rooted at root.
func (e *Executor) Run(ctx context.Context, root *ast.Branch) (*Result, error) {
	stmt, err := sqlgen.Compile(root, e.Options())
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, root, stmt)
}

// Execute runs a statement already compiled for root and loads its
// relations.
func (e *Executor) Execute(ctx context.Context, root *ast.Branch, stmt *sqlgen.Statement) (*Result, error) {
	rows, err := e.query(ctx, stmt, root)
	if err != nil {
		return nil, err
	}
	if stmt.Aggregate {
		return &Result{Rows: reshapeAggregates(rows)}, nil
	}
	if err := e.loadRelations(ctx, root, rows); err != nil {
		return nil, err
	}
	strip(rows, stmt.Temporary)
	return &Result{Rows: rows, Singleton: stmt.Singleton}, nil
}

// loadRelations loads every relation of b for rows. Values are collected
// per relation and assigned once all loads finished, since rows are shared
// between the concurrent loads.
func (e *Executor) loadRelations(ctx context.Context, b *ast.Branch, rows []Row) error {
	rels := b.Relations()
	if len(rels) == 0 || len(rows) == 0 {
		for _, n := range rels {
			for _, row := range rows {
				row[n.Key] = nil
			}
		}
		return nil
	}

	values := make([][]any, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range rels {
		g.Go(func() error {
			v, err := e.loadRelation(gctx, n, rows)
			if err != nil {
				return fmt.Errorf("load %s.%s: %w", b.Collection, n.Key, err)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, n := range rels {
		for j, row := range rows {
			row[n.Key] = values[i][j]
		}
	}
	return nil
}

// strip removes temporary columns.
func strip(rows []Row, columns []string) {
	if len(columns) == 0 {
		return
	}
	for _, row := range rows {
		for _, c := range columns {
			delete(row, c)
		}
	}
}

// reshapeAggregates turns "sum->rating" columns into {"sum": {"rating": v}}.
func reshapeAggregates(rows []Row) []Row {
	for i, row := range rows {
		out := make(Row, len(row))
		for k, v := range row {
			fn, field, ok := strings.Cut(k, "->")
			if !ok {
				out[k] = v
				continue
			}
			group, _ := out[fn].(map[string]any)
			if group == nil {
				group = map[string]any{}
				out[fn] = group
			}
			group[field] = v
		}
		rows[i] = out
	}
	return rows
}
