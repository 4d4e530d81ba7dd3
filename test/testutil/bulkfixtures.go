package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// BulkFixtures loads blog rows with PostgreSQL COPY FROM.
type BulkFixtures struct {
	db  *sql.DB
	ctx context.Context
}

// NewBulkFixtures creates a new BulkFixtures instance for bulk data loading via COPY FROM.
func NewBulkFixtures(ctx context.Context, db *sql.DB) *BulkFixtures {
	return &BulkFixtures{db: db, ctx: ctx}
}

// copyFrom executes a COPY FROM operation using the pgx driver.
// data should be a tab-delimited text stream (one row per line).
func (bf *BulkFixtures) copyFrom(table string, columns []string, data io.Reader) error {
	conn, err := bf.db.Conn(bf.ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Access the underlying pgx connection through stdlib wrapper
	var pgxConn *pgx.Conn
	err = conn.Raw(func(driverConn any) error {
		if stdlibConn, ok := driverConn.(*stdlib.Conn); ok {
			pgxConn = stdlibConn.Conn()
			return nil
		}
		return fmt.Errorf("not a pgx connection (got %T)", driverConn)
	})
	if err != nil {
		return fmt.Errorf("access pgx connection: %w", err)
	}

	query := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT text, DELIMITER E'\\t')",
		pgx.Identifier{table}.Sanitize(), strings.Join(columns, ", "))
	if _, err := pgxConn.PgConn().CopyFrom(bf.ctx, data, query); err != nil {
		return fmt.Errorf("COPY FROM: %w", err)
	}
	return nil
}

// CreateUsers creates n users and returns their ids in insertion order.
func (bf *BulkFixtures) CreateUsers(n int) ([]int64, error) {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "bench_user_%d\tactive\n", i)
	}
	if err := bf.copyFrom("users", []string{"name", "status"}, &buf); err != nil {
		return nil, err
	}
	return bf.lastIDs("users", n)
}

// CreateArticles creates n articles spread round-robin over authors. Every
// other article is published.
func (bf *BulkFixtures) CreateArticles(authors []int64, n int) ([]int64, error) {
	if len(authors) == 0 {
		return nil, fmt.Errorf("at least one author is required")
	}
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		status := "draft"
		if i%2 == 0 {
			status = "published"
		}
		fmt.Fprintf(&buf, "bench_article_%d\t%s\t%d\t%d\n", i, status, i%5, authors[i%len(authors)])
	}
	if err := bf.copyFrom("articles", []string{"title", "status", "rating", "author"}, &buf); err != nil {
		return nil, err
	}
	return bf.lastIDs("articles", n)
}

// CreateComments creates perArticle comments on each article.
func (bf *BulkFixtures) CreateComments(articles []int64, perArticle int) error {
	var buf bytes.Buffer
	for _, id := range articles {
		for i := 0; i < perArticle; i++ {
			fmt.Fprintf(&buf, "bench_comment_%d_%d\t%d\n", id, i, id)
		}
	}
	return bf.copyFrom("comments", []string{"body", "article"}, &buf)
}

// lastIDs returns the n highest ids of table in ascending order.
func (bf *BulkFixtures) lastIDs(table string, n int) ([]int64, error) {
	rows, err := bf.db.QueryContext(bf.ctx, fmt.Sprintf(
		"SELECT id FROM (SELECT id FROM %s ORDER BY id DESC LIMIT $1) t ORDER BY id",
		pgx.Identifier{table}.Sanitize()), n)
	if err != nil {
		return nil, fmt.Errorf("fetch %s ids: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
