package migrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	veilsql "github.com/pthm/veil/sql"
)

// SchemaVersion is incremented when the access DDL changes in a way the
// checksum alone would not reveal (for example a data backfill).
const SchemaVersion = "1"

// MigrateOptions controls migration behavior.
type MigrateOptions struct {
	// DryRun writes the SQL to the provided writer without touching the
	// database.
	DryRun io.Writer

	// Force re-applies the DDL even if the last recorded migration matches.
	Force bool
}

// MigrationRecord represents a row in the veil_migrations table.
type MigrationRecord struct {
	ID             int
	SchemaChecksum string
	SchemaVersion  string
	AppliedAt      string
}

// Migrator creates the access store tables.
// The migrator is idempotent - safe to run on every application startup.
//
// The migration process:
//  1. Creates the veil_migrations tracking table
//  2. Skips if the last record matches the current DDL checksum and version
//  3. Applies every DDL statement and records the migration, in one
//     transaction when the Execer supports BeginTx
type Migrator struct {
	db  Execer
	sb  sq.StatementBuilderType
	ddl string
	now func() time.Time
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithPlaceholder sets the bind parameter style for the tracking queries.
// Default sq.Dollar.
func WithPlaceholder(format sq.PlaceholderFormat) Option {
	return func(m *Migrator) { m.sb = m.sb.PlaceholderFormat(format) }
}

// WithDDL replaces the embedded DDL. Used by tests.
func WithDDL(ddl string) Option {
	return func(m *Migrator) { m.ddl = ddl }
}

// NewMigrator creates a migrator over db.
// The Execer is typically *sql.DB but can be *sql.Tx for testing.
func NewMigrator(db Execer, opts ...Option) *Migrator {
	m := &Migrator{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		ddl: veilsql.AccessSQL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Checksum returns the checksum of the DDL this migrator applies.
func (m *Migrator) Checksum() string {
	return ComputeSchemaChecksum(m.ddl)
}

// ComputeSchemaChecksum returns a SHA256 hash of the DDL content.
func ComputeSchemaChecksum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Statements splits DDL into executable statements, dropping comments and
// blank lines.
func Statements(ddl string) []string {
	var lines []string
	for _, line := range strings.Split(ddl, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// GetLastMigration returns the most recent migration record, or nil if none
// exists. The tracking table must already exist.
func (m *Migrator) GetLastMigration(ctx context.Context) (*MigrationRecord, error) {
	return m.getLastMigration(ctx, m.db)
}

func (m *Migrator) getLastMigration(ctx context.Context, db Execer) (*MigrationRecord, error) {
	query, args, err := m.sb.
		Select("id", "schema_checksum", "schema_version", "applied_at").
		From("veil_migrations").
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rec MigrationRecord
	err = db.QueryRowContext(ctx, query, args...).Scan(&rec.ID, &rec.SchemaChecksum, &rec.SchemaVersion, &rec.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last migration: %w", err)
	}
	return &rec, nil
}

func shouldSkipMigration(last *MigrationRecord, checksum string) bool {
	if last == nil {
		return false
	}
	return last.SchemaChecksum == checksum && last.SchemaVersion == SchemaVersion
}

// Migrate applies the DDL. It reports skipped=true when the database is
// already at the current checksum and version and Force is not set.
func (m *Migrator) Migrate(ctx context.Context, opts MigrateOptions) (skipped bool, err error) {
	checksum := m.Checksum()
	statements := Statements(m.ddl)

	if opts.DryRun != nil {
		m.outputDryRun(opts.DryRun, checksum, statements)
		return false, nil
	}

	if err := m.applyMigrationsDDL(ctx, m.db); err != nil {
		return false, err
	}

	last, err := m.getLastMigration(ctx, m.db)
	if err != nil {
		return false, err
	}
	if !opts.Force && shouldSkipMigration(last, checksum) {
		return true, nil
	}

	if txer, ok := m.db.(interface {
		BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	}); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("starting transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := m.apply(ctx, tx, statements, last, checksum); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	// Fall back to non-transactional (for *sql.Conn)
	return false, m.apply(ctx, m.db, statements, last, checksum)
}

func (m *Migrator) apply(ctx context.Context, db Execer, statements []string, last *MigrationRecord, checksum string) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying statement %d: %w", i+1, err)
		}
	}
	return m.insertMigrationRecord(ctx, db, last, checksum)
}

// applyMigrationsDDL creates the veil_migrations table if it doesn't exist.
func (m *Migrator) applyMigrationsDDL(ctx context.Context, db Execer) error {
	for _, stmt := range Statements(veilsql.MigrationsSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migrations DDL: %w", err)
		}
	}
	return nil
}

// insertMigrationRecord records the migration in veil_migrations.
func (m *Migrator) insertMigrationRecord(ctx context.Context, db Execer, last *MigrationRecord, checksum string) error {
	id := 1
	if last != nil {
		id = last.ID + 1
	}
	query, args, err := m.sb.
		Insert("veil_migrations").
		Columns("id", "schema_checksum", "schema_version", "applied_at").
		Values(id, checksum, SchemaVersion, m.now().UTC().Format(time.RFC3339)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting migration record: %w", err)
	}
	return nil
}

// outputDryRun writes the migration SQL to the provided writer.
func (m *Migrator) outputDryRun(w io.Writer, checksum string, statements []string) {
	_, _ = fmt.Fprintf(w, "-- Veil Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Schema checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Schema version: %s\n", SchemaVersion)
	_, _ = fmt.Fprintf(w, "\n")

	for _, stmt := range Statements(veilsql.MigrationsSQL) {
		_, _ = fmt.Fprintf(w, "%s;\n\n", stmt)
	}
	for _, stmt := range statements {
		_, _ = fmt.Fprintf(w, "%s;\n\n", stmt)
	}
}
