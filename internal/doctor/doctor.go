// Package doctor provides health checks for a veil deployment.
//
// The doctor command validates that the catalog file parses, that the
// access store is reachable and migrated, and that every collection in the
// catalog matches a table in the database.
//
// Example usage:
//
//	d := doctor.New(db, sqlgen.Postgres{}, "catalog.yaml", "")
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/migrator"
	"github.com/pthm/veil/pkg/schema"
)

// Status is the outcome of one check.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	// StatusFail marks a problem that makes compile or query fail.
	StatusFail
)

var statusNames = [...]struct{ name, symbol string }{
	StatusPass: {"pass", "✓"},
	StatusWarn: {"warn", "⚠"},
	StatusFail: {"fail", "✗"},
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s].name
}

// Symbol is the marker printed before the check message.
func (s Status) Symbol() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "?"
	}
	return statusNames[s].symbol
}

// CheckResult is one line of the report. Details are printed only in
// verbose mode, FixHint only when the check did not pass.
type CheckResult struct {
	Category string
	Name     string
	Status   Status
	Message  string
	Details  string
	FixHint  string
}

// Report collects check results in the order they ran.
type Report struct {
	Checks []CheckResult

	Passed   int
	Warnings int
	Errors   int
}

// AddCheck appends check and bumps the matching counter.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

func (r *Report) add(status Status, category, name, message string, extra ...string) {
	c := CheckResult{Category: category, Name: name, Status: status, Message: message}
	if len(extra) > 0 {
		c.Details = extra[0]
	}
	if len(extra) > 1 {
		c.FixHint = extra[1]
	}
	r.AddCheck(c)
}

// Print writes the checks grouped by category, then a summary line.
func (r *Report) Print(w io.Writer, verbose bool) {
	var order []string
	for _, c := range r.Checks {
		if !slices.Contains(order, c.Category) {
			order = append(order, c.Category)
		}
	}

	for _, category := range order {
		_, _ = fmt.Fprintf(w, "\n%s\n", category)
		for _, c := range r.Checks {
			if c.Category != category {
				continue
			}
			_, _ = fmt.Fprintf(w, "  %s %s\n", c.Status.Symbol(), c.Message)
			if verbose && c.Details != "" {
				for line := range strings.SplitSeq(c.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if c.Status != StatusPass && c.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", c.FixHint)
			}
		}
	}
	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n", r.Passed, r.Warnings, r.Errors)
}

func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks on a veil deployment.
type Doctor struct {
	db          *sql.DB
	dialect     sqlgen.Dialect
	catalogPath string
	// accessPath is the access fixture file. Empty means the access store
	// lives in the database.
	accessPath string

	// Populated during Run.
	catalog *schema.Catalog
}

// New creates a new Doctor instance. db may be nil, in which case only the
// file checks run.
func New(db *sql.DB, dialect sqlgen.Dialect, catalogPath, accessPath string) *Doctor {
	if dialect == nil {
		dialect = sqlgen.Postgres{}
	}
	return &Doctor{
		db:          db,
		dialect:     dialect,
		catalogPath: catalogPath,
		accessPath:  accessPath,
	}
}

// Run executes every check. Database checks are skipped without a
// connection, and the migration check only applies when the access store
// lives in the database.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	d.checkCatalog(report)
	d.checkAccessFixture(report)

	if d.db == nil {
		report.add(StatusWarn, "Database", "configured", "No database configured, skipping database checks",
			"", "Set database.url or pass --db")
		return report, nil
	}
	if err := d.db.PingContext(ctx); err != nil {
		report.add(StatusFail, "Database", "reachable", "Database is not reachable", err.Error())
		return report, nil
	}
	report.add(StatusPass, "Database", "reachable", fmt.Sprintf("Connected (%s)", d.dialect.Name()))

	if d.accessPath == "" {
		if err := d.checkMigrationState(ctx, report); err != nil {
			return nil, fmt.Errorf("checking migration state: %w", err)
		}
	}
	d.checkCollections(ctx, report)
	return report, nil
}

func (d *Doctor) checkCatalog(report *Report) {
	if _, err := os.Stat(d.catalogPath); err != nil {
		report.add(StatusFail, "Catalog", "exists", fmt.Sprintf("Catalog file not found at %s", d.catalogPath),
			"", "Set schema in veil.yaml or pass --schema")
		return
	}

	c, err := schema.Load(d.catalogPath)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		report.add(StatusFail, "Catalog", "valid", "Catalog is invalid", err.Error(), "Run 'veil validate' to see the first error")
		return
	}
	d.catalog = c
	report.add(StatusPass, "Catalog", "valid",
		fmt.Sprintf("Catalog is valid (%d collections, %d relations)", len(c.Collections), len(c.Relations)))
}

func (d *Doctor) checkAccessFixture(report *Report) {
	if d.accessPath == "" {
		return
	}
	if _, err := access.LoadFixture(d.accessPath, nil); err != nil {
		report.add(StatusFail, "Access", "fixture", "Access fixture is invalid", err.Error())
		return
	}
	report.add(StatusPass, "Access", "fixture", "Access fixture loaded from "+d.accessPath)
}

// checkMigrationState compares the last veil_migrations record with the
// embedded DDL.
func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	if _, err := d.columns(ctx, "veil_migrations"); err != nil {
		report.add(StatusFail, "Access", "table_exists", "veil_migrations table does not exist",
			"The access store tables have not been created", "Run 'veil migrate' to create them")
		return nil
	}

	m := migrator.NewMigrator(d.db, migrator.WithPlaceholder(d.dialect.Placeholder()))
	last, err := m.GetLastMigration(ctx)
	if err != nil {
		return fmt.Errorf("getting last migration: %w", err)
	}

	const fix = "Run 'veil migrate' to apply the access store DDL"
	switch {
	case last == nil:
		report.add(StatusWarn, "Access", "migrated", "No migration records found", "", fix)
	case last.SchemaChecksum != m.Checksum():
		report.add(StatusWarn, "Access", "schema_sync", "Access store DDL has changed since last migration",
			fmt.Sprintf("Current: %s\nDB:      %s", m.Checksum(), last.SchemaChecksum), fix)
	case last.SchemaVersion != migrator.SchemaVersion:
		report.add(StatusWarn, "Access", "schema_sync", "Access store schema version has changed",
			fmt.Sprintf("Current: %s, DB: %s", migrator.SchemaVersion, last.SchemaVersion), "Run 'veil migrate --force'")
	default:
		report.add(StatusPass, "Access", "schema_sync", fmt.Sprintf("Access store migrated (applied %s)", last.AppliedAt))
	}
	return nil
}

// checkCollections reports, per catalog collection, the non-alias fields
// its table lacks.
func (d *Doctor) checkCollections(ctx context.Context, report *Report) {
	if d.catalog == nil {
		return
	}
	names := slices.Sorted(maps.Keys(d.catalog.Collections))

	for _, name := range names {
		cols, err := d.columns(ctx, name)
		if err != nil {
			report.add(StatusFail, "Collections", name, fmt.Sprintf("Table %s cannot be read", name), err.Error())
			continue
		}

		c := d.catalog.Collections[name]
		missing := slices.DeleteFunc(c.FieldNames(), func(field string) bool {
			f, _ := c.Field(field)
			return f.IsAlias() || slices.Contains(cols, field)
		})
		if len(missing) > 0 {
			report.add(StatusFail, "Collections", name,
				fmt.Sprintf("Table %s is missing %d column(s)", name, len(missing)),
				strings.Join(missing, "\n"), "Mark virtual fields as type alias in the catalog")
			continue
		}
		report.add(StatusPass, "Collections", name, fmt.Sprintf("Table %s matches the catalog", name))
	}
}

// columns lists the columns of table without reading any row.
func (d *Doctor) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT * FROM "+d.dialect.QuoteIdent(table)+" WHERE 1=0")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return rows.Columns()
}
