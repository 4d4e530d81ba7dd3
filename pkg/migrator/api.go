package migrator

import (
	"context"
)

// Migrate creates the access store tables in one call.
// This is the recommended high-level API for most applications.
//
// The function is idempotent - safe to call on every application startup.
//
//	if err := migrator.Migrate(ctx, db); err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
//
// For SQLite or MySQL pass WithPlaceholder(sq.Question).
func Migrate(ctx context.Context, db Execer, opts ...Option) error {
	_, err := NewMigrator(db, opts...).Migrate(ctx, MigrateOptions{})
	return err
}

// MigrateWithOptions performs migration with control over dry-run and
// force behavior.
//
// Returns (skipped, error):
//   - skipped=true if the last recorded migration already matches (only when
//     Force=false and DryRun=nil)
//   - error is non-nil if a statement failed
//
// Example: Generate a migration script without applying
//
//	var buf bytes.Buffer
//	_, err := migrator.MigrateWithOptions(ctx, db, migrator.MigrateOptions{DryRun: &buf})
//	os.WriteFile("migrations/001_veil.sql", buf.Bytes(), 0644)
func MigrateWithOptions(ctx context.Context, db Execer, opts MigrateOptions, migratorOpts ...Option) (skipped bool, err error) {
	return NewMigrator(db, migratorOpts...).Migrate(ctx, opts)
}
