// Package testutil provides shared test utilities for veil integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pthm/veil/internal/testfixture"
	"github.com/pthm/veil/pkg/migrator"
	"github.com/pthm/veil/pkg/schema"
)

// Embedded test fixtures
var (
	//go:embed testdata/blog.sql
	blogSQL string
)

// Singleton container state
var (
	singletonOnce sync.Once
	singletonDSN  string
	singletonErr  error

	templateOnce sync.Once
	templateName string
	templateErr  error
)

// ensureSingleton lazily initializes the singleton PostgreSQL container, or
// returns the database configured through DATABASE_URL / DATABASE_HOST.
// Safe for concurrent access via sync.Once.
func ensureSingleton() (string, error) {
	singletonOnce.Do(func() {
		if cfg := GetDatabaseConfig(); cfg.URL != "" {
			singletonDSN = cfg.URL
			return
		}

		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_INITDB_ARGS": "--auth-host=trust",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			singletonErr = fmt.Errorf("failed to start PostgreSQL container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			singletonErr = fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
			return
		}

		singletonDSN = dsn
		// Container is not stored - ryuk will handle cleanup automatically
	})

	return singletonDSN, singletonErr
}

// ensureTemplate creates the template database with the blog tables and
// the access store applied.
func ensureTemplate(adminDSN string) (string, error) {
	templateOnce.Do(func() {
		templateName = "veil_template_" + randomSuffix()

		if err := createDatabase(adminDSN, templateName); err != nil {
			templateErr = fmt.Errorf("failed to create template database: %w", err)
			return
		}

		templateDSN := replaceDBName(adminDSN, templateName)
		if err := applyMigrations(templateDSN); err != nil {
			templateErr = fmt.Errorf("failed to apply migrations: %w", err)
			return
		}

		// Non-fatal if this fails: copying still works without template flag
		_ = markAsTemplate(adminDSN, templateName)
	})

	return templateName, templateErr
}

// DB returns a database with the blog tables and the access store tables.
// Each call creates a new isolated database copied from the template.
// The database is automatically cleaned up when the test completes.
// Works with both *testing.T and *testing.B.
func DB(tb testing.TB) *sql.DB {
	tb.Helper()

	adminDSN, err := ensureSingleton()
	require.NoError(tb, err, "failed to start PostgreSQL container")

	tmpl, err := ensureTemplate(adminDSN)
	require.NoError(tb, err, "failed to create template database")

	dbName := uniqueDBName("test")
	err = createDatabaseFromTemplate(adminDSN, dbName, tmpl)
	require.NoError(tb, err, "failed to create test database from template")

	return connect(tb, adminDSN, dbName)
}

// EmptyDB returns an empty database connection for testing.
func EmptyDB(tb testing.TB) *sql.DB {
	tb.Helper()

	adminDSN, err := ensureSingleton()
	require.NoError(tb, err, "failed to start PostgreSQL container")

	dbName := uniqueDBName("empty")
	err = createDatabase(adminDSN, dbName)
	require.NoError(tb, err, "failed to create empty database")

	return connect(tb, adminDSN, dbName)
}

// Catalog returns the catalog describing the blog tables.
func Catalog() *schema.Catalog {
	return testfixture.Catalog()
}

// BlogSQL returns the embedded DDL for the blog tables.
func BlogSQL() string {
	return blogSQL
}

func connect(tb testing.TB, adminDSN, dbName string) *sql.DB {
	tb.Helper()

	db, err := sql.Open("pgx", replaceDBName(adminDSN, dbName))
	require.NoError(tb, err, "failed to connect to test database")
	require.NoError(tb, db.Ping(), "failed to ping test database")

	tb.Cleanup(func() {
		_ = db.Close()

		// Drop database in background
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = dropDatabase(ctx, adminDSN, dbName)
		}()
	})
	return db
}

// uniqueDBName generates a unique database name with the given prefix.
func uniqueDBName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, randomSuffix())
}

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// terminate disconnects every other session of database name.
func terminate(name string) string {
	return fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, name)
}

// adminExec runs stmts in order on the admin database. Statements prefixed
// with terminate are best effort.
func adminExec(ctx context.Context, adminDSN string, stmts ...string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil && !strings.HasPrefix(stmt, "SELECT pg_terminate_backend") {
			return err
		}
	}
	return nil
}

func createDatabase(adminDSN, name string) error {
	return adminExec(context.Background(), adminDSN, "CREATE DATABASE "+name)
}

func createDatabaseFromTemplate(adminDSN, name, template string) error {
	return adminExec(context.Background(), adminDSN,
		terminate(template),
		fmt.Sprintf("CREATE DATABASE %s WITH TEMPLATE %s", name, template))
}

// markAsTemplate marks a database as a template for faster copying.
func markAsTemplate(adminDSN, name string) error {
	return adminExec(context.Background(), adminDSN,
		terminate(name),
		fmt.Sprintf("ALTER DATABASE %s WITH is_template = true", name))
}

func dropDatabase(ctx context.Context, adminDSN, name string) error {
	return adminExec(ctx, adminDSN, terminate(name), "DROP DATABASE IF EXISTS "+name)
}

// applyMigrations creates the blog tables and the access store.
func applyMigrations(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, blogSQL); err != nil {
		return fmt.Errorf("create blog tables: %w", err)
	}
	if err := migrator.Migrate(ctx, db); err != nil {
		return fmt.Errorf("apply access store migration: %w", err)
	}
	return nil
}

// replaceDBName swaps the database of a PostgreSQL URL.
func replaceDBName(dsn, newDB string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	u.Path = "/" + newDB
	return u.String()
}
