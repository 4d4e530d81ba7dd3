package cli

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pthm/veil/internal/sqlgen"
)

// SQLDialect returns the configured SQL dialect.
func (c *Config) SQLDialect() (sqlgen.Dialect, error) {
	d, err := sqlgen.DialectByName(c.Dialect)
	if err != nil {
		return nil, ConfigError("dialect", err)
	}
	return d, nil
}

// Connect opens the configured database without checking it is reachable.
// The driver is database.driver when set (postgres, pgx, sqlite or mysql),
// else the dialect's default.
func Connect(cfg *Config) (*sql.DB, sqlgen.Dialect, error) {
	dialect, err := cfg.SQLDialect()
	if err != nil {
		return nil, nil, err
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, nil, ConfigError("database configuration", err)
	}

	db, err := sql.Open(cfg.ResolvedDriver(dialect.DriverName()), dsn)
	if err != nil {
		return nil, nil, DBConnectError("opening database", err)
	}
	return db, dialect, nil
}

// OpenDB opens and pings the configured database.
func OpenDB(ctx context.Context, cfg *Config) (*sql.DB, sqlgen.Dialect, error) {
	db, dialect, err := Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, DBConnectError("connecting to database", err)
	}
	return db, dialect, nil
}
