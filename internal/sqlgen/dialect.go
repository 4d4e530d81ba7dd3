package sqlgen

import (
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/schema"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	// Name is the configuration name of the dialect.
	Name() string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string
	// QuoteIdent quotes a table, column or alias name.
	QuoteIdent(name string) string
	// Placeholder is the bind parameter format.
	Placeholder() sq.PlaceholderFormat
	// CastType returns the SQL type a value of t is cast to, or "" if the
	// dialect compares it as text without a cast.
	CastType(t schema.FieldType) string
	// TextType is the type keys are cast to for polymorphic comparisons.
	TextType() string
	// DatePart extracts a date part function (year, month, ...) from expr.
	DatePart(fn string, expr sqldsl.Expr) sqldsl.Expr
	// GroupByPosition reports whether GROUP BY accepts a select list
	// position in place of the expression.
	GroupByPosition() bool
	// GuardsPolymorphicCast reports whether a polymorphic key cast must be
	// guarded by its discriminator, because the cast raises an error for
	// keys of other collections instead of yielding NULL.
	GuardsPolymorphicCast() bool
	// OffsetLimit is the LIMIT emitted when an OFFSET is used without a
	// limit, or nil when the dialect accepts a bare OFFSET.
	OffsetLimit() *int
}

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "mysql", "mariadb":
		return MySQL{}, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

// Postgres is the PostgreSQL dialect.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "postgres" }

func (Postgres) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }

func (Postgres) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (Postgres) CastType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger:
		return "integer"
	case schema.TypeBigInteger:
		return "bigint"
	case schema.TypeFloat:
		return "double precision"
	case schema.TypeDecimal:
		return "numeric"
	case schema.TypeUUID:
		return "uuid"
	case schema.TypeBoolean:
		return "boolean"
	}
	return ""
}

func (Postgres) TextType() string { return "text" }

func (Postgres) DatePart(fn string, expr sqldsl.Expr) sqldsl.Expr {
	part := strings.ToUpper(fn)
	switch fn {
	case "weekday":
		part = "DOW"
	case "second":
		// EXTRACT(SECOND) includes fractional seconds.
		return sqldsl.Cast{Expr: sqldsl.Extract{Part: "SECOND", Expr: expr}, Type: "integer"}
	}
	return sqldsl.Extract{Part: part, Expr: expr}
}

func (Postgres) GroupByPosition() bool       { return true }
func (Postgres) GuardsPolymorphicCast() bool { return true }
func (Postgres) OffsetLimit() *int           { return nil }

// SQLite is the SQLite dialect.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (SQLite) CastType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBigInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeDecimal:
		return "NUMERIC"
	}
	return ""
}

func (SQLite) TextType() string { return "TEXT" }

var sqliteDateFormats = map[string]string{
	"year":    "%Y",
	"month":   "%m",
	"week":    "%W",
	"day":     "%d",
	"weekday": "%w",
	"hour":    "%H",
	"minute":  "%M",
	"second":  "%S",
}

func (SQLite) DatePart(fn string, expr sqldsl.Expr) sqldsl.Expr {
	return sqldsl.Cast{
		Expr: sqldsl.Func{Name: "strftime", Args: []sqldsl.Expr{sqldsl.Raw("'" + sqliteDateFormats[fn] + "'"), expr}},
		Type: "INTEGER",
	}
}

func (SQLite) GroupByPosition() bool       { return false }
func (SQLite) GuardsPolymorphicCast() bool { return false }

func (SQLite) OffsetLimit() *int { return sqldsl.IntPtr(-1) }

// MySQL is the MySQL and MariaDB dialect.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (MySQL) CastType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBigInteger, schema.TypeBoolean:
		return "SIGNED"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeDecimal:
		return "DECIMAL(65,30)"
	}
	return ""
}

func (MySQL) TextType() string { return "CHAR(255)" }

func (MySQL) DatePart(fn string, expr sqldsl.Expr) sqldsl.Expr {
	switch fn {
	case "weekday":
		// DAYOFWEEK is 1-based from Sunday; the other dialects count from 0.
		return sqldsl.Binary{Left: sqldsl.Func{Name: "DAYOFWEEK", Args: []sqldsl.Expr{expr}}, Op: "-", Right: sqldsl.Int(1)}
	case "week":
		return sqldsl.Func{Name: "WEEK", Args: []sqldsl.Expr{expr}}
	}
	return sqldsl.Extract{Part: strings.ToUpper(fn), Expr: expr}
}

func (MySQL) GroupByPosition() bool       { return true }
func (MySQL) GuardsPolymorphicCast() bool { return false }

func (MySQL) OffsetLimit() *int { return sqldsl.IntPtr(math.MaxInt) }
