package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// query runs stmt and scans every row into a map keyed by column name.
// Values are normalized per the field types of branch b.
func (e *Executor) query(ctx context.Context, stmt *sqlgen.Statement, b *ast.Branch) ([]Row, error) {
	e.log.WithFields(logrus.Fields{
		"collection": stmt.Collection,
		"sql":        stmt.SQL,
		"args":       len(stmt.Args),
	}).Debug("executing statement")

	rs, err := e.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", stmt.Collection, err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	types := e.columnTypes(b, stmt.Aggregate)

	var out []Row
	for rs.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", stmt.Collection, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i], types[c])
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", stmt.Collection, err)
	}
	return out, nil
}

// columnTypes maps output columns of b to the type their values are
// normalized to.
func (e *Executor) columnTypes(b *ast.Branch, aggregate bool) map[string]schema.FieldType {
	types := map[string]schema.FieldType{}
	col, ok := e.cfg.Catalog.Collection(b.Collection)
	if !ok {
		return types
	}
	if aggregate {
		for _, a := range b.Aggregates {
			switch a.Func {
			case query.AggCount, query.AggCountDistinct, query.AggCountAll:
				types[a.Key] = schema.TypeBigInteger
			case query.AggMin, query.AggMax:
				if f, ok := col.Field(a.Field); ok {
					types[a.Key] = f.Type
				}
			default:
				types[a.Key] = schema.TypeFloat
			}
		}
		for _, g := range b.Query.Group {
			if f, ok := col.Field(g); ok {
				types[g] = f.Type
			}
		}
		return types
	}
	for _, f := range b.Fields() {
		if f.Func != "" {
			types[f.Key] = schema.TypeInteger
			if f.Func == "count" {
				types[f.Key] = schema.TypeBigInteger
			}
			continue
		}
		if field, ok := col.Field(f.Name); ok {
			types[f.Key] = field.Type
		}
	}
	if pk := col.PrimaryKeyField(); pk != nil {
		types[sqlgen.ParentColumn] = ""
		types[sqlgen.PrimaryKeyColumn] = pk.Type
	}
	return types
}

// normalize converts a driver value to the representation of its field
// type. Drivers differ: sqlite has no boolean, numeric aggregates arrive as
// text from some drivers and json columns arrive as bytes or text.
func normalize(v any, t schema.FieldType) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	switch {
	case t == schema.TypeBoolean:
		switch x := v.(type) {
		case int64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
	case t.IsInteger():
		switch x := v.(type) {
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n
			}
		case float64:
			if x == float64(int64(x)) {
				return int64(x)
			}
		case int32:
			return int64(x)
		}
	case t == schema.TypeFloat:
		switch x := v.(type) {
		case string:
			if n, err := strconv.ParseFloat(x, 64); err == nil {
				return n
			}
		case int64:
			return float64(x)
		}
	case t == schema.TypeJSON:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	case t == schema.TypeCSV:
		if s, ok := v.(string); ok {
			if s == "" {
				return []string{}
			}
			return strings.Split(s, ",")
		}
	}
	return v
}

// asString renders a discriminator value.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

var _ Querier = (*sql.DB)(nil)
