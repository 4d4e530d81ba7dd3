package sqldsl

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Optf returns formatted string if condition is true, empty string otherwise.
// Useful for optional SQL clauses.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// JoinClause represents a SQL JOIN clause.
type JoinClause struct {
	Type  string // "INNER", "LEFT", etc.
	Table TableExpr
	On    Expr
}

// ToSql renders the JOIN clause.
func (j JoinClause) ToSql() (string, []any, error) {
	tableSQL, args, err := j.Table.TableSQL()
	if err != nil {
		return "", nil, err
	}
	keyword := j.Type + " JOIN"
	if j.Type == "" {
		keyword = "JOIN"
	}
	if j.On == nil {
		return keyword + " " + tableSQL, args, nil
	}
	on, onArgs, err := Render(j.On)
	if err != nil {
		return "", nil, err
	}
	return keyword + " " + tableSQL + " ON " + on, append(args, onArgs...), nil
}

// OrderItem is one ORDER BY term.
type OrderItem struct {
	Expr Expr
	Desc bool
}

func renderOrder(items []OrderItem) (string, []any, error) {
	parts := make([]string, 0, len(items))
	var args []any
	for _, item := range items {
		s, a, err := Render(item.Expr)
		if err != nil {
			return "", nil, err
		}
		if item.Desc {
			s += " DESC"
		} else {
			s += " ASC"
		}
		parts = append(parts, s)
		args = append(args, a...)
	}
	return strings.Join(parts, ", "), args, nil
}

// SelectStmt represents a SELECT query. It renders on a single line with
// "?" placeholders; Finalize applies the dialect's placeholder format.
type SelectStmt struct {
	Distinct bool
	Columns  []Expr
	From     TableExpr
	Joins    []JoinClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	// Limit is nil for an unbounded query.
	Limit  *int
	Offset int
}

// ToSql renders the SELECT statement.
func (s SelectStmt) ToSql() (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	write := func(prefix string, e Expr) error {
		sql, a, err := Render(e)
		if err != nil {
			return err
		}
		b.WriteString(prefix)
		b.WriteString(sql)
		args = append(args, a...)
		return nil
	}

	b.WriteString("SELECT ")
	b.WriteString(Optf(s.Distinct, "DISTINCT "))
	if len(s.Columns) == 0 {
		b.WriteString("1")
	} else {
		cols, a, err := renderAll(s.Columns)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(strings.Join(cols, ", "))
		args = append(args, a...)
	}

	if s.From != nil {
		from, a, err := s.From.TableSQL()
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" FROM ")
		b.WriteString(from)
		args = append(args, a...)
	}
	for _, j := range s.Joins {
		if err := write(" ", j); err != nil {
			return "", nil, err
		}
	}
	if s.Where != nil {
		if err := write(" WHERE ", s.Where); err != nil {
			return "", nil, err
		}
	}
	if len(s.GroupBy) > 0 {
		parts, a, err := renderAll(s.GroupBy)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(parts, ", "))
		args = append(args, a...)
	}
	if s.Having != nil {
		if err := write(" HAVING ", s.Having); err != nil {
			return "", nil, err
		}
	}
	if len(s.OrderBy) > 0 {
		order, a, err := renderOrder(s.OrderBy)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
		args = append(args, a...)
	}
	if s.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *s.Limit)
	}
	if s.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", s.Offset)
	}
	return b.String(), args, nil
}

// IntPtr returns a pointer to n, for SelectStmt.Limit.
func IntPtr(n int) *int {
	return &n
}

// Finalize renders a statement and rewrites its "?" placeholders into the
// given format.
func Finalize(stmt Expr, format sq.PlaceholderFormat) (string, []any, error) {
	s, args, err := Render(stmt)
	if err != nil {
		return "", nil, err
	}
	if format == nil {
		return s, args, nil
	}
	s, err = format.ReplacePlaceholders(s)
	if err != nil {
		return "", nil, err
	}
	return s, args, nil
}
