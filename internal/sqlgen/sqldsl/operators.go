package sqldsl

import (
	"strings"
)

// Comparison operators between two expressions. For a column compared with
// a bound value, squirrel's sq.Eq, sq.Lt and friends are used directly.

// Eq represents an equality comparison (=).
type Eq struct {
	Left  Expr
	Right Expr
}

func (e Eq) ToSql() (string, []any, error) { return Binary{e.Left, "=", e.Right}.ToSql() }

// Ne represents a not-equal comparison (<>).
type Ne struct {
	Left  Expr
	Right Expr
}

func (n Ne) ToSql() (string, []any, error) { return Binary{n.Left, "<>", n.Right}.ToSql() }

// Gt represents a greater-than comparison (>).
type Gt struct {
	Left  Expr
	Right Expr
}

func (g Gt) ToSql() (string, []any, error) { return Binary{g.Left, ">", g.Right}.ToSql() }

// Logical operators

// filterNilExprs removes nil expressions from the slice.
func filterNilExprs(exprs []Expr) []Expr {
	filtered := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// joinExprs renders expressions joined by a separator, wrapped in parentheses if more than one.
func joinExprs(exprs []Expr, sep, emptyVal string) (string, []any, error) {
	switch len(exprs) {
	case 0:
		return emptyVal, nil, nil
	case 1:
		return Render(exprs[0])
	default:
		parts, args, err := renderAll(exprs)
		if err != nil {
			return "", nil, err
		}
		return "(" + strings.Join(parts, sep) + ")", args, nil
	}
}

// AndExpr represents a logical AND of multiple expressions.
type AndExpr struct {
	Exprs []Expr
}

func (a AndExpr) ToSql() (string, []any, error) { return joinExprs(a.Exprs, " AND ", "(1=1)") }

// And creates an AND expression from multiple expressions. Nil entries are
// dropped; an empty AND renders (1=1), which every dialect accepts.
func And(exprs ...Expr) AndExpr {
	return AndExpr{Exprs: filterNilExprs(exprs)}
}

// OrExpr represents a logical OR of multiple expressions.
type OrExpr struct {
	Exprs []Expr
}

func (o OrExpr) ToSql() (string, []any, error) { return joinExprs(o.Exprs, " OR ", "(1=0)") }

// Or creates an OR expression from multiple expressions. Nil entries are
// dropped; an empty OR renders (1=0).
func Or(exprs ...Expr) OrExpr {
	return OrExpr{Exprs: filterNilExprs(exprs)}
}

// NotExpr represents a logical NOT of an expression.
type NotExpr struct {
	Expr Expr
}

func (n NotExpr) ToSql() (string, []any, error) {
	s, args, err := Render(n.Expr)
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + s + ")", args, nil
}

// Not creates a NOT expression.
func Not(expr Expr) NotExpr { return NotExpr{Expr: expr} }

// Exists represents an EXISTS subquery.
type Exists struct {
	Query Expr
}

func (e Exists) ToSql() (string, []any, error) {
	s, args, err := Render(e.Query)
	if err != nil {
		return "", nil, err
	}
	return "EXISTS (" + s + ")", args, nil
}

// InQuery represents expr IN (subquery), or NOT IN when Negate is set.
type InQuery struct {
	Expr   Expr
	Query  Expr
	Negate bool
}

func (i InQuery) ToSql() (string, []any, error) {
	l, largs, err := Render(i.Expr)
	if err != nil {
		return "", nil, err
	}
	q, qargs, err := Render(i.Query)
	if err != nil {
		return "", nil, err
	}
	op := " IN ("
	if i.Negate {
		op = " NOT IN ("
	}
	return l + op + q + ")", append(largs, qargs...), nil
}

// IsNull represents IS NULL check.
type IsNull struct {
	Expr Expr
}

func (i IsNull) ToSql() (string, []any, error) {
	s, args, err := Render(i.Expr)
	if err != nil {
		return "", nil, err
	}
	return s + " IS NULL", args, nil
}

// IsNotNull represents IS NOT NULL check.
type IsNotNull struct {
	Expr Expr
}

func (i IsNotNull) ToSql() (string, []any, error) {
	s, args, err := Render(i.Expr)
	if err != nil {
		return "", nil, err
	}
	return s + " IS NOT NULL", args, nil
}
