package sqldsl

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Expr is the interface that all SQL expression types implement.
type Expr = sq.Sqlizer

// Render renders an expression with "?" placeholders.
func Render(e Expr) (string, []any, error) {
	if e == nil {
		return "", nil, nil
	}
	return e.ToSql()
}

// SQL renders an expression that carries no bind arguments, such as a
// column or a function over columns. It panics if rendering fails or
// produces arguments, which signals a compiler bug.
func SQL(e Expr) string {
	s, args, err := Render(e)
	if err != nil {
		panic(fmt.Sprintf("sqldsl: rendering %T: %v", e, err))
	}
	if len(args) > 0 {
		panic(fmt.Sprintf("sqldsl: %T carries bind arguments", e))
	}
	return s
}

// Col represents a column reference. Table and Column are pre-quoted.
type Col struct {
	Table  string
	Column string
}

func (c Col) ToSql() (string, []any, error) {
	if c.Table == "" {
		return c.Column, nil, nil
	}
	return c.Table + "." + c.Column, nil, nil
}

// Param is a bind argument.
type Param struct {
	Value any
}

func (p Param) ToSql() (string, []any, error) {
	return "?", []any{p.Value}, nil
}

// Raw is an escape hatch for SQL without arguments.
type Raw string

func (r Raw) ToSql() (string, []any, error) {
	return string(r), nil, nil
}

// Int represents an integer literal.
type Int int

func (i Int) ToSql() (string, []any, error) {
	return strconv.Itoa(int(i)), nil, nil
}

// Null represents SQL NULL.
type Null struct{}

func (Null) ToSql() (string, []any, error) {
	return "NULL", nil, nil
}

// Star renders "*", as in COUNT(*).
type Star struct{}

func (Star) ToSql() (string, []any, error) {
	return "*", nil, nil
}

// Func represents a SQL function call.
type Func struct {
	Name     string
	Distinct bool
	Args     []Expr
}

func (f Func) ToSql() (string, []any, error) {
	parts, args, err := renderAll(f.Args)
	if err != nil {
		return "", nil, err
	}
	prefix := ""
	if f.Distinct {
		prefix = "DISTINCT "
	}
	return f.Name + "(" + prefix + strings.Join(parts, ", ") + ")", args, nil
}

// Cast converts an expression to a SQL type.
type Cast struct {
	Expr Expr
	Type string
}

func (c Cast) ToSql() (string, []any, error) {
	s, args, err := Render(c.Expr)
	if err != nil {
		return "", nil, err
	}
	return "CAST(" + s + " AS " + c.Type + ")", args, nil
}

// Extract renders EXTRACT(part FROM expr).
type Extract struct {
	Part string
	Expr Expr
}

func (e Extract) ToSql() (string, []any, error) {
	s, args, err := Render(e.Expr)
	if err != nil {
		return "", nil, err
	}
	return "EXTRACT(" + e.Part + " FROM " + s + ")", args, nil
}

// Alias wraps an expression with an alias (expr AS alias). Name is
// pre-quoted.
type Alias struct {
	Expr Expr
	Name string
}

func (a Alias) ToSql() (string, []any, error) {
	s, args, err := Render(a.Expr)
	if err != nil {
		return "", nil, err
	}
	return s + " AS " + a.Name, args, nil
}

// Paren wraps an expression in parentheses.
type Paren struct {
	Expr Expr
}

func (p Paren) ToSql() (string, []any, error) {
	s, args, err := Render(p.Expr)
	if err != nil {
		return "", nil, err
	}
	return "(" + s + ")", args, nil
}

// Binary joins two expressions with an infix operator.
type Binary struct {
	Left  Expr
	Op    string
	Right Expr
}

func (b Binary) ToSql() (string, []any, error) {
	l, largs, err := Render(b.Left)
	if err != nil {
		return "", nil, err
	}
	r, rargs, err := Render(b.Right)
	if err != nil {
		return "", nil, err
	}
	return l + " " + b.Op + " " + r, append(largs, rargs...), nil
}

// WhenThen is one branch of a CASE expression.
type WhenThen struct {
	Cond Expr
	Then Expr
}

// When creates a CASE branch.
func When(cond, then Expr) WhenThen {
	return WhenThen{Cond: cond, Then: then}
}

// CaseExpr is a searched CASE with an ELSE NULL default.
type CaseExpr struct {
	Whens []WhenThen
	Else  Expr
}

// Case creates a CASE expression whose ELSE branch is NULL.
func Case(whens ...WhenThen) CaseExpr {
	return CaseExpr{Whens: whens}
}

func (c CaseExpr) ToSql() (string, []any, error) {
	b := sq.Case()
	for _, w := range c.Whens {
		b = b.When(w.Cond, w.Then)
	}
	var els Expr = Null{}
	if c.Else != nil {
		els = c.Else
	}
	return b.Else(els).ToSql()
}

func renderAll(exprs []Expr) ([]string, []any, error) {
	parts := make([]string, 0, len(exprs))
	var args []any
	for _, e := range exprs {
		s, a, err := Render(e)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, s)
		args = append(args, a...)
	}
	return parts, args, nil
}
