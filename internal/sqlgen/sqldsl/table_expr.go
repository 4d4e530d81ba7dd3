package sqldsl

// TableExpr is the interface for table expressions in FROM and JOIN clauses.
type TableExpr interface {
	// TableSQL returns the SQL and arguments for use in FROM/JOIN clauses.
	TableSQL() (string, []any, error)
	// TableAlias returns the alias if any (empty string if none).
	TableAlias() string
}

// TableRef wraps a pre-quoted table name for use as a TableExpr.
type TableRef struct {
	Name  string
	Alias string
}

// TableSQL implements TableExpr.
func (t TableRef) TableSQL() (string, []any, error) {
	if t.Alias != "" {
		return t.Name + " AS " + t.Alias, nil, nil
	}
	return t.Name, nil, nil
}

// TableAlias implements TableExpr.
func (t TableRef) TableAlias() string {
	return t.Alias
}

// TableAs creates a table reference with an alias.
func TableAs(name, alias string) TableRef {
	return TableRef{Name: name, Alias: alias}
}

// Subquery is a derived table: (SELECT ...) AS alias.
type Subquery struct {
	Query Expr
	Alias string
}

// TableSQL implements TableExpr.
func (s Subquery) TableSQL() (string, []any, error) {
	q, args, err := Render(s.Query)
	if err != nil {
		return "", nil, err
	}
	return "(" + q + ") AS " + s.Alias, args, nil
}

// TableAlias implements TableExpr.
func (s Subquery) TableAlias() string {
	return s.Alias
}
