package sqlgen

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// Result columns that are not part of the output.
const (
	// ParentColumn holds, on a nested statement, the key of the parent row
	// each result row belongs to.
	ParentColumn = "__parent"
	// PrimaryKeyColumn holds the primary key on a statement whose branch
	// requests no fields, such as a bare to-many field.
	PrimaryKeyColumn = "__pk"
)

// KeyColumn is the column holding the join key of the relation returned
// under key. It is NULL when the relation is not visible on the row.
func KeyColumn(key string) string { return "__key_" + key }

// DiscriminatorColumn is the column holding the target collection of the
// many-to-any relation returned under key.
func DiscriminatorColumn(key string) string { return "__disc_" + key }

const (
	innerAlias = "__inner"
	junctionAs = "__junction"
)

// Options configures the compilation of one branch.
type Options struct {
	Catalog *schema.Catalog
	Dialect Dialect
	// Action is reported in Forbidden errors.
	Action access.Action
	// Grants holds the requester's grants for every collection a filter may
	// reach. Nil means the requester is unrestricted.
	Grants access.Grants
	// DefaultLimit applies when a query omits its limit.
	DefaultLimit int
	// MaxLimit caps the root limit when positive.
	MaxLimit int
	// Parent scopes a nested statement to a batch of parent keys.
	Parent *Parent
	// Window overrides the query's pagination.
	Window *query.Window
}

// Parent is the batch of parent rows a nested statement loads relations
// for.
type Parent struct {
	Relation schema.Relation
	// Keys are the values of the parent's KeyColumn.
	Keys []any
}

// Statement is a compiled SELECT.
type Statement struct {
	Collection string
	SQL        string
	Args       []any
	// Temporary lists result columns to strip from the output.
	Temporary []string
	// Singleton is set when the statement reads a singleton collection and
	// yields one object instead of a list.
	Singleton bool
	// Aggregate is set when rows carry aggregate keys such as "sum->rating".
	Aggregate bool
}

type compiler struct {
	opts    Options
	catalog *schema.Catalog
	dialect Dialect
	aliases int
}

// Compile compiles the statement for one branch of an injected tree.
func Compile(b *ast.Branch, opts Options) (*Statement, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("sqlgen: no catalog")
	}
	if opts.Dialect == nil {
		opts.Dialect = Postgres{}
	}
	c := &compiler{opts: opts, catalog: opts.Catalog, dialect: opts.Dialect}

	col, ok := c.catalog.Collection(b.Collection)
	if !ok {
		return nil, errs.InvalidQuery("unknown collection %q", b.Collection)
	}
	q := b.Query
	if q == nil {
		q = &query.Query{}
	}
	p := c.newPlanner(col, "")
	s := &statement{
		c:     c,
		b:     b,
		col:   col,
		q:     q,
		p:     p,
		root:  p.root,
		conds: map[access.CaseID]sqldsl.Expr{},
	}

	stmt, err := s.build()
	if err != nil {
		return nil, err
	}
	sql, args, err := sqldsl.Finalize(stmt, c.dialect.Placeholder())
	if err != nil {
		return nil, fmt.Errorf("sqlgen: render %s: %w", b.Collection, err)
	}
	return &Statement{
		Collection: b.Collection,
		SQL:        sql,
		Args:       args,
		Temporary:  s.temporary,
		Singleton:  col.Singleton && opts.Parent == nil,
		Aggregate:  q.IsAggregate(),
	}, nil
}

// statement assembles the SELECT of one branch.
type statement struct {
	c    *compiler
	b    *ast.Branch
	col  *schema.Collection
	q    *query.Query
	p    *planner
	root *binding

	// conds caches the compiled filter of every conditional case.
	conds map[access.CaseID]sqldsl.Expr
	// semi compiles case conditions as key membership tests, so they can
	// be evaluated without the statement's joins.
	semi bool

	parentExpr sqldsl.Expr
	junction   *binding
	temporary  []string
}

type sortTerm struct {
	expr  sqldsl.Expr
	desc  bool
	multi bool
}

func (s *statement) build() (sqldsl.Expr, error) {
	if s.q.IsAggregate() && s.c.opts.Parent != nil {
		return nil, errs.InvalidQuery("aggregate queries cannot be nested under %q", s.b.Collection)
	}

	var restriction sqldsl.Expr
	if s.c.opts.Parent != nil {
		var err error
		if restriction, err = s.scopeToParent(s.c.opts.Parent); err != nil {
			return nil, err
		}
	}

	userFilter, err := s.p.where(s.root, s.q.Filter, false)
	if err != nil {
		return nil, err
	}
	rowFilter, err := s.rowFilter()
	if err != nil {
		return nil, err
	}
	var search sqldsl.Expr
	if term := strings.TrimSpace(s.q.Search); term != "" {
		if search, err = s.search(term); err != nil {
			return nil, err
		}
	}
	where := conjoin([]sqldsl.Expr{userFilter, rowFilter, search, restriction})

	if s.q.IsAggregate() {
		return s.aggregate(where)
	}

	sorts, err := s.sorts()
	if err != nil {
		return nil, err
	}
	if s.p.multi {
		return s.split(where, sorts)
	}
	return s.plain(where, sorts)
}

// cond returns the compiled filter of a case, nil when it matches every
// row.
func (s *statement) cond(id access.CaseID) (sqldsl.Expr, error) {
	if e, ok := s.conds[id]; ok {
		return e, nil
	}
	cs, ok := s.b.Cases.Get(id)
	if !ok {
		return nil, fmt.Errorf("sqlgen: case %d out of range for %q", id, s.b.Collection)
	}
	var (
		e   sqldsl.Expr
		err error
	)
	if s.semi {
		e, err = s.semiCond(cs)
	} else {
		e, err = s.p.where(s.root, cs.Filter, true)
	}
	if err != nil {
		return nil, err
	}
	s.conds[id] = e
	return e, nil
}

// semiCond evaluates a case filter in its own subquery: pk IN (SELECT pk
// ... WHERE filter).
func (s *statement) semiCond(cs access.Case) (sqldsl.Expr, error) {
	sub := s.c.newPlanner(s.col, s.c.nextName("s"))
	e, err := sub.where(sub.root, cs.Filter, true)
	if err != nil || e == nil {
		return e, err
	}
	return sqldsl.InQuery{
		Expr: s.c.pk(s.root),
		Query: sqldsl.SelectStmt{
			Columns: []sqldsl.Expr{s.c.pk(sub.root)},
			From:    sub.from,
			Joins:   sub.joins,
			Where:   e,
		},
	}, nil
}

// visibleUnder is the disjunction of the conditions of ids, or nil when
// no condition is needed.
func (s *statement) visibleUnder(ids []access.CaseID) (sqldsl.Expr, error) {
	if !s.b.Restricted() || s.b.Cases.Unconditional(ids) {
		return nil, nil
	}
	conds := make([]sqldsl.Expr, 0, len(ids))
	for _, id := range ids {
		e, err := s.cond(id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
		conds = append(conds, e)
	}
	if len(conds) == 0 {
		return matchNone, nil
	}
	return sqldsl.Or(conds...), nil
}

// rowFilter admits the rows visible under any case. Compiling it also
// compiles every case condition, so all joins the masks need exist before
// the statement shape is chosen.
func (s *statement) rowFilter() (sqldsl.Expr, error) {
	if !s.b.Restricted() {
		return nil, nil
	}
	ids := make([]access.CaseID, len(s.b.Cases.Cases))
	for i, cs := range s.b.Cases.Cases {
		ids[i] = cs.ID
		if _, err := s.cond(cs.ID); err != nil {
			return nil, err
		}
	}
	return s.visibleUnder(ids)
}

// mask wraps e so that it is NULL on rows where none of ids applies.
func (s *statement) mask(ids []access.CaseID, e sqldsl.Expr) (sqldsl.Expr, error) {
	cond, err := s.visibleUnder(ids)
	if err != nil || cond == nil {
		return e, err
	}
	return sqldsl.Case(sqldsl.When(cond, e)), nil
}

// maskFunc masks an expression by the cases that expose it.
type maskFunc func(ids []access.CaseID, e sqldsl.Expr) (sqldsl.Expr, error)

// selectList returns the output columns of the branch followed by the
// temporary key columns of its relations.
func (s *statement) selectList(mask maskFunc, parent sqldsl.Expr) ([]sqldsl.Expr, error) {
	c := s.c
	var cols []sqldsl.Expr
	add := func(name string, e sqldsl.Expr, temporary bool) {
		cols = append(cols, sqldsl.Alias{Expr: e, Name: c.quote(name)})
		if temporary && !slices.Contains(s.temporary, name) {
			s.temporary = append(s.temporary, name)
		}
	}

	for _, n := range s.b.Children {
		switch n := n.(type) {
		case *ast.FieldNode:
			e, err := s.fieldExpr(n)
			if err != nil {
				return nil, err
			}
			if e, err = mask(n.WhenCase, e); err != nil {
				return nil, err
			}
			add(n.Key, e, false)

		case *ast.RelationNode:
			for _, k := range s.relationKeys(n) {
				e, err := mask(n.WhenCase, k.expr)
				if err != nil {
					return nil, err
				}
				add(k.name, e, true)
			}
		}
	}

	if len(s.b.Children) == 0 {
		add(PrimaryKeyColumn, c.pk(s.root), true)
	}
	if parent != nil {
		add(ParentColumn, parent, true)
	}
	return cols, nil
}

type keyColumn struct {
	name string
	expr sqldsl.Expr
}

// relationKeys returns the columns the nested statement of a relation is
// keyed by.
func (s *statement) relationKeys(n *ast.RelationNode) []keyColumn {
	c := s.c
	switch r := n.Relation.(type) {
	case *schema.ManyToOne:
		return []keyColumn{{KeyColumn(n.Key), c.col(s.root, r.Field)}}
	case *schema.AnyToOne:
		return []keyColumn{
			{KeyColumn(n.Key), c.col(s.root, r.Field)},
			{DiscriminatorColumn(n.Key), c.col(s.root, r.CollectionField)},
		}
	}
	return []keyColumn{{KeyColumn(n.Key), c.pk(s.root)}}
}

func (s *statement) fieldExpr(n *ast.FieldNode) (sqldsl.Expr, error) {
	if n.Func != "" {
		return s.p.functionExpr(s.root, n.Func, n.Name)
	}
	return s.c.col(s.root, n.Name), nil
}

// window resolves LIMIT and OFFSET. Permission and configured caps apply
// to the root statement only.
func (s *statement) window() (*int, int) {
	opts := s.c.opts
	if s.col.Singleton && opts.Parent == nil {
		return nil, 0
	}
	var w query.Window
	if opts.Window != nil {
		w = *opts.Window
	} else {
		w = s.q.Window(opts.DefaultLimit)
	}
	if opts.Parent == nil {
		if g, ok := opts.Grants[s.b.Collection]; ok {
			if limit, capped := g.Limit(); capped && (!w.Bounded() || w.Limit > limit) {
				w.Limit = limit
			}
		}
		if opts.MaxLimit > 0 && (!w.Bounded() || w.Limit > opts.MaxLimit) {
			w.Limit = opts.MaxLimit
		}
	}
	if w.Bounded() {
		return sqldsl.IntPtr(w.Limit), w.Offset
	}
	if w.Offset > 0 {
		return s.c.dialect.OffsetLimit(), w.Offset
	}
	return nil, 0
}

func (s *statement) plain(where sqldsl.Expr, sorts []sortTerm) (sqldsl.Expr, error) {
	cols, err := s.selectList(s.mask, s.parentExpr)
	if err != nil {
		return nil, err
	}
	order := make([]sqldsl.OrderItem, len(sorts))
	for i, t := range sorts {
		order[i] = sqldsl.OrderItem{Expr: t.expr, Desc: t.desc}
	}
	limit, offset := s.window()
	return sqldsl.SelectStmt{
		Columns: cols,
		From:    s.p.from,
		Joins:   s.p.joins,
		Where:   where,
		OrderBy: order,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// split paginates distinct root rows in an inner query when joins can
// repeat them, then reads the page from the root table. Case conditions
// are evaluated in the inner query and passed out as counts, since the
// joins they may need exist only there.
func (s *statement) split(where sqldsl.Expr, sorts []sortTerm) (sqldsl.Expr, error) {
	c := s.c
	inner := c.quote(innerAlias)
	pkName := c.quote(s.col.PrimaryKey)

	flagged := s.flaggedCases()
	grouped := len(flagged) > 0
	for _, t := range sorts {
		grouped = grouped || t.multi
	}

	cols := []sqldsl.Expr{c.pk(s.root)}
	groupBy := []sqldsl.Expr{c.pk(s.root)}
	if s.parentExpr != nil {
		cols = append(cols, sqldsl.Alias{Expr: s.parentExpr, Name: c.quote(ParentColumn)})
		groupBy = append(groupBy, s.parentExpr)
	}
	for _, id := range flagged {
		cond, err := s.cond(id)
		if err != nil {
			return nil, err
		}
		cols = append(cols, sqldsl.Alias{
			Expr: sqldsl.Func{Name: "COUNT", Args: []sqldsl.Expr{sqldsl.Case(sqldsl.When(cond, sqldsl.Int(1)))}},
			Name: c.quote(caseFlag(id)),
		})
	}
	innerOrder := make([]sqldsl.OrderItem, len(sorts))
	outerOrder := make([]sqldsl.OrderItem, len(sorts))
	for i, t := range sorts {
		e := t.expr
		if grouped {
			// A root row joined to several related rows sorts by its
			// first related value in sort direction.
			fn := "MIN"
			if t.desc {
				fn = "MAX"
			}
			e = sqldsl.Func{Name: fn, Args: []sqldsl.Expr{e}}
		}
		name := c.quote(sortColumn(i))
		cols = append(cols, sqldsl.Alias{Expr: e, Name: name})
		innerOrder[i] = sqldsl.OrderItem{Expr: sqldsl.Raw(name), Desc: t.desc}
		outerOrder[i] = sqldsl.OrderItem{Expr: sqldsl.Col{Table: inner, Column: name}, Desc: t.desc}
	}

	limit, offset := s.window()
	innerStmt := sqldsl.SelectStmt{
		Distinct: !grouped,
		Columns:  cols,
		From:     s.p.from,
		Joins:    s.p.joins,
		Where:    where,
		OrderBy:  innerOrder,
		Limit:    limit,
		Offset:   offset,
	}
	if grouped {
		innerStmt.GroupBy = groupBy
	}

	flagMask := func(ids []access.CaseID, e sqldsl.Expr) (sqldsl.Expr, error) {
		if !s.b.Restricted() || s.b.Cases.Unconditional(ids) {
			return e, nil
		}
		conds := make([]sqldsl.Expr, 0, len(ids))
		for _, id := range ids {
			conds = append(conds, sqldsl.Gt{Left: sqldsl.Col{Table: inner, Column: c.quote(caseFlag(id))}, Right: sqldsl.Int(0)})
		}
		return sqldsl.Case(sqldsl.When(sqldsl.Or(conds...), e)), nil
	}
	var parent sqldsl.Expr
	if s.parentExpr != nil {
		parent = sqldsl.Col{Table: inner, Column: c.quote(ParentColumn)}
	}
	outerCols, err := s.selectList(flagMask, parent)
	if err != nil {
		return nil, err
	}

	return sqldsl.SelectStmt{
		Columns: outerCols,
		From:    sqldsl.TableRef{Name: c.quote(s.col.Name)},
		Joins: []sqldsl.JoinClause{{
			Type:  "INNER",
			Table: sqldsl.Subquery{Query: innerStmt, Alias: inner},
			On:    sqldsl.Eq{Left: c.pk(s.root), Right: sqldsl.Col{Table: inner, Column: pkName}},
		}},
		OrderBy: outerOrder,
	}, nil
}

func caseFlag(id access.CaseID) string { return "__case_" + strconv.Itoa(int(id)) }
func sortColumn(i int) string          { return "__sort_" + strconv.Itoa(i) }

// flaggedCases lists the conditional cases some output column is masked
// by, in ID order.
func (s *statement) flaggedCases() []access.CaseID {
	if !s.b.Restricted() {
		return nil
	}
	seen := map[access.CaseID]bool{}
	collect := func(ids []access.CaseID) {
		if s.b.Cases.Unconditional(ids) {
			return
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	for _, n := range s.b.Children {
		switch n := n.(type) {
		case *ast.FieldNode:
			collect(n.WhenCase)
		case *ast.RelationNode:
			collect(n.WhenCase)
		}
	}
	out := make([]access.CaseID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// sorts compiles the sort keys, or the default order of a nested to-many
// relation.
func (s *statement) sorts() ([]sortTerm, error) {
	keys := s.q.SortKeys()
	if len(keys) == 0 && s.c.opts.Parent != nil {
		return s.defaultNestedSort(), nil
	}
	out := make([]sortTerm, 0, len(keys))
	for _, k := range keys {
		path := k.Field
		head, rest, nested := strings.Cut(path, ".")
		if name, ok := s.q.Alias[head]; ok {
			path = name
			if nested {
				path += "." + rest
			}
		}
		b, field, err := s.p.resolvePath(s.root, path)
		if err != nil {
			return nil, err
		}
		var e sqldsl.Expr
		if fn, arg, isFn := ast.ParseFunc(field); isFn {
			if e, err = s.p.functionExpr(b, fn, arg); err != nil {
				return nil, err
			}
		} else {
			f, ok := b.collection.Field(field)
			if !ok {
				return nil, errs.InvalidQuery("unknown sort field %q on %q", field, b.collection.Name)
			}
			if f.IsAlias() {
				return nil, errs.InvalidQuery("cannot sort by relational field %q", field)
			}
			e = s.c.col(b, field)
		}
		if b != s.root {
			// Related rows the requester cannot read sort as null.
			g, err := s.p.guardPath(s.root, path)
			if err != nil {
				return nil, err
			}
			if g != nil {
				e = sqldsl.Case(sqldsl.When(g, e))
			}
		}
		out = append(out, sortTerm{expr: e, desc: k.Desc, multi: b.multi})
	}
	return out, nil
}

func (s *statement) defaultNestedSort() []sortTerm {
	c := s.c
	switch r := s.c.opts.Parent.Relation.(type) {
	case *schema.OneToMany:
		if r.SortField != "" {
			return []sortTerm{{expr: c.col(s.root, r.SortField)}}
		}
	case *schema.OneToAny:
		if r.SortField != "" {
			return []sortTerm{{expr: c.col(s.root, r.SortField)}}
		}
	case *schema.ManyToMany:
		if r.SortField != "" && s.junction != nil {
			return []sortTerm{{expr: c.col(s.junction, r.SortField)}}
		}
	default:
		return nil
	}
	return []sortTerm{{expr: c.pk(s.root)}}
}

// scopeToParent restricts the statement to the rows related to a batch of
// parent keys and records the expression that identifies each row's parent.
func (s *statement) scopeToParent(par *Parent) (sqldsl.Expr, error) {
	c := s.c
	keysOf := func(t schema.FieldType, field string) []any {
		out := make([]any, 0, len(par.Keys))
		for _, k := range par.Keys {
			if k == nil {
				continue
			}
			if b, ok := k.([]byte); ok {
				k = string(b)
			}
			v, err := coerce(k, t, field)
			if err != nil {
				// A polymorphic key that cannot be a key of this
				// collection matches nothing.
				continue
			}
			out = append(out, v)
		}
		return out
	}
	in := func(e sqldsl.Expr, keys []any) sqldsl.Expr {
		return sq.Eq{sqldsl.SQL(e): keys}
	}

	switch r := par.Relation.(type) {
	case *schema.ManyToOne, *schema.AnyToOne:
		pkField := s.col.PrimaryKeyField()
		s.parentExpr = c.pk(s.root)
		return in(s.parentExpr, keysOf(pkField.Type, pkField.Name)), nil

	case *schema.OneToMany:
		f, ok := s.col.Field(r.RelatedField)
		if !ok {
			return nil, fmt.Errorf("sqlgen: %s has no field %q", s.col.Name, r.RelatedField)
		}
		s.parentExpr = c.col(s.root, r.RelatedField)
		return in(s.parentExpr, keysOf(f.Type, f.Name)), nil

	case *schema.ManyToMany:
		junction, ok := c.catalog.Collection(r.Junction)
		if !ok {
			return nil, fmt.Errorf("sqlgen: unknown junction %q", r.Junction)
		}
		jb := &binding{path: "#" + junctionAs, alias: c.quote(junctionAs), collection: junction}
		s.p.joins = append(s.p.joins, sqldsl.JoinClause{
			Type:  "INNER",
			Table: sqldsl.TableAs(c.quote(junction.Name), jb.alias),
			On:    sqldsl.Eq{Left: c.col(jb, r.JunctionTargetField), Right: c.pk(s.root)},
		})
		s.p.bindings[jb.path] = jb
		s.junction = jb
		s.parentExpr = c.col(jb, r.JunctionField)

		f, _ := junction.Field(r.JunctionField)
		parts := []sqldsl.Expr{in(s.parentExpr, keysOf(f.Type, f.Name))}
		if s.b.JunctionCases != nil {
			if rf := s.b.JunctionCases.RowFilter(); rf != nil {
				e, err := s.p.where(jb, rf, true)
				if err != nil {
					return nil, err
				}
				parts = append(parts, e)
			}
		}
		return conjoin(parts), nil

	case *schema.OneToAny:
		s.parentExpr = c.col(s.root, r.RelatedField)
		strs := make([]any, 0, len(par.Keys))
		for _, k := range par.Keys {
			if k != nil {
				strs = append(strs, KeyString(k))
			}
		}
		return sqldsl.And(
			sq.Eq{sqldsl.SQL(c.col(s.root, r.RelatedCollectionField)): r.Collection},
			in(s.parentExpr, strs),
		), nil
	}
	return nil, fmt.Errorf("sqlgen: unsupported parent relation %T", par.Relation)
}
