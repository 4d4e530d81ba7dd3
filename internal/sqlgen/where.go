package sqlgen

import (
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/schema"
)

// matchNone is the predicate of a comparison that can never hold, such as
// equality with an unresolved dynamic variable.
var matchNone = sqldsl.Raw("(1=0)")

// where compiles f against the collection bound at b. A nil result matches
// every row.
//
// Untrusted filters come from the request. Every relation they descend
// into is additionally restricted to the rows the requester may read, so a
// filter cannot probe hidden rows. Trusted filters come from permission
// rules and are compiled as written.
func (p *planner) where(b *binding, f filter.Filter, trusted bool) (sqldsl.Expr, error) {
	var parts []sqldsl.Expr
	for _, key := range f.Keys() {
		var (
			e   sqldsl.Expr
			err error
		)
		switch {
		case key == filter.And || key == filter.Or:
			e, err = p.logical(b, key, f[key], trusted)
		case filter.IsOperator(key), key == filter.Some, key == filter.None:
			err = errs.InvalidQuery("operator %q must be nested under a field", key)
		default:
			e, err = p.field(b, key, f[key], trusted)
		}
		if err != nil {
			return nil, err
		}
		if e != nil {
			parts = append(parts, e)
		}
	}
	return conjoin(parts), nil
}

func conjoin(parts []sqldsl.Expr) sqldsl.Expr {
	var kept []sqldsl.Expr
	for _, e := range parts {
		if e != nil {
			kept = append(kept, e)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return sqldsl.And(kept...)
}

func (p *planner) logical(b *binding, key string, value any, trusted bool) (sqldsl.Expr, error) {
	children, err := filter.Children(key, value)
	if err != nil {
		return nil, err
	}
	var (
		parts    []sqldsl.Expr
		matchAll bool
	)
	for _, child := range children {
		e, err := p.where(b, child, trusted)
		if err != nil {
			return nil, err
		}
		if e == nil {
			matchAll = true
			continue
		}
		parts = append(parts, e)
	}
	if key == filter.And {
		return conjoin(parts), nil
	}
	// An empty branch of an _or matches every row, and so does the _or.
	if matchAll || len(parts) == 0 {
		return nil, nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return sqldsl.Or(parts...), nil
}

func (p *planner) field(b *binding, key string, value any, trusted bool) (sqldsl.Expr, error) {
	node, ok := filter.From(value)
	if !ok {
		return nil, errs.InvalidQuery("filter for field %q must be an object", key)
	}
	if fn, arg, isFn := ast.ParseFunc(key); isFn {
		return p.function(b, fn, arg, key, node)
	}

	name, _, _ := strings.Cut(key, ":")
	f, ok := b.collection.Field(name)
	if !ok {
		return nil, errs.InvalidQuery("unknown field %q in filter on %q", name, b.collection.Name)
	}

	ops, nested := filter.Filter{}, filter.Filter{}
	for k, v := range node {
		if filter.IsOperator(k) {
			ops[k] = v
		} else {
			nested[k] = v
		}
	}

	var parts []sqldsl.Expr
	if len(ops) > 0 {
		if f.IsAlias() {
			return nil, errs.InvalidQuery("field %q has no column to compare; filter its related fields instead", name)
		}
		e, err := p.c.operators(p.c.col(b, name), f.Type, name, ops)
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	if len(nested) > 0 {
		e, err := p.relational(b, key, nested, trusted)
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return conjoin(parts), nil
}

// relational compiles a filter on the fields of a related collection.
func (p *planner) relational(b *binding, segment string, node filter.Filter, trusted bool) (sqldsl.Expr, error) {
	name, _, _ := strings.Cut(segment, ":")
	rel, ok := p.c.catalog.RelationOf(b.collection.Name, name)
	if !ok {
		return nil, errs.InvalidQuery("field %q on %q is not a relation", name, b.collection.Name)
	}

	var parts []sqldsl.Expr
	implicit := filter.Filter{}
	for _, k := range node.Keys() {
		if k != filter.Some && k != filter.None {
			implicit[k] = node[k]
			continue
		}
		if !rel.Kind().Multiplies() {
			return nil, errs.InvalidQuery("%s applies to to-many relations, %q is %s", k, name, rel.Kind())
		}
		child, ok := filter.From(node[k])
		if !ok {
			return nil, errs.InvalidQuery("%s must be a filter object", k)
		}
		e, err := p.quantified(b, rel, k == filter.None, child, trusted)
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}

	if len(implicit) > 0 {
		next, err := p.resolve(b, segment)
		if err != nil {
			return nil, err
		}
		e, err := p.where(next, implicit, trusted)
		if err != nil {
			return nil, err
		}
		if e != nil && !trusted {
			g, err := p.guard(next)
			if err != nil {
				return nil, err
			}
			e = conjoin([]sqldsl.Expr{e, g})
		}
		parts = append(parts, e)
	}
	return conjoin(parts), nil
}

// guard restricts a binding reached by an untrusted filter to the rows the
// requester may read. A collection without any grant is forbidden.
func (p *planner) guard(b *binding) (sqldsl.Expr, error) {
	grants := p.c.opts.Grants
	if grants == nil {
		return nil, nil
	}
	var parts []sqldsl.Expr
	for _, x := range []*binding{b.junction, b} {
		if x == nil {
			continue
		}
		e, err := p.rowFilter(x, grants)
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return conjoin(parts), nil
}

// guardPath is the conjunction of the guards of every relation bound along
// a dotted path.
func (p *planner) guardPath(b *binding, path string) (sqldsl.Expr, error) {
	segments := strings.Split(path, ".")
	var parts []sqldsl.Expr
	for _, seg := range segments[:len(segments)-1] {
		next, err := p.resolve(b, seg)
		if err != nil || next == nil {
			return nil, err
		}
		g, err := p.guard(next)
		if err != nil {
			return nil, err
		}
		parts = append(parts, g)
		b = next
	}
	return conjoin(parts), nil
}

func (p *planner) rowFilter(b *binding, grants access.Grants) (sqldsl.Expr, error) {
	g, ok := grants[b.collection.Name]
	if !ok {
		return nil, errs.Forbidden(string(p.c.opts.Action), b.collection.Name, "")
	}
	rf := g.Cases.RowFilter()
	if rf == nil {
		return nil, nil
	}
	return p.where(b, rf, true)
}

// quantified compiles _some and _none into a key membership test against
// the matching related rows.
func (p *planner) quantified(b *binding, rel schema.Relation, negate bool, child filter.Filter, trusted bool) (sqldsl.Expr, error) {
	c := p.c
	var (
		sub   *planner
		left  sqldsl.Expr = c.pk(b)
		key   sqldsl.Col
		scope []sqldsl.Expr
		cond  sqldsl.Expr
		err   error
	)

	switch r := rel.(type) {
	case *schema.OneToMany:
		related, _ := c.catalog.Collection(r.Related)
		sub = c.newPlanner(related, c.nextName("s"))
		key = c.col(sub.root, r.RelatedField)
		cond, err = sub.where(sub.root, child, trusted)
		scope = append(scope, sqldsl.IsNotNull{Expr: key})
		if err == nil && !trusted {
			var g sqldsl.Expr
			g, err = sub.guard(sub.root)
			scope = append(scope, g)
		}

	case *schema.ManyToMany:
		junction, _ := c.catalog.Collection(r.Junction)
		sub = c.newPlanner(junction, c.nextName("s"))
		key = c.col(sub.root, r.JunctionField)
		var target *binding
		target, err = sub.resolve(sub.root, r.JunctionTargetField)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, fmt.Errorf("junction %q has no relation for %q", r.Junction, r.JunctionTargetField)
		}
		cond, err = sub.where(target, child, trusted)
		scope = append(scope, sqldsl.IsNotNull{Expr: key})
		if err == nil && !trusted {
			var g sqldsl.Expr
			if g, err = sub.guard(sub.root); err == nil {
				scope = append(scope, g)
				g, err = sub.guard(target)
				scope = append(scope, g)
			}
		}

	case *schema.OneToAny:
		related, _ := c.catalog.Collection(r.Related)
		sub = c.newPlanner(related, c.nextName("s"))
		key = c.col(sub.root, r.RelatedField)
		left = c.asText(c.pk(b))
		scope = append(scope, sqldsl.Eq{Left: c.col(sub.root, r.RelatedCollectionField), Right: sqldsl.Param{Value: r.Collection}})
		cond, err = sub.where(sub.root, child, trusted)
		if err == nil && !trusted {
			var g sqldsl.Expr
			g, err = sub.guard(sub.root)
			scope = append(scope, g)
		}

	default:
		return nil, errs.InvalidQuery("quantifiers apply to to-many relations, %q is %s", rel.FieldName(), rel.Kind())
	}
	if err != nil {
		return nil, err
	}

	return sqldsl.InQuery{
		Expr: left,
		Query: sqldsl.SelectStmt{
			Columns: []sqldsl.Expr{key},
			From:    sub.from,
			Joins:   sub.joins,
			Where:   sqldsl.And(append(scope, cond)...),
		},
		Negate: negate,
	}, nil
}

// function compiles a filter on a function field such as year(date_created).
func (p *planner) function(b *binding, fn, arg, key string, node filter.Filter) (sqldsl.Expr, error) {
	e, err := p.functionExpr(b, fn, arg)
	if err != nil {
		return nil, err
	}
	for k := range node {
		if !filter.IsOperator(k) {
			return nil, errs.InvalidQuery("filter on %q accepts operators only, got %q", key, k)
		}
	}
	return p.c.operators(e, schema.TypeInteger, key, node)
}

// functionExpr is the value of a function field.
func (p *planner) functionExpr(b *binding, fn, arg string) (sqldsl.Expr, error) {
	c := p.c
	if err := ast.CheckFunc(c.catalog, b.collection.Name, fn, arg); err != nil {
		return nil, err
	}
	if ast.IsDateFunc(fn) {
		return c.dialect.DatePart(fn, c.col(b, arg)), nil
	}
	rel, _ := c.catalog.RelationOf(b.collection.Name, arg)
	return p.count(b, rel)
}

// count is a correlated subquery counting the readable related rows.
func (p *planner) count(b *binding, rel schema.Relation) (sqldsl.Expr, error) {
	c := p.c
	var (
		sub   *planner
		match sqldsl.Expr
	)
	switch r := rel.(type) {
	case *schema.OneToMany:
		related, _ := c.catalog.Collection(r.Related)
		sub = c.newPlanner(related, c.nextName("s"))
		match = sqldsl.Eq{Left: c.col(sub.root, r.RelatedField), Right: c.pk(b)}
	case *schema.ManyToMany:
		junction, _ := c.catalog.Collection(r.Junction)
		sub = c.newPlanner(junction, c.nextName("s"))
		match = sqldsl.Eq{Left: c.col(sub.root, r.JunctionField), Right: c.pk(b)}
	case *schema.OneToAny:
		related, _ := c.catalog.Collection(r.Related)
		sub = c.newPlanner(related, c.nextName("s"))
		match = sqldsl.And(
			sqldsl.Eq{Left: c.col(sub.root, r.RelatedCollectionField), Right: sqldsl.Param{Value: r.Collection}},
			sqldsl.Eq{Left: c.col(sub.root, r.RelatedField), Right: c.asText(c.pk(b))},
		)
	default:
		return nil, errs.InvalidQuery("function count(%s) requires a to-many relation", rel.FieldName())
	}
	g, err := sub.guard(sub.root)
	if err != nil {
		return nil, err
	}
	return sqldsl.Paren{Expr: sqldsl.SelectStmt{
		Columns: []sqldsl.Expr{sqldsl.Func{Name: "COUNT", Args: []sqldsl.Expr{sqldsl.Star{}}}},
		From:    sub.from,
		Joins:   sub.joins,
		Where:   sqldsl.And(match, g),
	}}, nil
}

// operators compiles the operator object of one field.
func (c *compiler) operators(e sqldsl.Expr, t schema.FieldType, field string, ops filter.Filter) (sqldsl.Expr, error) {
	s, args, err := sqldsl.Render(e)
	if err != nil {
		return nil, err
	}
	o := operand{sql: s, args: args}

	var parts []sqldsl.Expr
	for _, op := range ops.Keys() {
		if !filter.IsOperator(op) {
			return nil, errs.InvalidQuery("unknown filter operator %q on field %q", op, field)
		}
		pred, err := o.compare(op, ops[op], t, field)
		if err != nil {
			return nil, err
		}
		parts = append(parts, pred)
	}
	return conjoin(parts), nil
}

// operand is the rendered left side of a comparison.
type operand struct {
	sql  string
	args []any
}

func (o operand) expr() sqldsl.Expr {
	if len(o.args) == 0 {
		return sqldsl.Raw(o.sql)
	}
	return sq.Expr(o.sql, o.args...)
}

func (o operand) lower() operand {
	return operand{sql: "LOWER(" + o.sql + ")", args: o.args}
}

func (o operand) with(suffix string, values ...any) sqldsl.Expr {
	return sq.Expr(o.sql+suffix, append(slices.Clone(o.args), values...)...)
}

func (o operand) binary(op string, v any) sqldsl.Expr {
	if len(o.args) == 0 {
		switch op {
		case "=":
			return sq.Eq{o.sql: v}
		case "<>":
			return sq.NotEq{o.sql: v}
		case "<":
			return sq.Lt{o.sql: v}
		case "<=":
			return sq.LtOrEq{o.sql: v}
		case ">":
			return sq.Gt{o.sql: v}
		case ">=":
			return sq.GtOrEq{o.sql: v}
		}
	}
	return o.with(" "+op+" ?", v)
}

func (o operand) in(values []any, negate bool) sqldsl.Expr {
	if len(o.args) == 0 {
		if negate {
			return sq.NotEq{o.sql: values}
		}
		return sq.Eq{o.sql: values}
	}
	switch {
	case len(values) == 0 && negate:
		return sqldsl.Raw("(1=1)")
	case len(values) == 0:
		return matchNone
	case negate:
		return o.with(" NOT IN ("+sq.Placeholders(len(values))+")", values...)
	}
	return o.with(" IN ("+sq.Placeholders(len(values))+")", values...)
}

func (o operand) like(pattern string, negate bool) sqldsl.Expr {
	if len(o.args) == 0 {
		if negate {
			return sq.NotLike{o.sql: pattern}
		}
		return sq.Like{o.sql: pattern}
	}
	if negate {
		return o.with(" NOT LIKE ?", pattern)
	}
	return o.with(" LIKE ?", pattern)
}

var comparisons = map[string]string{
	"_eq": "=", "_neq": "<>",
	"_lt": "<", "_lte": "<=", "_gt": ">", "_gte": ">=",
}

func (o operand) compare(op string, v any, t schema.FieldType, field string) (sqldsl.Expr, error) {
	switch op {
	case "_eq", "_neq", "_lt", "_lte", "_gt", "_gte":
		val, err := coerce(v, t, field)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return matchNone, nil
		}
		return o.binary(comparisons[op], val), nil

	case "_ieq", "_nieq":
		if v == nil {
			return matchNone, nil
		}
		cmp := "="
		if op == "_nieq" {
			cmp = "<>"
		}
		return o.lower().binary(cmp, strings.ToLower(fmt.Sprint(v))), nil

	case "_in", "_nin":
		values, err := coerceList(v, t, field)
		if err != nil {
			return nil, err
		}
		return o.in(values, op == "_nin"), nil

	case "_null", "_nnull":
		if truthy(v) == (op == "_null") {
			return sqldsl.IsNull{Expr: o.expr()}, nil
		}
		return sqldsl.IsNotNull{Expr: o.expr()}, nil

	case "_empty", "_nempty":
		if truthy(v) == (op == "_empty") {
			if t.IsText() {
				return sqldsl.Or(sqldsl.IsNull{Expr: o.expr()}, o.binary("=", "")), nil
			}
			return sqldsl.IsNull{Expr: o.expr()}, nil
		}
		if t.IsText() {
			return sqldsl.And(sqldsl.IsNotNull{Expr: o.expr()}, o.binary("<>", "")), nil
		}
		return sqldsl.IsNotNull{Expr: o.expr()}, nil

	case "_between", "_nbetween":
		values, err := coerceList(v, t, field)
		if err != nil {
			return nil, err
		}
		if len(values) != 2 {
			return nil, errs.InvalidQuery("%s on field %q needs exactly two values", op, field)
		}
		if op == "_nbetween" {
			return o.with(" NOT BETWEEN ? AND ?", values...), nil
		}
		return o.with(" BETWEEN ? AND ?", values...), nil
	}

	if pattern, negate, insensitive, ok := likePattern(op, v); ok {
		if v == nil {
			return matchNone, nil
		}
		if insensitive {
			return o.lower().like(strings.ToLower(pattern), negate), nil
		}
		return o.like(pattern, negate), nil
	}
	return nil, errs.InvalidQuery("unknown filter operator %q on field %q", op, field)
}

// likePattern maps the substring operators to a LIKE pattern.
func likePattern(op string, v any) (pattern string, negate, insensitive, ok bool) {
	name := strings.TrimPrefix(op, "_")
	if strings.HasPrefix(name, "n") && !strings.HasPrefix(name, "null") {
		negate = true
		name = name[1:]
	}
	if strings.HasPrefix(name, "i") {
		insensitive = true
		name = name[1:]
	}
	s := ""
	if v != nil {
		s = fmt.Sprint(v)
	}
	switch name {
	case "contains":
		return "%" + s + "%", negate, insensitive, true
	case "starts_with":
		return s + "%", negate, insensitive, true
	case "ends_with":
		return "%" + s, negate, insensitive, true
	}
	return "", false, false, false
}
