package sqlgen

import (
	"strings"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/query"
)

var aggregateSQL = map[string]sqldsl.Func{
	query.AggCount:         {Name: "COUNT"},
	query.AggCountDistinct: {Name: "COUNT", Distinct: true},
	query.AggSum:           {Name: "SUM"},
	query.AggSumDistinct:   {Name: "SUM", Distinct: true},
	query.AggAvg:           {Name: "AVG"},
	query.AggAvgDistinct:   {Name: "AVG", Distinct: true},
	query.AggMin:           {Name: "MIN"},
	query.AggMax:           {Name: "MAX"},
}

// aggregate compiles an aggregate query. Aggregated fields are masked
// inside the aggregate, so values on rows the field is hidden on do not
// contribute.
func (s *statement) aggregate(where sqldsl.Expr) (sqldsl.Expr, error) {
	c := s.c
	if s.p.multi {
		// Joins would repeat root rows and inflate every aggregate, so the
		// filter selects root keys in a subquery instead.
		where = sqldsl.InQuery{
			Expr: c.pk(s.root),
			Query: sqldsl.SelectStmt{
				Distinct: true,
				Columns:  []sqldsl.Expr{c.pk(s.root)},
				From:     s.p.from,
				Joins:    s.p.joins,
				Where:    where,
			},
		}
		s.p = c.newPlanner(s.col, "")
		s.root = s.p.root
		s.semi = true
		s.conds = map[access.CaseID]sqldsl.Expr{}
	}

	var (
		cols    []sqldsl.Expr
		groupBy []sqldsl.Expr
		outputs = map[string]bool{}
	)
	for _, a := range s.b.Aggregates {
		var e sqldsl.Expr
		if a.Field == ast.Wildcard {
			e = sqldsl.Func{Name: "COUNT", Args: []sqldsl.Expr{sqldsl.Star{}}}
		} else {
			fn, ok := aggregateSQL[a.Func]
			if !ok {
				return nil, errs.InvalidQuery("unknown aggregate function %q", a.Func)
			}
			arg, err := s.mask(a.WhenCase, c.col(s.root, a.Field))
			if err != nil {
				return nil, err
			}
			fn.Args = []sqldsl.Expr{arg}
			e = fn
		}
		cols = append(cols, sqldsl.Alias{Expr: e, Name: c.quote(a.Key)})
		outputs[a.Key] = true
	}
	for _, n := range s.b.Fields() {
		e, err := s.fieldExpr(n)
		if err != nil {
			return nil, err
		}
		if e, err = s.mask(n.WhenCase, e); err != nil {
			return nil, err
		}
		cols = append(cols, sqldsl.Alias{Expr: e, Name: c.quote(n.Key)})
		if c.dialect.GroupByPosition() {
			groupBy = append(groupBy, sqldsl.Int(len(cols)))
		} else {
			groupBy = append(groupBy, e)
		}
		outputs[n.Key] = true
	}

	var order []sqldsl.OrderItem
	for _, k := range s.q.SortKeys() {
		key := k.Field
		if fn, field, dotted := strings.Cut(key, "."); dotted && query.IsAggregateFunc(fn) {
			key = ast.AggregateKey(fn, field)
		}
		if !outputs[key] {
			return nil, errs.InvalidQuery("cannot sort aggregate query by %q: sort by a group field or an aggregate", k.Field)
		}
		order = append(order, sqldsl.OrderItem{Expr: sqldsl.Raw(c.quote(key)), Desc: k.Desc})
	}

	stmt := sqldsl.SelectStmt{
		Columns: cols,
		From:    s.p.from,
		Joins:   s.p.joins,
		Where:   where,
		GroupBy: groupBy,
		OrderBy: order,
	}
	if len(groupBy) > 0 {
		stmt.Limit, stmt.Offset = s.window()
	}
	return stmt, nil
}
