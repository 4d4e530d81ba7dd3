package executor

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// loadRelation returns the value of relation n for every row, in row order.
func (e *Executor) loadRelation(ctx context.Context, n *ast.RelationNode, rows []Row) ([]any, error) {
	values := make([]any, len(rows))
	keyCol := sqlgen.KeyColumn(n.Key)

	switch rel := n.Relation.(type) {
	case *schema.ManyToOne:
		children, err := e.fetch(ctx, n.Target(), rel, distinctKeys(rows, keyCol, nil))
		if err != nil {
			return nil, err
		}
		byParent := indexFirst(children)
		for i, row := range rows {
			if k := row[keyCol]; k != nil {
				if child, ok := byParent[sqlgen.KeyString(k)]; ok {
					values[i] = child
				}
			}
		}

	case *schema.AnyToOne:
		discCol := sqlgen.DiscriminatorColumn(n.Key)
		byScope := map[string]map[string]Row{}
		for _, sub := range n.Branches {
			scope := sub.Collection
			keys := distinctKeys(rows, keyCol, func(row Row) bool {
				return asString(row[discCol]) == scope
			})
			children, err := e.fetch(ctx, sub, rel, keys)
			if err != nil {
				return nil, err
			}
			byScope[scope] = indexFirst(children)
		}
		for i, row := range rows {
			k := row[keyCol]
			if k == nil {
				continue
			}
			index, requested := byScope[asString(row[discCol])]
			if !requested {
				// Scopes that were not requested keep the stored key.
				values[i] = k
				continue
			}
			if child, ok := index[sqlgen.KeyString(k)]; ok {
				values[i] = child
			}
		}

	default:
		sub := n.Target()
		children, err := e.fetch(ctx, sub, rel, distinctKeys(rows, keyCol, nil))
		if err != nil {
			return nil, err
		}
		grouped := map[string][]Row{}
		for _, child := range children {
			k := sqlgen.KeyString(child[sqlgen.ParentColumn])
			grouped[k] = append(grouped[k], child)
		}
		w := windowOf(sub, e.cfg.DefaultLimit)
		keysOnly := len(sub.Children) == 0
		for i, row := range rows {
			k := row[keyCol]
			if k == nil {
				continue
			}
			page := paginate(grouped[sqlgen.KeyString(k)], w)
			list := make([]any, len(page))
			for j, child := range page {
				if keysOnly {
					list[j] = child[sqlgen.PrimaryKeyColumn]
				} else {
					list[j] = child
				}
			}
			values[i] = list
		}
	}
	return values, nil
}

// fetch loads the rows of branch b related to the given parent keys, in
// batches, together with their own relations. Rows keep ParentColumn and
// PrimaryKeyColumn so the caller can attach them; every other temporary
// column is removed.
func (e *Executor) fetch(ctx context.Context, b *ast.Branch, rel schema.Relation, keys []any) ([]Row, error) {
	if b == nil || len(keys) == 0 {
		return nil, nil
	}
	var out []Row
	for start := 0; start < len(keys); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(keys))

		opts := e.Options()
		opts.Parent = &sqlgen.Parent{Relation: rel, Keys: keys[start:end]}
		opts.Window = &query.Window{Limit: query.Unbounded}
		stmt, err := sqlgen.Compile(b, opts)
		if err != nil {
			return nil, err
		}
		rows, err := e.query(ctx, stmt, b)
		if err != nil {
			return nil, err
		}
		if err := e.loadRelations(ctx, b, rows); err != nil {
			return nil, err
		}

		var drop []string
		for _, c := range stmt.Temporary {
			if c != sqlgen.ParentColumn && c != sqlgen.PrimaryKeyColumn {
				drop = append(drop, c)
			}
		}
		strip(rows, drop)
		out = append(out, rows...)

		e.log.WithFields(logrus.Fields{
			"collection": b.Collection,
			"keys":       end - start,
			"rows":       len(rows),
		}).Debug("loaded relation batch")
	}
	return out, nil
}

// indexFirst indexes child rows by parent key and removes the parent
// column.
func indexFirst(children []Row) map[string]Row {
	index := make(map[string]Row, len(children))
	for _, child := range children {
		k := sqlgen.KeyString(child[sqlgen.ParentColumn])
		delete(child, sqlgen.ParentColumn)
		if _, dup := index[k]; !dup {
			index[k] = child
		}
	}
	return index
}

// distinctKeys collects the non-null values of column across rows,
// optionally restricted to rows accepted by keep.
func distinctKeys(rows []Row, column string, keep func(Row) bool) []any {
	seen := map[string]bool{}
	var keys []any
	for _, row := range rows {
		v := row[column]
		if v == nil || (keep != nil && !keep(row)) {
			continue
		}
		k := sqlgen.KeyString(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, v)
	}
	return keys
}

// windowOf is the per-parent pagination of a to-many branch.
func windowOf(b *ast.Branch, defaultLimit int) query.Window {
	q := b.Query
	if q == nil {
		q = &query.Query{}
	}
	return q.Window(defaultLimit)
}

// paginate applies a window to the children of one parent and drops the
// parent column from the rows it keeps.
func paginate(children []Row, w query.Window) []Row {
	if w.Offset >= len(children) {
		children = nil
	} else {
		children = children[w.Offset:]
	}
	if w.Bounded() && w.Limit < len(children) {
		children = children[:w.Limit]
	}
	for _, child := range children {
		delete(child, sqlgen.ParentColumn)
	}
	return children
}
