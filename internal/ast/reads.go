package ast

import (
	"sort"
	"strings"

	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/schema"
)

// Reads returns every collection a compiled tree touches: the collections
// of Collections plus those reached only through a branch's filter, its
// _some/_none quantifiers, count() functions or relational sort paths.
// Many-to-many junctions are included. The result is in lexical order.
func Reads(c *schema.Catalog, root *Branch) []string {
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" {
			seen[name] = true
		}
	}
	for _, name := range root.Collections() {
		add(name)
	}
	_ = root.Walk(func(br *Branch) error {
		if br.Query == nil {
			return nil
		}
		filterReads(c, br.Collection, br.Query.Filter, add)
		for _, k := range br.Query.SortKeys() {
			head, rest, nested := strings.Cut(k.Field, ".")
			path := realName(br.Query, head)
			if nested {
				path += "." + rest
			}
			pathReads(c, br.Collection, path, add)
		}
		return nil
	})

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func filterReads(c *schema.Catalog, collection string, f filter.Filter, add func(string)) {
	for key, value := range f {
		switch {
		case key == filter.And || key == filter.Or:
			children, err := filter.Children(key, value)
			if err != nil {
				continue
			}
			for _, child := range children {
				filterReads(c, collection, child, add)
			}
		case key == filter.Some || key == filter.None:
			if child, ok := filter.From(value); ok {
				filterReads(c, collection, child, add)
			}
		case filter.IsOperator(key):
		default:
			if fn, arg, ok := ParseFunc(key); ok {
				if rel, isRel := c.RelationOf(collection, arg); isRel && fn == FuncCount {
					relationReads(rel, "", add)
				}
				continue
			}
			name, scope, _ := strings.Cut(key, ":")
			rel, ok := c.RelationOf(collection, name)
			if !ok {
				continue
			}
			target := relationReads(rel, scope, add)
			if node, ok := filter.From(value); ok && target != "" {
				filterReads(c, target, node, add)
			}
		}
	}
}

// pathReads follows the relational segments of a dotted sort path.
func pathReads(c *schema.Catalog, collection, path string, add func(string)) {
	segments := strings.Split(path, ".")
	for _, seg := range segments[:len(segments)-1] {
		name, scope, _ := strings.Cut(seg, ":")
		rel, ok := c.RelationOf(collection, name)
		if !ok {
			return
		}
		if collection = relationReads(rel, scope, add); collection == "" {
			return
		}
	}
}

// relationReads adds the collections one hop over rel reads and returns the
// target. A many-to-any hop without a valid scope has no target.
func relationReads(rel schema.Relation, scope string, add func(string)) string {
	if m2m, ok := rel.(*schema.ManyToMany); ok {
		add(m2m.Junction)
	}
	target := schema.Target(rel, scope)
	add(target)
	return target
}
