package ast

import (
	"sort"
	"strings"

	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// Wildcard selects every readable field of a collection.
const Wildcard = "*"

// Build parses the field list of q into a tree rooted at collection. The
// tree carries no permission information until Inject runs; wildcards stay
// unexpanded until then so they can never reach fields the requester may
// not read.
func Build(c *schema.Catalog, collection string, q *query.Query) (*Branch, error) {
	if q == nil {
		q = &query.Query{}
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	b := &builder{catalog: c}
	return b.branch(collection, q, q.Fields)
}

type builder struct {
	catalog *schema.Catalog
}

// relationGroup collects the nested paths requested under one relational
// key, per many-to-any scope.
type relationGroup struct {
	key    string
	name   string
	scopes map[string][]string
}

func (b *builder) branch(collection string, q *query.Query, fields []string) (*Branch, error) {
	col, ok := b.catalog.Collection(collection)
	if !ok {
		return nil, errs.InvalidQuery("unknown collection %q", collection)
	}
	br := &Branch{Collection: collection, Query: q, collection: col, wildcardAt: -1}

	if q.IsAggregate() {
		return br, b.aggregate(br)
	}
	if len(fields) == 0 {
		fields = []string{Wildcard}
	}

	seen := map[string]bool{}
	var groups []*relationGroup
	byKey := map[string]*relationGroup{}

	for _, raw := range fields {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		if path == Wildcard {
			if br.wildcardAt < 0 {
				br.wildcardAt = len(br.Children)
			}
			continue
		}

		if head, rest, nested := strings.Cut(path, "."); nested {
			key, scope, _ := strings.Cut(head, ":")
			g, ok := byKey[key]
			if !ok {
				g = &relationGroup{key: key, name: realName(q, key), scopes: map[string][]string{}}
				byKey[key] = g
				groups = append(groups, g)
			}
			g.scopes[scope] = append(g.scopes[scope], rest)
			continue
		}

		if fn, arg, isFn := ParseFunc(path); isFn {
			name := realName(q, arg)
			if err := CheckFunc(b.catalog, collection, fn, name); err != nil {
				return nil, err
			}
			key := FuncKey(fn, arg)
			if !seen[key] {
				seen[key] = true
				br.Children = append(br.Children, &FieldNode{Name: name, Key: key, Func: fn})
			}
			continue
		}

		key, _, _ := strings.Cut(path, ":")
		if seen[key] {
			continue
		}
		name := realName(q, key)
		f, ok := col.Field(name)
		if !ok {
			br.unknown = append(br.unknown, name)
			continue
		}
		seen[key] = true
		if f.IsAlias() {
			// A bare to-many field returns the related primary keys.
			node, err := b.relation(br, &relationGroup{key: key, name: name, scopes: map[string][]string{"": nil}})
			if err != nil {
				return nil, err
			}
			if node != nil {
				br.Children = append(br.Children, node)
			}
			continue
		}
		br.Children = append(br.Children, &FieldNode{Name: name, Key: key})
	}

	for _, g := range groups {
		node, err := b.relation(br, g)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		// A nested selection replaces a plain selection of the same key.
		if seen[g.key] {
			br.removeChild(g.key)
		}
		seen[g.key] = true
		br.Children = append(br.Children, node)
	}
	return br, nil
}

func (b *builder) relation(parent *Branch, g *relationGroup) (*RelationNode, error) {
	rel, ok := b.catalog.RelationOf(parent.Collection, g.name)
	if !ok {
		parent.unknown = append(parent.unknown, g.name)
		return nil, nil
	}
	node := &RelationNode{Name: g.name, Key: g.key, Relation: rel}
	q := parent.Query

	scopes := make([]string, 0, len(g.scopes))
	for s := range g.scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	if a2o, ok := rel.(*schema.AnyToOne); ok {
		for _, scope := range scopes {
			if scope == "" {
				return nil, errs.InvalidQuery("field %q: a collection scope is required for many-to-any fields, as in %s:<collection>.<field>", g.key, g.key)
			}
			if !a2o.Allows(scope) {
				return nil, errs.InvalidQuery("field %q: %q is not an allowed collection", g.key, scope)
			}
			deep, err := deepFor(q, g.key+":"+scope, g.key)
			if err != nil {
				return nil, err
			}
			sub, err := b.branch(scope, deep, g.scopes[scope])
			if err != nil {
				return nil, err
			}
			node.Branches = append(node.Branches, sub)
		}
		return node, nil
	}

	if len(scopes) > 1 || scopes[0] != "" {
		return nil, errs.InvalidQuery("field %q: collection scopes only apply to many-to-any fields", g.key)
	}
	deep, err := deepFor(q, g.key)
	if err != nil {
		return nil, err
	}
	fields := g.scopes[""]
	var sub *Branch
	if fields == nil {
		// Keys only: no children.
		col, _ := b.catalog.Collection(schema.Target(rel, ""))
		if col == nil {
			return nil, errs.InvalidQuery("field %q: unknown related collection", g.key)
		}
		sub = &Branch{Collection: col.Name, Query: deep, collection: col, wildcardAt: -1}
	} else {
		sub, err = b.branch(schema.Target(rel, ""), deep, fields)
		if err != nil {
			return nil, err
		}
	}
	node.Branches = []*Branch{sub}
	return node, nil
}

func (b *builder) aggregate(br *Branch) error {
	q := br.Query
	for _, fn := range q.Aggregate.Functions() {
		for _, field := range q.Aggregate[fn] {
			switch {
			case fn == query.AggCountAll:
				br.Aggregates = append(br.Aggregates, &AggregateNode{Func: query.AggCount, Field: Wildcard, Key: query.AggCountAll})
			case fn == query.AggCount && field == Wildcard:
				br.Aggregates = append(br.Aggregates, &AggregateNode{Func: query.AggCount, Field: Wildcard, Key: query.AggCount})
			default:
				f, ok := br.collection.Field(field)
				if !ok || f.IsAlias() {
					return errs.InvalidQuery("aggregate %s: unknown field %q on %q", fn, field, br.Collection)
				}
				br.Aggregates = append(br.Aggregates, &AggregateNode{Func: fn, Field: field, Key: AggregateKey(fn, field)})
			}
		}
	}

	for _, g := range q.Group {
		if fn, arg, ok := ParseFunc(g); ok {
			if err := CheckFunc(b.catalog, br.Collection, fn, arg); err != nil {
				return err
			}
			br.Children = append(br.Children, &FieldNode{Name: arg, Key: FuncKey(fn, arg), Func: fn})
			continue
		}
		f, ok := br.collection.Field(g)
		if !ok || f.IsAlias() {
			return errs.InvalidQuery("group: unknown field %q on %q", g, br.Collection)
		}
		br.Children = append(br.Children, &FieldNode{Name: g, Key: g})
	}
	return nil
}

// AggregateKey is the result column of an aggregate term, such as
// "sum->rating". Executors split it back into nested objects.
func AggregateKey(fn, field string) string {
	return fn + "->" + field
}

func (br *Branch) removeChild(key string) {
	for i, n := range br.Children {
		if n.OutputKey() == key {
			br.Children = append(br.Children[:i], br.Children[i+1:]...)
			if br.wildcardAt > i {
				br.wildcardAt--
			}
			return
		}
	}
}

// realName resolves an output alias to the field it reads.
func realName(q *query.Query, key string) string {
	if name, ok := q.Alias[key]; ok {
		return name
	}
	return key
}

// deepFor returns the deep overrides for the first key that has any.
func deepFor(q *query.Query, keys ...string) (*query.Query, error) {
	for _, key := range keys {
		if _, ok := q.Deep[key]; ok {
			return q.Deep.For(key)
		}
	}
	return &query.Query{}, nil
}
