// Package ast turns a query's field list into a tree of requested fields
// and relations, then annotates the tree with the permission cases that make
// each field visible.
//
// # Structure
//
// A Branch is one collection-level subtree: the root collection of a query,
// the target of a relation, or one scope of a many-to-any relation. Its
// children are FieldNodes (columns and function fields) and RelationNodes.
// Every RelationNode holds one Branch per target collection; only
// many-to-any relations can have more than one.
//
//	fields: [title, author.name, item:pages.title]
//
//	Branch(articles)
//	├── FieldNode(title)
//	├── RelationNode(author, m2o) ── Branch(users) ── FieldNode(name)
//	└── ...
//
// # Cases
//
// Inject attaches the CaseSet of each branch's collection and stores on
// every node the IDs of the cases that expose it (WhenCase). CaseIDs are
// positions in Branch.Cases and are only meaningful together with the
// branch they were computed for.
package ast

import (
	"sort"

	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

// Node is a FieldNode or a RelationNode.
type Node interface {
	// OutputKey is the key the node's value is returned under.
	OutputKey() string
	node()
}

// FieldNode is a requested column or function field.
type FieldNode struct {
	// Name is the field the value is read from.
	Name string
	// Key is the output key: the requested alias, or name_fn for a
	// function field.
	Key string
	// Func is the field function, empty for a plain column.
	Func string
	// WhenCase lists the cases under which the field is visible. It is nil
	// on an unrestricted branch.
	WhenCase []access.CaseID
}

// RelationNode is a requested relation together with the subtrees of its
// target collections.
type RelationNode struct {
	Name     string
	Key      string
	Relation schema.Relation
	WhenCase []access.CaseID
	// Branches holds one subtree per target collection, sorted by
	// collection name. A many-to-any relation whose scopes are all
	// inaccessible has none.
	Branches []*Branch
}

// AggregateNode is one aggregate term of an aggregate query.
type AggregateNode struct {
	Func string
	// Field is "*" for row counts.
	Field string
	Key   string
	// WhenCase lists the cases under which Field may be aggregated.
	WhenCase []access.CaseID
}

func (f *FieldNode) OutputKey() string    { return f.Key }
func (r *RelationNode) OutputKey() string { return r.Key }

func (*FieldNode) node()    {}
func (*RelationNode) node() {}

// Target returns the single target branch of a relation that is not
// many-to-any, or nil.
func (r *RelationNode) Target() *Branch {
	if len(r.Branches) != 1 {
		return nil
	}
	return r.Branches[0]
}

// Scope returns the branch for one target collection.
func (r *RelationNode) Scope(collection string) (*Branch, bool) {
	for _, b := range r.Branches {
		if b.Collection == collection {
			return b, true
		}
	}
	return nil, false
}

// Branch is the subtree of one collection.
type Branch struct {
	Collection string
	Query      *query.Query
	Children   []Node
	Aggregates []*AggregateNode
	// Cases is nil when the branch is unrestricted.
	Cases *access.CaseSet
	// JunctionCases restricts the junction rows of a many-to-many branch.
	JunctionCases *access.CaseSet

	collection *schema.Collection
	// wildcardAt is the child position a "*" expands at, or -1.
	wildcardAt int
	// unknown lists requested fields that do not exist.
	unknown []string
}

// Restricted reports whether rows and fields of the branch are subject to
// permission cases.
func (b *Branch) Restricted() bool {
	return b.Cases != nil
}

// Fields returns the field children in order.
func (b *Branch) Fields() []*FieldNode {
	var out []*FieldNode
	for _, n := range b.Children {
		if f, ok := n.(*FieldNode); ok {
			out = append(out, f)
		}
	}
	return out
}

// Relations returns the relation children in order.
func (b *Branch) Relations() []*RelationNode {
	var out []*RelationNode
	for _, n := range b.Children {
		if r, ok := n.(*RelationNode); ok {
			out = append(out, r)
		}
	}
	return out
}

// Child returns the child with the given output key.
func (b *Branch) Child(key string) (Node, bool) {
	for _, n := range b.Children {
		if n.OutputKey() == key {
			return n, true
		}
	}
	return nil, false
}

// Unknown returns the requested fields of b that are neither fields nor
// relations of its collection.
func (b *Branch) Unknown() []string {
	return b.unknown
}

// Walk calls fn for b and every nested branch, parents first.
func (b *Branch) Walk(fn func(*Branch) error) error {
	if err := fn(b); err != nil {
		return err
	}
	for _, r := range b.Relations() {
		for _, sub := range r.Branches {
			if err := sub.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Collections returns every collection the tree reads, including junction
// collections, in lexical order.
func (b *Branch) Collections() []string {
	seen := map[string]bool{}
	_ = b.Walk(func(br *Branch) error {
		seen[br.Collection] = true
		for _, r := range br.Relations() {
			if m2m, ok := r.Relation.(*schema.ManyToMany); ok {
				seen[m2m.Junction] = true
			}
		}
		return nil
	})
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
