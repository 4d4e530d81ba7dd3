package ast

import (
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/schema"
)

// Inject expands wildcards and attaches permission cases to every branch of
// the tree. A nil grants map means the requester is unrestricted: wildcards
// expand to every column and no cases are attached.
//
// For a restricted requester every branch's collection must have a grant and
// every requested field must be exposed by at least one case; otherwise a
// Forbidden error is returned. Many-to-any scopes without a grant are
// dropped from the tree instead.
func Inject(root *Branch, action access.Action, grants access.Grants) error {
	return inject(root, action, grants)
}

func inject(b *Branch, action access.Action, grants access.Grants) error {
	if grants == nil {
		b.expandWildcard(func(string) bool { return true })
		for _, r := range b.Relations() {
			for _, sub := range r.Branches {
				if err := inject(sub, action, grants); err != nil {
					return err
				}
			}
		}
		return nil
	}

	grant, ok := grants[b.Collection]
	if !ok {
		return errs.Forbidden(string(action), b.Collection, "")
	}
	b.Cases = grant.Cases
	if len(b.unknown) > 0 {
		return errs.Forbidden(string(action), b.Collection, b.unknown[0])
	}

	b.expandWildcard(func(field string) bool {
		return len(b.Cases.WhenCase(field)) > 0
	})

	for _, n := range b.Children {
		switch n := n.(type) {
		case *FieldNode:
			n.WhenCase = b.Cases.WhenCase(n.Name)
			if len(n.WhenCase) == 0 {
				return errs.Forbidden(string(action), b.Collection, n.Name)
			}
		case *RelationNode:
			n.WhenCase = b.Cases.WhenCase(n.Name)
			if len(n.WhenCase) == 0 {
				return errs.Forbidden(string(action), b.Collection, n.Name)
			}
			if err := injectRelation(n, action, grants); err != nil {
				return err
			}
		}
	}

	for _, agg := range b.Aggregates {
		if agg.Field == Wildcard {
			continue
		}
		agg.WhenCase = b.Cases.WhenCase(agg.Field)
		if len(agg.WhenCase) == 0 {
			return errs.Forbidden(string(action), b.Collection, agg.Field)
		}
	}
	return nil
}

func injectRelation(n *RelationNode, action access.Action, grants access.Grants) error {
	if m2m, ok := n.Relation.(*schema.ManyToMany); ok {
		junction, ok := grants[m2m.Junction]
		if !ok {
			return errs.Forbidden(string(action), m2m.Junction, "")
		}
		if target := n.Target(); target != nil {
			target.JunctionCases = junction.Cases
		}
	}

	if _, ok := n.Relation.(*schema.AnyToOne); ok {
		kept := n.Branches[:0]
		for _, sub := range n.Branches {
			if _, granted := grants[sub.Collection]; granted {
				kept = append(kept, sub)
			}
		}
		n.Branches = kept
	}

	for _, sub := range n.Branches {
		if err := inject(sub, action, grants); err != nil {
			return err
		}
	}
	return nil
}

// expandWildcard inserts a FieldNode for every column that allow accepts
// and that no child already returns.
func (b *Branch) expandWildcard(allow func(field string) bool) {
	if b.wildcardAt < 0 {
		return
	}
	at := b.wildcardAt
	b.wildcardAt = -1

	var expanded []Node
	for _, name := range b.collection.FieldNames() {
		f, _ := b.collection.Field(name)
		if f.IsAlias() || !allow(name) {
			continue
		}
		if _, exists := b.Child(name); exists {
			continue
		}
		expanded = append(expanded, &FieldNode{Name: name, Key: name})
	}

	children := make([]Node, 0, len(b.Children)+len(expanded))
	children = append(children, b.Children[:at]...)
	children = append(children, expanded...)
	children = append(children, b.Children[at:]...)
	b.Children = children
}
