// Package testfixture holds the blog catalog shared by package tests.
package testfixture

import (
	_ "embed"

	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/schema"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogYAML returns the raw catalog document.
func CatalogYAML() []byte {
	return catalogYAML
}

// Catalog parses the blog catalog. It panics on error since the document
// is embedded.
func Catalog() *schema.Catalog {
	c, err := schema.Parse(catalogYAML)
	if err != nil {
		panic(err)
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// Grant builds the read grant that the access service would produce for
// rules on collection. Rule collections and actions are filled in.
func Grant(collection string, rules ...access.Permission) *access.Grant {
	for i := range rules {
		rules[i].Collection = collection
		rules[i].Action = access.ActionRead
	}
	return &access.Grant{
		Collection: collection,
		Action:     access.ActionRead,
		Rule:       access.MergePermissions(access.StrategyOr, rules)[0],
		Cases:      access.BuildCases(collection, rules),
	}
}

// Grants indexes grants by collection.
func Grants(grants ...*access.Grant) access.Grants {
	out := access.Grants{}
	for _, g := range grants {
		out[g.Collection] = g
	}
	return out
}

// Rule is a shorthand for a permission rule with a JSON row filter.
func Rule(filterJSON string, fields ...string) access.Permission {
	p := access.Permission{Fields: fields}
	if filterJSON != "" {
		f, err := filter.Parse([]byte(filterJSON))
		if err != nil {
			panic(err)
		}
		p.Filter = f
	}
	return p
}
