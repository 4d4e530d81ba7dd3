// Package schema describes the logical data model the compiler plans
// against: collections, their typed fields and the relations between them.
//
// A Catalog is loaded once per process generation and is read-only while
// requests are compiled. Relations are declared as raw records, one per
// foreign key column, and the relation kind seen from either side of a
// record is derived when the catalog is indexed.
//
// # Relation records
//
// A plain foreign key articles.author -> users declares one record:
//
//	{collection: articles, field: author, related_collection: users, meta: {one_field: articles}}
//
// From articles the field "author" is many-to-one; from users the alias
// field "articles" is one-to-many. A junction record with junction_field
// set turns the one-to-many side into many-to-many. A record with
// one_collection_field and one_allowed_collections is polymorphic
// (any-to-one), and its one_field is the one-to-any alias on every allowed
// collection.
package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrInvalidCatalog is returned when a catalog fails validation.
var ErrInvalidCatalog = errors.New("veil/schema: invalid catalog")

// IsInvalidCatalogErr returns true if err is or wraps ErrInvalidCatalog.
func IsInvalidCatalogErr(err error) bool {
	return errors.Is(err, ErrInvalidCatalog)
}

// FieldType is the logical type of a field.
type FieldType string

const (
	TypeInteger    FieldType = "integer"
	TypeBigInteger FieldType = "bigInteger"
	TypeFloat      FieldType = "float"
	TypeDecimal    FieldType = "decimal"
	TypeString     FieldType = "string"
	TypeText       FieldType = "text"
	TypeUUID       FieldType = "uuid"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeDateTime   FieldType = "dateTime"
	TypeTime       FieldType = "time"
	TypeTimestamp  FieldType = "timestamp"
	TypeJSON       FieldType = "json"
	TypeCSV        FieldType = "csv"
	TypeHash       FieldType = "hash"
	// TypeAlias marks a virtual field with no column, such as the one side
	// of a one-to-many relation.
	TypeAlias FieldType = "alias"
)

// IsNumeric reports whether values of the type are numbers.
func (t FieldType) IsNumeric() bool {
	switch t {
	case TypeInteger, TypeBigInteger, TypeFloat, TypeDecimal:
		return true
	}
	return false
}

// IsInteger reports whether values of the type are whole numbers.
func (t FieldType) IsInteger() bool {
	return t == TypeInteger || t == TypeBigInteger
}

// IsText reports whether values of the type are searchable strings.
func (t FieldType) IsText() bool {
	return t == TypeString || t == TypeText
}

// IsTemporal reports whether date part functions apply to the type.
func (t FieldType) IsTemporal() bool {
	switch t {
	case TypeDate, TypeDateTime, TypeTime, TypeTimestamp:
		return true
	}
	return false
}

// Field is one field of a collection.
type Field struct {
	Name     string    `json:"-"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable,omitempty"`
}

// IsAlias reports whether the field has no backing column.
func (f *Field) IsAlias() bool {
	return f.Type == TypeAlias
}

// Collection is a table together with its field metadata.
type Collection struct {
	Name       string            `json:"-"`
	PrimaryKey string            `json:"primary_key"`
	Singleton  bool              `json:"singleton,omitempty"`
	Fields     map[string]*Field `json:"fields"`
}

// Field returns the named field.
func (c *Collection) Field(name string) (*Field, bool) {
	f, ok := c.Fields[name]
	return f, ok
}

// PrimaryKeyField returns the primary key field.
func (c *Collection) PrimaryKeyField() *Field {
	return c.Fields[c.PrimaryKey]
}

// FieldNames returns every field name, primary key first and the rest in
// lexical order.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		if name != c.PrimaryKey {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c.Fields[c.PrimaryKey]; ok {
		names = append([]string{c.PrimaryKey}, names...)
	}
	return names
}

// RelationMeta carries the optional parts of a relation record.
type RelationMeta struct {
	OneField              string   `json:"one_field,omitempty"`
	JunctionField         string   `json:"junction_field,omitempty"`
	OneCollectionField    string   `json:"one_collection_field,omitempty"`
	OneAllowedCollections []string `json:"one_allowed_collections,omitempty"`
	SortField             string   `json:"sort_field,omitempty"`
}

// RelationRecord declares one foreign key column.
type RelationRecord struct {
	Collection        string       `json:"collection"`
	Field             string       `json:"field"`
	RelatedCollection string       `json:"related_collection,omitempty"`
	Meta              RelationMeta `json:"meta,omitempty"`
}

func (r RelationRecord) polymorphic() bool {
	return r.Meta.OneCollectionField != "" && len(r.Meta.OneAllowedCollections) > 0
}

// Catalog is the read-only schema used during compilation.
type Catalog struct {
	Collections map[string]*Collection `json:"collections"`
	Relations   []RelationRecord       `json:"relations,omitempty"`

	relations map[string]map[string]Relation
}

// NewCatalog builds and indexes a catalog.
func NewCatalog(collections map[string]*Collection, relations []RelationRecord) *Catalog {
	c := &Catalog{Collections: collections, Relations: relations}
	c.index()
	return c
}

// Collection returns the named collection.
func (c *Catalog) Collection(name string) (*Collection, bool) {
	col, ok := c.Collections[name]
	return col, ok
}

// Field returns a field of a collection.
func (c *Catalog) Field(collection, field string) (*Field, bool) {
	col, ok := c.Collections[collection]
	if !ok {
		return nil, false
	}
	return col.Field(field)
}

// PrimaryKey returns the primary key field name of a collection, or "" if
// the collection is unknown.
func (c *Catalog) PrimaryKey(collection string) string {
	if col, ok := c.Collections[collection]; ok {
		return col.PrimaryKey
	}
	return ""
}

// RelationOf returns the relation reached through field on collection.
func (c *Catalog) RelationOf(collection, field string) (Relation, bool) {
	if c.relations == nil {
		c.index()
	}
	rel, ok := c.relations[collection][field]
	return rel, ok
}

// index names every collection and field and derives relation kinds from
// the raw records.
func (c *Catalog) index() {
	for name, col := range c.Collections {
		col.Name = name
		if col.Fields == nil {
			col.Fields = map[string]*Field{}
		}
		for fname, f := range col.Fields {
			f.Name = fname
		}
	}

	c.relations = map[string]map[string]Relation{}
	set := func(collection, field string, rel Relation) {
		if c.relations[collection] == nil {
			c.relations[collection] = map[string]Relation{}
		}
		c.relations[collection][field] = rel
	}

	for _, rec := range c.Relations {
		if rec.polymorphic() {
			set(rec.Collection, rec.Field, &AnyToOne{
				Collection:      rec.Collection,
				Field:           rec.Field,
				CollectionField: rec.Meta.OneCollectionField,
				Allowed:         slices.Clone(rec.Meta.OneAllowedCollections),
			})
			if rec.Meta.OneField != "" {
				for _, target := range rec.Meta.OneAllowedCollections {
					set(target, rec.Meta.OneField, &OneToAny{
						Collection:             target,
						Field:                  rec.Meta.OneField,
						Related:                rec.Collection,
						RelatedField:           rec.Field,
						RelatedCollectionField: rec.Meta.OneCollectionField,
						SortField:              rec.Meta.SortField,
					})
				}
			}
			continue
		}

		if rec.RelatedCollection == "" {
			continue
		}

		set(rec.Collection, rec.Field, &ManyToOne{
			Collection: rec.Collection,
			Field:      rec.Field,
			Related:    rec.RelatedCollection,
		})

		if rec.Meta.OneField == "" {
			continue
		}

		if rec.Meta.JunctionField != "" {
			if sibling, ok := c.record(rec.Collection, rec.Meta.JunctionField); ok && sibling.RelatedCollection != "" {
				set(rec.RelatedCollection, rec.Meta.OneField, &ManyToMany{
					Collection:          rec.RelatedCollection,
					Field:               rec.Meta.OneField,
					Junction:            rec.Collection,
					JunctionField:       rec.Field,
					JunctionTargetField: rec.Meta.JunctionField,
					Related:             sibling.RelatedCollection,
					SortField:           rec.Meta.SortField,
				})
				continue
			}
		}

		set(rec.RelatedCollection, rec.Meta.OneField, &OneToMany{
			Collection:   rec.RelatedCollection,
			Field:        rec.Meta.OneField,
			Related:      rec.Collection,
			RelatedField: rec.Field,
			SortField:    rec.Meta.SortField,
		})
	}
}

func (c *Catalog) record(collection, field string) (RelationRecord, bool) {
	for _, rec := range c.Relations {
		if rec.Collection == collection && rec.Field == field {
			return rec, true
		}
	}
	return RelationRecord{}, false
}

// Validate checks that every collection has a primary key field and that
// every relation record points at known collections and fields.
func (c *Catalog) Validate() error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		col := c.Collections[name]
		if col.PrimaryKey == "" {
			fail("collection %q has no primary_key", name)
			continue
		}
		if _, ok := col.Fields[col.PrimaryKey]; !ok {
			fail("collection %q: primary key %q is not a field", name, col.PrimaryKey)
		}
	}

	for i, rec := range c.Relations {
		col, ok := c.Collections[rec.Collection]
		if !ok {
			fail("relation %d: unknown collection %q", i, rec.Collection)
			continue
		}
		if _, ok := col.Fields[rec.Field]; !ok {
			fail("relation %d: unknown field %s.%s", i, rec.Collection, rec.Field)
		}

		if rec.polymorphic() {
			if _, ok := col.Fields[rec.Meta.OneCollectionField]; !ok {
				fail("relation %d: unknown collection field %s.%s", i, rec.Collection, rec.Meta.OneCollectionField)
			}
			for _, target := range rec.Meta.OneAllowedCollections {
				if _, ok := c.Collections[target]; !ok {
					fail("relation %d: unknown allowed collection %q", i, target)
				}
			}
			continue
		}

		if rec.RelatedCollection == "" {
			fail("relation %d: %s.%s has no related_collection", i, rec.Collection, rec.Field)
			continue
		}
		if _, ok := c.Collections[rec.RelatedCollection]; !ok {
			fail("relation %d: unknown related collection %q", i, rec.RelatedCollection)
		}
		if rec.Meta.JunctionField != "" {
			if _, ok := c.record(rec.Collection, rec.Meta.JunctionField); !ok {
				fail("relation %d: junction %q has no relation for field %q", i, rec.Collection, rec.Meta.JunctionField)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(problems...))
	}
	return nil
}
