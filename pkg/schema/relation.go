package schema

// Kind enumerates the five relation kinds.
type Kind uint8

const (
	KindM2O Kind = iota + 1
	KindO2M
	KindM2M
	KindA2O
	KindO2A
)

func (k Kind) String() string {
	switch k {
	case KindM2O:
		return "m2o"
	case KindO2M:
		return "o2m"
	case KindM2M:
		return "m2m"
	case KindA2O:
		return "a2o"
	case KindO2A:
		return "o2a"
	}
	return "unknown"
}

// Multiplies reports whether joining the relation can yield more than one
// row per row of the owning collection.
func (k Kind) Multiplies() bool {
	return k == KindO2M || k == KindM2M || k == KindO2A
}

// Relation is a closed union of *ManyToOne, *OneToMany, *ManyToMany,
// *AnyToOne and *OneToAny. Consumers switch over the concrete types; the
// unexported marker keeps the set closed to this package.
type Relation interface {
	Kind() Kind
	// Owner is the collection the relational field belongs to.
	Owner() string
	// FieldName is the relational field on the owner.
	FieldName() string
	relation()
}

// ManyToOne: Collection.Field holds the primary key of Related.
type ManyToOne struct {
	Collection string
	Field      string
	Related    string
}

// OneToMany: Related.RelatedField holds the primary key of Collection.
// Field is an alias field on Collection.
type OneToMany struct {
	Collection   string
	Field        string
	Related      string
	RelatedField string
	SortField    string
}

// ManyToMany links Collection and Related through a junction collection.
// Junction.JunctionField holds Collection's key and
// Junction.JunctionTargetField holds Related's key.
type ManyToMany struct {
	Collection          string
	Field               string
	Junction            string
	JunctionField       string
	JunctionTargetField string
	Related             string
	SortField           string
}

// AnyToOne: Collection.Field holds a key of the collection named by
// Collection.CollectionField, one of Allowed. The key is stored as text.
type AnyToOne struct {
	Collection      string
	Field           string
	CollectionField string
	Allowed         []string
}

// OneToAny is the reverse side of an AnyToOne: rows of Related whose
// RelatedCollectionField names Collection and whose RelatedField holds
// Collection's key.
type OneToAny struct {
	Collection             string
	Field                  string
	Related                string
	RelatedField           string
	RelatedCollectionField string
	SortField              string
}

func (*ManyToOne) Kind() Kind  { return KindM2O }
func (*OneToMany) Kind() Kind  { return KindO2M }
func (*ManyToMany) Kind() Kind { return KindM2M }
func (*AnyToOne) Kind() Kind   { return KindA2O }
func (*OneToAny) Kind() Kind   { return KindO2A }

func (r *ManyToOne) Owner() string  { return r.Collection }
func (r *OneToMany) Owner() string  { return r.Collection }
func (r *ManyToMany) Owner() string { return r.Collection }
func (r *AnyToOne) Owner() string   { return r.Collection }
func (r *OneToAny) Owner() string   { return r.Collection }

func (r *ManyToOne) FieldName() string  { return r.Field }
func (r *OneToMany) FieldName() string  { return r.Field }
func (r *ManyToMany) FieldName() string { return r.Field }
func (r *AnyToOne) FieldName() string   { return r.Field }
func (r *OneToAny) FieldName() string   { return r.Field }

func (*ManyToOne) relation()  {}
func (*OneToMany) relation()  {}
func (*ManyToMany) relation() {}
func (*AnyToOne) relation()   {}
func (*OneToAny) relation()   {}

// Allows reports whether target is one of the polymorphic targets.
func (r *AnyToOne) Allows(target string) bool {
	for _, a := range r.Allowed {
		if a == target {
			return true
		}
	}
	return false
}

// Target returns the collection whose rows a relation yields. For an
// AnyToOne the target depends on the row, so scope must name it; an empty
// result means the scope is missing or not allowed.
func Target(rel Relation, scope string) string {
	switch r := rel.(type) {
	case *ManyToOne:
		return r.Related
	case *OneToMany:
		return r.Related
	case *ManyToMany:
		return r.Related
	case *AnyToOne:
		if scope != "" && r.Allows(scope) {
			return scope
		}
		return ""
	case *OneToAny:
		return r.Related
	}
	return ""
}
