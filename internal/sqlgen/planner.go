package sqlgen

import (
	"strconv"
	"strings"

	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/schema"
)

// binding is a collection reachable from a statement's FROM clause under a
// table alias.
type binding struct {
	path       string
	alias      string
	collection *schema.Collection
	// multi is set when reaching the binding can yield more than one row
	// per row of the root collection.
	multi bool
	// junction is the junction binding of a many-to-many hop.
	junction *binding
}

// planner binds relational paths to joins for one SELECT. Bindings are
// keyed by path, so resolving a path twice returns the same alias and adds
// no second join.
type planner struct {
	c        *compiler
	root     *binding
	from     sqldsl.TableExpr
	bindings map[string]*binding
	joins    []sqldsl.JoinClause
	// multi is set once any row-multiplying binding has been added.
	multi bool
}

// newPlanner starts a planner whose root is collection under alias. An
// empty alias selects FROM the bare table name.
func (c *compiler) newPlanner(col *schema.Collection, alias string) *planner {
	name := c.quote(col.Name)
	ref := name
	var from sqldsl.TableExpr = sqldsl.TableRef{Name: name}
	if alias != "" {
		ref = c.quote(alias)
		from = sqldsl.TableAs(name, ref)
	}
	root := &binding{alias: ref, collection: col}
	return &planner{
		c:        c,
		root:     root,
		from:     from,
		bindings: map[string]*binding{"": root},
	}
}

// nextName returns a fresh alias with the given prefix, unquoted.
func (c *compiler) nextName(prefix string) string {
	c.aliases++
	return prefix + strconv.Itoa(c.aliases)
}

func (c *compiler) nextAlias(prefix string) string {
	return c.quote(c.nextName(prefix))
}

func (c *compiler) quote(name string) string {
	return c.dialect.QuoteIdent(name)
}

func (c *compiler) col(b *binding, field string) sqldsl.Col {
	return sqldsl.Col{Table: b.alias, Column: c.quote(field)}
}

func (c *compiler) pk(b *binding) sqldsl.Col {
	return c.col(b, b.collection.PrimaryKey)
}

func joinPath(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "." + segment
}

// resolve binds the relational field segment (optionally "field:scope")
// reached from b. It returns nil without error when the segment is not a
// relation, so callers decide whether that is acceptable.
func (p *planner) resolve(b *binding, segment string) (*binding, error) {
	name, scope, _ := strings.Cut(segment, ":")
	path := joinPath(b.path, segment)
	if existing, ok := p.bindings[path]; ok {
		return existing, nil
	}

	c := p.c
	rel, ok := c.catalog.RelationOf(b.collection.Name, name)
	if !ok {
		return nil, nil
	}
	if _, polymorphic := rel.(*schema.AnyToOne); !polymorphic && scope != "" {
		return nil, errs.InvalidQuery("field %q: collection scopes only apply to many-to-any fields", name)
	}

	target, err := c.targetOf(rel, scope, name)
	if err != nil {
		return nil, err
	}
	next := &binding{
		path:       path,
		alias:      c.nextAlias("j"),
		collection: target,
		multi:      b.multi || rel.Kind().Multiplies(),
	}

	switch r := rel.(type) {
	case *schema.ManyToOne:
		p.join(target, next.alias, sqldsl.Eq{Left: c.col(b, r.Field), Right: c.pk(next)})

	case *schema.OneToMany:
		p.join(target, next.alias, sqldsl.Eq{Left: c.pk(b), Right: c.col(next, r.RelatedField)})

	case *schema.ManyToMany:
		junctionCol, _ := c.catalog.Collection(r.Junction)
		junction := &binding{path: path + "#junction", alias: c.nextAlias("j"), collection: junctionCol, multi: true}
		p.join(junctionCol, junction.alias, sqldsl.Eq{Left: c.pk(b), Right: c.col(junction, r.JunctionField)})
		p.join(target, next.alias, sqldsl.Eq{Left: c.col(junction, r.JunctionTargetField), Right: c.pk(next)})
		p.bindings[junction.path] = junction
		next.junction = junction

	case *schema.AnyToOne:
		p.join(target, next.alias, c.polymorphicOn(b, r, next))

	case *schema.OneToAny:
		p.join(target, next.alias, sqldsl.And(
			sqldsl.Eq{Left: c.col(next, r.RelatedCollectionField), Right: sqldsl.Param{Value: r.Collection}},
			sqldsl.Eq{Left: c.col(next, r.RelatedField), Right: c.asText(c.pk(b))},
		))
	}

	if next.multi {
		p.multi = true
	}
	p.bindings[path] = next
	return next, nil
}

func (p *planner) join(target *schema.Collection, alias string, on sqldsl.Expr) {
	p.joins = append(p.joins, sqldsl.JoinClause{
		Type:  "LEFT",
		Table: sqldsl.TableAs(p.c.quote(target.Name), alias),
		On:    on,
	})
}

// targetOf returns the collection a relation yields for scope.
func (c *compiler) targetOf(rel schema.Relation, scope, field string) (*schema.Collection, error) {
	if a2o, ok := rel.(*schema.AnyToOne); ok {
		if scope == "" {
			return nil, errs.InvalidQuery("collection scope required for many-to-any filter/sort on %q", field)
		}
		if !a2o.Allows(scope) {
			return nil, errs.InvalidQuery("field %q: %q is not an allowed collection", field, scope)
		}
	}
	name := schema.Target(rel, scope)
	col, ok := c.catalog.Collection(name)
	if !ok {
		return nil, errs.InvalidQuery("field %q: unknown related collection %q", field, name)
	}
	return col, nil
}

// polymorphicOn is the join condition of a many-to-any hop: the
// discriminator names the target and the text key, cast to the target's
// primary key type, equals the target's primary key.
func (c *compiler) polymorphicOn(from *binding, r *schema.AnyToOne, target *binding) sqldsl.Expr {
	disc := sqldsl.Eq{Left: c.col(from, r.CollectionField), Right: sqldsl.Param{Value: target.collection.Name}}
	key := c.polymorphicKey(from, r, target.collection)
	return sqldsl.And(disc, sqldsl.Eq{Left: key, Right: c.pk(target)})
}

// polymorphicKey casts the stored key of a many-to-any field to the
// primary key type of target.
func (c *compiler) polymorphicKey(from *binding, r *schema.AnyToOne, target *schema.Collection) sqldsl.Expr {
	var key sqldsl.Expr = c.col(from, r.Field)
	castType := c.dialect.CastType(target.PrimaryKeyField().Type)
	if castType == "" {
		return key
	}
	if c.dialect.GuardsPolymorphicCast() {
		key = sqldsl.Case(sqldsl.When(
			sqldsl.Eq{Left: c.col(from, r.CollectionField), Right: sqldsl.Param{Value: target.Name}},
			key,
		))
	}
	return sqldsl.Cast{Expr: key, Type: castType}
}

func (c *compiler) asText(e sqldsl.Expr) sqldsl.Expr {
	return sqldsl.Cast{Expr: e, Type: c.dialect.TextType()}
}

// resolvePath binds every relational segment of a dotted path and returns
// the binding of the last relation together with the trailing field name.
func (p *planner) resolvePath(b *binding, path string) (*binding, string, error) {
	segments := strings.Split(path, ".")
	for _, seg := range segments[:len(segments)-1] {
		next, err := p.resolve(b, seg)
		if err != nil {
			return nil, "", err
		}
		if next == nil {
			name, _, _ := strings.Cut(seg, ":")
			return nil, "", errs.InvalidQuery("field %q on %q is not a relation", name, b.collection.Name)
		}
		b = next
	}
	return b, segments[len(segments)-1], nil
}
