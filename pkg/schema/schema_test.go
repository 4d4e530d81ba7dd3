package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/veil/internal/testfixture"
	"github.com/pthm/veil/pkg/schema"
)

func TestRelationOf_DerivesKinds(t *testing.T) {
	c := testfixture.Catalog()

	tests := []struct {
		collection string
		field      string
		kind       schema.Kind
		target     string
	}{
		{"articles", "author", schema.KindM2O, "users"},
		{"users", "articles", schema.KindO2M, "articles"},
		{"articles", "comments", schema.KindO2M, "comments"},
		{"articles", "tags", schema.KindM2M, "tags"},
		{"articles_tags", "tags_id", schema.KindM2O, "tags"},
		{"activity", "item", schema.KindA2O, ""},
		{"articles", "activity", schema.KindO2A, "activity"},
		{"pages", "activity", schema.KindO2A, "activity"},
	}

	for _, tt := range tests {
		t.Run(tt.collection+"."+tt.field, func(t *testing.T) {
			rel, ok := c.RelationOf(tt.collection, tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.kind, rel.Kind())
			assert.Equal(t, tt.collection, rel.Owner())
			assert.Equal(t, tt.field, rel.FieldName())
			assert.Equal(t, tt.target, schema.Target(rel, ""))
		})
	}
}

func TestRelationOf_Unknown(t *testing.T) {
	c := testfixture.Catalog()

	_, ok := c.RelationOf("articles", "title")
	assert.False(t, ok)
	_, ok = c.RelationOf("nope", "author")
	assert.False(t, ok)
}

func TestManyToManyJunction(t *testing.T) {
	c := testfixture.Catalog()

	rel, ok := c.RelationOf("articles", "tags")
	require.True(t, ok)
	m2m, ok := rel.(*schema.ManyToMany)
	require.True(t, ok)
	assert.Equal(t, "articles_tags", m2m.Junction)
	assert.Equal(t, "articles_id", m2m.JunctionField)
	assert.Equal(t, "tags_id", m2m.JunctionTargetField)
}

func TestAnyToOneScope(t *testing.T) {
	c := testfixture.Catalog()

	rel, ok := c.RelationOf("activity", "item")
	require.True(t, ok)

	assert.Equal(t, "pages", schema.Target(rel, "pages"))
	assert.Empty(t, schema.Target(rel, "users"), "scope outside the allowed list")
	assert.Empty(t, schema.Target(rel, ""), "missing scope")
}

func TestKind_Multiplies(t *testing.T) {
	assert.False(t, schema.KindM2O.Multiplies())
	assert.False(t, schema.KindA2O.Multiplies())
	assert.True(t, schema.KindO2M.Multiplies())
	assert.True(t, schema.KindM2M.Multiplies())
	assert.True(t, schema.KindO2A.Multiplies())
}

func TestCollection_FieldNames(t *testing.T) {
	c := testfixture.Catalog()
	col, ok := c.Collection("pages")
	require.True(t, ok)
	assert.Equal(t, []string{"slug", "activity", "title"}, col.FieldNames())
}

func TestValidate(t *testing.T) {
	t.Run("fixture is valid", func(t *testing.T) {
		require.NoError(t, testfixture.Catalog().Validate())
	})

	t.Run("reports every problem", func(t *testing.T) {
		c, err := schema.Parse([]byte(`
collections:
  posts:
    primary_key: id
    fields:
      title: {type: string}
  orphans:
    fields:
      id: {type: integer}
relations:
  - collection: posts
    field: owner
    related_collection: people
`))
		require.NoError(t, err)

		err = c.Validate()
		require.Error(t, err)
		assert.True(t, schema.IsInvalidCatalogErr(err))
		assert.Contains(t, err.Error(), `collection "orphans" has no primary_key`)
		assert.Contains(t, err.Error(), `primary key "id" is not a field`)
		assert.Contains(t, err.Error(), "unknown field posts.owner")
		assert.Contains(t, err.Error(), `unknown related collection "people"`)
	})
}

func TestParse_Malformed(t *testing.T) {
	_, err := schema.Parse([]byte("collections: [1, 2"))
	require.Error(t, err)
	assert.True(t, schema.IsInvalidCatalogErr(err))
}
