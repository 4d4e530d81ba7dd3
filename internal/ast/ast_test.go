package ast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/testfixture"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

func keys(b *ast.Branch) []string {
	out := make([]string, len(b.Children))
	for i, n := range b.Children {
		out[i] = n.OutputKey()
	}
	return out
}

func TestBuild_NestsRelations(t *testing.T) {
	c := testfixture.Catalog()
	q := &query.Query{Fields: query.List{"title", "author.name", "author.email", "comments.body", "year(date_created)"}}

	root, err := ast.Build(c, "articles", q)
	require.NoError(t, err)

	assert.Equal(t, []string{"title", "date_created_year", "author", "comments"}, keys(root))

	fn := root.Fields()[1]
	assert.Equal(t, "date_created", fn.Name)
	assert.Equal(t, ast.FuncYear, fn.Func)

	rels := root.Relations()
	require.Len(t, rels, 2)
	assert.Equal(t, schema.KindM2O, rels[0].Relation.Kind())
	assert.Equal(t, "users", rels[0].Target().Collection)
	assert.Equal(t, []string{"name", "email"}, keys(rels[0].Target()))
	assert.Equal(t, schema.KindO2M, rels[1].Relation.Kind())
	assert.Equal(t, []string{"body"}, keys(rels[1].Target()))
}

func TestBuild_AliasAndDeep(t *testing.T) {
	c := testfixture.Catalog()
	q := &query.Query{
		Fields: query.List{"headline", "writer.name"},
		Alias:  map[string]string{"headline": "title", "writer": "author"},
		Deep:   query.Deep{"writer": map[string]any{"_filter": map[string]any{"status": map[string]any{"_eq": "active"}}}},
	}

	root, err := ast.Build(c, "articles", q)
	require.NoError(t, err)

	require.Len(t, root.Children, 2)
	field := root.Children[0].(*ast.FieldNode)
	assert.Equal(t, "title", field.Name)
	assert.Equal(t, "headline", field.Key)

	rel := root.Children[1].(*ast.RelationNode)
	assert.Equal(t, "author", rel.Name)
	assert.Equal(t, "writer", rel.Key)
	assert.Contains(t, rel.Target().Query.Filter, "status")
}

func TestBuild_NestedReplacesPlain(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "articles", &query.Query{Fields: query.List{"author", "author.name"}})
	require.NoError(t, err)

	require.Len(t, root.Children, 1)
	_, isRel := root.Children[0].(*ast.RelationNode)
	assert.True(t, isRel)
}

func TestBuild_BareToManyReturnsKeys(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "articles", &query.Query{Fields: query.List{"id", "tags"}})
	require.NoError(t, err)

	rel := root.Relations()[0]
	assert.Equal(t, schema.KindM2M, rel.Relation.Kind())
	assert.Empty(t, rel.Target().Children)
}

func TestBuild_ManyToAnyScopes(t *testing.T) {
	c := testfixture.Catalog()

	root, err := ast.Build(c, "activity", &query.Query{Fields: query.List{"action", "item:pages.title", "item:articles.title"}})
	require.NoError(t, err)

	rel := root.Relations()[0]
	require.Len(t, rel.Branches, 2)
	assert.Equal(t, "articles", rel.Branches[0].Collection)
	assert.Equal(t, "pages", rel.Branches[1].Collection)

	_, err = ast.Build(c, "activity", &query.Query{Fields: query.List{"item.title"}})
	require.Error(t, err)
	assert.True(t, errs.IsInvalidQueryErr(err))
	assert.Contains(t, err.Error(), "collection scope is required")

	_, err = ast.Build(c, "activity", &query.Query{Fields: query.List{"item:tags.name"}})
	assert.True(t, errs.IsInvalidQueryErr(err))

	_, err = ast.Build(c, "articles", &query.Query{Fields: query.List{"author:users.name"}})
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestBuild_Functions(t *testing.T) {
	c := testfixture.Catalog()

	root, err := ast.Build(c, "articles", &query.Query{Fields: query.List{"count(comments)"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"comments_count"}, keys(root))

	_, err = ast.Build(c, "articles", &query.Query{Fields: query.List{"year(title)"}})
	assert.True(t, errs.IsInvalidQueryErr(err))

	_, err = ast.Build(c, "articles", &query.Query{Fields: query.List{"count(author)"}})
	assert.True(t, errs.IsInvalidQueryErr(err))

	_, err = ast.Build(c, "articles", &query.Query{Fields: query.List{"median(rating)"}})
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestBuild_Aggregate(t *testing.T) {
	q := &query.Query{
		Aggregate: query.Aggregate{"count": {"*"}, "sum": {"rating"}},
		Group:     query.List{"status"},
	}
	root, err := ast.Build(testfixture.Catalog(), "articles", q)
	require.NoError(t, err)

	require.Len(t, root.Aggregates, 2)
	assert.Equal(t, "count", root.Aggregates[0].Key)
	assert.Equal(t, "sum->rating", root.Aggregates[1].Key)
	assert.Equal(t, []string{"status"}, keys(root))

	_, err = ast.Build(testfixture.Catalog(), "articles", &query.Query{Aggregate: query.Aggregate{"sum": {"nope"}}})
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestBuild_UnknownCollection(t *testing.T) {
	_, err := ast.Build(testfixture.Catalog(), "nope", nil)
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestInject_AssignsCases(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "articles", &query.Query{Fields: query.List{"title", "body"}})
	require.NoError(t, err)

	grants := testfixture.Grants(testfixture.Grant("articles",
		testfixture.Rule(`{"status":{"_eq":"published"}}`, "title", "body"),
		testfixture.Rule(`{"author":{"_eq":"$CURRENT_USER"}}`, "title"),
	))

	require.NoError(t, ast.Inject(root, access.ActionRead, grants))

	require.NotNil(t, root.Cases)
	require.Len(t, root.Cases.Cases, 2)
	fields := root.Fields()
	assert.Equal(t, []access.CaseID{0, 1}, fields[0].WhenCase)
	assert.Equal(t, []access.CaseID{0}, fields[1].WhenCase)
}

func TestInject_Forbidden(t *testing.T) {
	c := testfixture.Catalog()
	grants := testfixture.Grants(testfixture.Grant("articles",
		testfixture.Rule(`{"status":{"_eq":"published"}}`, "title", "author"),
	))

	tests := []struct {
		name       string
		fields     query.List
		collection string
		field      string
	}{
		{"field not granted", query.List{"title", "body"}, "articles", "body"},
		{"related collection without grant", query.List{"title", "author.name"}, "users", ""},
		{"unknown field", query.List{"nope"}, "articles", "nope"},
		{"relational field not granted", query.List{"comments.body"}, "articles", "comments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := ast.Build(c, "articles", &query.Query{Fields: tt.fields})
			require.NoError(t, err)

			err = ast.Inject(root, access.ActionRead, grants)
			require.Error(t, err)
			require.True(t, errs.IsForbiddenErr(err))

			var fe *errs.ForbiddenError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.collection, fe.Collection)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestInject_WildcardOnlyExpandsGrantedFields(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "articles", &query.Query{Fields: query.List{"*"}})
	require.NoError(t, err)

	grants := testfixture.Grants(testfixture.Grant("articles",
		testfixture.Rule("", "id", "title"),
		testfixture.Rule(`{"status":{"_eq":"draft"}}`, "status"),
	))
	require.NoError(t, ast.Inject(root, access.ActionRead, grants))

	assert.Equal(t, []string{"id", "status", "title"}, keys(root))
}

func TestInject_AdminExpandsEverything(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "users", &query.Query{Fields: query.List{"*", "nope"}})
	require.NoError(t, err)

	require.NoError(t, ast.Inject(root, access.ActionRead, nil))

	assert.Nil(t, root.Cases)
	assert.Equal(t, []string{"id", "email", "name", "status"}, keys(root))
	for _, f := range root.Fields() {
		assert.Nil(t, f.WhenCase)
	}
}

func TestInject_DropsUngrantedScopes(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "activity", &query.Query{Fields: query.List{"item:pages.title", "item:articles.title"}})
	require.NoError(t, err)

	grants := testfixture.Grants(
		testfixture.Grant("activity", testfixture.Rule("", "*")),
		testfixture.Grant("pages", testfixture.Rule("", "*")),
	)
	require.NoError(t, ast.Inject(root, access.ActionRead, grants))

	rel := root.Relations()[0]
	require.Len(t, rel.Branches, 1)
	assert.Equal(t, "pages", rel.Branches[0].Collection)
}

func TestInject_JunctionRequiresGrant(t *testing.T) {
	c := testfixture.Catalog()
	root, err := ast.Build(c, "articles", &query.Query{Fields: query.List{"tags.name"}})
	require.NoError(t, err)

	grants := testfixture.Grants(
		testfixture.Grant("articles", testfixture.Rule("", "*")),
		testfixture.Grant("tags", testfixture.Rule("", "*")),
	)
	err = ast.Inject(root, access.ActionRead, grants)
	require.True(t, errs.IsForbiddenErr(err))

	grants["articles_tags"] = testfixture.Grant("articles_tags", testfixture.Rule(`{"id":{"_gt":0}}`))
	root, err = ast.Build(c, "articles", &query.Query{Fields: query.List{"tags.name"}})
	require.NoError(t, err)
	require.NoError(t, ast.Inject(root, access.ActionRead, grants))
	assert.NotNil(t, root.Relations()[0].Target().JunctionCases)
}

func TestCollections(t *testing.T) {
	root, err := ast.Build(testfixture.Catalog(), "articles", &query.Query{Fields: query.List{"title", "tags.name", "comments.author.name"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"articles", "articles_tags", "comments", "tags", "users"}, root.Collections())
}

func TestReads(t *testing.T) {
	c := testfixture.Catalog()
	f, err := filter.Parse([]byte(`{
		"tags": {"_some": {"name": {"_eq": "go"}}},
		"_or": [{"count(comments)": {"_gt": 1}}]
	}`))
	require.NoError(t, err)

	root, err := ast.Build(c, "articles", &query.Query{
		Fields: query.List{"title"},
		Filter: f,
		Sort:   query.List{"-author.name"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"articles"}, root.Collections())
	assert.Equal(t, []string{"articles", "articles_tags", "comments", "tags", "users"}, ast.Reads(c, root))

	root, err = ast.Build(c, "users", &query.Query{
		Fields: query.List{"name", "articles.title"},
		Deep: query.Deep{"articles": map[string]any{
			"_filter": map[string]any{"tags": map[string]any{"name": map[string]any{"_eq": "go"}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"articles", "articles_tags", "tags", "users"}, ast.Reads(c, root))
}
