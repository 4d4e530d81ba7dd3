package veil_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pthm/veil"
	"github.com/pthm/veil/internal/testfixture"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/query"
)

const accessYAML = `
roles:
  - {id: writer}
  - {id: ops}
policies:
  - {id: writer-read}
  - {id: ops-admin, admin_access: true}
access:
  - {policy: writer-read, role: writer}
  - {policy: ops-admin, role: ops}
permissions:
  - policy: writer-read
    collection: articles
    action: read
    fields: [title, author]
    permissions: {status: {_eq: published}}
`

var writer = access.Identity{User: "u1", Role: "writer"}

func newEngine(t *testing.T, opts ...veil.Option) *veil.Engine {
	t.Helper()
	return engineFor(t, accessYAML, opts...)
}

func engineFor(t *testing.T, fixture string, opts ...veil.Option) *veil.Engine {
	t.Helper()
	store, err := access.ParseFixture([]byte(fixture), nil)
	require.NoError(t, err)
	e, err := veil.New(testfixture.Catalog(), access.NewService(store), opts...)
	require.NoError(t, err)
	return e
}

func byID(t *testing.T, fields ...string) *query.Query {
	t.Helper()
	f, err := filter.Parse([]byte(`{"id": {"_eq": 5}}`))
	require.NoError(t, err)
	return &query.Query{Fields: query.List(fields), Filter: f}
}

func TestCompile_RelationWithoutRuleIsForbidden(t *testing.T) {
	e := newEngine(t)

	_, err := e.Compile(context.Background(), writer, "articles", byID(t, "title", "author.name"))

	require.Error(t, err)
	assert.True(t, veil.IsForbiddenErr(err))
	var fe *veil.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "users", fe.Collection)
}

const readerYAML = `
roles:
  - {id: reader}
policies:
  - {id: reader-read}
access:
  - {policy: reader-read, role: reader}
permissions:
  - policy: reader-read
    collection: articles
    action: read
    fields: [title]
  - policy: reader-read
    collection: users
    action: read
    fields: ["*"]
    permissions: {status: {_eq: active}}
`

func TestCompile_FilterOnUnselectedRelation(t *testing.T) {
	e := engineFor(t, readerYAML)
	reader := access.Identity{User: "u3", Role: "reader"}
	ctx := context.Background()

	f, err := filter.Parse([]byte(`{"author": {"name": {"_eq": "Ada"}}}`))
	require.NoError(t, err)
	plan, err := e.Compile(ctx, reader, "articles", &query.Query{
		Fields: query.List{"title"},
		Filter: f,
		Sort:   query.List{"author.email"},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.SQL(), `LEFT JOIN "users" AS "j1" ON "articles"."author" = "j1"."id"`)
	assert.Contains(t, plan.SQL(), `"j1"."name" = $1 AND "j1"."status" = $2`)
	assert.Contains(t, plan.SQL(), `ORDER BY CASE WHEN "j1"."status" = $3 THEN "j1"."email" ELSE NULL END ASC`)
	assert.Equal(t, []string{"articles", "users"}, plan.Collections())

	// A relation the identity has no rule for stays forbidden.
	f, err = filter.Parse([]byte(`{"comments": {"_some": {"body": {"_eq": "x"}}}}`))
	require.NoError(t, err)
	_, err = e.Compile(ctx, reader, "articles", &query.Query{Fields: query.List{"title"}, Filter: f})
	var fe *veil.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "comments", fe.Collection)
}

func TestCompile_MasksGrantedField(t *testing.T) {
	e := newEngine(t)

	plan, err := e.Compile(context.Background(), writer, "articles", byID(t, "title"))
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT CASE WHEN "articles"."status" = $1 THEN "articles"."title" ELSE NULL END AS "title" FROM "articles" WHERE ("articles"."id" = $2 AND "articles"."status" = $3) LIMIT 100`,
		plan.SQL())
	assert.Equal(t, []any{"published", int64(5), "published"}, plan.Args())
	assert.Equal(t, "articles", plan.Collection())
}

func TestCompile_Unrestricted(t *testing.T) {
	const want = `SELECT "articles"."title" AS "title" FROM "articles" WHERE "articles"."id" = $1 LIMIT 100`

	tests := []struct {
		name string
		e    *veil.Engine
		ctx  context.Context
		id   access.Identity
	}{
		{"admin policy", newEngine(t), context.Background(), access.Identity{User: "u2", Role: "ops"}},
		{"trusted identity", newEngine(t), context.Background(), access.Identity{Admin: true}},
		{"decision allow", newEngine(t, veil.WithDecision(veil.DecisionAllow)), context.Background(), writer},
		{
			"context decision",
			newEngine(t, veil.WithContextDecision()),
			veil.WithDecisionContext(context.Background(), veil.DecisionAllow),
			writer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := tt.e.Compile(tt.ctx, tt.id, "articles", byID(t, "title"))
			require.NoError(t, err)
			assert.Equal(t, want, plan.SQL())
		})
	}
}

func TestCompile_DecisionDeny(t *testing.T) {
	e := newEngine(t, veil.WithDecision(veil.DecisionDeny))

	_, err := e.Compile(context.Background(), access.Identity{Admin: true}, "articles", byID(t, "title"))
	assert.True(t, veil.IsForbiddenErr(err))
}

func TestCompile_ContextDecisionIgnoredUnlessEnabled(t *testing.T) {
	e := newEngine(t)
	ctx := veil.WithDecisionContext(context.Background(), veil.DecisionAllow)

	_, err := e.Compile(ctx, writer, "articles", byID(t, "title", "author.name"))
	assert.True(t, veil.IsForbiddenErr(err))
}

func TestCompile_InvalidInput(t *testing.T) {
	e := newEngine(t)

	_, err := e.Compile(context.Background(), writer, "nope", &query.Query{})
	assert.True(t, veil.IsInvalidQueryErr(err))

	_, err = e.CompileAction(context.Background(), writer, access.Action("peek"), "articles", &query.Query{})
	assert.True(t, veil.IsInvalidQueryErr(err))
}

func TestNew_Options(t *testing.T) {
	_, err := veil.New(testfixture.Catalog(), nil, veil.WithDialect("oracle"))
	assert.Error(t, err)

	_, err = veil.New(testfixture.Catalog(), nil, veil.WithBatchSize(0))
	assert.Error(t, err)

	_, err = veil.New(nil, nil)
	assert.Error(t, err)
}

func TestQuery_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "veil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
CREATE TABLE articles (id INTEGER PRIMARY KEY, title TEXT, body TEXT, status TEXT, rating INTEGER, author INTEGER, ref TEXT, date_created TEXT);
INSERT INTO articles (id, title, status) VALUES (1, 'Hello', 'published'), (2, 'Draft', 'draft'), (3, 'World', 'published');
`)
	require.NoError(t, err)

	e := newEngine(t, veil.WithDialect("sqlite"))
	res, err := e.Query(context.Background(), db, writer, "articles", &query.Query{
		Fields: query.List{"title"},
		Sort:   query.List{"-title"},
	})
	require.NoError(t, err)

	want := []veil.Row{{"title": "World"}, {"title": "Hello"}}
	if diff := cmp.Diff(want, res.Data()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}
