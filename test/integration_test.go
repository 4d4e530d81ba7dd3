package test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/pthm/veil"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/events"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/test/testutil"
)

const accessYAML = `
roles:
  - id: writer
policies:
  - id: public-articles
  - id: top-rated
access:
  - policy: public-articles
    role: writer
  - policy: top-rated
    role: writer
permissions:
  - policy: public-articles
    collection: articles
    action: read
    fields: [id, title, author]
    permissions: {status: {_eq: published}}
  - policy: top-rated
    collection: articles
    action: read
    fields: [id, title, body]
    permissions: {rating: {_gte: 4}}
  - policy: public-articles
    collection: users
    action: read
    fields: [name]
    permissions: {status: {_eq: active}}
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// adminEngine compiles every query without permission checks.
func adminEngine(t *testing.T) *veil.Engine {
	t.Helper()
	e, err := veil.New(testutil.Catalog(), nil, veil.WithDecision(veil.DecisionAllow), veil.WithLogger(quietLogger()))
	require.NoError(t, err)
	return e
}

func mustFilter(t *testing.T, src string) filter.Filter {
	t.Helper()
	f, err := filter.Parse([]byte(src))
	require.NoError(t, err)
	return f
}

func assertRows(t *testing.T, want []veil.Row, got *veil.Result) {
	t.Helper()
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestDB_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.DB(t)
	ctx := context.Background()

	for _, table := range []string{"articles", "comments", "veil_migrations", "veil_permissions"} {
		var exists bool
		err := db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestQuery_NestedRelations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.DB(t)
	testutil.SeedBlog(t, db)

	q := &query.Query{
		Fields: query.List{"id", "title", "author.name", "comments.body", "tags.name"},
		Filter: mustFilter(t, `{"id": {"_in": [1, 3, 4]}}`),
		Sort:   query.List{"id"},
	}
	res, err := adminEngine(t).Query(context.Background(), db, access.Identity{}, "articles", q)
	require.NoError(t, err)

	assertRows(t, []veil.Row{
		{
			"id": int64(1), "title": "Hello", "author": veil.Row{"name": "Ada"},
			"comments": []any{veil.Row{"body": "c1"}, veil.Row{"body": "c2"}},
			"tags":     []any{veil.Row{"name": "go"}, veil.Row{"name": "sql"}},
		},
		{
			"id": int64(3), "title": "Other", "author": veil.Row{"name": "Bob"},
			"comments": []any{veil.Row{"body": "c3"}},
			"tags":     []any{veil.Row{"name": "sql"}},
		},
		{"id": int64(4), "title": "Orphan", "author": nil, "comments": []any{}, "tags": []any{}},
	}, res)
}

func TestQuery_ManyToAny(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.DB(t)
	testutil.SeedBlog(t, db)

	q := &query.Query{Fields: query.List{"id", "item:articles.title", "item:pages.title"}, Sort: query.List{"id"}}
	res, err := adminEngine(t).Query(context.Background(), db, access.Identity{}, "activity", q)
	require.NoError(t, err)

	assertRows(t, []veil.Row{
		{"id": int64(1), "item": veil.Row{"title": "Hello"}},
		{"id": int64(2), "item": veil.Row{"title": "Home"}},
		{"id": int64(3), "item": nil},
	}, res)
}

func TestQuery_Aggregate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.DB(t)
	testutil.SeedBlog(t, db)

	q := &query.Query{
		Aggregate: query.Aggregate{"count": {"*"}, "sum": {"rating"}},
		Group:     query.List{"author"},
		Filter:    mustFilter(t, `{"author": {"_nnull": true}}`),
		Sort:      query.List{"author"},
	}
	res, err := adminEngine(t).Query(context.Background(), db, access.Identity{}, "articles", q)
	require.NoError(t, err)

	assertRows(t, []veil.Row{
		{"author": int64(1), "count": int64(2), "sum": map[string]any{"rating": float64(8)}},
		{"author": int64(2), "count": int64(1), "sum": map[string]any{"rating": float64(4)}},
	}, res)
}

// TestQuery_SQLAccessStore runs a masked query with permissions read from
// the veil_* tables.
func TestQuery_SQLAccessStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.DB(t)
	testutil.SeedBlog(t, db)
	ctx := context.Background()

	var fx access.Fixture
	require.NoError(t, yaml.Unmarshal([]byte(accessYAML), &fx))

	bus := events.NewHub()
	cache := access.NewCache(access.WithCacheLogger(quietLogger()))
	cache.Subscribe(bus)
	defer cache.Close()

	store := access.NewSQLStore(db, access.WithBus(bus))
	require.NoError(t, store.Import(ctx, &fx))

	svc := access.NewService(store, access.WithCache(cache), access.WithLogger(quietLogger()))
	e, err := veil.New(testutil.Catalog(), svc, veil.WithLogger(quietLogger()))
	require.NoError(t, err)

	writer := access.Identity{Role: "writer"}
	q := &query.Query{Fields: query.List{"id", "title", "body"}, Sort: query.List{"id"}}
	res, err := e.Query(ctx, db, writer, "articles", q)
	require.NoError(t, err)

	// Article 2 is a draft rated 3: neither rule admits it. Article 4 is
	// only admitted by the rule that cannot read body.
	assertRows(t, []veil.Row{
		{"id": int64(1), "title": "Hello", "body": "first post"},
		{"id": int64(3), "title": "Other", "body": "by bob"},
		{"id": int64(4), "title": "Orphan", "body": nil},
	}, res)

	q = &query.Query{Fields: query.List{"id", "author.name"}, Sort: query.List{"id"}}
	res, err = e.Query(ctx, db, writer, "articles", q)
	require.NoError(t, err)
	assertRows(t, []veil.Row{
		{"id": int64(1), "author": veil.Row{"name": "Ada"}},
		{"id": int64(3), "author": nil},
		{"id": int64(4), "author": nil},
	}, res)

	_, err = e.Query(ctx, db, writer, "comments", &query.Query{})
	require.Error(t, err)
	assert.True(t, veil.IsForbiddenErr(err))
}

func TestSQLState_UndefinedTable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := testutil.EmptyDB(t)

	q := &query.Query{Fields: query.List{"id"}}
	_, err := adminEngine(t).Query(context.Background(), db, access.Identity{}, "articles", q)
	require.Error(t, err)
	assert.Equal(t, "42P01", veil.SQLState(err))
	assert.False(t, veil.IsForbiddenErr(err))
}

func veilEngine() (*veil.Engine, error) {
	return veil.New(testutil.Catalog(), nil, veil.WithDecision(veil.DecisionAllow), veil.WithLogger(quietLogger()))
}
