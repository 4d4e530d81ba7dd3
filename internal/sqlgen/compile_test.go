package sqlgen_test

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/veil/internal/ast"
	"github.com/pthm/veil/internal/sqlgen"
	"github.com/pthm/veil/internal/testfixture"
	"github.com/pthm/veil/pkg/access"
	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/query"
	"github.com/pthm/veil/pkg/schema"
)

func mustFilter(t *testing.T, src string) filter.Filter {
	t.Helper()
	f, err := filter.Parse([]byte(src))
	require.NoError(t, err)
	return f
}

func tree(t *testing.T, collection string, q *query.Query, grants access.Grants) *ast.Branch {
	t.Helper()
	root, err := ast.Build(testfixture.Catalog(), collection, q)
	require.NoError(t, err)
	require.NoError(t, ast.Inject(root, access.ActionRead, grants))
	return root
}

func options(grants access.Grants, d sqlgen.Dialect) sqlgen.Options {
	return sqlgen.Options{
		Catalog:      testfixture.Catalog(),
		Dialect:      d,
		Action:       access.ActionRead,
		Grants:       grants,
		DefaultLimit: 100,
	}
}

func compile(t *testing.T, collection string, q *query.Query, grants access.Grants) *sqlgen.Statement {
	t.Helper()
	stmt, err := sqlgen.Compile(tree(t, collection, q, grants), options(grants, sqlgen.Postgres{}))
	require.NoError(t, err)
	return stmt
}

func assertGolden(t *testing.T, name string, stmt *sqlgen.Statement) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(fmt.Sprintf("%s\n-- args: %v\n", stmt.SQL, stmt.Args)))
}

func TestCompile_MasksFieldsAndFiltersRows(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles", testfixture.Rule(`{"status": {"_eq": "published"}}`, "title")),
	)
	q := &query.Query{
		Fields: query.List{"title"},
		Filter: mustFilter(t, `{"id": {"_eq": 1}}`),
	}

	stmt := compile(t, "articles", q, grants)

	assert.Equal(t,
		`SELECT CASE WHEN "articles"."status" = $1 THEN "articles"."title" ELSE NULL END AS "title" FROM "articles" WHERE ("articles"."id" = $2 AND "articles"."status" = $3) LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []any{"published", int64(1), "published"}, stmt.Args)
	assert.Empty(t, stmt.Temporary)
	assertGolden(t, "masked_title", stmt)
}

func TestCompile_UnconditionalCaseSkipsMask(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles",
			testfixture.Rule("", "id"),
			testfixture.Rule(`{"status": {"_eq": "draft"}}`, "title"),
		),
	)

	stmt := compile(t, "articles", &query.Query{Fields: query.List{"id", "title"}}, grants)

	assert.Equal(t,
		`SELECT "articles"."id" AS "id", CASE WHEN "articles"."status" = $1 THEN "articles"."title" ELSE NULL END AS "title" FROM "articles" LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []any{"draft"}, stmt.Args)
}

func TestCompile_ReusesJoinForFilterAndSort(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id"},
		Filter: mustFilter(t, `{"author": {"name": {"_eq": "Ann"}}}`),
		Sort:   query.List{"author.name"},
	}

	stmt := compile(t, "articles", q, nil)

	assert.Equal(t,
		`SELECT "articles"."id" AS "id" FROM "articles" LEFT JOIN "users" AS "j1" ON "articles"."author" = "j1"."id" WHERE "j1"."name" = $1 ORDER BY "j1"."name" ASC LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []any{"Ann"}, stmt.Args)
}

func TestCompile_RelationalSortIsGuarded(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles", testfixture.Rule("", "id")),
		testfixture.Grant("users", testfixture.Rule(`{"status": {"_eq": "active"}}`, "name")),
	)
	q := &query.Query{Fields: query.List{"id"}, Sort: query.List{"-author.name"}}

	stmt := compile(t, "articles", q, grants)

	assert.Equal(t,
		`SELECT "articles"."id" AS "id" FROM "articles" LEFT JOIN "users" AS "j1" ON "articles"."author" = "j1"."id" `+
			`ORDER BY CASE WHEN "j1"."status" = $1 THEN "j1"."name" ELSE NULL END DESC LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []any{"active"}, stmt.Args)

	_, err := sqlgen.Compile(
		tree(t, "articles", q, testfixture.Grants(testfixture.Grant("articles", testfixture.Rule("", "id")))),
		options(testfixture.Grants(testfixture.Grant("articles", testfixture.Rule("", "id"))), sqlgen.Postgres{}),
	)
	assert.True(t, errs.IsForbiddenErr(err))
}

func TestCompile_SplitsOnToManyFilter(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id", "title"},
		Filter: mustFilter(t, `{"comments": {"body": {"_contains": "x"}}}`),
		Sort:   query.List{"-title"},
		Limit:  query.WithLimit(10),
	}

	stmt := compile(t, "articles", q, nil)

	assert.Equal(t,
		`SELECT "articles"."id" AS "id", "articles"."title" AS "title" FROM "articles" `+
			`INNER JOIN (SELECT DISTINCT "articles"."id", "articles"."title" AS "__sort_0" FROM "articles" `+
			`LEFT JOIN "comments" AS "j1" ON "articles"."id" = "j1"."article" WHERE "j1"."body" LIKE $1 `+
			`ORDER BY "__sort_0" DESC LIMIT 10) AS "__inner" ON "articles"."id" = "__inner"."id" `+
			`ORDER BY "__inner"."__sort_0" DESC`,
		stmt.SQL)
	assert.Equal(t, []any{"%x%"}, stmt.Args)
	assertGolden(t, "split_to_many_filter", stmt)
}

func TestCompile_SplitCarriesCaseFlags(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles",
			testfixture.Rule("", "id"),
			testfixture.Rule(`{"comments": {"body": {"_eq": "ok"}}}`, "title"),
		),
		testfixture.Grant("comments", testfixture.Rule("", "*")),
	)

	stmt := compile(t, "articles", &query.Query{Fields: query.List{"id", "title"}}, grants)

	assert.Contains(t, stmt.SQL, `COUNT(CASE WHEN "j1"."body" = $1 THEN 1 ELSE NULL END) AS "__case_1"`)
	assert.Contains(t, stmt.SQL, `GROUP BY "articles"."id"`)
	assert.Contains(t, stmt.SQL, `CASE WHEN "__inner"."__case_1" > 0 THEN "articles"."title" ELSE NULL END AS "title"`)
	assert.NotContains(t, stmt.SQL, "DISTINCT")
}

func TestCompile_RelationalFilterIsGuarded(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id"},
		Filter: mustFilter(t, `{"author": {"name": {"_eq": "Ann"}}}`),
	}

	t.Run("guarded by the related row filter", func(t *testing.T) {
		grants := testfixture.Grants(
			testfixture.Grant("articles", testfixture.Rule("", "id")),
			testfixture.Grant("users", testfixture.Rule(`{"status": {"_eq": "active"}}`, "id", "name")),
		)
		stmt := compile(t, "articles", q, grants)
		assert.Equal(t,
			`SELECT "articles"."id" AS "id" FROM "articles" LEFT JOIN "users" AS "j1" ON "articles"."author" = "j1"."id" WHERE ("j1"."name" = $1 AND "j1"."status" = $2) LIMIT 100`,
			stmt.SQL)
		assert.Equal(t, []any{"Ann", "active"}, stmt.Args)
	})

	t.Run("forbidden without a related grant", func(t *testing.T) {
		grants := testfixture.Grants(testfixture.Grant("articles", testfixture.Rule("", "id")))
		_, err := sqlgen.Compile(tree(t, "articles", q, grants), options(grants, sqlgen.Postgres{}))
		require.Error(t, err)
		assert.True(t, errs.IsForbiddenErr(err))
	})
}

func TestCompile_Quantifiers(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id"},
		Filter: mustFilter(t, `{"comments": {"_some": {"body": {"_eq": "hi"}}}}`),
	}
	stmt := compile(t, "articles", q, nil)
	assert.Equal(t,
		`SELECT "articles"."id" AS "id" FROM "articles" WHERE "articles"."id" IN (SELECT "s1"."article" FROM "comments" AS "s1" WHERE ("s1"."article" IS NOT NULL AND "s1"."body" = $1)) LIMIT 100`,
		stmt.SQL)

	q.Filter = mustFilter(t, `{"comments": {"_none": {"body": {"_eq": "hi"}}}}`)
	stmt = compile(t, "articles", q, nil)
	assert.Contains(t, stmt.SQL, `"articles"."id" NOT IN (SELECT "s1"."article"`)

	q.Filter = mustFilter(t, `{"author": {"_some": {"name": {"_eq": "Ann"}}}}`)
	_, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.Postgres{}))
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestCompile_ManyToAnyRequiresScope(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id"},
		Filter: mustFilter(t, `{"item": {"title": {"_eq": "x"}}}`),
	}
	_, err := sqlgen.Compile(tree(t, "activity", q, nil), options(nil, sqlgen.Postgres{}))
	require.Error(t, err)
	assert.True(t, errs.IsInvalidQueryErr(err))

	q.Filter = mustFilter(t, `{"item:pages": {"title": {"_eq": "x"}}}`)
	stmt := compile(t, "activity", q, nil)
	assert.Equal(t,
		`SELECT "activity"."id" AS "id" FROM "activity" LEFT JOIN "pages" AS "j1" ON ("activity"."collection" = $1 AND "activity"."item" = "j1"."slug") WHERE "j1"."title" = $2 LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []any{"pages", "x"}, stmt.Args)
}

func TestCompile_ManyToAnyCastIsGuardedOnPostgres(t *testing.T) {
	q := &query.Query{
		Fields: query.List{"id"},
		Filter: mustFilter(t, `{"item:articles": {"title": {"_eq": "x"}}}`),
	}
	stmt := compile(t, "activity", q, nil)
	assert.Contains(t, stmt.SQL,
		`ON ("activity"."collection" = $1 AND CAST(CASE WHEN "activity"."collection" = $2 THEN "activity"."item" ELSE NULL END AS integer) = "j1"."id")`)

	stmt, err := sqlgen.Compile(tree(t, "activity", q, nil), options(nil, sqlgen.SQLite{}))
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `ON ("activity"."collection" = ? AND CAST("activity"."item" AS INTEGER) = "j1"."id")`)
}

func TestCompile_Operators(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		where  string
		args   []any
	}{
		{"in", `{"title": {"_in": ["a", "b"]}}`, `"articles"."title" IN (?,?)`, []any{"a", "b"}},
		{"empty in", `{"title": {"_in": []}}`, `(1=0)`, nil},
		{"null", `{"title": {"_null": true}}`, `"articles"."title" IS NULL`, nil},
		{"not null", `{"title": {"_nnull": true}}`, `"articles"."title" IS NOT NULL`, nil},
		{"eq null", `{"title": {"_eq": null}}`, `(1=0)`, nil},
		{"between", `{"rating": {"_between": [1, 5]}}`, `"articles"."rating" BETWEEN ? AND ?`, []any{int64(1), int64(5)}},
		{"icontains", `{"title": {"_icontains": "Go"}}`, `LOWER("articles"."title") LIKE ?`, []any{"%go%"}},
		{"nstarts_with", `{"title": {"_nstarts_with": "Go"}}`, `"articles"."title" NOT LIKE ?`, []any{"Go%"}},
		{"empty text", `{"title": {"_empty": true}}`, `("articles"."title" IS NULL OR "articles"."title" = ?)`, []any{""}},
		{"or", `{"_or": [{"title": {"_eq": "a"}}, {"rating": {"_gt": 3}}]}`, `("articles"."title" = ? OR "articles"."rating" > ?)`, []any{"a", int64(3)}},
		{"date function", `{"year(date_created)": {"_eq": 2024}}`, `CAST(strftime('%Y', "articles"."date_created") AS INTEGER) = ?`, []any{int64(2024)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &query.Query{Fields: query.List{"id"}, Filter: mustFilter(t, tt.filter)}
			stmt, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.SQLite{}))
			require.NoError(t, err)
			assert.Equal(t, `SELECT "articles"."id" AS "id" FROM "articles" WHERE `+tt.where+` LIMIT 100`, stmt.SQL)
			assert.Equal(t, tt.args, stmt.Args)
		})
	}
}

func TestCompile_InvalidFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter string
	}{
		{"unknown field", `{"nope": {"_eq": 1}}`},
		{"operator on alias field", `{"comments": {"_null": true}}`},
		{"bad integer", `{"rating": {"_eq": "many"}}`},
		{"between arity", `{"rating": {"_between": [1]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &query.Query{Fields: query.List{"id"}, Filter: mustFilter(t, tt.filter)}
			_, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.Postgres{}))
			require.Error(t, err)
			assert.True(t, errs.IsInvalidQueryErr(err), "got %v", err)
		})
	}
}

func TestCompile_CountField(t *testing.T) {
	stmt := compile(t, "articles", &query.Query{Fields: query.List{"count(comments)"}}, nil)
	assert.Equal(t,
		`SELECT (SELECT COUNT(*) FROM "comments" AS "s1" WHERE "s1"."article" = "articles"."id") AS "comments_count" FROM "articles" LIMIT 100`,
		stmt.SQL)
}

func TestCompile_RelationKeyColumns(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles",
			testfixture.Rule("", "id", "title"),
			testfixture.Rule(`{"status": {"_eq": "published"}}`, "author"),
		),
		testfixture.Grant("users", testfixture.Rule("", "*")),
	)
	stmt := compile(t, "articles", &query.Query{Fields: query.List{"title", "author.name"}}, grants)

	assert.Equal(t,
		`SELECT "articles"."title" AS "title", CASE WHEN "articles"."status" = $1 THEN "articles"."author" ELSE NULL END AS "__key_author" FROM "articles" LIMIT 100`,
		stmt.SQL)
	assert.Equal(t, []string{sqlgen.KeyColumn("author")}, stmt.Temporary)
}

func TestCompile_NestedOneToMany(t *testing.T) {
	root := tree(t, "articles", &query.Query{Fields: query.List{"id", "comments.body"}}, nil)
	rel := root.Relations()[0]

	opts := options(nil, sqlgen.Postgres{})
	opts.Parent = &sqlgen.Parent{Relation: rel.Relation, Keys: []any{int64(1), int64(2)}}
	opts.Window = &query.Window{Limit: query.Unbounded}
	stmt, err := sqlgen.Compile(rel.Target(), opts)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "comments"."body" AS "body", "comments"."article" AS "__parent" FROM "comments" WHERE "comments"."article" IN ($1,$2) ORDER BY "comments"."id" ASC`,
		stmt.SQL)
	assert.Equal(t, []any{int64(1), int64(2)}, stmt.Args)
	assert.Equal(t, []string{sqlgen.ParentColumn}, stmt.Temporary)
}

func TestCompile_NestedManyToMany(t *testing.T) {
	root := tree(t, "articles", &query.Query{Fields: query.List{"id", "tags.name"}}, nil)
	rel := root.Relations()[0]
	require.Equal(t, schema.KindM2M, rel.Relation.Kind())

	opts := options(nil, sqlgen.Postgres{})
	opts.Parent = &sqlgen.Parent{Relation: rel.Relation, Keys: []any{int64(7)}}
	opts.Window = &query.Window{Limit: query.Unbounded}
	stmt, err := sqlgen.Compile(rel.Target(), opts)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "tags"."name" AS "name", "__junction"."articles_id" AS "__parent" FROM "tags" INNER JOIN "articles_tags" AS "__junction" ON "__junction"."tags_id" = "tags"."id" WHERE "__junction"."articles_id" IN ($1) ORDER BY "tags"."id" ASC`,
		stmt.SQL)
}

func TestCompile_NestedAggregateIsRejected(t *testing.T) {
	root := tree(t, "articles", &query.Query{Fields: query.List{"id", "comments.body"}}, nil)
	rel := root.Relations()[0]
	sub := rel.Target()
	sub.Query = &query.Query{Aggregate: query.Aggregate{"count": {"*"}}}

	opts := options(nil, sqlgen.Postgres{})
	opts.Parent = &sqlgen.Parent{Relation: rel.Relation, Keys: []any{int64(1)}}
	_, err := sqlgen.Compile(sub, opts)
	assert.True(t, errs.IsInvalidQueryErr(err))
}

func TestCompile_Window(t *testing.T) {
	t.Run("permission limit caps", func(t *testing.T) {
		rule := testfixture.Rule("", "id")
		rule.Limit = query.WithLimit(5)
		grants := testfixture.Grants(testfixture.Grant("articles", rule))
		stmt := compile(t, "articles", &query.Query{Fields: query.List{"id"}, Limit: query.WithLimit(50)}, grants)
		assert.Equal(t, `SELECT "articles"."id" AS "id" FROM "articles" LIMIT 5`, stmt.SQL)
	})

	t.Run("page", func(t *testing.T) {
		stmt := compile(t, "articles", &query.Query{Fields: query.List{"id"}, Limit: query.WithLimit(10), Page: 3}, nil)
		assert.Equal(t, `SELECT "articles"."id" AS "id" FROM "articles" LIMIT 10 OFFSET 20`, stmt.SQL)
	})

	t.Run("offset without limit", func(t *testing.T) {
		q := &query.Query{Fields: query.List{"id"}, Limit: query.WithLimit(-1), Offset: 4}
		stmt := compile(t, "articles", q, nil)
		assert.Equal(t, `SELECT "articles"."id" AS "id" FROM "articles" OFFSET 4`, stmt.SQL)

		stmt, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.SQLite{}))
		require.NoError(t, err)
		assert.Equal(t, `SELECT "articles"."id" AS "id" FROM "articles" LIMIT -1 OFFSET 4`, stmt.SQL)
	})

	t.Run("singleton", func(t *testing.T) {
		stmt := compile(t, "settings", &query.Query{Fields: query.List{"site_name"}}, nil)
		assert.Equal(t, `SELECT "settings"."site_name" AS "site_name" FROM "settings"`, stmt.SQL)
		assert.True(t, stmt.Singleton)
	})
}

func TestCompile_Aggregate(t *testing.T) {
	q := &query.Query{
		Aggregate: query.Aggregate{"count": {"*"}, "sum": {"rating"}},
		Group:     query.List{"status"},
		Sort:      query.List{"-count"},
	}

	stmt := compile(t, "articles", q, nil)
	assert.Equal(t,
		`SELECT COUNT(*) AS "count", SUM("articles"."rating") AS "sum->rating", "articles"."status" AS "status" FROM "articles" GROUP BY 3 ORDER BY "count" DESC LIMIT 100`,
		stmt.SQL)
	assert.True(t, stmt.Aggregate)
	assertGolden(t, "aggregate_grouped", stmt)

	stmt, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.SQLite{}))
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `GROUP BY "articles"."status"`)
}

func TestCompile_AggregateMasksInput(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles",
			testfixture.Rule("", "id"),
			testfixture.Rule(`{"status": {"_eq": "published"}}`, "rating"),
		),
	)
	q := &query.Query{Aggregate: query.Aggregate{"avg": {"rating"}}}

	stmt := compile(t, "articles", q, grants)
	assert.Equal(t,
		`SELECT AVG(CASE WHEN "articles"."status" = $1 THEN "articles"."rating" ELSE NULL END) AS "avg->rating" FROM "articles"`,
		stmt.SQL)
}

func TestCompile_AggregateWithToManyFilter(t *testing.T) {
	q := &query.Query{
		Aggregate: query.Aggregate{"count": {"*"}},
		Filter:    mustFilter(t, `{"comments": {"body": {"_eq": "x"}}}`),
	}
	stmt := compile(t, "articles", q, nil)
	assert.Equal(t,
		`SELECT COUNT(*) AS "count" FROM "articles" WHERE "articles"."id" IN (SELECT DISTINCT "articles"."id" FROM "articles" LEFT JOIN "comments" AS "j1" ON "articles"."id" = "j1"."article" WHERE "j1"."body" = $1)`,
		stmt.SQL)
}

func TestCompile_Search(t *testing.T) {
	grants := testfixture.Grants(
		testfixture.Grant("articles",
			testfixture.Rule("", "id", "title"),
			testfixture.Rule(`{"status": {"_eq": "published"}}`, "body"),
		),
	)
	stmt := compile(t, "articles", &query.Query{Fields: query.List{"id"}, Search: "42"}, grants)

	assert.Contains(t, stmt.SQL, `"articles"."id" = $`)
	assert.Contains(t, stmt.SQL, `LOWER("articles"."title") LIKE $`)
	assert.Contains(t, stmt.SQL, `(LOWER("articles"."body") LIKE $2 AND "articles"."status" = $3)`)
	assert.NotContains(t, stmt.SQL, `"articles"."rating"`)
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{
		"":           "postgres",
		"postgresql": "postgres",
		"sqlite3":    "sqlite",
		"mariadb":    "mysql",
	} {
		d, err := sqlgen.DialectByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, d.Name())
	}
	_, err := sqlgen.DialectByName("oracle")
	assert.Error(t, err)
}

func TestMySQLQuoting(t *testing.T) {
	q := &query.Query{Fields: query.List{"title"}, Filter: mustFilter(t, `{"weekday(date_created)": {"_eq": 1}}`)}
	stmt, err := sqlgen.Compile(tree(t, "articles", q, nil), options(nil, sqlgen.MySQL{}))
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT `articles`.`title` AS `title` FROM `articles` WHERE DAYOFWEEK(`articles`.`date_created`) - 1 = ? LIMIT 100",
		stmt.SQL)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "5", sqlgen.KeyString(int64(5)))
	assert.Equal(t, "5", sqlgen.KeyString(float64(5)))
	assert.Equal(t, "5", sqlgen.KeyString([]byte("5")))
	assert.Equal(t, "a-b", sqlgen.KeyString("a-b"))
}
