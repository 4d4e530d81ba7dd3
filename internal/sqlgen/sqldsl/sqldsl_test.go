package sqldsl

import (
	"reflect"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func TestExprRender(t *testing.T) {
	col := Col{Table: `"a"`, Column: `"id"`}
	tests := []struct {
		name     string
		expr     Expr
		wantSQL  string
		wantArgs []any
	}{
		{"column", col, `"a"."id"`, nil},
		{"bare column", Col{Column: `"id"`}, `"id"`, nil},
		{"param", Param{Value: 5}, "?", []any{5}},
		{"func", Func{Name: "COUNT", Args: []Expr{Star{}}}, "COUNT(*)", nil},
		{"distinct func", Func{Name: "COUNT", Distinct: true, Args: []Expr{col}}, `COUNT(DISTINCT "a"."id")`, nil},
		{"cast", Cast{Expr: col, Type: "text"}, `CAST("a"."id" AS text)`, nil},
		{"extract", Extract{Part: "YEAR", Expr: col}, `EXTRACT(YEAR FROM "a"."id")`, nil},
		{"alias", Alias{Expr: col, Name: `"x"`}, `"a"."id" AS "x"`, nil},
		{"binary", Binary{Left: col, Op: "+", Right: Int(1)}, `"a"."id" + 1`, nil},
		{"eq", Eq{Left: col, Right: Param{Value: "x"}}, `"a"."id" = ?`, []any{"x"}},
		{"ne", Ne{Left: col, Right: Null{}}, `"a"."id" <> NULL`, nil},
		{"gt", Gt{Left: col, Right: Int(0)}, `"a"."id" > 0`, nil},
		{"is null", IsNull{Expr: col}, `"a"."id" IS NULL`, nil},
		{"is not null", IsNotNull{Expr: col}, `"a"."id" IS NOT NULL`, nil},
		{"not", Not(sq.Eq{`"a"."id"`: 1}), `NOT ("a"."id" = ?)`, []any{1}},
		{
			"case",
			Case(When(sq.Eq{`"a"."s"`: "p"}, col)),
			`CASE WHEN "a"."s" = ? THEN "a"."id" ELSE NULL END`,
			[]any{"p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := Render(tt.expr)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.wantSQL {
				t.Errorf("Render() = %q, want %q", got, tt.wantSQL)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("Render() args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	a := Raw("a")
	b := Raw("b")
	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{"empty and", And(), "(1=1)"},
		{"empty or", Or(), "(1=0)"},
		{"single and", And(a), "a"},
		{"nil dropped", And(nil, a, nil), "a"},
		{"and", And(a, b), "(a AND b)"},
		{"or", Or(a, b), "(a OR b)"},
		{"nested", And(a, Or(a, b)), "(a AND (a OR b))"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SQL(tt.expr); got != tt.want {
				t.Errorf("SQL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLPanicsOnArgs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("SQL() did not panic for an expression with arguments")
		}
	}()
	SQL(Param{Value: 1})
}

func TestSelectStmt(t *testing.T) {
	art := Col{Table: `"articles"`}
	col := func(name string) Col { return Col{Table: art.Table, Column: name} }

	tests := []struct {
		name     string
		stmt     SelectStmt
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no columns",
			stmt:    SelectStmt{From: TableRef{Name: `"articles"`}},
			wantSQL: `SELECT 1 FROM "articles"`,
		},
		{
			name: "full",
			stmt: SelectStmt{
				Distinct: true,
				Columns:  []Expr{col(`"id"`), Alias{Expr: Func{Name: "COUNT", Args: []Expr{Star{}}}, Name: `"n"`}},
				From:     TableRef{Name: `"articles"`},
				Joins: []JoinClause{{
					Type:  "LEFT",
					Table: TableAs(`"users"`, `"u"`),
					On:    Eq{Left: col(`"author"`), Right: Col{Table: `"u"`, Column: `"id"`}},
				}},
				Where:   sq.Eq{`"articles"."status"`: "published"},
				GroupBy: []Expr{col(`"id"`)},
				Having:  Gt{Left: Func{Name: "COUNT", Args: []Expr{Star{}}}, Right: Param{Value: 1}},
				OrderBy: []OrderItem{{Expr: col(`"id"`)}},
				Limit:   IntPtr(10),
				Offset:  20,
			},
			wantSQL: `SELECT DISTINCT "articles"."id", COUNT(*) AS "n" FROM "articles"` +
				` LEFT JOIN "users" AS "u" ON "articles"."author" = "u"."id"` +
				` WHERE "articles"."status" = ? GROUP BY "articles"."id" HAVING COUNT(*) > ?` +
				` ORDER BY "articles"."id" ASC LIMIT 10 OFFSET 20`,
			wantArgs: []any{"published", 1},
		},
		{
			name: "subquery",
			stmt: SelectStmt{
				Columns: []Expr{Col{Table: `"inner"`, Column: `"id"`}},
				From: Subquery{
					Query: SelectStmt{Columns: []Expr{col(`"id"`)}, From: TableRef{Name: `"articles"`}, Where: Eq{Left: col(`"id"`), Right: Param{Value: 3}}},
					Alias: `"inner"`,
				},
				Where: Exists{Query: SelectStmt{From: TableRef{Name: `"tags"`}, Where: Eq{Left: Col{Column: `"x"`}, Right: Param{Value: 4}}}},
			},
			wantSQL:  `SELECT "inner"."id" FROM (SELECT "articles"."id" FROM "articles" WHERE "articles"."id" = ?) AS "inner" WHERE EXISTS (SELECT 1 FROM "tags" WHERE "x" = ?)`,
			wantArgs: []any{3, 4},
		},
		{
			name: "in query",
			stmt: SelectStmt{
				Columns: []Expr{col(`"id"`)},
				From:    TableRef{Name: `"articles"`},
				Where: InQuery{
					Expr:   col(`"id"`),
					Query:  SelectStmt{Columns: []Expr{Col{Column: `"article"`}}, From: TableRef{Name: `"comments"`}},
					Negate: true,
				},
				Limit: IntPtr(0),
			},
			wantSQL: `SELECT "articles"."id" FROM "articles" WHERE "articles"."id" NOT IN (SELECT "article" FROM "comments") LIMIT 0`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := tt.stmt.ToSql()
			if err != nil {
				t.Fatalf("ToSql() error = %v", err)
			}
			if got != tt.wantSQL {
				t.Errorf("ToSql() =\n%s\nwant\n%s", got, tt.wantSQL)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("ToSql() args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestFinalize(t *testing.T) {
	stmt := SelectStmt{
		Columns: []Expr{Col{Column: `"id"`}},
		From:    TableRef{Name: `"t"`},
		Where:   And(sq.Eq{`"a"`: 1}, sq.Eq{`"b"`: 2}),
	}

	got, args, err := Finalize(stmt, sq.Dollar)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	want := `SELECT "id" FROM "t" WHERE ("a" = $1 AND "b" = $2)`
	if got != want {
		t.Errorf("Finalize() = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(args, []any{1, 2}) {
		t.Errorf("Finalize() args = %v", args)
	}

	got, _, err = Finalize(stmt, sq.Question)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if want := `SELECT "id" FROM "t" WHERE ("a" = ? AND "b" = ?)`; got != want {
		t.Errorf("Finalize(Question) = %q, want %q", got, want)
	}
}
