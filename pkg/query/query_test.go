package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
)

func TestParse(t *testing.T) {
	q, err := Parse([]byte(`
fields: title,author.name
filter:
  id: {_eq: 5}
sort: [-date_created, title]
limit: 10
page: 3
aggregate:
  count: ["*"]
deep:
  comments:
    _limit: 2
`))
	require.NoError(t, err)
	assert.Equal(t, List{"title", "author.name"}, q.Fields)
	assert.Equal(t, []SortKey{{Field: "date_created", Desc: true}, {Field: "title"}}, q.SortKeys())
	assert.True(t, filter.Equal(filter.Filter{"id": map[string]any{"_eq": 5}}, q.Filter))
	assert.Equal(t, List{"*"}, q.Aggregate[AggCount])
	assert.True(t, q.IsAggregate())
	assert.Equal(t, Window{Limit: 10, Offset: 20}, q.Window(100))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"limit below -1", `limit: -2`, "limit must be -1 or greater"},
		{"negative offset", `offset: -1`, "offset must not be negative"},
		{"unknown aggregate", `aggregate: {median: [rating]}`, `unknown aggregate function "median"`},
		{"bad filter", `filter: {_and: {a: {_eq: 1}}}`, "_and must be an array"},
		{"empty sort", `sort: ["-"]`, "empty sort key"},
		{"dotted alias", `alias: {x: author.name}`, "aliases cannot contain dots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errs.IsInvalidQueryErr(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want Window
	}{
		{"default limit", Query{}, Window{Limit: 100}},
		{"explicit limit and offset", Query{Limit: WithLimit(5), Offset: 7}, Window{Limit: 5, Offset: 7}},
		{"page wins over offset", Query{Limit: WithLimit(5), Offset: 7, Page: 2}, Window{Limit: 5, Offset: 5}},
		{"page with default limit", Query{Page: 3}, Window{Limit: 100, Offset: 200}},
		{"unbounded ignores page", Query{Limit: WithLimit(-1), Page: 4}, Window{Limit: Unbounded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.q.Window(100)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.False(t, Window{Limit: Unbounded}.Bounded())
}

func TestDeepFor(t *testing.T) {
	d := Deep{
		"comments": map[string]any{
			"_sort":  "-id",
			"_limit": 3,
			"_filter": map[string]any{
				"body": map[string]any{"_nnull": true},
			},
			"author": map[string]any{"_search": "ann"},
		},
		"broken": "nope",
	}

	q, err := d.For("comments")
	require.NoError(t, err)
	assert.Equal(t, List{"-id"}, q.Sort)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 3, *q.Limit)
	assert.Contains(t, q.Filter, "body")

	nested, err := q.Deep.For("author")
	require.NoError(t, err)
	assert.Equal(t, "ann", nested.Search)

	empty, err := d.For("tags")
	require.NoError(t, err)
	assert.Nil(t, empty.Limit)

	_, err = d.For("broken")
	require.Error(t, err)
	assert.True(t, errs.IsInvalidQueryErr(err))

	_, err = Deep{"x": map[string]any{"_bogus": 1}}.For("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown parameter "_bogus"`)
}
