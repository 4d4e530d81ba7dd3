// Package query defines the declarative read request compiled by veil.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
)

// Unbounded is the limit value that disables pagination.
const Unbounded = -1

// List is a string list that also decodes from a comma separated string,
// so both ["a","b"] and "a,b" are accepted.
type List []string

func (l *List) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = splitCSV(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected a string or an array of strings: %w", err)
	}
	*l = items
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Query is one read request against a collection.
type Query struct {
	Fields    List              `json:"fields,omitempty"`
	Filter    filter.Filter     `json:"filter,omitempty"`
	Search    string            `json:"search,omitempty"`
	Sort      List              `json:"sort,omitempty"`
	Group     List              `json:"group,omitempty"`
	Aggregate Aggregate         `json:"aggregate,omitempty"`
	Limit     *int              `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
	Page      int               `json:"page,omitempty"`
	Alias     map[string]string `json:"alias,omitempty"`
	Deep      Deep              `json:"deep,omitempty"`
}

// Parse decodes a YAML or JSON query document and validates it.
func Parse(data []byte) (*Query, error) {
	var q Query
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, errs.InvalidQuery("%v", err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// WithLimit returns a pointer to n, for building queries in code.
func WithLimit(n int) *int {
	return &n
}

// Validate checks value ranges, aggregate names, sort keys and the filter
// shape.
func (q *Query) Validate() error {
	if q.Limit != nil && *q.Limit < Unbounded {
		return errs.InvalidQuery("limit must be -1 or greater, got %d", *q.Limit)
	}
	if q.Offset < 0 {
		return errs.InvalidQuery("offset must not be negative, got %d", q.Offset)
	}
	if q.Page < 0 {
		return errs.InvalidQuery("page must not be negative, got %d", q.Page)
	}
	for _, s := range q.Sort {
		if strings.TrimPrefix(s, "-") == "" {
			return errs.InvalidQuery("empty sort key")
		}
	}
	for _, fn := range q.Aggregate.Functions() {
		if !IsAggregateFunc(fn) {
			return errs.InvalidQuery("unknown aggregate function %q", fn)
		}
	}
	for alias, field := range q.Alias {
		if strings.Contains(alias, ".") || strings.Contains(field, ".") {
			return errs.InvalidQuery("alias %q: aliases cannot contain dots", alias)
		}
	}
	if q.Filter != nil {
		if err := filter.Validate(q.Filter); err != nil {
			return err
		}
	}
	return nil
}

// IsAggregate reports whether the query returns aggregated rows.
func (q *Query) IsAggregate() bool {
	return len(q.Aggregate) > 0 || len(q.Group) > 0
}

// Window is the resolved pagination of a query. Limit is Unbounded when no
// LIMIT clause applies.
type Window struct {
	Limit  int
	Offset int
}

// Bounded reports whether a LIMIT applies.
func (w Window) Bounded() bool {
	return w.Limit != Unbounded
}

// Window resolves limit, offset and page. An omitted limit falls back to
// defaultLimit. Page takes precedence over offset when the limit is finite.
func (q *Query) Window(defaultLimit int) Window {
	limit := defaultLimit
	if q.Limit != nil {
		limit = *q.Limit
	}
	w := Window{Limit: limit, Offset: q.Offset}
	if q.Page > 0 && limit > 0 {
		w.Offset = limit * (q.Page - 1)
	}
	return w
}

// SortKey is one parsed sort entry.
type SortKey struct {
	Field string
	Desc  bool
}

// ParseSort parses "title" or "-title".
func ParseSort(s string) SortKey {
	if strings.HasPrefix(s, "-") {
		return SortKey{Field: s[1:], Desc: true}
	}
	return SortKey{Field: s}
}

// SortKeys parses every sort entry of the query.
func (q *Query) SortKeys() []SortKey {
	out := make([]SortKey, len(q.Sort))
	for i, s := range q.Sort {
		out[i] = ParseSort(s)
	}
	return out
}

// Aggregate maps a function name to the fields it applies to.
type Aggregate map[string]List

// Aggregate function names.
const (
	AggCount         = "count"
	AggCountDistinct = "countDistinct"
	AggCountAll      = "countAll"
	AggSum           = "sum"
	AggSumDistinct   = "sumDistinct"
	AggAvg           = "avg"
	AggAvgDistinct   = "avgDistinct"
	AggMin           = "min"
	AggMax           = "max"
)

var aggregateFuncs = map[string]bool{
	AggCount: true, AggCountDistinct: true, AggCountAll: true,
	AggSum: true, AggSumDistinct: true,
	AggAvg: true, AggAvgDistinct: true,
	AggMin: true, AggMax: true,
}

// IsAggregateFunc reports whether name is a supported aggregate function.
func IsAggregateFunc(name string) bool {
	return aggregateFuncs[name]
}

// Functions returns the aggregate function names in lexical order.
func (a Aggregate) Functions() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
