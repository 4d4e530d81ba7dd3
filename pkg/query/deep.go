package query

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pthm/veil/pkg/errs"
)

// Deep holds per-relation overrides keyed by relational field name. Keys
// starting with an underscore (_filter, _sort, _limit, _offset, _page,
// _search) configure the relation's own statement; other keys descend into
// nested relations.
//
//	deep:
//	  comments:
//	    _sort: [-id]
//	    _limit: 3
//	    author:
//	      _filter: {status: {_eq: active}}
type Deep map[string]any

var deepParams = map[string]string{
	"_filter": "filter",
	"_sort":   "sort",
	"_limit":  "limit",
	"_offset": "offset",
	"_page":   "page",
	"_search": "search",
	"_group":  "group",
}

// For returns the query overrides for a relational field together with the
// deep map of its children. A field without overrides yields an empty query.
func (d Deep) For(field string) (*Query, error) {
	q := &Query{}
	raw, ok := d[field]
	if !ok {
		return q, nil
	}
	var node map[string]any
	switch v := raw.(type) {
	case map[string]any:
		node = v
	case Deep:
		node = v
	default:
		return nil, errs.InvalidQuery("deep.%s must be an object", field)
	}

	params := map[string]any{}
	nested := Deep{}
	for key, value := range node {
		if !strings.HasPrefix(key, "_") {
			nested[key] = value
			continue
		}
		name, known := deepParams[key]
		if !known {
			return nil, errs.InvalidQuery("deep.%s: unknown parameter %q", field, key)
		}
		params[name] = value
	}

	if len(params) > 0 {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errs.InvalidQuery("deep.%s: %v", field, err)
		}
		if err := json.Unmarshal(data, q); err != nil {
			return nil, errs.InvalidQuery("deep.%s: %v", field, err)
		}
	}
	if len(nested) > 0 {
		q.Deep = nested
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// Fields returns the relational field names that carry overrides.
func (d Deep) Fields() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
