// Package filter holds the nested filter tree shared by queries and
// permission rules.
//
// A filter is a JSON object. Logical keys (_and, _or) hold arrays of child
// filters. Any other key is a field name whose value is either an operator
// object ({"_eq": 5}) or, for relational fields, another filter evaluated
// against the related collection ({"author": {"name": {"_eq": "x"}}}).
package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pthm/veil/pkg/errs"
)

// Filter is one node of a filter tree.
type Filter map[string]any

// Logical operator keys.
const (
	And = "_and"
	Or  = "_or"
)

// Relational quantifiers for to-many relations.
const (
	Some = "_some"
	None = "_none"
)

// Operators lists every field operator the compiler understands.
var Operators = map[string]bool{
	"_eq": true, "_neq": true, "_ieq": true, "_nieq": true,
	"_lt": true, "_lte": true, "_gt": true, "_gte": true,
	"_in": true, "_nin": true,
	"_null": true, "_nnull": true, "_empty": true, "_nempty": true,
	"_contains": true, "_ncontains": true, "_icontains": true, "_nicontains": true,
	"_starts_with": true, "_nstarts_with": true, "_istarts_with": true, "_nistarts_with": true,
	"_ends_with": true, "_nends_with": true, "_iends_with": true, "_niends_with": true,
	"_between": true, "_nbetween": true,
}

// IsOperator reports whether key is a field operator.
func IsOperator(key string) bool {
	return Operators[key]
}

// Parse decodes a JSON filter and validates its shape.
func Parse(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.InvalidQuery("filter is not a JSON object: %v", err)
	}
	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

// From converts a decoded JSON value into a Filter.
func From(v any) (Filter, bool) {
	switch m := v.(type) {
	case Filter:
		return m, true
	case map[string]any:
		return Filter(m), true
	}
	return nil, false
}

// IsEmpty reports whether the filter has no conditions. An empty filter
// matches every row.
func (f Filter) IsEmpty() bool {
	return len(f) == 0
}

// Logical returns the operator and children of a filter whose only key is
// _and or _or.
func (f Filter) Logical() (op string, children []Filter, ok bool) {
	if len(f) != 1 {
		return "", nil, false
	}
	for key, value := range f {
		if key != And && key != Or {
			return "", nil, false
		}
		children, err := Children(key, value)
		if err != nil {
			return "", nil, false
		}
		return key, children, true
	}
	return "", nil, false
}

// Children decodes the array value of a logical key.
func Children(key string, value any) ([]Filter, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []Filter:
		out := make([]Filter, len(v))
		copy(out, v)
		return out, nil
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil, errs.InvalidQuery("%s must be an array of filters", key)
	}

	out := make([]Filter, 0, len(items))
	for i, item := range items {
		child, ok := From(item)
		if !ok {
			return nil, errs.InvalidQuery("%s[%d] must be a filter object", key, i)
		}
		out = append(out, child)
	}
	return out, nil
}

// Validate checks the structural rules: logical keys hold arrays of
// objects and every non-logical key holds an object.
func Validate(f Filter) error {
	for _, key := range sortedKeys(f) {
		value := f[key]
		switch {
		case key == And || key == Or:
			children, err := Children(key, value)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := Validate(child); err != nil {
					return err
				}
			}
		case IsOperator(key):
			// Operator values are checked by the predicate compiler,
			// which knows the field type.
		case key == Some || key == None:
			child, ok := From(value)
			if !ok {
				return errs.InvalidQuery("%s must be a filter object", key)
			}
			if err := Validate(child); err != nil {
				return err
			}
		case strings.HasPrefix(key, "_"):
			return errs.InvalidQuery("unknown filter operator %q", key)
		default:
			child, ok := From(value)
			if !ok {
				return errs.InvalidQuery("filter for field %q must be an object", key)
			}
			if err := Validate(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Join combines filters under a logical operator, dropping nil entries.
// A single remaining filter is returned unwrapped.
func Join(op string, filters ...Filter) Filter {
	kept := make([]any, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			kept = append(kept, map[string]any(f))
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return Filter(kept[0].(map[string]any))
	}
	return Filter{op: kept}
}

// Clone returns a deep copy.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	return cloneValue(map[string]any(f)).(Filter)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Filter:
		return cloneValue(map[string]any(t))
	case map[string]any:
		out := make(Filter, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}

// Equal reports whether two filters are structurally equal.
func Equal(a, b Filter) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize round-trips through JSON so Filter and map[string]any nodes,
// and int and float64 numbers, compare equal.
func normalize(f Filter) any {
	data, err := json.Marshal(f)
	if err != nil {
		return f
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return f
	}
	return out
}

// String renders the filter as compact JSON.
func (f Filter) String() string {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(f))
	}
	return string(data)
}

// Fields returns the dotted field paths referenced by the filter. Logical
// keys, operators and quantifiers do not contribute path segments.
func (f Filter) Fields() []string {
	seen := map[string]bool{}
	var walk func(node Filter, prefix string)
	walk = func(node Filter, prefix string) {
		for key, value := range node {
			switch {
			case key == And || key == Or:
				children, _ := Children(key, value)
				for _, child := range children {
					walk(child, prefix)
				}
			case IsOperator(key):
				if prefix != "" {
					seen[prefix] = true
				}
			case key == Some || key == None:
				if child, ok := From(value); ok {
					walk(child, prefix)
				}
			default:
				path := key
				if prefix != "" {
					path = prefix + "." + key
				}
				if child, ok := From(value); ok {
					walk(child, path)
				}
			}
		}
	}
	walk(f, "")

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(f Filter) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keys returns the filter's keys in lexical order. Compilation iterates in
// this order so generated SQL is deterministic.
func (f Filter) Keys() []string {
	return sortedKeys(f)
}
