package sqlgen

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/filter"
	"github.com/pthm/veil/pkg/schema"
)

// coerce converts a filter value to the Go type bound for a field of type
// t. Nil stays nil; callers decide what a nil comparison means.
func coerce(v any, t schema.FieldType, field string) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = string(n)
	}

	switch {
	case t.IsInteger():
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, nil
			}
		case bool:
			return boolInt(n), nil
		}
		return nil, errs.InvalidQuery("field %q: %v is not an integer", field, v)

	case t == schema.TypeFloat || t == schema.TypeDecimal:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, nil
			}
		}
		return nil, errs.InvalidQuery("field %q: %v is not a number", field, v)

	case t == schema.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		case float64:
			return b != 0, nil
		case int:
			return b != 0, nil
		case int64:
			return b != 0, nil
		}
		return nil, errs.InvalidQuery("field %q: %v is not a boolean", field, v)

	case t == schema.TypeUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u.String(), nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, errs.InvalidQuery("field %q: %q is not a uuid", field, u)
			}
			return parsed.String(), nil
		}
		return nil, errs.InvalidQuery("field %q: %v is not a uuid", field, v)

	case t == schema.TypeJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errs.InvalidQuery("field %q: %v", field, err)
		}
		return string(data), nil
	}

	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case map[string]any, filter.Filter, []any:
		return nil, errs.InvalidQuery("field %q: expected a scalar value", field)
	}
	return fmt.Sprint(v), nil
}

// coerceList coerces every element of a list value. Strings are split on
// commas. Nil elements are dropped since they can never match.
func coerceList(v any, t schema.FieldType, field string) ([]any, error) {
	var items []any
	switch l := v.(type) {
	case []any:
		items = l
	case []string:
		for _, s := range l {
			items = append(items, s)
		}
	case string:
		for _, s := range strings.Split(l, ",") {
			items = append(items, strings.TrimSpace(s))
		}
	case nil:
		return nil, nil
	default:
		items = []any{l}
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		c, err := coerce(item, t, field)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// truthy interprets the argument of _null, _nnull, _empty and _nempty.
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err != nil || parsed
	case nil:
		return false
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return true
}

// KeyString normalizes a key value so that keys read from different
// columns compare equal, such as an integer primary key and the same key
// stored as text in a polymorphic column.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(k)
	case string:
		return k
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case uuid.UUID:
		return k.String()
	case [16]byte:
		return uuid.UUID(k).String()
	}
	return fmt.Sprint(v)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
