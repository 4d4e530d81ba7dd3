package access

import (
	"slices"

	"github.com/pthm/veil/pkg/filter"
)

// Strategy decides how two rules for the same collection and action combine.
type Strategy string

const (
	// StrategyOr grants what either rule grants.
	StrategyOr Strategy = "or"
	// StrategyAnd grants only what both rules grant.
	StrategyAnd Strategy = "and"
	// StrategyIntersection is StrategyAnd across rule lists, and drops any
	// (collection, action) pair missing from one of the lists.
	StrategyIntersection Strategy = "intersection"
)

// MergePermissions merges rules with the same collection and action. Output
// order follows the first occurrence of each pair.
func MergePermissions(strategy Strategy, lists ...[]Permission) []Permission {
	pairStrategy := strategy
	var required map[string]int
	if strategy == StrategyIntersection {
		pairStrategy = StrategyAnd
		required = map[string]int{}
		for _, list := range lists {
			seen := map[string]bool{}
			for i := range list {
				k := list[i].key()
				if !seen[k] {
					seen[k] = true
					required[k]++
				}
			}
		}
	}

	var order []string
	merged := map[string]Permission{}
	for _, list := range lists {
		for _, p := range list {
			k := p.key()
			if required != nil && required[k] != len(lists) {
				continue
			}
			current, ok := merged[k]
			if !ok {
				order = append(order, k)
				merged[k] = clonePermission(p)
				continue
			}
			merged[k] = Merge(pairStrategy, current, p)
		}
	}

	out := make([]Permission, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out
}

// Merge combines next into current. The result carries no ID or Policy since
// it no longer belongs to a single policy.
func Merge(strategy Strategy, current, next Permission) Permission {
	if strategy == StrategyIntersection {
		strategy = StrategyAnd
	}
	out := clonePermission(current)
	out.ID = ""
	out.Policy = ""
	out.Filter = mergeFilter(strategy, current.Filter, next.Filter)
	out.Validation = mergeFilter(strategy, current.Validation, next.Validation)
	out.Fields = mergeFields(strategy, current.Fields, next.Fields)
	out.Limit = mergeLimit(strategy, current.Limit, next.Limit)
	if next.Presets != nil {
		out.Presets = mergeMaps(out.Presets, next.Presets)
	}
	return out
}

func mergeFilter(strategy Strategy, a, b filter.Filter) filter.Filter {
	if b == nil {
		return a.Clone()
	}
	if a == nil {
		return b.Clone()
	}

	if a.IsEmpty() || b.IsEmpty() {
		if strategy == StrategyOr {
			// Unconditional access absorbs every other row filter.
			return filter.Filter{}
		}
		if a.IsEmpty() {
			return b.Clone()
		}
		return a.Clone()
	}

	op := "_" + string(strategy)
	var children []any
	for _, f := range []filter.Filter{a, b} {
		if logical, items, ok := f.Logical(); ok && logical == op {
			for _, item := range items {
				children = append(children, item.Clone())
			}
			continue
		}
		children = append(children, f.Clone())
	}
	return filter.Filter{op: children}
}

func mergeFields(strategy Strategy, a, b []string) []string {
	if b == nil {
		return slices.Clone(a)
	}
	if a == nil {
		return normalizeFields(slices.Clone(b))
	}

	var out []string
	switch strategy {
	case StrategyOr:
		out = slices.Clone(a)
		for _, f := range b {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	default:
		switch {
		case slices.Contains(a, "*"):
			out = slices.Clone(b)
		case slices.Contains(b, "*"):
			out = slices.Clone(a)
		default:
			out = []string{}
			for _, f := range a {
				if slices.Contains(b, f) && !slices.Contains(out, f) {
					out = append(out, f)
				}
			}
		}
	}
	return normalizeFields(out)
}

func normalizeFields(fields []string) []string {
	if slices.Contains(fields, "*") {
		return []string{"*"}
	}
	return fields
}

func mergeLimit(strategy Strategy, a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		v := *b
		return &v
	}
	if b == nil {
		v := *a
		return &v
	}

	x, y := *a, *b
	var v int
	switch strategy {
	case StrategyOr:
		if x == NoLimit || y == NoLimit {
			v = NoLimit
		} else {
			v = max(x, y)
		}
	default:
		switch {
		case x == NoLimit:
			v = y
		case y == NoLimit:
			v = x
		default:
			v = min(x, y)
		}
	}
	return &v
}

func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func clonePermission(p Permission) Permission {
	out := p
	out.Fields = slices.Clone(p.Fields)
	out.Filter = p.Filter.Clone()
	out.Validation = p.Validation.Clone()
	if p.Presets != nil {
		out.Presets = mergeMaps(nil, p.Presets)
	}
	if p.Limit != nil {
		v := *p.Limit
		out.Limit = &v
	}
	return out
}
