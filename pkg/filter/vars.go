package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Dynamic variables understood in permission filters and presets.
const (
	VarCurrentUser     = "$CURRENT_USER"
	VarCurrentRole     = "$CURRENT_ROLE"
	VarCurrentRoles    = "$CURRENT_ROLES"
	VarCurrentPolicies = "$CURRENT_POLICIES"
	VarNow             = "$NOW"
)

// Variables are the per-request values substituted for dynamic variables.
type Variables struct {
	User     string
	Role     string
	Roles    []string
	Policies []string
	Now      time.Time
}

var nowAdjust = regexp.MustCompile(`^\$NOW\(\s*([+-]?)\s*(\d+)\s*([a-z]+)\s*\)$`)

// Resolve returns a copy of f with every dynamic variable replaced. A
// variable with no value in vars becomes nil, which compiles to a
// comparison that matches nothing.
func Resolve(f Filter, vars Variables) Filter {
	if f == nil {
		return nil
	}
	return resolveValue(map[string]any(f), vars).(Filter)
}

// ResolveValue substitutes a single value, used for presets.
func ResolveValue(v any, vars Variables) any {
	return resolveValue(v, vars)
}

func resolveValue(v any, vars Variables) any {
	switch t := v.(type) {
	case Filter:
		return resolveValue(map[string]any(t), vars)
	case map[string]any:
		out := make(Filter, len(t))
		for k, val := range t {
			out[k] = resolveValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			r := resolveValue(val, vars)
			// A list variable inside a list is spliced in place so that
			// {"_in": ["$CURRENT_ROLES"]} behaves like {"_in": "$CURRENT_ROLES"}.
			if s, ok := val.(string); ok && (s == VarCurrentRoles || s == VarCurrentPolicies) {
				if list, ok := r.([]any); ok {
					out = append(out, list...)
					continue
				}
			}
			out = append(out, r)
		}
		return out
	case string:
		return resolveString(t, vars)
	}
	return v
}

func resolveString(s string, vars Variables) any {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	switch s {
	case VarCurrentUser:
		return optional(vars.User)
	case VarCurrentRole:
		return optional(vars.Role)
	case VarCurrentRoles:
		return stringList(vars.Roles)
	case VarCurrentPolicies:
		return stringList(vars.Policies)
	case VarNow:
		return now(vars).Format(time.RFC3339)
	}
	if m := nowAdjust.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return s
		}
		if m[1] == "-" {
			n = -n
		}
		t, ok := adjust(now(vars), n, m[3])
		if !ok {
			return s
		}
		return t.Format(time.RFC3339)
	}
	return s
}

func now(vars Variables) time.Time {
	if vars.Now.IsZero() {
		return time.Now().UTC()
	}
	return vars.Now.UTC()
}

func adjust(t time.Time, n int, unit string) (time.Time, bool) {
	switch strings.TrimSuffix(unit, "s") {
	case "second", "sec":
		return t.Add(time.Duration(n) * time.Second), true
	case "minute", "min":
		return t.Add(time.Duration(n) * time.Minute), true
	case "hour":
		return t.Add(time.Duration(n) * time.Hour), true
	case "day":
		return t.AddDate(0, 0, n), true
	case "week":
		return t.AddDate(0, 0, 7*n), true
	case "month":
		return t.AddDate(0, n, 0), true
	case "year":
		return t.AddDate(n, 0, 0), true
	}
	return t, false
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
