package ast

import (
	"regexp"

	"github.com/pthm/veil/pkg/errs"
	"github.com/pthm/veil/pkg/schema"
)

// Field functions.
const (
	FuncYear    = "year"
	FuncMonth   = "month"
	FuncWeek    = "week"
	FuncDay     = "day"
	FuncWeekday = "weekday"
	FuncHour    = "hour"
	FuncMinute  = "minute"
	FuncSecond  = "second"
	FuncCount   = "count"
)

var dateFuncs = map[string]bool{
	FuncYear: true, FuncMonth: true, FuncWeek: true, FuncDay: true,
	FuncWeekday: true, FuncHour: true, FuncMinute: true, FuncSecond: true,
}

var funcPattern = regexp.MustCompile(`^([a-z]+)\(([^()]+)\)$`)

// ParseFunc splits "year(date_created)" into its function and field. It
// reports false for anything that is not a function call.
func ParseFunc(s string) (fn, field string, ok bool) {
	m := funcPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// IsDateFunc reports whether fn extracts a date part.
func IsDateFunc(fn string) bool {
	return dateFuncs[fn]
}

// FuncKey is the output key of a function field: year(date_created) is
// returned as date_created_year.
func FuncKey(fn, field string) string {
	return field + "_" + fn
}

// CheckFunc validates that fn applies to the field on collection.
func CheckFunc(c *schema.Catalog, collection, fn, field string) error {
	f, ok := c.Field(collection, field)
	if !ok {
		return errs.InvalidQuery("unknown field %q on %q", field, collection)
	}
	switch {
	case IsDateFunc(fn):
		if !f.Type.IsTemporal() {
			return errs.InvalidQuery("function %s(%s) requires a date or time field", fn, field)
		}
	case fn == FuncCount:
		rel, ok := c.RelationOf(collection, field)
		if !ok || !rel.Kind().Multiplies() {
			return errs.InvalidQuery("function count(%s) requires a to-many relation", field)
		}
	default:
		return errs.InvalidQuery("unknown function %q", fn)
	}
	return nil
}
