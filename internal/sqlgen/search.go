package sqlgen

import (
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/pthm/veil/internal/sqlgen/sqldsl"
	"github.com/pthm/veil/pkg/schema"
)

// search matches term against every field the requester may read: a
// case-insensitive substring of text fields, equality for numeric and uuid
// fields when the term parses as one.
func (s *statement) search(term string) (sqldsl.Expr, error) {
	c := s.c
	lowered := "%" + strings.ToLower(term) + "%"
	var terms []sqldsl.Expr
	for _, name := range s.col.FieldNames() {
		f, _ := s.col.Field(name)
		column := sqldsl.SQL(c.col(s.root, name))

		var e sqldsl.Expr
		switch {
		case f.Type.IsText():
			e = sq.Like{"LOWER(" + column + ")": lowered}
		case f.Type.IsInteger():
			if n, err := strconv.ParseInt(term, 10, 64); err == nil {
				e = sq.Eq{column: n}
			}
		case f.Type.IsNumeric():
			if n, err := strconv.ParseFloat(term, 64); err == nil {
				e = sq.Eq{column: n}
			}
		case f.Type == schema.TypeUUID:
			if u, err := uuid.Parse(term); err == nil {
				e = sq.Eq{column: u.String()}
			}
		}
		if e == nil {
			continue
		}

		if s.b.Restricted() {
			ids := s.b.Cases.WhenCase(name)
			if len(ids) == 0 {
				continue
			}
			cond, err := s.visibleUnder(ids)
			if err != nil {
				return nil, err
			}
			e = conjoin([]sqldsl.Expr{e, cond})
		}
		terms = append(terms, e)
	}
	if len(terms) == 0 {
		return matchNone, nil
	}
	return sqldsl.Or(terms...), nil
}
