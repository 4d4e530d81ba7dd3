package access

import (
	"slices"

	"github.com/pthm/veil/pkg/filter"
)

// CaseID identifies a Case within one CaseSet. Field nodes store CaseIDs;
// they are positions in CaseSet.Cases and never counts or sizes.
type CaseID int

// Case is one distinct row filter together with the fields it makes
// visible. An empty filter matches every row.
type Case struct {
	ID     CaseID
	Filter filter.Filter
	Fields []string
}

// Unconditional reports whether the case matches every row.
func (c Case) Unconditional() bool {
	return c.Filter.IsEmpty()
}

// AllowsField reports whether the case exposes field.
func (c Case) AllowsField(field string) bool {
	return slices.Contains(c.Fields, "*") || slices.Contains(c.Fields, field)
}

// CaseSet is the case list for one collection and action. The position of a
// case in Cases equals its ID and stays fixed for the life of the set.
type CaseSet struct {
	Collection string
	Cases      []Case
}

// BuildCases deduplicates rules by row filter. Rules with equal filters
// share one case whose field list is the union of theirs. A nil filter is
// treated as the empty filter.
func BuildCases(collection string, rules []Permission) *CaseSet {
	set := &CaseSet{Collection: collection}
	for _, rule := range rules {
		if rule.Collection != collection {
			continue
		}
		f := rule.Filter
		if f == nil {
			f = filter.Filter{}
		}

		idx := -1
		for i := range set.Cases {
			if filter.Equal(set.Cases[i].Filter, f) {
				idx = i
				break
			}
		}
		if idx < 0 {
			set.Cases = append(set.Cases, Case{
				ID:     CaseID(len(set.Cases)),
				Filter: f.Clone(),
			})
			idx = len(set.Cases) - 1
		}
		for _, field := range rule.Fields {
			if !slices.Contains(set.Cases[idx].Fields, field) {
				set.Cases[idx].Fields = append(set.Cases[idx].Fields, field)
			}
		}
	}
	return set
}

// WhenCase returns the IDs of the cases that expose field, in ID order.
func (s *CaseSet) WhenCase(field string) []CaseID {
	var ids []CaseID
	for _, c := range s.Cases {
		if c.AllowsField(field) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Get returns the case with the given ID.
func (s *CaseSet) Get(id CaseID) (Case, bool) {
	if id < 0 || int(id) >= len(s.Cases) {
		return Case{}, false
	}
	return s.Cases[id], true
}

// Unconditional reports whether any of the given cases matches every row,
// so a field visible under them needs no masking.
func (s *CaseSet) Unconditional(ids []CaseID) bool {
	for _, id := range ids {
		if c, ok := s.Get(id); ok && c.Unconditional() {
			return true
		}
	}
	return false
}

// RowFilter is the disjunction of every case filter. It is nil when some
// case is unconditional.
func (s *CaseSet) RowFilter() filter.Filter {
	if s.Unconditional(s.ids()) {
		return nil
	}
	filters := make([]filter.Filter, 0, len(s.Cases))
	for _, c := range s.Cases {
		filters = append(filters, c.Filter)
	}
	return filter.Join(filter.Or, filters...)
}

// Resolve substitutes dynamic variables in every case filter.
func (s *CaseSet) Resolve(vars filter.Variables) *CaseSet {
	out := &CaseSet{Collection: s.Collection, Cases: make([]Case, len(s.Cases))}
	for i, c := range s.Cases {
		out.Cases[i] = Case{
			ID:     c.ID,
			Filter: filter.Resolve(c.Filter, vars),
			Fields: slices.Clone(c.Fields),
		}
	}
	return out
}

func (s *CaseSet) ids() []CaseID {
	ids := make([]CaseID, len(s.Cases))
	for i := range s.Cases {
		ids[i] = CaseID(i)
	}
	return ids
}
