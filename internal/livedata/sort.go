package livedata

import (
	"cmp"
	"strings"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SortState selects the user-chosen ordering of a view. The zero value
// keeps snapshot order.
type SortState struct {
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Desc  bool   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Active reports whether a sort field is set.
func (s SortState) Active() bool {
	return s.Field != ""
}

// Toggle returns the state after a column header click: the same field
// flips direction, a different field starts ascending.
func (s SortState) Toggle(field string) SortState {
	if s.Field == field {
		return SortState{Field: field, Desc: !s.Desc}
	}

	return SortState{Field: field}
}

func (s SortState) String() string {
	if !s.Active() {
		return "none"
	}

	if s.Desc {
		return s.Field + " desc"
	}

	return s.Field + " asc"
}

// PinRule floats records whose Field is truthy above the rest. It is
// applied before the user comparator and is not user selectable.
type PinRule struct {
	Field string `json:"field" yaml:"field"`
}

func (p *PinRule) compare(a, b models.Record) int {
	if p == nil || p.Field == "" {
		return 0
	}

	ap, bp := a.Bool(p.Field), b.Bool(p.Field)

	switch {
	case ap == bp:
		return 0
	case ap:
		return -1
	default:
		return 1
	}
}

// comparator builds the combined ordering. The lower caser is not safe for
// concurrent use; callers create one per computation.
func comparator(s SortState, pin *PinRule, lower cases.Caser) func(a, b models.Record) int {
	return func(a, b models.Record) int {
		if c := pin.compare(a, b); c != 0 {
			return c
		}

		if !s.Active() {
			return 0
		}

		c := compareField(a, b, s.Field, lower)
		if s.Desc {
			c = -c
		}

		return c
	}
}

// compareField orders two records by one field. Values that read as
// numbers, including numeric strings and missing values (as zero), compare
// numerically and rank ahead of text. Text compares lower-cased.
func compareField(a, b models.Record, field string, lower cases.Caser) int {
	an, aNum := numericOrZero(a, field)
	bn, bNum := numericOrZero(b, field)

	switch {
	case aNum && bNum:
		return cmp.Compare(an, bn)
	case aNum:
		return -1
	case bNum:
		return 1
	}

	return strings.Compare(lower.String(a.String(field)), lower.String(b.String(field)))
}

func numericOrZero(r models.Record, field string) (float64, bool) {
	v, ok := r.Value(field)
	if !ok {
		return 0, true
	}

	return models.ParseNumber(v)
}

func newLowerCaser() cases.Caser {
	return cases.Lower(language.Und)
}
