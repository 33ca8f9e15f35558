package livedata

import (
	"maps"
	"slices"
	"strings"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// allCategories is the category value that selects every record.
const allCategories = "all"

// Predicate decides whether a record belongs in the view.
type Predicate interface {
	Match(r models.Record) bool
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(r models.Record) bool

// Match calls f.
func (f PredicateFunc) Match(r models.Record) bool { return f(r) }

// And composes predicates by logical AND. An empty list matches every
// record.
func And(preds ...Predicate) Predicate {
	return PredicateFunc(func(r models.Record) bool {
		for _, p := range preds {
			if !p.Match(r) {
				return false
			}
		}

		return true
	})
}

// Range is an inclusive numeric interval. A nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Between returns the closed interval [lo, hi].
func Between(lo, hi float64) Range {
	return Range{Min: &lo, Max: &hi}
}

// AtLeast returns the interval [lo, +inf).
func AtLeast(lo float64) Range {
	return Range{Min: &lo}
}

// AtMost returns the interval (-inf, hi].
func AtMost(hi float64) Range {
	return Range{Max: &hi}
}

// Unrestricted reports whether both bounds are open.
func (r Range) Unrestricted() bool {
	return r.Min == nil && r.Max == nil
}

// Contains reports whether n lies inside the interval, bounds included.
func (r Range) Contains(n float64) bool {
	if r.Min != nil && n < *r.Min {
		return false
	}

	if r.Max != nil && n > *r.Max {
		return false
	}

	return true
}

// FilterState holds the named predicate parameters of a view. The zero
// value is unrestricted.
type FilterState struct {
	// Categories maps a field to the value it must equal, compared
	// case-insensitively after trimming. "" and "all" select everything.
	Categories map[string]string `json:"categories,omitempty" yaml:"categories,omitempty"`
	// Ranges maps a field to an inclusive numeric interval.
	Ranges map[string]Range `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	// Flags lists fields that must be truthy.
	Flags []string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// WithCategory returns a copy with the category predicate for field set.
func (f FilterState) WithCategory(field, value string) FilterState {
	f.Categories = maps.Clone(f.Categories)
	if f.Categories == nil {
		f.Categories = make(map[string]string, 1)
	}

	f.Categories[field] = value

	return f
}

// WithRange returns a copy with the range predicate for field set.
func (f FilterState) WithRange(field string, r Range) FilterState {
	f.Ranges = maps.Clone(f.Ranges)
	if f.Ranges == nil {
		f.Ranges = make(map[string]Range, 1)
	}

	f.Ranges[field] = r

	return f
}

// WithFlag returns a copy that also requires field to be truthy.
func (f FilterState) WithFlag(field string) FilterState {
	if slices.Contains(f.Flags, field) {
		return f
	}

	f.Flags = append(slices.Clone(f.Flags), field)

	return f
}

// Unrestricted reports whether the filter selects every record.
func (f FilterState) Unrestricted() bool {
	return len(f.predicates()) == 0
}

// Predicate builds the AND of all active predicates. The result holds a
// case folder, which is not safe for concurrent use, so build one per
// goroutine.
func (f FilterState) Predicate() Predicate {
	return And(f.predicates()...)
}

func (f FilterState) predicates() []Predicate {
	var preds []Predicate

	fold := cases.Fold()

	for _, field := range slices.Sorted(maps.Keys(f.Categories)) {
		want := strings.TrimSpace(f.Categories[field])
		if want == "" || strings.EqualFold(want, allCategories) {
			continue
		}

		preds = append(preds, categoryPredicate{field: field, want: foldCategory(fold, want), fold: fold})
	}

	for _, field := range slices.Sorted(maps.Keys(f.Ranges)) {
		r := f.Ranges[field]
		if r.Unrestricted() {
			continue
		}

		preds = append(preds, rangePredicate{field: field, r: r})
	}

	for _, field := range f.Flags {
		preds = append(preds, flagPredicate{field: field})
	}

	return preds
}

type categoryPredicate struct {
	field string
	want  string
	fold  cases.Caser
}

func (p categoryPredicate) Match(r models.Record) bool {
	return foldCategory(p.fold, r.String(p.field)) == p.want
}

// foldCategory puts a category value in NFC before folding so composed and
// decomposed accents compare equal.
func foldCategory(fold cases.Caser, v string) string {
	return fold.String(norm.NFC.String(strings.TrimSpace(v)))
}

// rangePredicate coerces missing or non-numeric values to zero instead of
// excluding the record.
type rangePredicate struct {
	field string
	r     Range
}

func (p rangePredicate) Match(r models.Record) bool {
	n, ok := r.Number(p.field)
	if !ok {
		n = 0
	}

	return p.r.Contains(n)
}

type flagPredicate struct {
	field string
}

func (p flagPredicate) Match(r models.Record) bool {
	return r.Bool(p.field)
}
