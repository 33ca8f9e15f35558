package channel

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// Apply evaluates q against records for sources that cannot push a
// server-side query (a local directory, a polling backend). Equality is
// exact, with numbers compared numerically. Ordering is stable and
// places missing values first in ascending order. The input slice is not
// modified.
func Apply(q models.Query, records []models.Record) []models.Record {
	out := make([]models.Record, 0, len(records))

	for _, r := range records {
		if q.Where != nil {
			v, _ := r.Value(q.Where.Field)
			if !ValuesEqual(v, q.Where.Value) {
				continue
			}
		}

		out = append(out, r)
	}

	if q.OrderBy != nil {
		field := q.OrderBy.Field
		desc := q.OrderBy.Desc

		slices.SortStableFunc(out, func(a, b models.Record) int {
			av, _ := a.Value(field)
			bv, _ := b.Value(field)

			c := CompareValues(av, bv)
			if desc {
				return -c
			}

			return c
		})
	}

	return out
}

// ValuesEqual compares two field values the way a document store
// equality filter does: same kind and same value. Numeric kinds compare
// by value regardless of Go type.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if an, ok := models.NumericValue(a); ok {
		bn, ok := models.NumericValue(b)
		return ok && an == bn
	}

	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}

	return false
}

// kindRank orders values of different kinds: missing, booleans, numbers,
// times, strings, everything else.
func kindRank(v any) int {
	if v == nil {
		return 0
	}

	if _, ok := models.NumericValue(v); ok {
		return 2
	}

	switch v.(type) {
	case bool:
		return 1
	case time.Time:
		return 3
	case string:
		return 4
	}

	return 5
}

// CompareValues orders two field values. Values of different kinds are
// ordered by kind; strings compare byte-wise.
func CompareValues(a, b any) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		if ab == bb {
			return 0
		}

		if !ab {
			return -1
		}

		return 1
	case 2:
		an, _ := models.NumericValue(a)
		bn, _ := models.NumericValue(b)

		return cmp.Compare(an, bn)
	case 3:
		return a.(time.Time).Compare(b.(time.Time))
	case 4:
		return strings.Compare(a.(string), b.(string))
	}

	return 0
}
