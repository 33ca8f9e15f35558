package models

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
)

// Snapshot is the complete result set of a query at one moment. It is
// never a partial delta. Timestamp is unix milliseconds.
type Snapshot struct {
	Items     []Record `json:"items"`
	Timestamp int64    `json:"timestamp"`
}

// NewSnapshot captures items at the given time. A nil slice is stored as
// empty so the cached form always carries an items array.
func NewSnapshot(items []Record, at time.Time) Snapshot {
	if items == nil {
		items = []Record{}
	}

	return Snapshot{Items: items, Timestamp: at.UnixMilli()}
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Items)
}

// IDs returns record identifiers in snapshot order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Items))
	for i, r := range s.Items {
		ids[i] = r.ID
	}

	return ids
}

// CapturedAt returns the capture time.
func (s Snapshot) CapturedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// UnmarshalSnapshot decodes the cached text form. The items key must be
// present; a missing key is treated as malformed rather than empty.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var raw struct {
		Items     *[]Record `json:"items"`
		Timestamp int64     `json:"timestamp"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, err
	}

	if raw.Items == nil {
		return Snapshot{}, fmt.Errorf("snapshot missing items")
	}

	items := *raw.Items
	if items == nil {
		items = []Record{}
	}

	return Snapshot{Items: items, Timestamp: raw.Timestamp}, nil
}

// Equality is a single-field equality predicate evaluated server side.
type Equality struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Order is a single-field ordering evaluated server side.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query names a remote collection with at most one equality predicate
// and at most one ordering.
type Query struct {
	Collection string    `json:"collection"`
	Where      *Equality `json:"where,omitempty"`
	OrderBy    *Order    `json:"order,omitempty"`
}

// Validate checks that the query names a collection.
func (q Query) Validate() error {
	if q.Collection == "" {
		return apperrors.ErrCollectionRequired
	}

	return nil
}

// WithWhere returns a copy of the query scoped by field == value.
func (q Query) WithWhere(field string, value any) Query {
	q.Where = &Equality{Field: field, Value: value}
	return q
}

func (q Query) String() string {
	s := q.Collection
	if q.Where != nil {
		s += fmt.Sprintf(" where %s == %v", q.Where.Field, q.Where.Value)
	}

	if q.OrderBy != nil {
		dir := "asc"
		if q.OrderBy.Desc {
			dir = "desc"
		}

		s += fmt.Sprintf(" order by %s %s", q.OrderBy.Field, dir)
	}

	return s
}
