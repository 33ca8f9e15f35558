// Package models defines types shared across internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// idField is the JSON key that carries a record's identifier in the
// flattened wire and cache representation.
const idField = "id"

// Record is a single addressable document from a collection. Its schema
// depends on the origin collection (listing, gallery item, enquiry,
// inspection), so fields are kept as an opaque map. ID is unique within
// the collection and stable across updates.
type Record struct {
	ID     string
	Fields map[string]any
}

// NewRecord builds a record from an identifier and a field map. The map is
// copied so later mutation by the caller does not leak into the record.
func NewRecord(id string, fields map[string]any) Record {
	return Record{ID: id, Fields: maps.Clone(fields)}
}

// Value returns the raw value for field. The pseudo-field "id" resolves
// to the record identifier.
func (r Record) Value(field string) (any, bool) {
	if field == idField {
		return r.ID, true
	}

	v, ok := r.Fields[field]
	if !ok || v == nil {
		return nil, false
	}

	return v, true
}

// String returns the field formatted as text. Missing fields yield "".
func (r Record) String(field string) string {
	v, ok := r.Value(field)
	if !ok {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// Number returns the field as a float64. The second result is false when
// the field is missing or cannot be read as a number. Numeric strings
// (surrounding whitespace allowed) are parsed.
func (r Record) Number(field string) (float64, bool) {
	v, ok := r.Value(field)
	if !ok {
		return 0, false
	}

	return ParseNumber(v)
}

// Bool reports whether the field is truthy: true, a non-zero number, or
// one of the strings "true", "yes", "1".
func (r Record) Bool(field string) bool {
	v, ok := r.Value(field)
	if !ok {
		return false
	}

	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}

		return false
	default:
		n, ok := ParseNumber(v)
		return ok && n != 0
	}
}

// With returns a copy of the record with field set to value.
func (r Record) With(field string, value any) Record {
	fields := maps.Clone(r.Fields)
	if fields == nil {
		fields = make(map[string]any, 1)
	}

	fields[field] = value

	return Record{ID: r.ID, Fields: fields}
}

// MarshalJSON flattens the record into a single object with an "id" key.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}

	flat[idField] = r.ID

	return json.Marshal(flat)
}

// UnmarshalJSON reads the flattened form. Numbers are kept as json.Number
// so integer fields survive a cache round trip unchanged.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var flat map[string]any
	if err := dec.Decode(&flat); err != nil {
		return err
	}

	if flat == nil {
		return fmt.Errorf("record is null")
	}

	raw, ok := flat[idField]
	if !ok {
		return fmt.Errorf("record missing %q", idField)
	}

	var id string

	switch t := raw.(type) {
	case string:
		id = t
	case json.Number:
		id = t.String()
	default:
		return fmt.Errorf("record %q has unsupported type %T", idField, raw)
	}

	if id == "" {
		return fmt.Errorf("record has empty %q", idField)
	}

	delete(flat, idField)

	r.ID = id
	r.Fields = flat

	return nil
}

// ParseNumber reports v as a float64, parsing numeric strings. Number and
// the view pipeline's sort both read values through it.
func ParseNumber(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}

	return NumericValue(v)
}

// NumericValue reports v as a float64 when it holds a numeric type.
// Strings are not parsed, so "5" and 5 stay distinct.
func NumericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
