package ixdb

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Record is an untyped document: a mapping of field names to msgpack-friendly
// values (nil, bool, integers, floats, strings, []byte, []any, map[string]any).
type Record map[string]any

// KeyField holds the primary key of a record read from a table. Save uses it
// to find the record to replace. It is never stored inside the encoded value.
const KeyField = "_id"

// Key is a primary key. Keys are time-ordered (UUIDv7), so the natural order
// of a table is its insertion order.
type Key = uuid.UUID

func NewKey() (Key, error) {
	return uuid.NewV7()
}

func ParseKey(s string) (Key, error) {
	return uuid.Parse(s)
}

// Key returns the primary key carried by the record.
func (r Record) Key() (Key, error) {
	v, ok := r[KeyField]
	if !ok || v == nil {
		return Key{}, fmt.Errorf("record has no %s field", KeyField)
	}
	switch v := v.(type) {
	case Key:
		return v, nil
	case string:
		k, err := ParseKey(v)
		if err != nil {
			return Key{}, fmt.Errorf("record %s field %q: %w", KeyField, v, err)
		}
		return k, nil
	case []byte:
		k, err := uuid.FromBytes(v)
		if err != nil {
			return Key{}, fmt.Errorf("record %s field %x: %w", KeyField, v, err)
		}
		return k, nil
	default:
		return Key{}, fmt.Errorf("record %s field has unsupported type %T", KeyField, v)
	}
}

func (r Record) HasKey() bool {
	_, ok := r[KeyField]
	return ok
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Lookup resolves a dotted path like "address.city" through nested maps.
func (r Record) Lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for {
		name, rest, more := strings.Cut(path, ".")
		var m map[string]any
		switch c := cur.(type) {
		case map[string]any:
			m = c
		case Record:
			m = c
		default:
			return nil, false
		}
		v, ok := m[name]
		if !ok {
			return nil, false
		}
		if !more {
			return v, true
		}
		cur, path = v, rest
	}
}

// withoutKey returns the record as it is stored, i.e. without KeyField.
func (r Record) withoutKey() map[string]any {
	if _, ok := r[KeyField]; !ok {
		return r
	}
	m := make(map[string]any, len(r)-1)
	for k, v := range r {
		if k != KeyField {
			m[k] = v
		}
	}
	return m
}
