// Package patch models partial updates where every field is one of
// "leave unchanged", "clear" or "set to a value".
//
// In JSON an absent key leaves the field unchanged, null clears it, and any
// other value sets it.
package patch

import (
	"bytes"
	"encoding/json"
)

type op uint8

const (
	opUnchanged op = iota
	opClear
	opSet
)

// Field is a three-state update instruction for a value of type T.
// The zero value leaves the field unchanged.
type Field[T any] struct {
	op    op
	value T
}

// Unchanged returns an instruction that keeps the current value.
func Unchanged[T any]() Field[T] { return Field[T]{} }

// Clear returns an instruction that removes the current value.
func Clear[T any]() Field[T] { return Field[T]{op: opClear} }

// Set returns an instruction that replaces the current value with v.
func Set[T any](v T) Field[T] { return Field[T]{op: opSet, value: v} }

func (f Field[T]) IsUnchanged() bool { return f.op == opUnchanged }
func (f Field[T]) IsClear() bool     { return f.op == opClear }

// Value returns the new value and true when the field is being set.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.op == opSet
}

// Apply returns the value after the update, with nil meaning "no value".
func (f Field[T]) Apply(current *T) *T {
	switch f.op {
	case opClear:
		return nil
	case opSet:
		v := f.value
		return &v
	default:
		return current
	}
}

// UnmarshalJSON is only called for keys present in the document.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Clear[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Set(v)
	return nil
}

// MarshalJSON writes null for cleared and unchanged fields. Use omitzero on
// the struct tag to drop unchanged fields entirely.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.op != opSet {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// IsZero lets encoding/json omitzero skip unchanged fields.
func (f Field[T]) IsZero() bool { return f.op == opUnchanged }
