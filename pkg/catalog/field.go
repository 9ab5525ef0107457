package catalog

import "encoding/json"

// Field is a tri-state patch value: absent (leave unchanged), explicit null
// (clear), or a value. Absence is tracked by whether the key appeared in the
// JSON document at all.
type Field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns a present, non-null field.
func Some[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Clear returns a present, explicitly-null field.
func Clear[T any]() Field[T] {
	return Field[T]{Set: true, Null: true}
}

// UnmarshalJSON is only invoked for keys present in the document, which is
// what distinguishes absent from null.
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Null = true
		return nil
	}
	return json.Unmarshal(b, &f.Value)
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.Set || f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}
