package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Fields is an ordered map from field name to Value.
//
// Iteration order is insertion order. Setting an existing key keeps its
// position. Fields is not safe for concurrent mutation; state.Item wraps it
// with a lock.
type Fields struct {
	keys []string
	vals map[string]Value
}

// NewFields creates an empty Fields.
func NewFields() *Fields {
	return &Fields{vals: make(map[string]Value)}
}

// F is a key/value pair for FieldsOf.
type F struct {
	Key   string
	Value Value
}

// FieldsOf builds Fields from pairs in the given order.
// Example: FieldsOf(F{"id", Int(1)}, F{"name", String("cart")})
func FieldsOf(pairs ...F) *Fields {
	f := NewFields()
	for _, p := range pairs {
		f.Set(p.Key, p.Value)
	}
	return f
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// Keys returns field names in order. The returned slice is a copy.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	return slices.Clone(f.keys)
}

// Get returns the value for key.
func (f *Fields) Get(key string) (Value, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (f *Fields) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Set stores v under key. A nil v is stored as Null.
func (f *Fields) Set(key string, v Value) {
	if f.vals == nil {
		f.vals = make(map[string]Value)
	}
	if v == nil {
		v = Null{}
	}
	if _, exists := f.vals[key]; !exists {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = v
}

// Delete removes key, preserving the order of the remaining fields.
func (f *Fields) Delete(key string) {
	if f == nil {
		return
	}
	if _, exists := f.vals[key]; !exists {
		return
	}
	delete(f.vals, key)
	f.keys = slices.DeleteFunc(f.keys, func(k string) bool { return k == key })
}

// Clone returns a deep copy.
func (f *Fields) Clone() *Fields {
	if f == nil {
		return nil
	}
	out := &Fields{
		keys: slices.Clone(f.keys),
		vals: make(map[string]Value, len(f.vals)),
	}
	for k, v := range f.vals {
		out.vals[k] = CloneValue(v)
	}
	return out
}

// Equal reports whether f and other have the same keys in the same order
// with identically rendered values.
func (f *Fields) Equal(other *Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	if f.Len() == 0 {
		return true
	}
	for i, k := range f.keys {
		if other.keys[i] != k {
			return false
		}
		if !Equal(f.vals[k], other.vals[k]) {
			return false
		}
	}
	return true
}

// CloneValue deep-copies composite values; scalars are returned as is.
func CloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case *Fields:
		return val.Clone()
	default:
		return v
	}
}

// MarshalJSON implements json.Marshaler, writing keys in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if f != nil {
		for i, k := range f.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("marshal key %q: %w", k, err)
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')

			valBytes, err := MarshalValue(f.vals[k])
			if err != nil {
				return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
			}
			buf.Write(valBytes)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping document key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	obj, ok := v.(*Fields)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*f = *obj
	return nil
}

// String renders f as JSON for logs and test failures.
func (f *Fields) String() string {
	b, err := f.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid fields: %v>", err)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
