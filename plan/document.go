package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Document is a JSON-round-trippable dynamic value: null, bool, int64,
// float64, string, sequence or mapping. Step inputs, step outputs and step
// metadata are carried as documents; the core imposes no schema on them.
// The zero Document is null.
type Document struct {
	value any
}

// FromValue builds a Document from an arbitrary Go value. Scalars, slices and
// string-keyed maps are normalized directly; any other JSON-marshalable value
// is converted through a JSON round trip. Integral numbers stay integers.
func FromValue(v any) (Document, error) {
	norm, err := normalizeValue(v)
	if err != nil {
		return Document{}, err
	}
	return Document{value: norm}, nil
}

// Value returns the normalized underlying value: nil, bool, int64, float64,
// string, []any or map[string]any.
func (d Document) Value() any { return d.value }

// IsNull reports whether the document holds no value.
func (d Document) IsNull() bool { return d.value == nil }

// Map returns the underlying mapping when the document holds one.
func (d Document) Map() (map[string]any, bool) {
	m, ok := d.value.(map[string]any)
	return m, ok
}

// Equal compares two documents structurally. Integers and floats of equal
// magnitude are distinct values.
func (d Document) Equal(other Document) bool {
	return reflect.DeepEqual(d.value, other.value)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{value: cloneValue(d.value)}
}

// MarshalJSON encodes the underlying value.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.value)
}

// UnmarshalJSON decodes any JSON value, preserving the integer/float
// distinction.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	norm, err := normalizeValue(raw)
	if err != nil {
		return err
	}
	d.value = norm
	return nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Document:
		return cloneValue(t.value), nil
	case *Document:
		if t == nil {
			return nil, nil
		}
		return cloneValue(t.value), nil
	case bool, string:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("document: integer %d overflows", t)
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("document: invalid number %q: %w", t.String(), err)
		}
		return f, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			norm, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			norm, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	default:
		// Arbitrary structs go through a JSON round trip.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("document: unsupported value %T: %w", v, err)
		}
		var doc Document
		if err := doc.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return doc.value, nil
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = cloneValue(elem)
		}
		return out
	default:
		return t
	}
}
