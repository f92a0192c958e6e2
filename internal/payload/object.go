// Package payload holds mutation payloads and their canonical encoding.
//
// Payloads are JSON objects. Decoding keeps integers exact (int64) and only
// falls back to float64 for non-integral numbers, so inventory quantities
// round-trip without precision loss.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Object is a decoded JSON object payload.
//
// Values are nil, bool, string, int64, float64, []any or map[string]any.
// Use SortedKeys() for deterministic iteration.
type Object map[string]any

// Decode parses a JSON object. Empty input decodes to an empty Object.
func Decode(data []byte) (Object, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Object{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data after object")
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode payload: expected JSON object, got %T", raw)
	}

	v, err := normalizeValue(m)
	if err != nil {
		return nil, err
	}
	return Object(v.(map[string]any)), nil
}

// FromMap converts a Go map into an Object, normalizing numbers and strings
// the same way Decode does.
func FromMap(m map[string]any) (Object, error) {
	if m == nil {
		return Object{}, nil
	}
	v, err := normalizeValue(m)
	if err != nil {
		return nil, err
	}
	return Object(v.(map[string]any)), nil
}

// normalizeValue converts decoder output into the value set documented on
// Object and NFC-normalizes every string.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return normalizeFloat(f)
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	case Object:
		return normalizeValue(map[string]any(val))
	default:
		return nil, fmt.Errorf("unsupported payload value type %T", v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	return Object(cloneValue(map[string]any(o)).(map[string]any))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}

// Merge returns a copy of base with every top-level field of patch applied.
func Merge(base, patch Object) Object {
	out := base.Clone()
	if out == nil {
		out = Object{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the string value of field, if present and a string.
func (o Object) String(field string) (string, bool) {
	s, ok := o[field].(string)
	return s, ok
}

// Int64 returns the integer value of field, if present and integral.
func (o Object) Int64(field string) (int64, bool) {
	switch val := o[field].(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// SortedKeys returns keys in canonical order (UTF-16 code units).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 orders strings by UTF-16 code units, which differs from
// Go's byte-wise UTF-8 ordering for characters outside the BMP.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
