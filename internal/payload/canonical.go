package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal produces canonical JSON: sorted keys, NFC-normalized strings, no
// HTML escaping and no insignificant whitespace.
//
// Stored mutation payloads and golden traces both use this encoding so two
// payloads with the same content always produce the same bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler with the canonical encoding.
func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return Marshal(o)
}

// UnmarshalJSON implements json.Unmarshaler using Decode.
func (o *Object) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*o = decoded
	return nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		n, err := normalizeFloat(val)
		if err != nil {
			return err
		}
		if i, ok := n.(int64); ok {
			buf.WriteString(strconv.FormatInt(i, 10))
		} else {
			buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case json.Number:
		n, err := normalizeValue(val)
		if err != nil {
			return err
		}
		return writeCanonical(buf, n)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return writeCanonical(buf, arr)
	case Object:
		return writeObject(buf, val)
	case map[string]any:
		return writeObject(buf, Object(val))
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj Object) error {
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeString encodes s as a JSON string after NFC normalization, leaving
// <, > and & unescaped.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
