package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_NumbersStayExact(t *testing.T) {
	obj, err := Decode([]byte(`{"quantity": 9007199254740993, "ratio": 0.5, "whole": 12.0}`))
	require.NoError(t, err)

	q, ok := obj.Int64("quantity")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), q)

	assert.Equal(t, 0.5, obj["ratio"])
	// Integral values written with a decimal point are still integers.
	assert.Equal(t, int64(12), obj["whole"])
}

func TestDecode_Empty(t *testing.T) {
	obj, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, obj)

	obj, err = Decode([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, obj)
}

func TestDecode_RejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`[1,2]`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestDecode_NormalizesNFC(t *testing.T) {
	// "e" followed by a combining acute accent composes to a single rune.
	obj, err := Decode([]byte("{\"title\": \"Cafe\u0301\"}"))
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", obj["title"])
}

func TestMarshal_Canonical(t *testing.T) {
	obj := Object{
		"title":    "Fix <HVAC> & vents",
		"quantity": int64(7),
		"meta":     map[string]any{"z": true, "a": nil},
		"tags":     []any{"b", "a"},
	}

	data, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t,
		`{"meta":{"a":null,"z":true},"quantity":7,"tags":["b","a"],"title":"Fix <HVAC> & vents"}`,
		string(data))
}

func TestMarshal_IntegralFloatsAsIntegers(t *testing.T) {
	data, err := Marshal(Object{"n": float64(12), "f": 1.25})
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.25,"n":12}`, string(data))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+10000 encodes as a surrogate pair (0xD800...) and sorts before U+E000
	// in UTF-16, although its UTF-8 bytes sort after.
	obj := Object{
		"\uE000":     int64(1),
		"\U00010000": int64(2),
	}

	data, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(data))
}

func TestMarshal_UnsupportedType(t *testing.T) {
	_, err := Marshal(Object{"ch": make(chan int)})
	require.Error(t, err)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := Object{"name": "Filter", "quantity": int64(5), "meta": map[string]any{"bin": "A1"}}
	patch := Object{"quantity": int64(12)}

	merged := Merge(base, patch)
	assert.Equal(t, int64(12), merged["quantity"])
	assert.Equal(t, "Filter", merged["name"])
	assert.Equal(t, int64(5), base["quantity"])

	merged["meta"].(map[string]any)["bin"] = "B2"
	assert.Equal(t, "A1", base["meta"].(map[string]any)["bin"])
}

func TestFromMap_NormalizesGoNumbers(t *testing.T) {
	obj, err := FromMap(map[string]any{"a": 3, "b": float64(4), "c": 2.5})
	require.NoError(t, err)
	assert.Equal(t, int64(3), obj["a"])
	assert.Equal(t, int64(4), obj["b"])
	assert.Equal(t, 2.5, obj["c"])
}
