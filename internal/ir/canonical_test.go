package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"min int64", IRInt(-9223372036854775808), "-9223372036854775808"},
		{"bool true", IRBool(true), "true"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"go string", "plain", `"plain"`},
		{"go int", 7, "7"},
		{"nested", IRObject{"z": IRObject{"b": IRInt(1), "a": IRInt(2)}, "a": IRInt(3)}, `{"a":3,"z":{"a":2,"b":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+1F600 encodes to surrogates 0xD83D 0xDE00, which sort before U+FB01
	// in UTF-16 but after it in UTF-8.
	obj := IRObject{
		"\uFB01":     IRInt(1),
		"\U0001F600": IRInt(2),
	}
	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFB01\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(IRString("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)

	_, err = MarshalCanonical(nil)
	assert.Error(t, err)

	_, err = MarshalCanonical(IRObject{"x": IRNull{}})
	assert.Error(t, err)
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9.
	decomposed := IRString("e\u0301")
	composed := IRString("\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical(IRString("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical(IRString(`x\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(result))
}

func TestHashValueStable(t *testing.T) {
	obj := IRObject{"b": IRInt(1), "a": IRString("x")}
	h1, err := HashValue(DomainModel, obj)
	require.NoError(t, err)
	h2, err := HashValue(DomainModel, IRObject{"a": IRString("x"), "b": IRInt(1)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := HashValue("nestdoc/other/v1", obj)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "domain separation must change the hash")
}

func TestNormalize(t *testing.T) {
	in := IRObject{
		"cafe\u0301": IRArray{IRString("re\u0301sume\u0301"), IRInt(1)},
		"plain":      IRString("x"),
	}
	out := Normalize(in).(IRObject)

	assert.Equal(t, IRArray{IRString("r\u00e9sum\u00e9"), IRInt(1)}, out["caf\u00e9"])
	assert.Equal(t, IRString("x"), out["plain"])
	_, stillDecomposed := in["cafe\u0301"]
	assert.True(t, stillDecomposed, "input is not modified")
}
