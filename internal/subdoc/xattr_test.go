package subdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXattrs_EncodeParseRoundTrip(t *testing.T) {
	x := Xattrs{
		"meta":  []byte(`{"rev":1}`),
		"_sync": []byte(`{"cas":"0x0"}`),
	}

	blob := x.Encode()
	parsed, err := ParseXattrs(blob)
	require.NoError(t, err)
	assert.Equal(t, x, parsed)

	// Deterministic encoding.
	assert.Equal(t, blob, parsed.Encode())
}

func TestXattrs_EmptyEncodesToNil(t *testing.T) {
	assert.Nil(t, Xattrs{}.Encode())

	parsed, err := ParseXattrs(nil)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestSplitBody(t *testing.T) {
	x := Xattrs{"a": []byte(`1`)}
	blob := x.Encode()
	value := append(append([]byte(nil), blob...), []byte(`{"body":true}`)...)

	gotBlob, body, err := SplitBody(value, true)
	require.NoError(t, err)
	assert.Equal(t, blob, gotBlob)
	assert.Equal(t, `{"body":true}`, string(body))

	// Without the xattr bit the whole value is body.
	gotBlob, body, err = SplitBody(value, false)
	require.NoError(t, err)
	assert.Nil(t, gotBlob)
	assert.Equal(t, value, body)

	_, _, err = SplitBody([]byte{0, 0}, true)
	assert.Error(t, err)

	_, _, err = SplitBody([]byte{0, 0, 0, 99, 1}, true)
	assert.Error(t, err)
}

func TestXattrs_StripUserXattrs(t *testing.T) {
	x := Xattrs{
		"user":  []byte(`1`),
		"_sys":  []byte(`2`),
		"other": []byte(`3`),
	}
	x.StripUserXattrs()

	assert.Equal(t, Xattrs{"_sys": []byte(`2`)}, x)
}

func TestXattrs_Keys(t *testing.T) {
	x := Xattrs{
		"b":    []byte(`1`),
		"a":    []byte(`1`),
		"_sys": []byte(`1`),
	}

	assert.Equal(t, []string{"_sys", "a", "b"}, x.Keys(true, true))
	assert.Equal(t, []string{"a", "b"}, x.Keys(false, true))
	assert.Equal(t, []string{"_sys"}, x.Keys(true, false))
	assert.Equal(t, []string{}, x.Keys(false, false))
}

func TestSplitXattrKey(t *testing.T) {
	key, rest := SplitXattrKey("meta.rev")
	assert.Equal(t, "meta", key)
	assert.Equal(t, "rev", rest)

	key, rest = SplitXattrKey("meta")
	assert.Equal(t, "meta", key)
	assert.Empty(t, rest)

	key, rest = SplitXattrKey("arr[0]")
	assert.Equal(t, "arr", key)
	assert.Equal(t, "[0]", rest)
}

func TestMacros(t *testing.T) {
	in := []byte(`{"cas":"${Mutation.CAS}"}`)
	assert.True(t, ContainsMacro(in))

	out := ExpandMacros(in)
	assert.Equal(t, `{"cas":"0x0000000000000000"}`, string(out))

	assert.False(t, IsUnknownMacro(in))
	assert.True(t, IsUnknownMacro([]byte(`{"x":"${Nope}"}`)))
}
