package subdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

func exec(t *testing.T, doc string, op Op, path, value string) (Result, mcbp.Status) {
	t.Helper()
	return NewOperator().Execute([]byte(doc), op, path, []byte(value), false)
}

func execCreate(t *testing.T, doc string, op Op, path, value string) (Result, mcbp.Status) {
	t.Helper()
	return NewOperator().Execute([]byte(doc), op, path, []byte(value), true)
}

func TestOperator_Get(t *testing.T) {
	res, st := exec(t, `{"a":{"b":[1,2,3]}}`, OpGet, "a.b[1]", "")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "2", string(res.Match))

	res, st = exec(t, `{"a":{"b":[1,2,3]}}`, OpGet, "a.b", "")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "[1,2,3]", string(res.Match))

	_, st = exec(t, `{"a":1}`, OpGet, "missing", "")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)

	_, st = exec(t, `not json`, OpGet, "a", "")
	assert.Equal(t, mcbp.StatusSubdocDocNotJSON, st)
}

func TestOperator_Exists(t *testing.T) {
	_, st := exec(t, `{"a":null}`, OpExists, "a", "")
	assert.Equal(t, mcbp.StatusSuccess, st)

	_, st = exec(t, `{"a":null}`, OpExists, "b", "")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)
}

func TestOperator_GetCount(t *testing.T) {
	res, st := exec(t, `{"a":[1,2,3],"o":{"x":1,"y":2}}`, OpGetCount, "a", "")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "3", string(res.Match))

	res, st = exec(t, `{"a":[1,2,3],"o":{"x":1,"y":2}}`, OpGetCount, "o", "")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "2", string(res.Match))

	_, st = exec(t, `{"a":1}`, OpGetCount, "a", "")
	assert.Equal(t, mcbp.StatusSubdocPathMismatch, st)
}

func TestOperator_DictAdd(t *testing.T) {
	res, st := exec(t, `{"a":1}`, OpDictAdd, "b", "2")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(res.Doc))

	_, st = exec(t, `{"a":1}`, OpDictAdd, "a", "2")
	assert.Equal(t, mcbp.StatusSubdocPathEexists, st)

	// Parent missing without the create flag.
	_, st = exec(t, `{"a":1}`, OpDictAdd, "x.y", "2")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)

	res, st = execCreate(t, `{"a":1}`, OpDictAdd, "x.y", "2")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":1,"x":{"y":2}}`, string(res.Doc))

	_, st = exec(t, `{"a":1}`, OpDictAdd, "b", "{invalid")
	assert.Equal(t, mcbp.StatusSubdocValueCantinsert, st)
}

func TestOperator_DictUpsert(t *testing.T) {
	res, st := exec(t, `{"a":1}`, OpDictUpsert, "a", `"two"`)
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":"two"}`, string(res.Doc))
}

func TestOperator_Replace(t *testing.T) {
	res, st := exec(t, `{"a":{"b":1}}`, OpReplace, "a.b", "9")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":{"b":9}}`, string(res.Doc))

	_, st = exec(t, `{"a":1}`, OpReplace, "b", "9")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)
}

func TestOperator_Delete(t *testing.T) {
	res, st := exec(t, `{"a":1,"b":2}`, OpDelete, "a", "")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"b":2}`, string(res.Doc))

	_, st = exec(t, `{"b":2}`, OpDelete, "a", "")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)
}

func TestOperator_ArrayPush(t *testing.T) {
	res, st := exec(t, `{"a":[1,2]}`, OpArrayPushLast, "a", "3")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[1,2,3]}`, string(res.Doc))

	res, st = exec(t, `{"a":[1,2]}`, OpArrayPushFirst, "a", "0")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[0,1,2]}`, string(res.Doc))

	// Root array push.
	res, st = exec(t, `[1]`, OpArrayPushLast, "", "2")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `[1,2]`, string(res.Doc))

	_, st = exec(t, `{"a":{"not":"array"}}`, OpArrayPushLast, "a", "1")
	assert.Equal(t, mcbp.StatusSubdocPathMismatch, st)

	_, st = exec(t, `{}`, OpArrayPushLast, "a", "1")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)

	res, st = execCreate(t, `{}`, OpArrayPushLast, "a", "1")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[1]}`, string(res.Doc))
}

func TestOperator_ArrayInsert(t *testing.T) {
	res, st := exec(t, `{"a":[1,3]}`, OpArrayInsert, "a[1]", "2")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[1,2,3]}`, string(res.Doc))

	// Index == len appends.
	res, st = exec(t, `{"a":[1]}`, OpArrayInsert, "a[1]", "2")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[1,2]}`, string(res.Doc))

	_, st = exec(t, `{"a":[1]}`, OpArrayInsert, "a[5]", "2")
	assert.Equal(t, mcbp.StatusSubdocPathEnoent, st)
}

func TestOperator_ArrayAddUnique(t *testing.T) {
	res, st := exec(t, `{"a":[1,2]}`, OpArrayAddUnique, "a", "3")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.JSONEq(t, `{"a":[1,2,3]}`, string(res.Doc))

	_, st = exec(t, `{"a":[1,2]}`, OpArrayAddUnique, "a", "2")
	assert.Equal(t, mcbp.StatusSubdocPathEexists, st)

	_, st = exec(t, `{"a":[1]}`, OpArrayAddUnique, "a", `{"o":1}`)
	assert.Equal(t, mcbp.StatusSubdocValueCantinsert, st)
}

func TestOperator_Counter(t *testing.T) {
	res, st := exec(t, `{"n":10}`, OpCounter, "n", "5")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "15", string(res.Match))
	assert.JSONEq(t, `{"n":15}`, string(res.Doc))

	res, st = exec(t, `{"n":10}`, OpCounter, "n", "-20")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "-10", string(res.Match))

	// Missing target starts from zero.
	res, st = exec(t, `{}`, OpCounter, "n", "7")
	require.Equal(t, mcbp.StatusSuccess, st)
	assert.Equal(t, "7", string(res.Match))

	_, st = exec(t, `{"n":"x"}`, OpCounter, "n", "1")
	assert.Equal(t, mcbp.StatusSubdocPathMismatch, st)

	_, st = exec(t, `{"n":1}`, OpCounter, "n", "0")
	assert.Equal(t, mcbp.StatusSubdocDeltaEinval, st)

	_, st = exec(t, `{"n":1}`, OpCounter, "n", "nope")
	assert.Equal(t, mcbp.StatusSubdocDeltaEinval, st)

	_, st = exec(t, `{"n":9223372036854775807}`, OpCounter, "n", "1")
	assert.Equal(t, mcbp.StatusSubdocNumErange, st)
}

func TestOperator_MutationDeterminism(t *testing.T) {
	// Replaying the same sequence of mutators on the same document
	// must produce byte-identical results.
	apply := func() []byte {
		doc := []byte(`{"a":[1],"n":0}`)
		ops := []struct {
			op    Op
			path  string
			value string
		}{
			{OpArrayPushLast, "a", "2"},
			{OpDictUpsert, "b", `{"c":true}`},
			{OpCounter, "n", "41"},
			{OpCounter, "n", "1"},
			{OpDelete, "a[0]", ""},
		}
		for _, o := range ops {
			res, st := NewOperator().Execute(doc, o.op, o.path, []byte(o.value), false)
			require.Equal(t, mcbp.StatusSuccess, st)
			doc = res.Doc
		}
		return doc
	}

	first := apply()
	second := apply()
	assert.Equal(t, first, second)
	assert.JSONEq(t, `{"a":[2],"b":{"c":true},"n":42}`, string(first))
}
