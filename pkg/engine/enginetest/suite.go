// Package enginetest provides a reusable conformance suite run against
// every engine implementation.
package enginetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

// nopCookie satisfies engine.Cookie for synchronous engines.
type nopCookie struct{}

func (nopCookie) Reserve()                         {}
func (nopCookie) Release()                         {}
func (nopCookie) NotifyIOComplete(engine.Status)   {}
func (nopCookie) ConnectionID() string             { return "test" }

// Cookie returns a no-op cookie for driving engines in tests.
func Cookie() engine.Cookie { return nopCookie{} }

// Factory builds a fresh engine for one test.
type Factory func(t *testing.T) engine.Engine

// Run exercises the engine contract: store semantics, CAS behaviour,
// deletion state, arithmetic and vbucket states.
func Run(t *testing.T, factory Factory) {
	t.Run("SetGetRoundTrip", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		result, status := e.Store(ck, &engine.Item{
			Key:      []byte("k"),
			Value:    []byte("v"),
			Datatype: mcbp.DatatypeRaw,
			Flags:    7,
			Vbucket:  0,
		}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)
		require.NotZero(t, result.Cas)

		item, status := e.Get(ck, []byte("k"), 0, engine.DocStateAlive)
		require.Equal(t, engine.StatusSuccess, status)
		defer e.Release(item)
		assert.Equal(t, []byte("v"), item.Value)
		assert.Equal(t, uint32(7), item.Flags)
		assert.Equal(t, result.Cas, item.Cas)
	})

	t.Run("GetMiss", func(t *testing.T) {
		e := factory(t)
		_, status := e.Get(Cookie(), []byte("missing"), 0, engine.DocStateAlive)
		assert.Equal(t, engine.StatusKeyEnoent, status)
	})

	t.Run("AddSemantics", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		item := &engine.Item{Key: []byte("k"), Value: []byte("v")}
		_, status := e.Store(ck, item, engine.StoreAdd)
		require.Equal(t, engine.StatusSuccess, status)

		_, status = e.Store(ck, item, engine.StoreAdd)
		assert.Equal(t, engine.StatusKeyEexists, status)
	})

	t.Run("ReplaceSemantics", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		item := &engine.Item{Key: []byte("k"), Value: []byte("v")}
		_, status := e.Store(ck, item, engine.StoreReplace)
		assert.Equal(t, engine.StatusKeyEnoent, status)

		_, status = e.Store(ck, item, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)
		_, status = e.Store(ck, item, engine.StoreReplace)
		assert.Equal(t, engine.StatusSuccess, status)
	})

	t.Run("CasMismatch", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		result, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v1")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)

		_, status = e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v2"), Cas: result.Cas + 1}, engine.StoreSet)
		assert.Equal(t, engine.StatusKeyEexists, status)

		_, status = e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v2"), Cas: result.Cas}, engine.StoreSet)
		assert.Equal(t, engine.StatusSuccess, status)
	})

	t.Run("RemoveAndDeletedState", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		_, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)

		_, status = e.Remove(ck, []byte("k"), 0, 0)
		require.Equal(t, engine.StatusSuccess, status)

		_, status = e.Get(ck, []byte("k"), 0, engine.DocStateAlive)
		assert.Equal(t, engine.StatusKeyEnoent, status)

		item, status := e.Get(ck, []byte("k"), 0, engine.DocStateAliveOrDeleted)
		require.Equal(t, engine.StatusSuccess, status)
		defer e.Release(item)
		assert.True(t, item.Deleted)

		_, status = e.Remove(ck, []byte("k"), 0, 0)
		assert.Equal(t, engine.StatusKeyEnoent, status)
	})

	t.Run("SeqnosAdvance", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		first, status := e.Store(ck, &engine.Item{Key: []byte("a"), Value: []byte("1")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)
		second, status := e.Store(ck, &engine.Item{Key: []byte("b"), Value: []byte("2")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)

		assert.Greater(t, second.SeqNo, first.SeqNo)
		assert.Equal(t, first.VbucketUUID, second.VbucketUUID)
	})

	t.Run("Arithmetic", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		value, _, status := e.Arithmetic(ck, []byte("n"), 0, 5, 100, 0, false)
		require.Equal(t, engine.StatusSuccess, status)
		assert.Equal(t, uint64(100), value)

		value, _, status = e.Arithmetic(ck, []byte("n"), 0, 5, 100, 0, false)
		require.Equal(t, engine.StatusSuccess, status)
		assert.Equal(t, uint64(105), value)

		value, _, status = e.Arithmetic(ck, []byte("n"), 0, 200, 0, 0, true)
		require.Equal(t, engine.StatusSuccess, status)
		assert.Equal(t, uint64(0), value, "decrement clamps at zero")

		_, status = e.Store(ck, &engine.Item{Key: []byte("s"), Value: []byte("abc")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)
		_, _, status = e.Arithmetic(ck, []byte("s"), 0, 1, 0, 0, false)
		assert.Equal(t, engine.StatusDeltaBadval, status)

		// 0xffffffff means "do not create".
		_, _, status = e.Arithmetic(ck, []byte("absent"), 0, 1, 0, 0xffffffff, false)
		assert.Equal(t, engine.StatusKeyEnoent, status)
	})

	t.Run("VbucketStates", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		require.Equal(t, engine.StatusSuccess, e.SetVbucketState(9, engine.VbucketStateReplica))
		assert.Equal(t, engine.VbucketStateReplica, e.VbucketState(9))

		_, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v"), Vbucket: 9}, engine.StoreSet)
		assert.Equal(t, engine.StatusNotMyVbucket, status)
	})

	t.Run("Flush", func(t *testing.T) {
		e := factory(t)
		ck := Cookie()

		_, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v")}, engine.StoreSet)
		require.Equal(t, engine.StatusSuccess, status)
		require.Equal(t, engine.StatusSuccess, e.Flush(ck))

		_, status = e.Get(ck, []byte("k"), 0, engine.DocStateAlive)
		assert.Equal(t, engine.StatusKeyEnoent, status)
	})
}
