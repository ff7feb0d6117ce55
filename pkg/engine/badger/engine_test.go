package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/pkg/engine"
	"github.com/marmos91/dittokv/pkg/engine/enginetest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBadgerEngine_Conformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		return newTestEngine(t)
	})
}

func TestBadgerEngine_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ck := enginetest.Cookie()

	e, err := New(Config{Dir: dir})
	require.NoError(t, err)

	result, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v"), Flags: 3}, engine.StoreSet)
	require.Equal(t, engine.StatusSuccess, status)
	require.NoError(t, e.Close())

	reopened, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	item, status := reopened.Get(ck, []byte("k"), 0, engine.DocStateAlive)
	require.Equal(t, engine.StatusSuccess, status)
	assert.Equal(t, []byte("v"), item.Value)
	assert.Equal(t, uint32(3), item.Flags)
	assert.Equal(t, result.Cas, item.Cas)

	// New mutations must not reuse CAS values from before the
	// restart.
	next, status := reopened.Store(ck, &engine.Item{Key: []byte("k2"), Value: []byte("v2")}, engine.StoreSet)
	require.Equal(t, engine.StatusSuccess, status)
	assert.Greater(t, next.Cas, result.Cas)
}

func TestBadgerEngine_TombstonesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ck := enginetest.Cookie()

	e, err := New(Config{Dir: dir})
	require.NoError(t, err)
	_, status := e.Store(ck, &engine.Item{Key: []byte("k"), Value: []byte("v")}, engine.StoreSet)
	require.Equal(t, engine.StatusSuccess, status)
	_, status = e.Remove(ck, []byte("k"), 0, 0)
	require.Equal(t, engine.StatusSuccess, status)
	require.NoError(t, e.Close())

	reopened, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	_, status = reopened.Get(ck, []byte("k"), 0, engine.DocStateAlive)
	assert.Equal(t, engine.StatusKeyEnoent, status)

	item, status := reopened.Get(ck, []byte("k"), 0, engine.DocStateAliveOrDeleted)
	require.Equal(t, engine.StatusSuccess, status)
	assert.True(t, item.Deleted)
}
