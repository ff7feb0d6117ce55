package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

func TestRemapEngineError_XerrorPassesThrough(t *testing.T) {
	c := &Connection{xerrorSupport: true}

	for _, code := range []engine.Status{
		engine.StatusEaccess, engine.StatusAuthStale,
		engine.StatusLocked, engine.StatusSyncWriteInProgress,
		engine.StatusUnknownCollection, engine.StatusManifestAhead,
		engine.StatusDcpStreamIDInvalid,
	} {
		assert.Equal(t, code, c.remapEngineError(code), "%s", code)
	}
}

func TestRemapEngineError_ClassicWhitelist(t *testing.T) {
	c := &Connection{}

	// The whitelist passes through unchanged.
	for _, code := range []engine.Status{
		engine.StatusSuccess, engine.StatusKeyEnoent,
		engine.StatusKeyEexists, engine.StatusEnomem,
		engine.StatusNotStored, engine.StatusEinval,
		engine.StatusEnotsup, engine.StatusWouldBlock,
		engine.StatusE2big, engine.StatusDisconnect,
		engine.StatusNotMyVbucket, engine.StatusTmpfail,
		engine.StatusErange, engine.StatusRollback,
		engine.StatusEbusy, engine.StatusDeltaBadval,
	} {
		assert.Equal(t, code, c.remapEngineError(code), "%s", code)
	}

	// Degraded equivalents.
	assert.Equal(t, engine.StatusKeyEexists, c.remapEngineError(engine.StatusLocked))
	assert.Equal(t, engine.StatusTmpfail, c.remapEngineError(engine.StatusLockedTmpfail))
	assert.Equal(t, engine.StatusTmpfail, c.remapEngineError(engine.StatusSyncWriteInProgress))
	assert.Equal(t, engine.StatusTmpfail, c.remapEngineError(engine.StatusSyncWriteReCommitInProgress))
}

func TestRemapEngineError_CollectionsGating(t *testing.T) {
	// Without the Collections feature the collection statuses degrade
	// to einval; with it they pass through untouched.
	classic := &Connection{}
	assert.Equal(t, engine.StatusEinval, classic.remapEngineError(engine.StatusUnknownCollection))
	assert.Equal(t, engine.StatusEinval, classic.remapEngineError(engine.StatusManifestAhead))

	negotiated := &Connection{collectionsSupport: true}
	assert.Equal(t, engine.StatusUnknownCollection, negotiated.remapEngineError(engine.StatusUnknownCollection))
	assert.Equal(t, engine.StatusManifestAhead, negotiated.remapEngineError(engine.StatusManifestAhead))
}

func TestRemapEngineError_UnawareClientsDisconnect(t *testing.T) {
	c := &Connection{}

	for _, code := range []engine.Status{
		engine.StatusEaccess, engine.StatusNoBucket,
		engine.StatusAuthStale, engine.StatusDurabilityInvalidLevel,
		engine.StatusDurabilityImpossible, engine.StatusSyncWriteAmbiguous,
		engine.StatusDcpStreamIDInvalid,
	} {
		assert.Equal(t, engine.StatusDisconnect, c.remapEngineError(code), "%s", code)
	}
}

func TestProtocolStatus_ManifestAhead(t *testing.T) {
	assert.Equal(t, mcbp.StatusManifestIsAhead, protocolStatus(engine.StatusManifestAhead))
	assert.Equal(t, mcbp.StatusUnknownCollection, protocolStatus(engine.StatusUnknownCollection))
}
