package server

import (
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

// engineToProtocol maps engine status codes to wire statuses. Codes
// with no entry (would_block, want_more, disconnect) never appear in a
// response header.
var engineToProtocol = map[engine.Status]mcbp.Status{
	engine.StatusSuccess:                     mcbp.StatusSuccess,
	engine.StatusKeyEnoent:                   mcbp.StatusKeyEnoent,
	engine.StatusKeyEexists:                  mcbp.StatusKeyEexists,
	engine.StatusEnomem:                      mcbp.StatusEnomem,
	engine.StatusNotStored:                   mcbp.StatusNotStored,
	engine.StatusEinval:                      mcbp.StatusEinval,
	engine.StatusEnotsup:                     mcbp.StatusNotSupported,
	engine.StatusE2big:                       mcbp.StatusE2big,
	engine.StatusEaccess:                     mcbp.StatusEaccess,
	engine.StatusNotMyVbucket:                mcbp.StatusNotMyVbucket,
	engine.StatusTmpfail:                     mcbp.StatusEtmpfail,
	engine.StatusErange:                      mcbp.StatusErange,
	engine.StatusRollback:                    mcbp.StatusRollback,
	engine.StatusNoBucket:                    mcbp.StatusNoBucket,
	engine.StatusEbusy:                       mcbp.StatusEbusy,
	engine.StatusAuthStale:                   mcbp.StatusAuthStale,
	engine.StatusDeltaBadval:                 mcbp.StatusDeltaBadval,
	engine.StatusLocked:                      mcbp.StatusLocked,
	engine.StatusUnknownCollection:           mcbp.StatusUnknownCollection,
	engine.StatusManifestAhead:               mcbp.StatusManifestIsAhead,
	engine.StatusDurabilityInvalidLevel:      mcbp.StatusDurabilityInvalidLevel,
	engine.StatusDurabilityImpossible:        mcbp.StatusDurabilityImpossible,
	engine.StatusSyncWriteInProgress:         mcbp.StatusSyncWriteInProgress,
	engine.StatusSyncWriteAmbiguous:          mcbp.StatusSyncWriteAmbiguous,
	engine.StatusSyncWriteReCommitInProgress: mcbp.StatusSyncWriteReCommitInProgress,
	engine.StatusDcpStreamIDInvalid:          mcbp.StatusDcpStreamIDInvalid,
	engine.StatusFailed:                      mcbp.StatusEinternal,
	engine.StatusPredicateFailed:             mcbp.StatusEinternal,
}

// protocolStatus converts an engine status to its wire status.
func protocolStatus(s engine.Status) mcbp.Status {
	if st, ok := engineToProtocol[s]; ok {
		return st
	}
	return mcbp.StatusEinternal
}

// remapEngineError adjusts an engine status for the client's
// negotiated capabilities. Clients that spoke XERROR receive every
// code verbatim. For everyone else the whitelist below passes through;
// a handful of codes degrade to classic equivalents; anything left
// means the client cannot understand the failure, so the connection is
// dropped.
func (c *Connection) remapEngineError(code engine.Status) engine.Status {
	if c.xerrorSupport {
		return code
	}

	switch code {
	case engine.StatusSuccess,
		engine.StatusKeyEnoent,
		engine.StatusKeyEexists,
		engine.StatusEnomem,
		engine.StatusNotStored,
		engine.StatusEinval,
		engine.StatusEnotsup,
		engine.StatusWouldBlock,
		engine.StatusE2big,
		engine.StatusWantMore,
		engine.StatusDisconnect,
		engine.StatusNotMyVbucket,
		engine.StatusTmpfail,
		engine.StatusErange,
		engine.StatusRollback,
		engine.StatusEbusy,
		engine.StatusDeltaBadval,
		engine.StatusPredicateFailed,
		engine.StatusFailed:
		return code

	case engine.StatusLocked:
		return engine.StatusKeyEexists
	case engine.StatusLockedTmpfail:
		return engine.StatusTmpfail
	case engine.StatusUnknownCollection,
		engine.StatusManifestAhead:
		if c.collectionsSupport {
			return code
		}
		return engine.StatusEinval
	case engine.StatusSyncWriteInProgress,
		engine.StatusSyncWriteReCommitInProgress:
		// Old clients can retry on tmpfail.
		return engine.StatusTmpfail
	}

	// The rest of the codes (eaccess, no_bucket, auth_stale, the
	// durability family, sync_write_ambiguous, dcp_streamid_invalid)
	// have no classic equivalent.
	c.logWarn("client not aware of extended error code (%s); disconnecting", code)
	return engine.StatusDisconnect
}

// errorInfoSuppressed lists the statuses whose responses must not
// carry the error-info JSON object: successes, statuses whose body has
// its own meaning, and rollback.
func errorInfoSuppressed(status mcbp.Status) bool {
	switch status {
	case mcbp.StatusSuccess,
		mcbp.StatusSubdocSuccessDeleted,
		mcbp.StatusSubdocMultiPathFailure,
		mcbp.StatusRollback,
		mcbp.StatusNotMyVbucket:
		return true
	}
	return false
}
