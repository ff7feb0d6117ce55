package server

import (
	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/pkg/engine"
)

// privilegeChains maps each opcode to the privileges it requires. An
// opcode with no entry needs no privilege and is accepted on any
// connection, authenticated or not (HELLO, SASL, VERSION, ...).
var privilegeChains = map[mcbp.ClientOpcode][]rbac.Privilege{
	mcbp.OpGet:        {rbac.PrivRead},
	mcbp.OpGetq:       {rbac.PrivRead},
	mcbp.OpGetk:       {rbac.PrivRead},
	mcbp.OpGetkq:      {rbac.PrivRead},
	mcbp.OpGetReplica: {rbac.PrivRead},
	mcbp.OpGetLocked:  {rbac.PrivRead},
	mcbp.OpUnlockKey:  {rbac.PrivRead},

	mcbp.OpSet:      {rbac.PrivUpsert},
	mcbp.OpSetq:     {rbac.PrivUpsert},
	mcbp.OpAdd:      {rbac.PrivInsert},
	mcbp.OpAddq:     {rbac.PrivInsert},
	mcbp.OpReplace:  {rbac.PrivUpsert},
	mcbp.OpReplaceq: {rbac.PrivUpsert},

	mcbp.OpAppend:   {rbac.PrivUpsert},
	mcbp.OpAppendq:  {rbac.PrivUpsert},
	mcbp.OpPrepend:  {rbac.PrivUpsert},
	mcbp.OpPrependq: {rbac.PrivUpsert},

	mcbp.OpDelete:  {rbac.PrivDelete},
	mcbp.OpDeleteq: {rbac.PrivDelete},

	mcbp.OpIncrement:  {rbac.PrivUpsert},
	mcbp.OpIncrementq: {rbac.PrivUpsert},
	mcbp.OpDecrement:  {rbac.PrivUpsert},
	mcbp.OpDecrementq: {rbac.PrivUpsert},

	mcbp.OpTouch: {rbac.PrivUpsert},
	mcbp.OpGat:   {rbac.PrivUpsert},
	mcbp.OpGatq:  {rbac.PrivUpsert},

	mcbp.OpFlush:  {rbac.PrivBucketManagement},
	mcbp.OpFlushq: {rbac.PrivBucketManagement},

	mcbp.OpGetRandomKey: {rbac.PrivRead},

	mcbp.OpStat: {rbac.PrivSimpleStats},

	mcbp.OpSubdocGet:            {rbac.PrivRead},
	mcbp.OpSubdocExists:         {rbac.PrivRead},
	mcbp.OpSubdocGetCount:       {rbac.PrivRead},
	mcbp.OpSubdocMultiLookup:    {rbac.PrivRead},
	mcbp.OpSubdocDictAdd:        {rbac.PrivUpsert},
	mcbp.OpSubdocDictUpsert:     {rbac.PrivUpsert},
	mcbp.OpSubdocDelete:         {rbac.PrivUpsert},
	mcbp.OpSubdocReplace:        {rbac.PrivUpsert},
	mcbp.OpSubdocArrayPushLast:  {rbac.PrivUpsert},
	mcbp.OpSubdocArrayPushFirst: {rbac.PrivUpsert},
	mcbp.OpSubdocArrayInsert:    {rbac.PrivUpsert},
	mcbp.OpSubdocArrayAddUnique: {rbac.PrivUpsert},
	mcbp.OpSubdocCounter:        {rbac.PrivUpsert},
	mcbp.OpSubdocMultiMutation:  {rbac.PrivUpsert},

	mcbp.OpDcpOpen:                  {rbac.PrivDcpProducer},
	mcbp.OpDcpStreamReq:             {rbac.PrivDcpProducer},
	mcbp.OpDcpCloseStream:           {rbac.PrivDcpProducer},
	mcbp.OpDcpGetFailoverLog:        {rbac.PrivDcpProducer},
	mcbp.OpDcpBufferAcknowledgement: {rbac.PrivDcpProducer},
	mcbp.OpDcpControl:               {rbac.PrivDcpProducer},
	mcbp.OpDcpNoop:                  {rbac.PrivDcpProducer},

	mcbp.OpSetVbucket: {rbac.PrivNodeManagement},
	mcbp.OpDelVbucket: {rbac.PrivNodeManagement},

	mcbp.OpCreateBucket: {rbac.PrivBucketManagement},
	mcbp.OpDeleteBucket: {rbac.PrivBucketManagement},

	mcbp.OpSetClusterConfig: {rbac.PrivSecurityManagement},

	mcbp.OpAuthProvider: {rbac.PrivSecurityManagement},
	mcbp.OpUpdateExternalUserPermissions: {rbac.PrivSecurityManagement},
	mcbp.OpRbacRefresh:                   {rbac.PrivSecurityManagement},

	mcbp.OpEwouldblockCtl: {rbac.PrivAdministrator},
}

// privilegeRebuildBound caps the stale-context rebuild loop.
const privilegeRebuildBound = 100

// checkPrivilege authorizes one privilege for the current request,
// rebuilding a stale privilege context from the current database (at
// most privilegeRebuildBound times). The returned engine status is
// success, eaccess or auth_stale.
func (c *Connection) checkPrivilege(ck *Cookie, priv rbac.Privilege) engine.Status {
	if c.internal {
		return engine.StatusSuccess
	}

	for attempt := 0; attempt < privilegeRebuildBound; attempt++ {
		switch c.privContext.Check(priv) {
		case rbac.CheckOk:
			return engine.StatusSuccess

		case rbac.CheckFail:
			c.server.auditSink.Put(audit.Event{
				Event:  audit.EventAccessDenied,
				Peer:   c.peer,
				User:   c.user,
				Bucket: c.bucket().Name,
				Detail: map[string]any{
					"privilege": priv.String(),
					"opcode":    ck.packet.ClientOpcode().String(),
				},
			})
			ck.SetErrorContext("no access to privilege " + priv.String())
			return engine.StatusEaccess

		case rbac.CheckStale:
			// Rebuild against the current database. If the bucket
			// went away in the meantime, rebuild against "no bucket".
			bucket := c.bucket().Name
			if c.server.bucketIndexByName(bucket) == 0 {
				bucket = ""
			}
			rebuilt, err := c.server.rbacDB.CreateContext(c.user, c.domain, bucket)
			if err != nil {
				c.logWarn("privilege context rebuild failed for %q: %v", c.user, err)
				return engine.StatusAuthStale
			}
			c.privContext = rebuilt
		}
	}

	c.logWarn("privilege check stuck in stale loop (%d attempts); surfacing auth_stale", privilegeRebuildBound)
	return engine.StatusAuthStale
}

// authorize runs the opcode's privilege chain.
func (c *Connection) authorize(ck *Cookie) engine.Status {
	privs, ok := privilegeChains[ck.packet.ClientOpcode()]
	if !ok || len(privs) == 0 {
		return engine.StatusSuccess
	}
	if c.privContext == nil && !c.internal {
		// Unauthenticated connections only reach the chain-less
		// opcodes (HELLO, SASL, VERSION, ...).
		return engine.StatusEaccess
	}
	for _, priv := range privs {
		if status := c.checkPrivilege(ck, priv); status != engine.StatusSuccess {
			return status
		}
	}
	return engine.StatusSuccess
}
