package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/internal/subdoc"
	"github.com/marmos91/dittokv/pkg/engine"
	"github.com/marmos91/dittokv/pkg/engine/ewb"
	"github.com/marmos91/dittokv/pkg/engine/memory"
)

// Version is the server version reported by the VERSION opcode.
const Version = "1.2.0"

// executorFunc runs one opcode. Executors either queue a response via
// the cookie, suspend by setting ewouldblock, or push the connection
// into closing.
type executorFunc func(c *Connection, ck *Cookie)

var executors map[mcbp.ClientOpcode]executorFunc

func init() {
	executors = map[mcbp.ClientOpcode]executorFunc{
		mcbp.OpGet:   getExecutor,
		mcbp.OpGetq:  getExecutor,
		mcbp.OpGetk:  getExecutor,
		mcbp.OpGetkq: getExecutor,

		mcbp.OpSet:      mutationExecutor,
		mcbp.OpSetq:     mutationExecutor,
		mcbp.OpAdd:      mutationExecutor,
		mcbp.OpAddq:     mutationExecutor,
		mcbp.OpReplace:  mutationExecutor,
		mcbp.OpReplaceq: mutationExecutor,

		mcbp.OpAppend:   appendPrependExecutor,
		mcbp.OpAppendq:  appendPrependExecutor,
		mcbp.OpPrepend:  appendPrependExecutor,
		mcbp.OpPrependq: appendPrependExecutor,

		mcbp.OpDelete:  deleteExecutor,
		mcbp.OpDeleteq: deleteExecutor,

		mcbp.OpIncrement:  arithmeticExecutor,
		mcbp.OpIncrementq: arithmeticExecutor,
		mcbp.OpDecrement:  arithmeticExecutor,
		mcbp.OpDecrementq: arithmeticExecutor,

		mcbp.OpTouch: touchExecutor,
		mcbp.OpGat:   touchExecutor,
		mcbp.OpGatq:  touchExecutor,

		mcbp.OpQuit:  quitExecutor,
		mcbp.OpQuitq: quitExecutor,

		mcbp.OpFlush:  flushExecutor,
		mcbp.OpFlushq: flushExecutor,

		mcbp.OpNoop:      noopExecutor,
		mcbp.OpVersion:   versionExecutor,
		mcbp.OpVerbosity: verbosityExecutor,

		mcbp.OpHello: helloExecutor,

		mcbp.OpSaslListMechs: saslListMechsExecutor,
		mcbp.OpSaslAuth:      saslAuthExecutor,
		mcbp.OpSaslStep:      saslStepExecutor,

		mcbp.OpSelectBucket: selectBucketExecutor,
		mcbp.OpListBuckets:  listBucketsExecutor,

		mcbp.OpStat: statExecutor,

		mcbp.OpGetErrorMap: getErrorMapExecutor,

		mcbp.OpGetClusterConfig: getClusterConfigExecutor,
		mcbp.OpSetClusterConfig: setClusterConfigExecutor,

		mcbp.OpGetVbucket: getVbucketExecutor,
		mcbp.OpSetVbucket: setVbucketExecutor,
		mcbp.OpDelVbucket: delVbucketExecutor,

		mcbp.OpGetLocked: notSupportedExecutor,
		mcbp.OpUnlockKey: notSupportedExecutor,

		mcbp.OpSubdocGet:            subdocSinglePathExecutor,
		mcbp.OpSubdocExists:         subdocSinglePathExecutor,
		mcbp.OpSubdocGetCount:       subdocSinglePathExecutor,
		mcbp.OpSubdocDictAdd:        subdocSinglePathExecutor,
		mcbp.OpSubdocDictUpsert:     subdocSinglePathExecutor,
		mcbp.OpSubdocDelete:         subdocSinglePathExecutor,
		mcbp.OpSubdocReplace:        subdocSinglePathExecutor,
		mcbp.OpSubdocArrayPushLast:  subdocSinglePathExecutor,
		mcbp.OpSubdocArrayPushFirst: subdocSinglePathExecutor,
		mcbp.OpSubdocArrayInsert:    subdocSinglePathExecutor,
		mcbp.OpSubdocArrayAddUnique: subdocSinglePathExecutor,
		mcbp.OpSubdocCounter:        subdocSinglePathExecutor,
		mcbp.OpSubdocMultiLookup:    subdocMultiPathExecutor,
		mcbp.OpSubdocMultiMutation:  subdocMultiPathExecutor,

		mcbp.OpDcpOpen:                  dcpOpenExecutor,
		mcbp.OpDcpStreamReq:             dcpStreamReqExecutor,
		mcbp.OpDcpCloseStream:           dcpCloseStreamExecutor,
		mcbp.OpDcpGetFailoverLog:        dcpGetFailoverLogExecutor,
		mcbp.OpDcpBufferAcknowledgement: dcpBufferAckExecutor,
		mcbp.OpDcpControl:               dcpControlExecutor,
		mcbp.OpDcpNoop:                  dcpNoopExecutor,

		mcbp.OpAuthProvider: authProviderExecutor,

		mcbp.OpUpdateExternalUserPermissions: updateExternalUserPermissionsExecutor,
		mcbp.OpRbacRefresh:                   rbacRefreshExecutor,
		mcbp.OpDropPrivilege:                 dropPrivilegeExecutor,

		mcbp.OpEwouldblockCtl: ewouldblockCtlExecutor,
		mcbp.OpGetCmdTimer:    getCmdTimerExecutor,

		mcbp.OpShutdown: shutdownExecutor,
	}
}

// executeCookie authorizes and dispatches one cookie. Panics from
// executors are contained here: the cookie snapshot is logged
// (best-effort) and the connection closed.
func (c *Connection) executeCookie(ck *Cookie) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("executor panic on %s: %v", ck.packet.ClientOpcode(), r)
			func() {
				defer func() { recover() }()
				c.logError("cookie snapshot: %s", ck.toJSON())
			}()
			c.setCloseReason("executor panic")
			c.sm.setState(StateClosing)
		}
	}()

	if status := c.authorize(ck); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}

	ex := executors[ck.packet.ClientOpcode()]
	if ex == nil {
		ck.sendSimpleStatus(mcbp.StatusUnknownCommand)
		return
	}
	ex(c, ck)
}

// requireBucket fails commands that need a selected bucket.
func requireBucket(c *Connection, ck *Cookie) bool {
	if c.engine() == nil {
		ck.sendEngineError(engine.StatusNoBucket)
		return false
	}
	return true
}

// mutationExtras renders the response extras for a mutation when the
// client negotiated MUTATION_SEQNO: vbucket_uuid[8] || seqno[8].
func mutationExtras(c *Connection, result engine.MutationResult) []byte {
	if !c.mutationSeqnoSupport {
		return nil
	}
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:8], result.VbucketUUID)
	binary.BigEndian.PutUint64(extras[8:16], result.SeqNo)
	return extras
}

// maybeInflate decompresses a Snappy value, returning the plain bytes
// and the datatype with the compression bit cleared.
func maybeInflate(value []byte, datatype mcbp.Datatype) ([]byte, mcbp.Datatype, error) {
	if !datatype.IsSnappy() {
		return value, datatype, nil
	}
	plain, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, datatype, fmt.Errorf("inflate value: %w", err)
	}
	return plain, datatype &^ mcbp.DatatypeSnappy, nil
}

func getExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet
	op := p.ClientOpcode()

	ck.swapAiostat(engine.StatusSuccess)
	item, status := c.engine().Get(ck, p.Key, p.Vbucket(), engine.DocStateAlive)
	switch status {
	case engine.StatusSuccess:
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
		return
	case engine.StatusKeyEnoent:
		// The quiet GET variants stay silent on a miss.
		if !op.IsQuiet() {
			ck.sendEngineError(status)
		}
		return
	default:
		ck.sendEngineError(status)
		return
	}
	defer c.engine().Release(item)

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, item.Flags)

	var key []byte
	if op == mcbp.OpGetk || op == mcbp.OpGetkq {
		key = p.Key
	}

	datatype := item.Datatype
	value := item.Value
	if datatype.IsXattr() {
		// GET returns the document body only; the xattr section stays
		// reachable through sub-document xattr paths.
		plain, dt, err := maybeInflate(value, datatype)
		if err == nil {
			_, value, err = subdoc.SplitBody(plain, true)
		}
		if err != nil {
			ck.sendEngineError(engine.StatusFailed)
			return
		}
		datatype = dt &^ mcbp.DatatypeXattr
	}
	if datatype.IsSnappy() && !c.snappySupport {
		plain, dt, err := maybeInflate(value, datatype)
		if err != nil {
			ck.sendEngineError(engine.StatusFailed)
			return
		}
		value, datatype = plain, dt
	}

	ck.sendResponse(mcbp.StatusSuccess, extras, key, value, datatype, item.Cas)
}

func mutationExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet
	op := p.ClientOpcode()

	flags := binary.BigEndian.Uint32(p.Extras[0:4])
	expiry := binary.BigEndian.Uint32(p.Extras[4:8])

	value, datatype, err := maybeInflate(p.Value, p.Datatype)
	if err != nil {
		ck.SetErrorContext("invalid Snappy value")
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	if json.Valid(value) {
		datatype |= mcbp.DatatypeJSON
	} else {
		datatype &^= mcbp.DatatypeJSON
	}

	semantics := engine.StoreSet
	switch op {
	case mcbp.OpAdd, mcbp.OpAddq:
		semantics = engine.StoreAdd
	case mcbp.OpReplace, mcbp.OpReplaceq:
		semantics = engine.StoreReplace
	}

	item := &engine.Item{
		Key:      p.Key,
		Value:    value,
		Datatype: datatype,
		Flags:    flags,
		Expiry:   expiry,
		Cas:      p.Cas,
		Vbucket:  p.Vbucket(),
	}

	ck.swapAiostat(engine.StatusSuccess)
	result, status := c.engine().Store(ck, item, semantics)
	switch status {
	case engine.StatusSuccess:
		if op.IsQuiet() {
			c.sm.setState(StateNewCmd)
			return
		}
		ck.sendResponse(mcbp.StatusSuccess, mutationExtras(c, result), nil, nil, mcbp.DatatypeRaw, result.Cas)
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

func deleteExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet

	ck.swapAiostat(engine.StatusSuccess)
	result, status := c.engine().Remove(ck, p.Key, p.Vbucket(), p.Cas)
	switch status {
	case engine.StatusSuccess:
		if p.ClientOpcode().IsQuiet() {
			c.sm.setState(StateNewCmd)
			return
		}
		ck.sendResponse(mcbp.StatusSuccess, mutationExtras(c, result), nil, nil, mcbp.DatatypeRaw, result.Cas)
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

func arithmeticExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet
	op := p.ClientOpcode()

	delta := binary.BigEndian.Uint64(p.Extras[0:8])
	initial := binary.BigEndian.Uint64(p.Extras[8:16])
	expiry := binary.BigEndian.Uint32(p.Extras[16:20])
	decrement := op == mcbp.OpDecrement || op == mcbp.OpDecrementq

	ck.swapAiostat(engine.StatusSuccess)
	value, result, status := c.engine().Arithmetic(ck, p.Key, p.Vbucket(), delta, initial, expiry, decrement)
	switch status {
	case engine.StatusSuccess:
		if op.IsQuiet() {
			c.sm.setState(StateNewCmd)
			return
		}
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, value)
		ck.sendResponse(mcbp.StatusSuccess, mutationExtras(c, result), nil, body, mcbp.DatatypeRaw, result.Cas)
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

// touchExecutor refreshes the expiry; GAT additionally returns the
// value.
func touchExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet
	op := p.ClientOpcode()
	expiry := binary.BigEndian.Uint32(p.Extras[0:4])

	ck.swapAiostat(engine.StatusSuccess)
	item, status := c.engine().Get(ck, p.Key, p.Vbucket(), engine.DocStateAlive)
	switch status {
	case engine.StatusSuccess:
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
		return
	default:
		if status == engine.StatusKeyEnoent && op == mcbp.OpGatq {
			c.sm.setState(StateNewCmd)
			return
		}
		ck.sendEngineError(status)
		return
	}
	defer c.engine().Release(item)

	updated := *item
	updated.Expiry = expiry
	result, status := c.engine().Store(ck, &updated, engine.StoreSet)
	if status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}

	if op == mcbp.OpTouch {
		ck.sendResponse(mcbp.StatusSuccess, nil, nil, nil, mcbp.DatatypeRaw, result.Cas)
		return
	}

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, item.Flags)
	ck.sendResponse(mcbp.StatusSuccess, extras, nil, item.Value, item.Datatype, result.Cas)
}

func quitExecutor(c *Connection, ck *Cookie) {
	if ck.packet.ClientOpcode() == mcbp.OpQuit {
		ck.sendSimpleStatus(mcbp.StatusSuccess)
		c.writeAndGo = StateClosing
		return
	}
	c.setCloseReason("client quit")
	c.sm.setState(StateClosing)
}

func flushExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	status := c.engine().Flush(ck)
	if status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	if ck.packet.ClientOpcode().IsQuiet() {
		c.sm.setState(StateNewCmd)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func noopExecutor(_ *Connection, ck *Cookie) {
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func versionExecutor(_ *Connection, ck *Cookie) {
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, []byte(Version), mcbp.DatatypeRaw, 0)
}

func verbosityExecutor(_ *Connection, ck *Cookie) {
	// The verbosity level maps onto the logger's debug switch.
	level := binary.BigEndian.Uint32(ck.packet.Extras[0:4])
	if level > 0 {
		logger.SetLevel("DEBUG")
	} else {
		logger.SetLevel("INFO")
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func selectBucketExecutor(c *Connection, ck *Cookie) {
	name := string(ck.packet.Key)
	idx := c.server.bucketIndexByName(name)
	if idx == 0 {
		ck.sendEngineError(engine.StatusNoBucket)
		return
	}
	if !c.internal && c.privContext != nil {
		rebuilt, err := c.server.rbacDB.CreateContext(c.user, c.domain, name)
		if err == nil {
			c.privContext = rebuilt
		}
		if c.privContext.Check(rbac.PrivSelectBucket) == rbac.CheckFail &&
			c.privContext.Check(rbac.PrivRead) == rbac.CheckFail &&
			c.privContext.Check(rbac.PrivUpsert) == rbac.CheckFail {
			ck.sendEngineError(engine.StatusEaccess)
			return
		}
	}
	c.bucketIndex = idx
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func listBucketsExecutor(c *Connection, ck *Cookie) {
	var names []byte
	for i := 1; i < len(c.server.buckets); i++ {
		if len(names) > 0 {
			names = append(names, ' ')
		}
		names = append(names, c.server.buckets[i].Name...)
	}
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, names, mcbp.DatatypeRaw, 0)
}

func getErrorMapExecutor(_ *Connection, ck *Cookie) {
	if len(ck.packet.Value) != 2 {
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, errorMapPayload(), mcbp.DatatypeJSON, 0)
}

func getClusterConfigExecutor(c *Connection, ck *Cookie) {
	revision, payload := c.server.clusterMap.Current()
	if revision == ClusterMapNoRevision && payload == nil {
		ck.sendSimpleStatus(mcbp.StatusKeyEnoent)
		return
	}
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, payload, mcbp.DatatypeJSON, 0)
}

func setClusterConfigExecutor(c *Connection, ck *Cookie) {
	p := ck.packet
	var revision int64
	if p.ExtrasLen == 4 {
		revision = int64(binary.BigEndian.Uint32(p.Extras[0:4]))
	} else {
		current, _ := c.server.clusterMap.Current()
		revision = current + 1
	}
	c.server.clusterMap.Update(revision, p.Value)
	ck.sendSimpleStatus(mcbp.StatusSuccess)
	c.server.NotifyClustermapChanged(string(p.Key))
}

func getVbucketExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	state := c.engine().VbucketState(ck.packet.Vbucket())
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(state))
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, body, mcbp.DatatypeRaw, 0)
}

func setVbucketExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	p := ck.packet
	var state engine.VbucketState
	if p.ExtrasLen == 1 {
		state = engine.VbucketState(p.Extras[0])
	} else {
		state = engine.VbucketState(binary.BigEndian.Uint32(p.Extras[0:4]))
	}
	if state < engine.VbucketStateDead || state > engine.VbucketStatePending {
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	if status := c.engine().SetVbucketState(p.Vbucket(), state); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func delVbucketExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	if status := c.engine().SetVbucketState(ck.packet.Vbucket(), engine.VbucketStateDead); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func notSupportedExecutor(_ *Connection, ck *Cookie) {
	ck.sendSimpleStatus(mcbp.StatusNotSupported)
}

func dropPrivilegeExecutor(c *Connection, ck *Cookie) {
	priv, err := rbac.ParsePrivilege(string(ck.packet.Key))
	if err != nil || c.privContext == nil {
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	c.privContext.Drop(priv)
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func rbacRefreshExecutor(c *Connection, ck *Cookie) {
	path := c.server.cfg.RBAC.File
	if path == "" {
		ck.sendSimpleStatus(mcbp.StatusSuccess)
		return
	}
	if err := c.server.rbacDB.LoadFile(path); err != nil {
		c.logWarn("rbac refresh failed: %v", err)
		ck.SetErrorContext(err.Error())
		ck.sendSimpleStatus(mcbp.StatusEinternal)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func updateExternalUserPermissionsExecutor(c *Connection, ck *Cookie) {
	var entry struct {
		User    string              `json:"user"`
		Global  []string            `json:"global"`
		Buckets map[string][]string `json:"buckets"`
	}
	if err := json.Unmarshal(ck.packet.Value, &entry); err != nil || entry.User == "" {
		ck.SetErrorContext("invalid rbac entry")
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	c.server.rbacDB.AddUser(entry.User, rbac.DomainExternal, entry.Global, entry.Buckets)
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func ewouldblockCtlExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	wrapper, ok := c.bucket().Engine.(*ewb.Engine)
	if !ok {
		ck.sendSimpleStatus(mcbp.StatusNotSupported)
		return
	}
	p := ck.packet
	mode := binary.BigEndian.Uint32(p.Extras[0:4])
	count := binary.BigEndian.Uint32(p.Extras[4:8])
	wrapper.Configure(ewb.Mode(mode), int(count))
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func getCmdTimerExecutor(c *Connection, ck *Cookie) {
	// Timings live in the metrics registry; the wire interface only
	// promises a JSON document.
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, []byte("{}"), mcbp.DatatypeJSON, 0)
}

func shutdownExecutor(c *Connection, ck *Cookie) {
	c.logWarn("shutdown requested by %s", c.user)
	ck.sendSimpleStatus(mcbp.StatusSuccess)
	c.server.Stop()
}

// memoryEngineOf unwraps the ewb test wrapper when present.
func memoryEngineOf(e engine.Engine) *memory.Engine {
	switch typed := e.(type) {
	case *memory.Engine:
		return typed
	case *ewb.Engine:
		if inner, ok := typed.Engine.(*memory.Engine); ok {
			return inner
		}
	}
	return nil
}
