package server

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/internal/subdoc"
	"github.com/marmos91/dittokv/pkg/engine"
)

func subdocSinglePathExecutor(c *Connection, ck *Cookie) {
	subdocExecutor(c, ck)
}

func subdocMultiPathExecutor(c *Connection, ck *Cookie) {
	subdocExecutor(c, ck)
}

// subdocExecutor drives a sub-document request through fetch, the
// operation phases, the optional write-back and the response. When the
// client sent CAS zero a concurrent writer triggers an automatic
// retry of the whole cycle, bounded at subdocAutoRetryBound attempts.
func subdocExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}

	p := ck.packet
	autoRetry := p.Cas == 0

	ck.swapAiostat(engine.StatusSuccess)

	for attempts := 0; ; {
		attempts++

		ctx, ok := ck.cmdContext.(*subdocContext)
		if !ok || ctx == nil {
			fresh, status := newSubdocContext(c, ck)
			if status != mcbp.StatusSuccess {
				ck.sendSimpleStatus(status)
				return
			}
			if ck.cmdContext != nil {
				ck.cmdContext.Done()
			}
			ck.cmdContext = fresh
			ctx = fresh
		}

		// 1. Fetch the document (or synthesize one).
		if !ctx.fetched {
			switch status := ctx.fetch(); status {
			case engine.StatusSuccess:
			case engine.StatusWouldBlock:
				ck.setEwouldblock()
				return
			default:
				ck.sendEngineError(status)
				return
			}
		}

		// 2. Authorize XATTR access before either xattr phase runs.
		if status := ctx.authorizeXattrs(); status != engine.StatusSuccess {
			ck.sendEngineError(status)
			return
		}

		// 3-5. Run the phases.
		if !ctx.operate() {
			// A mutation path failed; the response carries the per-op
			// verdicts and nothing is written.
			ctx.respond()
			return
		}

		// 6-7. Write back (mutations that modified something).
		status := ctx.update()
		if status == engine.StatusKeyEexists && autoRetry {
			if attempts >= subdocAutoRetryBound {
				c.logWarn("subdoc hit the auto-retry bound (%d) for %s; returning tmpfail",
					subdocAutoRetryBound, p.ClientOpcode())
				ck.sendSimpleStatus(mcbp.StatusEtmpfail)
				return
			}
			// Restart the cycle against the current document.
			ck.cmdContext.Done()
			ck.cmdContext = nil
			continue
		}
		switch status {
		case engine.StatusSuccess:
		case engine.StatusWouldBlock:
			ck.setEwouldblock()
			return
		default:
			ck.sendEngineError(status)
			return
		}

		// 8. Respond.
		ctx.respond()
		return
	}
}

// fetch loads the document from the engine, inflating and splitting it
// into the xattr set and the body.
func (ctx *subdocContext) fetch() engine.Status {
	ck := ctx.cookie
	p := ck.packet

	filter := engine.DocStateAlive
	if ctx.docFlags&subdocDocFlagAccessDeleted != 0 {
		filter = engine.DocStateAliveOrDeleted
	}

	item, status := ctx.conn.engine().Get(ck, p.Key, p.Vbucket(), filter)
	switch status {
	case engine.StatusSuccess:
	case engine.StatusKeyEnoent:
		if !ctx.mutator {
			return status
		}
		if ctx.docFlags&(subdocDocFlagMkdoc|subdocDocFlagAdd) == 0 {
			// Replace semantics on a missing document.
			return status
		}
		// Synthesize an empty document; the root type is inferred
		// from the first mutator's path.
		root := "{}"
		if ops := ctx.allOps(); len(ops) > 0 && strings.HasPrefix(ops[0].path, "[") {
			root = "[]"
		}
		ctx.needsNewDoc = true
		ctx.fetched = true
		ctx.xattrs = subdoc.Xattrs{}
		ctx.body = []byte(root)
		ctx.bodyDatatype = mcbp.DatatypeJSON
		return engine.StatusSuccess
	default:
		return status
	}
	defer ctx.conn.engine().Release(item)

	if p.Cas != 0 && p.Cas != item.Cas {
		return engine.StatusKeyEexists
	}

	value, datatype, err := maybeInflate(item.Value, item.Datatype)
	if err != nil {
		return engine.StatusFailed
	}
	blob, body, err := subdoc.SplitBody(value, datatype.IsXattr())
	if err != nil {
		return engine.StatusFailed
	}
	xattrs, err := subdoc.ParseXattrs(blob)
	if err != nil {
		return engine.StatusFailed
	}

	ctx.fetched = true
	ctx.inCas = item.Cas
	ctx.inDeleted = item.Deleted
	ctx.inFlags = item.Flags
	ctx.xattrs = xattrs
	ctx.body = append([]byte(nil), body...)
	ctx.bodyDatatype = datatype &^ mcbp.DatatypeXattr
	ctx.meta = subdoc.DocumentMeta{
		Cas:         item.Cas,
		VbucketUUID: item.VbucketUUID,
		SeqNo:       item.SeqNo,
		Expiry:      item.Expiry,
		Flags:       item.Flags,
		ValueBytes:  len(body),
		Datatype:    datatype,
		Deleted:     item.Deleted,
	}
	return engine.StatusSuccess
}

// authorizeXattrs checks the privileges the request's xattr phase
// needs: system attributes ('_' prefix) demand the system variants,
// $XTOC needs at least one of the read privileges, $document none.
func (ctx *subdocContext) authorizeXattrs() engine.Status {
	c := ctx.conn
	ck := ctx.cookie

	for _, spec := range ctx.xattrOps {
		key, _ := subdoc.SplitXattrKey(spec.path)

		switch {
		case key == subdoc.VattrDocument:
			// No privilege requirement.

		case key == subdoc.VattrXtoc:
			if c.internal {
				continue
			}
			if c.privContext.Check(rbac.PrivXattrRead) != rbac.CheckOk &&
				c.privContext.Check(rbac.PrivSystemXattrRead) != rbac.CheckOk {
				return engine.StatusEaccess
			}

		case subdoc.IsSystemKey(key):
			priv := rbac.PrivSystemXattrRead
			if spec.mutator {
				priv = rbac.PrivSystemXattrWrite
			}
			if status := c.checkPrivilege(ck, priv); status != engine.StatusSuccess {
				return status
			}

		default:
			priv := rbac.PrivXattrRead
			if spec.mutator {
				priv = rbac.PrivXattrWrite
			}
			if status := c.checkPrivilege(ck, priv); status != engine.StatusSuccess {
				return status
			}
		}
	}
	return engine.StatusSuccess
}

// operate runs the xattr, xattr-delete and body phases. It returns
// false when a mutation path failed (aborting the write).
func (ctx *subdocContext) operate() bool {
	return ctx.xattrPhase() && ctx.xattrDeletePhase() && ctx.bodyPhase()
}

// xattrPhase runs every xattr-flagged operation against a synthesized
// single-attribute document.
func (ctx *subdocContext) xattrPhase() bool {
	op := ctx.conn.server.subdocOp

	for _, spec := range ctx.xattrOps {
		key, rest := subdoc.SplitXattrKey(spec.path)

		// Virtual attributes are materialized on the fly.
		if subdoc.IsVirtualKey(key) {
			ctx.runVattrOp(spec, key, rest)
			if spec.mutator && spec.status != mcbp.StatusSuccess {
				return false
			}
			continue
		}

		wrapper := subdoc.Xattrs{}
		if current, ok := ctx.xattrs[key]; ok {
			wrapper[key] = current
		}
		doc := encodeWrapperDoc(wrapper)

		value := spec.value
		if spec.flags&subdocFlagExpandMacros != 0 {
			value = subdoc.ExpandMacros(value)
		}

		path := key
		if rest != "" {
			if strings.HasPrefix(rest, "[") {
				path = key + rest
			} else {
				path = key + "." + rest
			}
		}

		create := spec.flags&subdocFlagMkdirP != 0 || ctx.docFlags&subdocDocFlagMkdoc != 0
		result, status := op.Execute(doc, spec.op, path, value, create)
		spec.status = status
		if status == mcbp.StatusSuccess {
			spec.result = result.Match
			if spec.mutator {
				ctx.applyXattrResult(key, result.Doc)
			}
		} else if spec.mutator {
			return false
		}
	}
	return true
}

// applyXattrResult folds an operator result document back into the
// attribute set.
func (ctx *subdocContext) applyXattrResult(key string, doc []byte) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(doc, &wrapper); err != nil {
		return
	}
	if updated, ok := wrapper[key]; ok {
		ctx.xattrs[key] = []byte(updated)
	} else {
		delete(ctx.xattrs, key)
	}
	ctx.xattrModified = true
}

// runVattrOp executes a lookup against a virtual attribute value.
func (ctx *subdocContext) runVattrOp(spec *subdocOpSpec, key, rest string) {
	if spec.mutator {
		spec.status = mcbp.StatusSubdocXattrCantModifyVattr
		return
	}

	var synthesized []byte
	switch key {
	case subdoc.VattrDocument:
		synthesized = subdoc.DocumentVattr(ctx.meta)
	case subdoc.VattrXtoc:
		c := ctx.conn
		canUser := c.internal || c.privContext.Check(rbac.PrivXattrRead) == rbac.CheckOk
		canSystem := c.internal || c.privContext.Check(rbac.PrivSystemXattrRead) == rbac.CheckOk
		synthesized = subdoc.XtocVattr(ctx.xattrs, canUser, canSystem)
	default:
		spec.status = mcbp.StatusSubdocXattrUnknownVattr
		return
	}

	result, status := ctx.conn.server.subdocOp.Execute(synthesized, spec.op, rest, nil, false)
	spec.status = status
	if status == mcbp.StatusSuccess {
		spec.result = result.Match
	}
}

// xattrDeletePhase strips user attributes when a multi-mutation also
// deletes the document body; system attributes ride on the tombstone.
func (ctx *subdocContext) xattrDeletePhase() bool {
	if !ctx.doDeleteDoc {
		return true
	}
	before := len(ctx.xattrs)
	ctx.xattrs.StripUserXattrs()
	if len(ctx.xattrs) != before {
		ctx.xattrModified = true
	}
	return true
}

// bodyPhase runs the body operations. Whole-document operations bypass
// the path operator; everything else is a JSON path operation and
// requires the stored datatype to carry the JSON bit. The gate is on
// the datatype, not the bytes: a raw document whose content happens to
// parse as JSON is still not a JSON document.
func (ctx *subdocContext) bodyPhase() bool {
	op := ctx.conn.server.subdocOp

	for _, spec := range ctx.bodyOps {
		if !spec.op.IsWholeDoc() && !ctx.bodyDatatype.IsJSON() {
			spec.status = mcbp.StatusSubdocDocNotJSON
			if spec.mutator {
				return false
			}
			continue
		}

		result, status := op.Execute(ctx.body, spec.op, spec.path, spec.value, spec.flags&subdocFlagMkdirP != 0 || ctx.docFlags&subdocDocFlagMkdoc != 0)
		spec.status = status
		if status != mcbp.StatusSuccess {
			if spec.mutator {
				return false
			}
			continue
		}

		spec.result = result.Match
		if spec.mutator {
			ctx.body = result.Doc
			ctx.bodyModified = true
			if spec.op == subdoc.OpSetDoc {
				if json.Valid(ctx.body) {
					ctx.bodyDatatype = mcbp.DatatypeJSON
				} else {
					ctx.bodyDatatype = mcbp.DatatypeRaw
				}
			}
		}
	}
	return true
}

// update assembles and stores the rewritten document. Lookups (and
// mutations that changed nothing) skip the write.
func (ctx *subdocContext) update() engine.Status {
	if !ctx.mutator || (!ctx.xattrModified && !ctx.bodyModified) {
		return engine.StatusSuccess
	}

	blob := ctx.xattrs.Encode()
	value := make([]byte, 0, len(blob)+len(ctx.body))
	value = append(value, blob...)
	value = append(value, ctx.body...)

	datatype := ctx.bodyDatatype
	if json.Valid(ctx.body) {
		datatype |= mcbp.DatatypeJSON
	} else {
		datatype &^= mcbp.DatatypeJSON
	}
	if len(blob) > 0 {
		datatype |= mcbp.DatatypeXattr
	}

	p := ctx.cookie.packet
	item := &engine.Item{
		Key:      p.Key,
		Value:    value,
		Datatype: datatype,
		Flags:    ctx.inFlags,
		Expiry:   ctx.expiry,
		Vbucket:  p.Vbucket(),
		Deleted:  ctx.inDeleted,
	}

	semantics := engine.StoreSet
	if ctx.needsNewDoc {
		semantics = engine.StoreAdd
	} else {
		item.Cas = ctx.inCas
	}
	if ctx.doDeleteDoc {
		item.Deleted = true
	}

	result, status := ctx.conn.engine().Store(ctx.cookie, item, semantics)
	if status == engine.StatusSuccess {
		ctx.mutationResult = result
	}
	if ctx.needsNewDoc && status == engine.StatusKeyEexists {
		// Someone recreated the document under us; the auto-retry
		// loop re-fetches it.
		return engine.StatusKeyEexists
	}
	return status
}

// respond renders the response for the request shape.
func (ctx *subdocContext) respond() {
	if ctx.single {
		ctx.respondSingle()
	} else if ctx.mutator {
		ctx.respondMultiMutation()
	} else {
		ctx.respondMultiLookup()
	}
}

func (ctx *subdocContext) overallSuccessStatus() mcbp.Status {
	if ctx.inDeleted {
		return mcbp.StatusSubdocSuccessDeleted
	}
	return mcbp.StatusSuccess
}

func (ctx *subdocContext) respondSingle() {
	ck := ctx.cookie
	spec := ctx.allOps()[0]

	if spec.status != mcbp.StatusSuccess {
		ck.sendSimpleStatus(spec.status)
		return
	}

	if spec.mutator {
		extras := ctx.mutationDescrExtras()
		ck.sendResponse(ctx.overallSuccessStatus(), extras, nil, spec.result, responseDatatype(spec.result), ctx.mutationResult.Cas)
		return
	}

	datatype := responseDatatype(spec.result)
	ck.sendResponse(ctx.overallSuccessStatus(), nil, nil, spec.result, datatype, ctx.inCas)
}

// respondMultiLookup renders the per-op array:
// {status[2] resultlen[4] result}*
func (ctx *subdocContext) respondMultiLookup() {
	ck := ctx.cookie

	anyFailed := false
	var body []byte
	for _, spec := range ctx.allOps() {
		if spec.status != mcbp.StatusSuccess {
			anyFailed = true
		}
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(spec.status))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(spec.result)))
		body = append(body, hdr[:]...)
		body = append(body, spec.result...)
	}

	status := ctx.overallSuccessStatus()
	if anyFailed {
		status = mcbp.StatusSubdocMultiPathFailure
		if ctx.inDeleted {
			status = mcbp.StatusSubdocMultiPathFailureDeleted
		}
	}
	ck.sendResponse(status, nil, nil, body, mcbp.DatatypeRaw, ctx.inCas)
}

// respondMultiMutation reports either the first failing op (and writes
// nothing) or the successful per-op results:
// success body: {index[1] status[2] resultlen[4] result}* for ops with
// a result value; failure body: {index[1] status[2]} of the first
// failure.
func (ctx *subdocContext) respondMultiMutation() {
	ck := ctx.cookie

	for index, spec := range ctx.allOps() {
		if spec.status == mcbp.StatusSuccess {
			continue
		}
		body := make([]byte, 3)
		body[0] = uint8(index)
		binary.BigEndian.PutUint16(body[1:3], uint16(spec.status))
		ck.sendResponse(mcbp.StatusSubdocMultiPathFailure, nil, nil, body, mcbp.DatatypeRaw, 0)
		return
	}

	var body []byte
	for index, spec := range ctx.allOps() {
		if len(spec.result) == 0 {
			continue
		}
		var hdr [7]byte
		hdr[0] = uint8(index)
		binary.BigEndian.PutUint16(hdr[1:3], uint16(spec.status))
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(spec.result)))
		body = append(body, hdr[:]...)
		body = append(body, spec.result...)
	}

	ck.sendResponse(ctx.overallSuccessStatus(), ctx.mutationDescrExtras(), nil, body, mcbp.DatatypeRaw, ctx.mutationResult.Cas)
}

// mutationDescrExtras renders the mutation descriptor when the client
// negotiated MUTATION_SEQNO: vbucket_uuid[8] || seqno[8].
func (ctx *subdocContext) mutationDescrExtras() []byte {
	return mutationExtras(ctx.conn, ctx.mutationResult)
}

func responseDatatype(value []byte) mcbp.Datatype {
	if len(value) > 0 && json.Valid(value) {
		return mcbp.DatatypeJSON
	}
	return mcbp.DatatypeRaw
}

// encodeWrapperDoc renders {"key": value} for the xattr phase.
func encodeWrapperDoc(x subdoc.Xattrs) []byte {
	if len(x) == 0 {
		return []byte("{}")
	}
	out := []byte("{")
	first := true
	for k, v := range x {
		if !first {
			out = append(out, ',')
		}
		first = false
		quoted, _ := json.Marshal(k)
		out = append(out, quoted...)
		out = append(out, ':')
		out = append(out, v...)
	}
	return append(out, '}')
}
