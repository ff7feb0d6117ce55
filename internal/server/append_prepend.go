package server

import (
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/subdoc"
	"github.com/marmos91/dittokv/pkg/engine"
)

// appendPrependState is the step of the fetch-modify-store cycle.
type appendPrependState int

const (
	apValidateInput appendPrependState = iota
	apGetItem
	apAllocateNewItem
	apStoreItem
	apReset
	apDone
)

// appendPrependContext is the steppable command context of APPEND and
// PREPEND: fetch the document, concatenate onto the user body
// (preserving extended attributes), store with the fetched CAS, and on
// a CAS race drop everything and retry up to the configured bound.
type appendPrependContext struct {
	conn   *Connection
	cookie *Cookie

	state   appendPrependState
	prepend bool

	// inputValue is the (inflated) client payload.
	inputValue []byte

	fetched  *engine.Item
	newItem  *engine.Item
	attempts int
}

func (ctx *appendPrependContext) Done() {
	if ctx.fetched != nil {
		ctx.conn.engine().Release(ctx.fetched)
		ctx.fetched = nil
	}
}

func appendPrependExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	op := ck.packet.ClientOpcode()

	ctx := obtainContext(ck, func() *appendPrependContext {
		return &appendPrependContext{
			conn:    c,
			cookie:  ck,
			prepend: op == mcbp.OpPrepend || op == mcbp.OpPrependq,
		}
	})

	ck.swapAiostat(engine.StatusSuccess)
	status := ctx.drive()
	switch status {
	case engine.StatusSuccess:
		// response queued by the store step
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

// drive advances the context until it completes, suspends or fails.
func (ctx *appendPrependContext) drive() engine.Status {
	for {
		var status engine.Status
		switch ctx.state {
		case apValidateInput:
			status = ctx.validateInput()
		case apGetItem:
			status = ctx.getItem()
		case apAllocateNewItem:
			status = ctx.allocateNewItem()
		case apStoreItem:
			status = ctx.storeItem()
		case apReset:
			status = ctx.reset()
		case apDone:
			return engine.StatusSuccess
		}
		if status != engine.StatusSuccess {
			return status
		}
	}
}

// validateInput inflates a Snappy payload before concatenation.
func (ctx *appendPrependContext) validateInput() engine.Status {
	p := ctx.cookie.packet
	value, _, err := maybeInflate(p.Value, p.Datatype)
	if err != nil {
		ctx.cookie.SetErrorContext("invalid Snappy value")
		return engine.StatusEinval
	}
	ctx.inputValue = value
	ctx.state = apGetItem
	return engine.StatusSuccess
}

func (ctx *appendPrependContext) getItem() engine.Status {
	p := ctx.cookie.packet
	item, status := ctx.conn.engine().Get(ctx.cookie, p.Key, p.Vbucket(), engine.DocStateAlive)
	switch status {
	case engine.StatusSuccess:
	case engine.StatusKeyEnoent:
		// memcached semantics: append on a missing document is
		// NOT_STORED, never an implicit create.
		return engine.StatusNotStored
	default:
		return status
	}

	if p.Cas != 0 && item.Cas != p.Cas {
		ctx.conn.engine().Release(item)
		return engine.StatusKeyEexists
	}

	ctx.fetched = item
	ctx.state = apAllocateNewItem
	return engine.StatusSuccess
}

// allocateNewItem builds the concatenated document. The existing value
// may be compressed and may carry extended attributes; the input only
// ever joins the user body.
func (ctx *appendPrependContext) allocateNewItem() engine.Status {
	existing := ctx.fetched
	value := existing.Value
	datatype := existing.Datatype

	if datatype.IsSnappy() {
		plain, dt, err := maybeInflate(value, datatype)
		if err != nil {
			return engine.StatusFailed
		}
		value, datatype = plain, dt
	}

	blob, body, err := subdoc.SplitBody(value, datatype.IsXattr())
	if err != nil {
		return engine.StatusFailed
	}

	newBody := make([]byte, 0, len(blob)+len(body)+len(ctx.inputValue))
	newBody = append(newBody, blob...)
	if ctx.prepend {
		newBody = append(newBody, ctx.inputValue...)
		newBody = append(newBody, body...)
	} else {
		newBody = append(newBody, body...)
		newBody = append(newBody, ctx.inputValue...)
	}

	// Concatenation voids any JSON claim.
	datatype &^= mcbp.DatatypeJSON

	ctx.newItem = &engine.Item{
		Key:      existing.Key,
		Value:    newBody,
		Datatype: datatype,
		Flags:    existing.Flags,
		Expiry:   existing.Expiry,
		Cas:      existing.Cas,
		Vbucket:  existing.Vbucket,
	}
	ctx.state = apStoreItem
	return engine.StatusSuccess
}

func (ctx *appendPrependContext) storeItem() engine.Status {
	result, status := ctx.conn.engine().Store(ctx.cookie, ctx.newItem, engine.StoreSet)
	switch status {
	case engine.StatusSuccess:
		ctx.state = apDone
		ck := ctx.cookie
		if ck.packet.ClientOpcode().IsQuiet() {
			ctx.conn.sm.setState(StateNewCmd)
			return engine.StatusSuccess
		}
		ck.sendResponse(mcbp.StatusSuccess, mutationExtras(ctx.conn, result), nil, nil, mcbp.DatatypeRaw, result.Cas)
		return engine.StatusSuccess

	case engine.StatusKeyEexists:
		if ctx.cookie.packet.Cas != 0 {
			// The client pinned a CAS; the race is theirs to resolve.
			return engine.StatusKeyEexists
		}
		ctx.state = apReset
		return engine.StatusSuccess

	default:
		return status
	}
}

// reset drops the fetched item and the allocation, then retries the
// cycle. The retry count is bounded; past the bound the client sees
// tmpfail and may retry itself.
func (ctx *appendPrependContext) reset() engine.Status {
	ctx.attempts++
	if ctx.attempts >= ctx.conn.server.cfg.Server.AppendPrependMaxRetries {
		ctx.conn.logWarn("append/prepend lost the CAS race %d times; returning tmpfail", ctx.attempts)
		return engine.StatusTmpfail
	}

	if ctx.fetched != nil {
		ctx.conn.engine().Release(ctx.fetched)
		ctx.fetched = nil
	}
	ctx.newItem = nil
	ctx.state = apGetItem
	return engine.StatusSuccess
}
