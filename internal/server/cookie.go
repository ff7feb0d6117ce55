package server

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

// CommandContext is the per-executor state bag a cookie carries across
// ewouldblock re-entries. Each steppable executor defines its own
// concrete type.
type CommandContext interface {
	// Done releases any engine resources the context still holds.
	Done()
}

// Cookie is the per-request context: it owns the packet view, the
// suspension state, the response bookkeeping and the error extras. A
// connection in strictly ordered mode has exactly one live cookie;
// unordered execution keeps several in flight.
type Cookie struct {
	conn *Connection

	packet *mcbp.Packet
	// packetCopied is set once the packet bytes have been detached
	// from the connection's input buffer (required before suspending).
	packetCopied bool

	// aiostat carries the engine status delivered by
	// NotifyIOComplete; the executor swaps it out on re-entry.
	aiostat     engine.Status
	ewouldblock bool

	cas          uint64
	errorContext string
	errorJSON    map[string]any
	eventID      string

	cmdContext CommandContext

	reorder     bool
	durability  *mcbp.DurabilityRequirements
	tracingCtx  []byte
	dcpStreamID *uint16

	start      time.Time
	responded  bool
	lastStatus mcbp.Status

	refcount atomic.Int32
}

func newCookie(c *Connection) *Cookie {
	return &Cookie{conn: c, aiostat: engine.StatusSuccess}
}

// initialize binds a freshly parsed packet to the cookie.
func (ck *Cookie) initialize(p *mcbp.Packet) {
	ck.packet = p
	ck.packetCopied = false
	ck.aiostat = engine.StatusSuccess
	ck.ewouldblock = false
	ck.cas = 0
	ck.errorContext = ""
	ck.errorJSON = nil
	ck.eventID = ""
	ck.reorder = false
	ck.durability = nil
	ck.tracingCtx = nil
	ck.dcpStreamID = nil
	ck.start = time.Now()
	ck.responded = false
}

// reset clears the cookie after its response has been queued.
func (ck *Cookie) reset() {
	if ck.cmdContext != nil {
		ck.cmdContext.Done()
		ck.cmdContext = nil
	}
	ck.packet = nil
	ck.packetCopied = false
	ck.aiostat = engine.StatusSuccess
	ck.ewouldblock = false
	ck.responded = false
}

// Packet returns the request packet.
func (ck *Cookie) Packet() *mcbp.Packet {
	return ck.packet
}

// detachPacket copies the packet out of the connection's input buffer
// so the view survives suspension while the buffer keeps moving.
func (ck *Cookie) detachPacket() {
	if ck.packetCopied || ck.packet == nil {
		return
	}
	raw := append([]byte(nil), ck.packet.Bytes()...)
	copied, err := mcbp.ParsePacket(raw)
	if err == nil {
		ck.packet = copied
	}
	ck.packetCopied = true
}

// Reserve implements engine.Cookie.
func (ck *Cookie) Reserve() {
	ck.refcount.Add(1)
	ck.conn.incRef()
}

// Release implements engine.Cookie.
func (ck *Cookie) Release() {
	ck.refcount.Add(-1)
	ck.conn.decRef()
}

// NotifyIOComplete implements engine.Cookie. Called from engine
// threads; it hands the status to the owning worker and wakes it.
func (ck *Cookie) NotifyIOComplete(status engine.Status) {
	ck.conn.worker.addPendingIO(ck, status)
}

// ConnectionID implements engine.Cookie.
func (ck *Cookie) ConnectionID() string {
	return ck.conn.id
}

// swapAiostat exchanges the stored async status, returning the old
// value. Executors call this on entry so a resumed request sees the
// engine's verdict exactly once.
func (ck *Cookie) swapAiostat(next engine.Status) engine.Status {
	prev := ck.aiostat
	ck.aiostat = next
	return prev
}

// setEwouldblock records the suspension and detaches the packet so it
// survives until resume.
func (ck *Cookie) setEwouldblock() {
	ck.ewouldblock = true
	ck.detachPacket()
}

// SetErrorContext attaches a human readable context string delivered
// to the client inside the error-info JSON.
func (ck *Cookie) SetErrorContext(context string) {
	ck.errorContext = context
}

// SetErrorJSONExtras merges extra fields into the error-info object.
func (ck *Cookie) SetErrorJSONExtras(extras map[string]any) {
	if ck.errorJSON == nil {
		ck.errorJSON = map[string]any{}
	}
	for k, v := range extras {
		ck.errorJSON[k] = v
	}
}

// EventID returns (allocating on first use) the UUID correlating this
// request's log and audit entries with the client-visible error ref.
func (ck *Cookie) EventID() string {
	if ck.eventID == "" {
		ck.eventID = audit.NewEventUUID()
	}
	return ck.eventID
}

// errorInfoValue renders the error-info JSON body for failed
// responses, or nil when there is nothing to attach.
func (ck *Cookie) errorInfoValue(status mcbp.Status) []byte {
	if errorInfoSuppressed(status) {
		return nil
	}
	if ck.errorContext == "" && ck.eventID == "" && len(ck.errorJSON) == 0 {
		return nil
	}

	inner := map[string]any{}
	if ck.errorContext != "" {
		inner["context"] = ck.errorContext
	}
	if ck.eventID != "" {
		inner["ref"] = ck.eventID
	}
	for k, v := range ck.errorJSON {
		inner[k] = v
	}

	out, err := json.Marshal(map[string]any{"error": inner})
	if err != nil {
		return nil
	}
	return out
}

// sendResponse queues a full response packet. Updates the bucket's
// response counter and arms write_and_go back to new_cmd.
func (ck *Cookie) sendResponse(status mcbp.Status, extras, key, value []byte, datatype mcbp.Datatype, cas uint64) {
	c := ck.conn

	if !status.IsSuccess() && c.xerrorSupport {
		if info := ck.errorInfoValue(status); info != nil {
			value = info
			key = nil
			extras = nil
			datatype = mcbp.DatatypeJSON
		}
	}
	if !c.jsonSupport {
		datatype &^= mcbp.DatatypeJSON
	}

	builder := mcbp.ResponseBuilder{
		Opcode:   ck.packet.Opcode,
		Status:   status,
		Datatype: datatype,
		Opaque:   ck.packet.Opaque,
		Cas:      cas,
		Extras:   extras,
		Key:      key,
		Value:    value,
	}
	if ck.packet.Magic == mcbp.AltClientRequest {
		builder.Magic = mcbp.AltClientResponse
	}
	c.out.copyBytes(builder.Encode())

	c.server.bucketMetrics.RecordResponse(c.bucket().Name, status.String())
	ck.responded = true
	ck.lastStatus = status
	c.writeAndGo = StateNewCmd
	c.sm.setState(StateSendData)
}

// sendSimpleStatus queues a response carrying only a status.
func (ck *Cookie) sendSimpleStatus(status mcbp.Status) {
	ck.sendResponse(status, nil, nil, nil, mcbp.DatatypeRaw, ck.cas)
}

// sendEngineError maps an engine status through the connection's
// error filter and responds (or closes for unmappable codes).
func (ck *Cookie) sendEngineError(code engine.Status) {
	remapped := ck.conn.remapEngineError(code)
	switch remapped {
	case engine.StatusDisconnect:
		ck.conn.setCloseReason("engine status " + code.String())
		ck.conn.sm.setState(StateClosing)
	case engine.StatusWouldBlock, engine.StatusWantMore:
		ck.conn.logWarn("attempt to send %s as a response; closing", remapped)
		ck.conn.sm.setState(StateClosing)
	case engine.StatusNotMyVbucket:
		ck.sendNotMyVbucket()
	default:
		ck.sendSimpleStatus(protocolStatus(remapped))
	}
}

// sendNotMyVbucket queues an NMVB response. The cluster map payload is
// deduplicated against the revision this connection last saw; a
// current revision of -1 disables dedup.
func (ck *Cookie) sendNotMyVbucket() {
	c := ck.conn
	revision, payload := c.server.clusterMap.Current()

	var value []byte
	var datatype mcbp.Datatype
	if revision == ClusterMapNoRevision || revision != c.lastSeenClusterRev {
		value = payload
		datatype = mcbp.DatatypeJSON
		if revision != ClusterMapNoRevision {
			c.lastSeenClusterRev = revision
		}
	}

	ck.sendResponse(mcbp.StatusNotMyVbucket, nil, nil, value, datatype, 0)
}

// obtainContext returns the cookie's command context if its dynamic
// type matches T, otherwise constructs a fresh one (disposing any
// prior context of a different type). This is what lets executors
// resume after ewouldblock without re-parsing their inputs.
func obtainContext[T CommandContext](ck *Cookie, create func() T) T {
	if existing, ok := ck.cmdContext.(T); ok {
		return existing
	}
	if ck.cmdContext != nil {
		ck.cmdContext.Done()
	}
	fresh := create()
	ck.cmdContext = fresh
	return fresh
}

// toJSON renders the cookie for diagnostics and crash logging.
func (ck *Cookie) toJSON() json.RawMessage {
	snapshot := map[string]any{
		"aiostat":     ck.aiostat.String(),
		"ewouldblock": ck.ewouldblock,
		"refcount":    ck.refcount.Load(),
		"responded":   ck.responded,
	}
	if ck.packet != nil {
		snapshot["packet"] = ck.packet.ToJSON()
	}
	if ck.errorContext != "" {
		snapshot["error_context"] = ck.errorContext
	}
	if ck.eventID != "" {
		snapshot["event_id"] = ck.eventID
	}
	out, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}
