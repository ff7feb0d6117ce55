package server

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/pkg/engine"
)

// Priority selects the per-event fairness budget of a connection.
type Priority int

const (
	PriorityMedium Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "medium"
}

// resume is one pending-IO completion handed over by the worker.
type resume struct {
	cookie *Cookie
	status engine.Status
}

// Connection is one client connection. It is bound to exactly one
// worker for its entire lifetime; all state mutation outside the
// documented cross-thread paths happens on its own goroutine.
type Connection struct {
	id     string
	server *Server
	worker *Worker

	raw  net.Conn
	sock net.Conn
	peer string

	in  *inputBuffer
	out *sendPipeline
	sm  *StateMachine

	cookie *Cookie
	// inflight holds cookies suspended under unordered execution.
	inflight []*Cookie

	// Negotiated features.
	xerrorSupport          bool
	snappySupport          bool
	jsonSupport            bool
	xattrSupport           bool
	mutationSeqnoSupport   bool
	collectionsSupport     bool
	duplexSupport          bool
	unorderedExecution     bool
	tracingSupport         bool
	altRequestSupport      bool
	syncReplicationSupport bool
	ccnSupport             bool

	// Authentication state.
	authenticated bool
	internal      bool
	user          string
	domain        rbac.Domain
	privContext   *rbac.Context
	agentName     string

	bucketIndex int

	priority        Priority
	maxReqsPerEvent int
	numEvents       int

	writeAndGo State

	// DCP state.
	dcpOpen     bool
	dcpProducer bool
	dcpName     string
	// dcpStreamIDs maps vbucket to the stream id its messages carry.
	dcpStreamIDs map[uint16]uint16

	lastSeenClusterRev int64

	// refcnt counts the connection's own liveness (1) plus every
	// outstanding engine reservation and queued server-side use.
	refcnt atomic.Int32

	// wake is the connection's notification channel; the worker (and
	// only the worker) signals it.
	wake chan struct{}

	// Cross-thread queues, guarded by the worker's mutex.
	pendingResume []resume
	serverEvents  []ServerEvent

	// Send-queue watchdog samples.
	sendqLastSize   int
	sendqLastChange time.Time

	lastActivity time.Time
	closeReason  string

	totalRecv atomic.Uint64
	totalSend atomic.Uint64
}

func newConnection(s *Server, w *Worker, raw net.Conn) *Connection {
	c := &Connection{
		id:                 xid.New().String(),
		server:             s,
		worker:             w,
		raw:                raw,
		sock:               raw,
		peer:               raw.RemoteAddr().String(),
		in:                 newInputBuffer(),
		out:                newSendPipeline(),
		writeAndGo:         StateNewCmd,
		lastSeenClusterRev: clusterMapRevisionSentinel,
		wake:               make(chan struct{}, 1),
		lastActivity:       time.Now(),
		sendqLastChange:    time.Now(),
		domain:             rbac.DomainLocal,
	}
	c.refcnt.Store(1)
	c.setPriority(PriorityMedium)

	initial := StateNewCmd
	if s.tlsConfig != nil {
		initial = StateSslInit
	}
	c.sm = newStateMachine(c, initial)
	c.cookie = newCookie(c)
	return c
}

// run drives the state machine until the connection is destroyed.
func (c *Connection) run() {
	defer func() {
		if r := recover(); r != nil {
			c.logError("panic in connection handler: %v", r)
			if snapshot := c.cookie.toJSON(); snapshot != nil {
				c.logError("cookie snapshot: %s", snapshot)
			}
			_ = c.raw.Close()
			c.worker.removeConnection(c)
		}
	}()

	for {
		c.numEvents = c.maxReqsPerEvent

		for c.sm.Execute() {
			if c.sm.State() == StateDestroyed {
				c.worker.removeConnection(c)
				return
			}
		}
		if c.sm.State() == StateDestroyed {
			c.worker.removeConnection(c)
			return
		}

		// Parked: wait for a worker signal, with a periodic tick so
		// the watchdog and idle timers keep running.
		select {
		case <-c.wake:
		case <-time.After(time.Second):
		}

		if c.checkSendQueueWatchdog() || c.checkIdle() {
			c.setCloseReason("timeout")
			c.sm.setState(StateClosing)
		}
	}
}

// signal wakes the connection's run loop. Safe from any goroutine.
func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) incRef() {
	c.refcnt.Add(1)
}

func (c *Connection) decRef() {
	if c.refcnt.Add(-1) <= 1 {
		c.signal()
	}
}

func (c *Connection) bucket() *Bucket {
	return c.server.buckets[c.bucketIndex]
}

func (c *Connection) isDCP() bool {
	return c.dcpOpen
}

func (c *Connection) setPriority(p Priority) {
	c.priority = p
	cfg := c.server.cfg.Server.MaxReqsPerEvent
	switch p {
	case PriorityHigh:
		c.maxReqsPerEvent = cfg.High
	case PriorityLow:
		c.maxReqsPerEvent = cfg.Low
	default:
		c.maxReqsPerEvent = cfg.Medium
	}
}

func (c *Connection) setCloseReason(reason string) {
	if c.closeReason == "" {
		c.closeReason = reason
	}
}

// yield gives other goroutines on the worker a chance to run once the
// fairness budget is consumed.
func (c *Connection) yield() {
	runtime.Gosched()
}

// drainCrossThreadQueues pulls pending-IO completions and server
// events handed over by other threads. Called at idle points of the
// FSM (new_cmd, ship_log).
func (c *Connection) drainCrossThreadQueues() (progressed bool) {
	resumes, events := c.worker.takeCrossThreadWork(c)

	for _, r := range resumes {
		c.applyResume(r)
		progressed = true
	}
	for _, ev := range events {
		c.logDebug("executing server event %s", ev.Description())
		if !ev.Execute(c) {
			c.setCloseReason("server event failure")
			c.sm.setState(StateClosing)
			return true
		}
		progressed = true
	}
	return progressed
}

// applyResume restores a suspended cookie and re-drives its executor.
func (c *Connection) applyResume(r resume) {
	r.cookie.aiostat = r.status
	r.cookie.ewouldblock = false

	if r.cookie == c.cookie {
		// The strictly ordered case: the FSM is sitting in execute.
		return
	}

	// Unordered execution: the cookie was parked on the inflight
	// list; re-drive it directly and emit its response.
	c.executeCookie(r.cookie)
	if !r.cookie.ewouldblock {
		c.removeInflight(r.cookie)
	}
}

func (c *Connection) removeInflight(ck *Cookie) {
	for i, other := range c.inflight {
		if other == ck {
			c.inflight = append(c.inflight[:i], c.inflight[i+1:]...)
			ck.Release()
			return
		}
	}
}

// reorderEligible reports whether the given opcode may join the
// unordered in-flight set right now.
func (c *Connection) reorderEligible(ck *Cookie) bool {
	if !c.unorderedExecution || !ck.reorder {
		return false
	}
	if !ck.packet.ClientOpcode().IsReorderSupported() {
		return false
	}
	for _, other := range c.inflight {
		if !other.reorder {
			return false
		}
	}
	return true
}

// checkSendQueueWatchdog force-closes the connection when no byte has
// left the send queue for the configured limit (29s on a ready
// bucket, 1s otherwise). Sampled on every FSM tick and park timeout.
func (c *Connection) checkSendQueueWatchdog() bool {
	size := c.out.queueSize()
	now := time.Now()
	if size != c.sendqLastSize {
		c.sendqLastSize = size
		c.sendqLastChange = now
		return false
	}
	if size == 0 {
		c.sendqLastChange = now
		return false
	}

	limit := c.server.cfg.Server.SendQueueLimitReady
	if c.bucket().State() != BucketStateReady {
		limit = c.server.cfg.Server.SendQueueLimitNotReady
	}
	if now.Sub(c.sendqLastChange) >= limit {
		c.logWarn("send queue stuck for %v (%d bytes); closing", limit, size)
		c.server.connMetrics.RecordStuckClose()
		return true
	}
	return false
}

// checkIdle reports whether the connection has been idle for longer
// than the configured window. Activity is only re-armed when a full
// packet is transacted.
func (c *Connection) checkIdle() bool {
	timeout := c.server.cfg.Server.IdleTimeout
	if timeout <= 0 || c.isDCP() || c.internal {
		return false
	}
	return time.Since(c.lastActivity) > timeout
}

func (c *Connection) touchActivity() {
	c.lastActivity = time.Now()
}

// collectTimings records the command duration histogram sample when a
// response is queued.
func (c *Connection) collectTimings() {
	ck := c.cookie
	if ck.packet == nil || ck.start.IsZero() {
		return
	}
	c.server.bucketMetrics.RecordCommand(
		c.bucket().Name,
		ck.packet.ClientOpcode().String(),
		ck.lastStatus.String(),
		time.Since(ck.start),
	)
	ck.start = time.Time{}
}

// shutdownRead closes the read half so the peer sees the teardown.
func (c *Connection) shutdownRead() {
	type closeReader interface{ CloseRead() error }
	if tcp, ok := c.raw.(closeReader); ok {
		_ = tcp.CloseRead()
	}
}

// tlsHandshake wraps the socket and performs the handshake.
func (c *Connection) tlsHandshake() error {
	tlsConn := tls.Server(c.raw, c.server.tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	c.sock = tlsConn
	return nil
}

// toJSON renders the diagnostics snapshot served by the admin
// endpoint.
func (c *Connection) toJSON() json.RawMessage {
	snapshot := map[string]any{
		"id":            c.id,
		"peer":          c.peer,
		"worker":        c.worker.id,
		"state":         c.sm.State().String(),
		"bucket":        c.bucket().Name,
		"priority":      c.priority.String(),
		"refcount":      c.refcnt.Load(),
		"authenticated": c.authenticated,
		"user":          c.user,
		"dcp":           c.dcpOpen,
		"sendqueue": map[string]any{
			"size":       c.out.queueSize(),
			"last_moved": c.sendqLastChange.Format(time.RFC3339),
		},
		"total_recv": c.totalRecv.Load(),
		"total_send": c.totalSend.Load(),
		"features": map[string]bool{
			"xerror":              c.xerrorSupport,
			"snappy":              c.snappySupport,
			"json":                c.jsonSupport,
			"xattr":               c.xattrSupport,
			"mutation_seqno":      c.mutationSeqnoSupport,
			"collections":         c.collectionsSupport,
			"duplex":              c.duplexSupport,
			"unordered_execution": c.unorderedExecution,
			"tracing":             c.tracingSupport,
			"alt_request":         c.altRequestSupport,
			"sync_replication":    c.syncReplicationSupport,
			"ccn":                 c.ccnSupport,
		},
	}
	out, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}

func (c *Connection) logDebug(format string, v ...any) {
	logger.Debug("[%s] "+format, append([]any{c.id}, v...)...)
}

func (c *Connection) logWarn(format string, v ...any) {
	logger.Warn("[%s] "+format, append([]any{c.id}, v...)...)
}

func (c *Connection) logError(format string, v ...any) {
	logger.Error("[%s] "+format, append([]any{c.id}, v...)...)
}
