package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// readTick bounds one blocking socket read so the watchdog and idle
// timers get sampled between attempts.
const readTick = time.Second

// pollTick is the near-immediate deadline used by ship_log to drain
// readable bytes without stalling the producer.
const pollTick = time.Millisecond

func (c *Connection) stateSslInit() bool {
	if err := c.tlsHandshake(); err != nil {
		c.logWarn("TLS handshake failed: %v", err)
		c.setCloseReason("tls handshake failure")
		c.sm.setState(StateClosing)
		return true
	}
	c.sm.setState(StateNewCmd)
	return true
}

func (c *Connection) stateNewCmd() bool {
	switch c.bucket().State() {
	case BucketStateStopping, BucketStateDestroying:
		c.setCloseReason("bucket is going away")
		c.sm.setState(StateClosing)
		return true
	}

	c.drainCrossThreadQueues()
	if c.sm.State() != StateNewCmd {
		// A resumed cookie or server event queued output (or failed
		// and started teardown).
		return true
	}

	// Fairness: after the budget is consumed, yield the worker to
	// other connections before resuming.
	c.numEvents--
	if c.numEvents < 0 {
		c.numEvents = c.maxReqsPerEvent
		c.yield()
	}

	if !c.cookie.ewouldblock {
		c.cookie.reset()
		if len(c.inflight) == 0 {
			c.in.reset()
		}
	}

	if c.in.headerAvailable() {
		c.sm.setState(StateParseCmd)
	} else {
		c.sm.setState(StateWaiting)
	}
	return true
}

func (c *Connection) stateWaiting() bool {
	c.sm.setState(StateReadPacketHeader)
	return true
}

// readMore performs one bounded read into the input buffer. The bool
// result reports whether the FSM should keep running; a false return
// with no state change means "retry after the next tick".
func (c *Connection) readMore(deadline time.Duration) bool {
	_ = c.sock.SetReadDeadline(time.Now().Add(deadline))
	n, err := c.in.fill(c.sock)
	if n > 0 {
		c.totalRecv.Add(uint64(n))
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if c.checkSendQueueWatchdog() || c.checkIdle() {
				c.setCloseReason("timeout")
				c.sm.setState(StateClosing)
			}
			// Let cross-thread work (reorder resumes, server events)
			// run between read attempts; anything that queued output
			// rides through send_data before reading resumes.
			c.drainCrossThreadQueues()
			return true
		}
		if err != io.EOF {
			c.logDebug("read error: %v", err)
		}
		c.setCloseReason("client closed connection")
		c.sm.setState(StateClosing)
		return true
	}
	return true
}

func (c *Connection) stateReadPacketHeader() bool {
	if c.in.headerAvailable() {
		c.sm.setState(StateParseCmd)
		return true
	}
	return c.readMore(readTick)
}

func (c *Connection) stateParseCmd() bool {
	header, err := c.in.header()
	if err != nil || !header.IsSane() {
		c.auditBadPacket("invalid header")
		c.logWarn("invalid packet header; closing: %v", err)
		c.setCloseReason("invalid packet")
		c.sm.setState(StateClosing)
		return true
	}

	if header.BodyLen > c.server.cfg.Server.MaxPacketSize {
		c.auditBadPacket("packet too big")
		c.sendRawError(header, mcbp.StatusEinval)
		c.writeAndGo = StateClosing
		c.sm.setState(StateSendData)
		return true
	}

	c.sm.setState(StateReadPacketBody)
	return true
}

func (c *Connection) stateReadPacketBody() bool {
	if !c.in.packetAvailable() {
		return c.readMore(readTick)
	}

	packet, err := c.in.consumePacket()
	if err != nil {
		c.auditBadPacket(err.Error())
		c.setCloseReason("invalid packet")
		c.sm.setState(StateClosing)
		return true
	}
	c.touchActivity()

	if packet.Magic.IsResponse() {
		// Responses arrive on the wire for duplex traffic: DCP acks
		// and server-initiated requests (cluster map notifications,
		// external auth).
		c.handleResponsePacket(packet)
		c.sm.setState(StateNewCmd)
		return true
	}

	c.cookie.initialize(packet)
	c.sm.setState(StateValidate)
	return true
}

func (c *Connection) stateValidate() bool {
	status := c.validate(c.cookie)
	switch status {
	case mcbp.StatusSuccess:
		c.sm.setState(StateExecute)
	case mcbp.StatusDurabilityInvalidLevel:
		// Structurally valid but semantically rejected; the
		// connection survives.
		c.cookie.sendResponse(status, nil, nil, nil, mcbp.DatatypeRaw, 0)
	default:
		c.auditBadPacket(status.String())
		c.cookie.sendResponse(status, nil, nil, nil, mcbp.DatatypeRaw, 0)
		c.writeAndGo = StateClosing
	}
	return true
}

func (c *Connection) stateExecute() bool {
	if c.cookie.ewouldblock {
		// Suspended: only a notify-io-complete may re-drive the
		// executor. Server events wait for an idle state.
		c.worker.applyResumes(c)
		if c.cookie.ewouldblock {
			return false
		}
	}

	c.executeCookie(c.cookie)

	if c.sm.State() != StateExecute {
		// The executor queued a response (send_data) or failed hard
		// (closing).
		return true
	}

	if c.cookie.ewouldblock {
		if c.reorderEligible(c.cookie) {
			// Unordered execution: park the cookie and pipeline the
			// next command.
			ck := c.cookie
			ck.Reserve()
			c.inflight = append(c.inflight, ck)
			c.cookie = newCookie(c)
			c.sm.setState(StateNewCmd)
			return true
		}
		// Strict ordering: no transition; wait for notify_io_complete.
		return false
	}

	// Quiet command with nothing to say.
	c.sm.setState(StateNewCmd)
	return true
}

func (c *Connection) stateSendData() bool {
	empty, err := c.out.writeSome(c.sock, readTick)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if c.checkSendQueueWatchdog() {
				c.setCloseReason("send queue stuck")
				c.sm.setState(StateClosing)
			}
			return true
		}
		c.logDebug("write error: %v", err)
		c.setCloseReason("write failure")
		c.sm.setState(StateClosing)
		return true
	}
	if empty {
		c.sm.setState(StateDrainSendBuffer)
	}
	return true
}

func (c *Connection) stateDrainSendBuffer() bool {
	next := c.writeAndGo
	c.writeAndGo = StateNewCmd
	c.sm.setState(next)
	return true
}

func (c *Connection) stateShipLog() bool {
	// Full duplex: first drain anything the peer sent (acks and
	// control messages dispatched exactly like normal requests).
	_ = c.sock.SetReadDeadline(time.Now().Add(pollTick))
	if n, _ := c.in.fill(c.sock); n > 0 {
		c.totalRecv.Add(uint64(n))
	}
	if c.in.headerAvailable() {
		c.sm.setState(StateParseCmd)
		return true
	}

	if c.drainCrossThreadQueues() {
		return true
	}

	return c.shipDcpLog()
}

func (c *Connection) stateClosing() bool {
	c.shutdownRead()

	// Abort any suspended in-flight work we can: cookies still
	// referenced by the engine hold the connection open.
	if c.refcnt.Load() > 1 {
		c.sm.setState(StatePendingClose)
		return true
	}
	c.sm.setState(StateImmediateClose)
	return true
}

func (c *Connection) statePendingClose() bool {
	if c.refcnt.Load() > 1 {
		if c.drainCrossThreadQueues() {
			return true
		}
		return false
	}
	c.sm.setState(StateImmediateClose)
	return true
}

func (c *Connection) stateImmediateClose() bool {
	c.out.release()
	_ = c.raw.Close()

	c.server.dcpSessionClosed(c)
	c.server.extAuth.connectionClosed(c)
	c.server.connMetrics.ConnectionClosed()

	if c.closeReason != "" {
		c.logDebug("connection closed: %s", c.closeReason)
	} else {
		c.logDebug("connection closed")
	}

	c.sm.setState(StateDestroyed)
	return true
}

// sendRawError queues an error response built straight from a header,
// for failures detected before a cookie exists.
func (c *Connection) sendRawError(header mcbp.Header, status mcbp.Status) {
	builder := mcbp.ResponseBuilder{
		Opcode: header.Opcode,
		Status: status,
		Opaque: header.Opaque,
	}
	c.out.copyBytes(builder.Encode())
}

func (c *Connection) auditBadPacket(detail string) {
	c.server.auditSink.Put(audit.Event{
		Event:  audit.EventInvalidPacket,
		Peer:   c.peer,
		User:   c.user,
		Bucket: c.bucket().Name,
		Detail: map[string]any{"reason": detail},
	})
}
