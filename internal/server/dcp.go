package server

import (
	"encoding/binary"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

// dcpOpenExecutor switches the connection into DCP mode. From here on
// the waiting state is rewritten to ship_log and the connection runs
// full duplex.
func dcpOpenExecutor(c *Connection, ck *Cookie) {
	if !requireBucket(c, ck) {
		return
	}
	dcp := c.dcpEngine()
	if dcp == nil {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}

	p := ck.packet
	flags := binary.BigEndian.Uint32(p.Extras[4:8])
	name := string(p.Key)

	if c.unorderedExecution {
		c.logWarn("DCP open on a connection with unordered execution; rejecting")
		ck.sendSimpleStatus(mcbp.StatusNotSupported)
		return
	}

	ck.swapAiostat(engine.StatusSuccess)
	status := dcp.DcpOpen(ck, name, flags)
	switch status {
	case engine.StatusSuccess:
		c.dcpOpen = true
		c.dcpName = name
		c.dcpProducer = flags&0x01 != 0
		c.logDebug("DCP connection %q open (producer=%v)", name, c.dcpProducer)
		ck.sendSimpleStatus(mcbp.StatusSuccess)
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

func dcpStreamReqExecutor(c *Connection, ck *Cookie) {
	dcp := c.dcpEngine()
	if dcp == nil || !c.dcpOpen {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}

	p := ck.packet
	startSeqno := binary.BigEndian.Uint64(p.Extras[8:16])
	endSeqno := binary.BigEndian.Uint64(p.Extras[16:24])
	vbucketUUID := binary.BigEndian.Uint64(p.Extras[24:32])

	if ck.dcpStreamID != nil {
		if c.dcpStreamIDs == nil {
			c.dcpStreamIDs = make(map[uint16]uint16)
		}
		c.dcpStreamIDs[p.Vbucket()] = *ck.dcpStreamID
	}

	ck.swapAiostat(engine.StatusSuccess)
	rollback, status := dcp.DcpStreamReq(ck, p.Vbucket(), startSeqno, endSeqno, vbucketUUID)
	switch status {
	case engine.StatusSuccess:
		// Success carries the failover log as (uuid, seqno) pairs.
		log, st := dcp.DcpGetFailoverLog(ck, p.Vbucket())
		if st != engine.StatusSuccess {
			ck.sendEngineError(st)
			return
		}
		body := make([]byte, 0, len(log)*16)
		for _, pair := range log {
			var buf [16]byte
			binary.BigEndian.PutUint64(buf[0:8], pair[0])
			binary.BigEndian.PutUint64(buf[8:16], pair[1])
			body = append(body, buf[:]...)
		}
		ck.sendResponse(mcbp.StatusSuccess, nil, nil, body, mcbp.DatatypeRaw, 0)
	case engine.StatusRollback:
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, rollback)
		ck.sendResponse(mcbp.StatusRollback, nil, nil, body, mcbp.DatatypeRaw, 0)
	case engine.StatusWouldBlock:
		ck.setEwouldblock()
	default:
		ck.sendEngineError(status)
	}
}

func dcpCloseStreamExecutor(c *Connection, ck *Cookie) {
	if !c.dcpOpen {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func dcpGetFailoverLogExecutor(c *Connection, ck *Cookie) {
	dcp := c.dcpEngine()
	if dcp == nil {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}
	log, status := dcp.DcpGetFailoverLog(ck, ck.packet.Vbucket())
	if status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	body := make([]byte, 0, len(log)*16)
	for _, pair := range log {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:8], pair[0])
		binary.BigEndian.PutUint64(buf[8:16], pair[1])
		body = append(body, buf[:]...)
	}
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, body, mcbp.DatatypeRaw, 0)
}

func dcpBufferAckExecutor(c *Connection, ck *Cookie) {
	dcp := c.dcpEngine()
	if dcp == nil || !c.dcpOpen {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}
	ackBytes := binary.BigEndian.Uint32(ck.packet.Extras[0:4])
	if status := dcp.DcpBufferAcknowledgement(ck, ck.packet.Vbucket(), ackBytes); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	// Buffer acks are not acknowledged themselves.
	c.sm.setState(StateNewCmd)
}

func dcpControlExecutor(c *Connection, ck *Cookie) {
	dcp := c.dcpEngine()
	if dcp == nil || !c.dcpOpen {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}
	if status := dcp.DcpControl(ck, ck.packet.Key, ck.packet.Value); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

func dcpNoopExecutor(c *Connection, ck *Cookie) {
	dcp := c.dcpEngine()
	if dcp == nil || !c.dcpOpen {
		ck.sendEngineError(engine.StatusEnotsup)
		return
	}
	if status := dcp.DcpNoop(ck); status != engine.StatusSuccess {
		ck.sendEngineError(status)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}

// shipDcpLog invokes the producer's step once per tick. would_block
// parks the connection until the engine notifies; want_more sends and
// loops.
func (c *Connection) shipDcpLog() bool {
	if !c.dcpProducer {
		// A pure consumer just waits for traffic.
		return c.readMore(readTick)
	}

	dcp := c.dcpEngine()
	if dcp == nil {
		c.setCloseReason("dcp engine gone")
		c.sm.setState(StateClosing)
		return true
	}

	c.cookie.swapAiostat(engine.StatusSuccess)
	shipper := &dcpShipper{conn: c}
	status := dcp.DcpStep(c.cookie, shipper)

	switch status {
	case engine.StatusSuccess, engine.StatusWantMore:
		if c.out.queueSize() > 0 {
			c.writeAndGo = StateShipLog
			c.sm.setState(StateSendData)
		}
		return true
	case engine.StatusWouldBlock:
		// Parked until the engine notifies the cookie.
		return false
	default:
		c.logWarn("DCP step failed: %s", status)
		c.setCloseReason("dcp step failure")
		c.sm.setState(StateClosing)
		return true
	}
}

// dcpShipper serializes producer messages into the connection's
// output pipeline. It implements engine.DcpMessageProducer.
type dcpShipper struct {
	conn *Connection
}

// frameExtrasFor attaches the DcpStreamId frame info when the stream
// was opened with one.
func (s *dcpShipper) frameExtrasFor(vbucket uint16) []byte {
	sid, ok := s.conn.dcpStreamIDs[vbucket]
	if !ok {
		return nil
	}
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], sid)
	return mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDcpStreamID, payload[:])
}

func (s *dcpShipper) emit(builder *mcbp.RequestBuilder) engine.Status {
	s.conn.out.copyBytes(builder.Encode())
	return engine.StatusSuccess
}

// SnapshotMarker implements engine.DcpMessageProducer.
func (s *dcpShipper) SnapshotMarker(vbucket uint16, startSeqno, endSeqno uint64, flags uint32) engine.Status {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], startSeqno)
	binary.BigEndian.PutUint64(extras[8:16], endSeqno)
	binary.BigEndian.PutUint32(extras[16:20], flags)

	return s.emit(&mcbp.RequestBuilder{
		Opcode:        mcbp.OpDcpSnapshotMarker,
		Vbucket:       vbucket,
		Extras:        extras,
		FramingExtras: s.frameExtrasFor(vbucket),
	})
}

// Mutation implements engine.DcpMessageProducer. The value bytes are
// chained from engine-owned storage; the engine's reference drops
// exactly once, after transmission.
func (s *dcpShipper) Mutation(item *engine.Item, bySeqno, revSeqno uint64, lockTime uint32) engine.Status {
	extras := make([]byte, 31)
	binary.BigEndian.PutUint64(extras[0:8], bySeqno)
	binary.BigEndian.PutUint64(extras[8:16], revSeqno)
	binary.BigEndian.PutUint32(extras[16:20], item.Flags)
	binary.BigEndian.PutUint32(extras[20:24], item.Expiry)
	binary.BigEndian.PutUint32(extras[24:28], lockTime)
	// nmeta[2] is zero; the trailing byte is the NRU hint.

	header := &mcbp.RequestBuilder{
		Opcode:        mcbp.OpDcpMutation,
		Datatype:      item.Datatype,
		Vbucket:       item.Vbucket,
		Cas:           item.Cas,
		Extras:        extras,
		Key:           item.Key,
		FramingExtras: s.frameExtrasFor(item.Vbucket),
	}

	// Serialize header and key through the ring; chain the value so
	// large payloads leave the engine's memory untouched until sent.
	// The body length is patched to cover the chained value.
	packet := header.Encode()
	hdr, err := mcbp.ParseHeader(packet)
	if err != nil {
		return engine.StatusFailed
	}
	hdr.BodyLen += uint32(len(item.Value))
	hdr.Encode(packet[:mcbp.HeaderLen])

	s.conn.out.copyBytes(packet)
	eng := s.conn.engine()
	value := item.Value
	s.conn.out.chainBytes(value, func() {
		eng.Release(item)
	})
	return engine.StatusSuccess
}

// Deletion implements engine.DcpMessageProducer. Peers that advertised
// collections get the v2 layout (by-seqno, rev-seqno, delete-time);
// everyone else gets v1 with the legacy meta section.
func (s *dcpShipper) Deletion(item *engine.Item, bySeqno, revSeqno uint64, deleteTime uint32) engine.Status {
	defer s.conn.engine().Release(item)

	var extras []byte
	opcode := mcbp.OpDcpDeletion
	if s.conn.collectionsSupport {
		extras = make([]byte, 21)
		binary.BigEndian.PutUint64(extras[0:8], bySeqno)
		binary.BigEndian.PutUint64(extras[8:16], revSeqno)
		binary.BigEndian.PutUint32(extras[16:20], deleteTime)
	} else {
		extras = make([]byte, 18)
		binary.BigEndian.PutUint64(extras[0:8], bySeqno)
		binary.BigEndian.PutUint64(extras[8:16], revSeqno)
	}

	return s.emit(&mcbp.RequestBuilder{
		Opcode:        opcode,
		Vbucket:       item.Vbucket,
		Cas:           item.Cas,
		Extras:        extras,
		Key:           item.Key,
		FramingExtras: s.frameExtrasFor(item.Vbucket),
	})
}

// Expiration implements engine.DcpMessageProducer.
func (s *dcpShipper) Expiration(item *engine.Item, bySeqno, revSeqno uint64, deleteTime uint32) engine.Status {
	defer s.conn.engine().Release(item)

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], bySeqno)
	binary.BigEndian.PutUint64(extras[8:16], revSeqno)
	binary.BigEndian.PutUint32(extras[16:20], deleteTime)

	return s.emit(&mcbp.RequestBuilder{
		Opcode:        mcbp.OpDcpExpiration,
		Vbucket:       item.Vbucket,
		Cas:           item.Cas,
		Extras:        extras,
		Key:           item.Key,
		FramingExtras: s.frameExtrasFor(item.Vbucket),
	})
}

// StreamEnd implements engine.DcpMessageProducer.
func (s *dcpShipper) StreamEnd(vbucket uint16, flags uint32) engine.Status {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, flags)

	return s.emit(&mcbp.RequestBuilder{
		Opcode:        mcbp.OpDcpStreamEnd,
		Vbucket:       vbucket,
		Extras:        extras,
		FramingExtras: s.frameExtrasFor(vbucket),
	})
}

// SystemEvent implements engine.DcpMessageProducer.
func (s *dcpShipper) SystemEvent(vbucket uint16, bySeqno uint64, event uint32, key, body []byte) engine.Status {
	extras := make([]byte, 13)
	binary.BigEndian.PutUint64(extras[0:8], bySeqno)
	binary.BigEndian.PutUint32(extras[8:12], event)
	extras[12] = 0 // version

	return s.emit(&mcbp.RequestBuilder{
		Opcode:        mcbp.OpDcpSystemEvent,
		Vbucket:       vbucket,
		Extras:        extras,
		Key:           key,
		Value:         body,
		FramingExtras: s.frameExtrasFor(vbucket),
	})
}

// handleResponsePacket dispatches a response packet arriving on the
// wire (duplex traffic): answers to server-initiated requests and DCP
// message acks.
func (c *Connection) handleResponsePacket(p *mcbp.Packet) {
	if p.Magic == mcbp.ServerResponse {
		switch p.ServerOpcode() {
		case mcbp.ServerOpAuthenticate:
			c.server.extAuth.responseReceived(p)
		case mcbp.ServerOpClustermapChangeNotification, mcbp.ServerOpActiveExternalUsers:
			// Fire-and-forget pushes; nothing to correlate.
		default:
			c.logWarn("unexpected server response opcode 0x%02x", p.Opcode)
		}
		return
	}

	// A client-magic response: the peer acking a DCP message.
	if c.isDCP() {
		if p.Status() != mcbp.StatusSuccess &&
			p.Status() != mcbp.StatusRollback {
			c.logWarn("DCP peer rejected %s with %s; closing",
				mcbp.ClientOpcode(p.Opcode), p.Status())
			c.setCloseReason("dcp peer error")
			c.sm.setState(StateClosing)
		}
		return
	}

	c.logWarn("unsolicited response packet (opcode 0x%02x); closing", p.Opcode)
	c.setCloseReason("unsolicited response")
	c.sm.setState(StateClosing)
}
