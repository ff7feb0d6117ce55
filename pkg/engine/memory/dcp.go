package memory

import (
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

func mcbpDatatype(b uint8) mcbp.Datatype {
	return mcbp.Datatype(b)
}

// DcpOpenFlagProducer selects the producer role in a DcpOpen request.
const DcpOpenFlagProducer = 0x01

type dcpStream struct {
	vbucket   uint16
	nextSeqno uint64
	endSeqno  uint64
	// markerPending is set until the snapshot marker for the current
	// range has been emitted.
	markerPending bool
	ended         bool
}

type dcpSession struct {
	name     string
	producer bool
	streams  []*dcpStream
	// waiter is the suspended producer cookie to notify when new
	// mutations arrive.
	waiter engine.Cookie
	// flow-control state set through DcpControl/BufferAck.
	bufferSize   uint32
	ackedBytes   uint64
	noopsHandled uint64
}

// DcpOpen implements engine.DcpEngine.
func (e *Engine) DcpOpen(c engine.Cookie, name string, flags uint32) engine.Status {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	e.sessions[c.ConnectionID()] = &dcpSession{
		name:     name,
		producer: flags&DcpOpenFlagProducer != 0,
	}
	return engine.StatusSuccess
}

// DcpStreamReq implements engine.DcpEngine.
func (e *Engine) DcpStreamReq(c engine.Cookie, vb uint16, startSeqno, endSeqno, vbucketUUID uint64) (uint64, engine.Status) {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	sess := e.sessions[c.ConnectionID()]
	if sess == nil || !sess.producer {
		return 0, engine.StatusEinval
	}

	e.mu.Lock()
	b := e.vbuckets[vb]
	known := b.uuid
	e.mu.Unlock()

	if vbucketUUID != 0 && vbucketUUID != known {
		// The client's failover history diverged; roll it back to the
		// start of ours.
		return 0, engine.StatusRollback
	}

	sess.streams = append(sess.streams, &dcpStream{
		vbucket:       vb,
		nextSeqno:     startSeqno + 1,
		endSeqno:      endSeqno,
		markerPending: true,
	})
	return 0, engine.StatusSuccess
}

// DcpStep implements engine.DcpEngine. It ships at most one message.
func (e *Engine) DcpStep(c engine.Cookie, producer engine.DcpMessageProducer) engine.Status {
	e.dcpMu.Lock()
	sess := e.sessions[c.ConnectionID()]
	e.dcpMu.Unlock()
	if sess == nil || !sess.producer {
		return engine.StatusEinval
	}

	for _, s := range sess.streams {
		if s.ended {
			continue
		}

		e.mu.Lock()
		b := e.vbuckets[s.vbucket]
		var entry *logEntry
		for i := range b.log {
			if b.log[i].seqno >= s.nextSeqno && b.log[i].seqno <= s.endSeqno {
				entry = &b.log[i]
				break
			}
		}
		high := b.seqno
		uuid := b.uuid
		e.mu.Unlock()

		if s.markerPending {
			end := s.endSeqno
			if end > high {
				end = high
			}
			s.markerPending = false
			return producer.SnapshotMarker(s.vbucket, s.nextSeqno, end, 0)
		}

		if entry != nil {
			item := &engine.Item{
				Key:         []byte(entry.key),
				Value:       append([]byte(nil), entry.doc.value...),
				Datatype:    mcbpDatatype(entry.doc.datatype),
				Flags:       entry.doc.flags,
				Cas:         entry.doc.cas,
				Vbucket:     s.vbucket,
				SeqNo:       entry.seqno,
				VbucketUUID: uuid,
			}
			s.nextSeqno = entry.seqno + 1
			if entry.deleted {
				return producer.Deletion(item, entry.seqno, 0, 0)
			}
			return producer.Mutation(item, entry.seqno, 0, 0)
		}

		if high >= s.endSeqno || s.nextSeqno > s.endSeqno {
			s.ended = true
			return producer.StreamEnd(s.vbucket, 0)
		}
	}

	// Nothing to ship; park the producer until a mutation arrives.
	e.dcpMu.Lock()
	sess.waiter = c
	e.dcpMu.Unlock()
	return engine.StatusWouldBlock
}

// wakeStreams notifies a parked producer that vb has new data.
// Callers hold e.mu.
func (e *Engine) wakeStreams(vb uint16) {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	for _, sess := range e.sessions {
		if sess.waiter == nil {
			continue
		}
		for _, s := range sess.streams {
			if s.vbucket == vb && !s.ended {
				w := sess.waiter
				sess.waiter = nil
				w.NotifyIOComplete(engine.StatusSuccess)
				break
			}
		}
	}
}

// DcpBufferAcknowledgement implements engine.DcpEngine.
func (e *Engine) DcpBufferAcknowledgement(c engine.Cookie, _ uint16, ackBytes uint32) engine.Status {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	sess := e.sessions[c.ConnectionID()]
	if sess == nil {
		return engine.StatusEinval
	}
	sess.ackedBytes += uint64(ackBytes)
	return engine.StatusSuccess
}

// DcpControl implements engine.DcpEngine.
func (e *Engine) DcpControl(c engine.Cookie, key, value []byte) engine.Status {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	sess := e.sessions[c.ConnectionID()]
	if sess == nil {
		return engine.StatusEinval
	}
	if string(key) == "connection_buffer_size" {
		n, err := parseUint(value)
		if err != nil {
			return engine.StatusEinval
		}
		sess.bufferSize = uint32(n)
	}
	return engine.StatusSuccess
}

// DcpNoop implements engine.DcpEngine.
func (e *Engine) DcpNoop(c engine.Cookie) engine.Status {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()

	sess := e.sessions[c.ConnectionID()]
	if sess == nil {
		return engine.StatusEinval
	}
	sess.noopsHandled++
	return engine.StatusSuccess
}

// DcpGetFailoverLog implements engine.DcpEngine.
func (e *Engine) DcpGetFailoverLog(_ engine.Cookie, vb uint16) ([][2]uint64, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if int(vb) >= len(e.vbuckets) {
		return nil, engine.StatusErange
	}
	b := e.vbuckets[vb]
	return [][2]uint64{{b.uuid, 0}}, engine.StatusSuccess
}

// CloseSession drops the DCP session state for a connection. Invoked by
// the frontend when the connection is destroyed.
func (e *Engine) CloseSession(connID string) {
	e.dcpMu.Lock()
	defer e.dcpMu.Unlock()
	delete(e.sessions, connID)
}
