// Package engine defines the storage-engine interface the connection
// frontend drives, along with the in-tree reference implementations
// (memory, badger). Engines never block the calling worker: a call that
// cannot complete synchronously returns StatusWouldBlock and later
// resumes the request through the cookie's notifier.
package engine

import (
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// Cookie is the engine's view of the per-request context handed to it
// by the frontend. Reserve/Release manage the frontend's refcount while
// the engine holds the cookie beyond the synchronous return;
// NotifyIOComplete resumes a request previously answered with
// StatusWouldBlock.
type Cookie interface {
	// Reserve increments the reference count on the request and its
	// connection. Must be called before retaining the cookie past the
	// synchronous engine call.
	Reserve()

	// Release drops the reference taken by Reserve.
	Release()

	// NotifyIOComplete stores the engine's final status for a
	// suspended request and wakes the owning worker. May be called
	// from any goroutine.
	NotifyIOComplete(status Status)

	// ConnectionID identifies the connection the request arrived on.
	// Engines use it to correlate per-connection state such as a DCP
	// producer session.
	ConnectionID() string
}

// DocStateFilter selects which document states a fetch may observe.
type DocStateFilter int

const (
	// DocStateAlive only returns live documents.
	DocStateAlive DocStateFilter = iota
	// DocStateAliveOrDeleted also returns logically deleted documents
	// (which may still carry system extended attributes).
	DocStateAliveOrDeleted
)

// StoreSemantics selects the store operation behaviour.
type StoreSemantics int

const (
	// StoreSet unconditionally stores the item (honouring a non-zero
	// CAS on the item).
	StoreSet StoreSemantics = iota
	// StoreAdd stores only if the key does not exist.
	StoreAdd
	// StoreReplace stores only if the key already exists.
	StoreReplace
)

// Item is a document handed across the engine boundary. Value may be
// engine-owned memory: the frontend must call Engine.Release exactly
// once when it is done with an item obtained from Get, including
// items chained into the send pipeline.
type Item struct {
	Key      []byte
	Value    []byte
	Datatype mcbp.Datatype
	Flags    uint32
	Expiry   uint32
	Cas      uint64
	Vbucket  uint16
	// Deleted marks a logically deleted document returned through a
	// DocStateAliveOrDeleted fetch.
	Deleted bool
	// SeqNo and VbucketUUID identify the mutation for clients that
	// negotiated MutationSeqno.
	SeqNo       uint64
	VbucketUUID uint64
}

// MutationResult describes a successful mutation.
type MutationResult struct {
	Cas         uint64
	SeqNo       uint64
	VbucketUUID uint64
}

// VbucketState is the lifecycle state of one vbucket.
type VbucketState int

const (
	VbucketStateDead VbucketState = iota
	VbucketStateActive
	VbucketStateReplica
	VbucketStatePending
)

// Engine is the storage SPI. All calls are made on the connection's
// worker; implementations that need to go asynchronous return
// StatusWouldBlock, retain the cookie with Reserve, and later call
// NotifyIOComplete followed by Release.
type Engine interface {
	// Get fetches the document for key. The returned item must be
	// released through Release.
	Get(c Cookie, key []byte, vbucket uint16, filter DocStateFilter) (*Item, Status)

	// Store writes an item according to the given semantics. A
	// non-zero item.Cas demands an exact match regardless of
	// semantics.
	Store(c Cookie, item *Item, semantics StoreSemantics) (MutationResult, Status)

	// Remove deletes the document for key. A non-zero cas demands an
	// exact match.
	Remove(c Cookie, key []byte, vbucket uint16, cas uint64) (MutationResult, Status)

	// Arithmetic performs the counter operation and returns the new
	// value. When the key is missing the initial value is stored.
	Arithmetic(c Cookie, key []byte, vbucket uint16, delta uint64, initial uint64, expiry uint32, decrement bool) (uint64, MutationResult, Status)

	// Flush discards all documents.
	Flush(c Cookie) Status

	// Release returns an item obtained from Get to the engine.
	Release(item *Item)

	// VbucketState reports the state of a vbucket.
	VbucketState(vbucket uint16) VbucketState

	// SetVbucketState changes the state of a vbucket.
	SetVbucketState(vbucket uint16, state VbucketState) Status
}

// DcpMessageProducer receives the replication messages emitted by a
// producer engine's Step. It is implemented by the connection's DCP
// shipper, which serializes each message into the output pipeline.
type DcpMessageProducer interface {
	SnapshotMarker(vbucket uint16, startSeqno, endSeqno uint64, flags uint32) Status
	// Mutation hands over an engine-owned item; the shipper must
	// Release it once the bytes have left the socket.
	Mutation(item *Item, bySeqno, revSeqno uint64, lockTime uint32) Status
	Deletion(item *Item, bySeqno, revSeqno uint64, deleteTime uint32) Status
	Expiration(item *Item, bySeqno, revSeqno uint64, deleteTime uint32) Status
	StreamEnd(vbucket uint16, flags uint32) Status
	SystemEvent(vbucket uint16, bySeqno uint64, event uint32, key, body []byte) Status
}

// DcpEngine is implemented by engines that can act as a DCP producer
// and/or consumer.
type DcpEngine interface {
	// DcpOpen establishes a named DCP connection. flags selects the
	// producer role.
	DcpOpen(c Cookie, name string, flags uint32) Status

	// DcpStreamReq opens a stream for one vbucket.
	DcpStreamReq(c Cookie, vbucket uint16, startSeqno, endSeqno, vbucketUUID uint64) (rollbackSeqno uint64, status Status)

	// DcpStep emits at most one replication message through the
	// producer. It returns StatusWouldBlock when there is nothing to
	// ship (the engine will notify the cookie when there is) and
	// StatusWantMore when the caller should step again after sending.
	DcpStep(c Cookie, producer DcpMessageProducer) Status

	// DcpBufferAcknowledgement, DcpControl and DcpNoop handle the
	// consumer-direction messages arriving on the same socket.
	DcpBufferAcknowledgement(c Cookie, vbucket uint16, ackBytes uint32) Status
	DcpControl(c Cookie, key, value []byte) Status
	DcpNoop(c Cookie) Status

	// DcpGetFailoverLog returns the failover table for a vbucket as
	// (uuid, seqno) pairs.
	DcpGetFailoverLog(c Cookie, vbucket uint16) ([][2]uint64, Status)
}
