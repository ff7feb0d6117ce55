package server

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine/memory"
)

func dcpOpenProducer(t *testing.T, c *testClient, name string) {
	t.Helper()
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:8], memory.DcpOpenFlagProducer)
	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpDcpOpen,
		Key:    []byte(name),
		Extras: extras,
	})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
}

func dcpStreamReq(t *testing.T, c *testClient, vbucket uint16, start, end uint64) *mcbp.Packet {
	t.Helper()
	extras := make([]byte, 48)
	binary.BigEndian.PutUint64(extras[8:16], start)
	binary.BigEndian.PutUint64(extras[16:24], end)
	return c.roundTrip(&mcbp.RequestBuilder{
		Opcode:  mcbp.OpDcpStreamReq,
		Vbucket: vbucket,
		Extras:  extras,
	})
}

func TestE2E_DcpProducerStream(t *testing.T) {
	env := startTestServer(t)

	// A regular client seeds two mutations and a deletion in vb 3.
	writer := setupClient(t, env)
	require.Equal(t, mcbp.StatusSuccess, writer.set("k1", "v1", 3).Status())
	require.Equal(t, mcbp.StatusSuccess, writer.set("k2", "v2", 3).Status())
	del := writer.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpDelete, Vbucket: 3, Key: []byte("k1")})
	require.Equal(t, mcbp.StatusSuccess, del.Status())

	// The replication client opens a producer and streams vb 3.
	c := setupClient(t, env)
	dcpOpenProducer(t, c, "replica:1")

	resp := dcpStreamReq(t, c, 3, 0, 3)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	require.Equal(t, 16, len(resp.Value), "failover log carries one (uuid, seqno) pair")

	// First message: the snapshot marker for 1..3.
	msg := c.recv()
	require.Equal(t, uint8(mcbp.OpDcpSnapshotMarker), msg.Opcode)
	assert.True(t, msg.Magic.IsRequest())
	assert.Equal(t, uint16(3), msg.Vbucket())
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(msg.Extras[0:8]))
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(msg.Extras[8:16]))

	// Then the mutations in seqno order.
	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpMutation), msg.Opcode)
	assert.Equal(t, []byte("k1"), msg.Key)
	assert.Equal(t, []byte("v1"), msg.Value)
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(msg.Extras[0:8]))

	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpMutation), msg.Opcode)
	assert.Equal(t, []byte("k2"), msg.Key)
	assert.Equal(t, []byte("v2"), msg.Value)

	// The deletion arrives as v1 (collections were not negotiated):
	// 18 bytes of extras.
	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpDeletion), msg.Opcode)
	assert.Equal(t, []byte("k1"), msg.Key)
	assert.Equal(t, uint8(18), msg.ExtrasLen)

	// Stream end closes it out.
	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpStreamEnd), msg.Opcode)
	assert.Equal(t, uint16(3), msg.Vbucket())

	// Every engine-owned mutation payload chained into the send
	// pipeline must have been released exactly once per message.
	require.Eventually(t, func() bool {
		return env.mem.Releases() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestE2E_DcpDeletionV2WithCollections(t *testing.T) {
	env := startTestServer(t)

	writer := setupClient(t, env)
	require.Equal(t, mcbp.StatusSuccess, writer.set("k", "v", 1).Status())
	del := writer.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpDelete, Vbucket: 1, Key: []byte("k")})
	require.Equal(t, mcbp.StatusSuccess, del.Status())

	c := env.dial(t)
	c.hello(mcbp.FeatureCollections)
	c.authenticate("tester", "secret")
	c.selectBucket("default")
	dcpOpenProducer(t, c, "replica:2")

	resp := dcpStreamReq(t, c, 1, 0, 2)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	// Marker, mutation, then the v2 deletion (21 bytes of extras).
	msg := c.recv()
	require.Equal(t, uint8(mcbp.OpDcpSnapshotMarker), msg.Opcode)
	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpMutation), msg.Opcode)
	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpDeletion), msg.Opcode)
	assert.Equal(t, uint8(21), msg.ExtrasLen)
}

func TestE2E_DcpStreamWakesOnNewMutation(t *testing.T) {
	env := startTestServer(t)

	c := setupClient(t, env)
	dcpOpenProducer(t, c, "replica:3")

	// Open a stream over a range that does not exist yet: the
	// producer parks on would_block.
	resp := dcpStreamReq(t, c, 7, 0, 1)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	msg := c.recv()
	require.Equal(t, uint8(mcbp.OpDcpSnapshotMarker), msg.Opcode)

	// A mutation from another connection wakes the parked producer.
	writer := setupClient(t, env)
	require.Equal(t, mcbp.StatusSuccess, writer.set("late", "v", 7).Status())

	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpMutation), msg.Opcode)
	assert.Equal(t, []byte("late"), msg.Key)

	msg = c.recv()
	require.Equal(t, uint8(mcbp.OpDcpStreamEnd), msg.Opcode)
}

func TestE2E_DcpBufferAckAndControl(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)
	dcpOpenProducer(t, c, "replica:4")

	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpDcpControl,
		Key:    []byte("connection_buffer_size"),
		Value:  []byte("1048576"),
	})
	assert.Equal(t, mcbp.StatusSuccess, resp.Status())

	// A buffer ack is consumed without a response; a NOOP afterwards
	// proves the connection kept running.
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 4096)
	c.send(&mcbp.RequestBuilder{Opcode: mcbp.OpDcpBufferAcknowledgement, Extras: extras})

	opaque := c.send(&mcbp.RequestBuilder{Opcode: mcbp.OpNoop})
	got := c.recv()
	assert.Equal(t, opaque, got.Opaque)
}
