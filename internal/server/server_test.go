package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/pkg/config"
	"github.com/marmos91/dittokv/pkg/engine"
	"github.com/marmos91/dittokv/pkg/engine/ewb"
	"github.com/marmos91/dittokv/pkg/engine/memory"
)

const testRBAC = `
users:
  tester:
    password: secret
    global: [Administrator]
  reader:
    password: secret
    buckets:
      default: [Read]
`

type testEnv struct {
	server *Server
	mem    *memory.Engine
	ewb    *ewb.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	mem := memory.New()
	wrapped := ewb.New(mem)
	env := startTestServerWith(t, wrapped)
	env.mem = mem
	env.ewb = wrapped
	return env
}

func startTestServerWith(t *testing.T, eng engine.Engine) *testEnv {
	t.Helper()

	rbacPath := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(rbacPath, []byte(testRBAC), 0o600))
	db := rbac.NewDatabase()
	require.NoError(t, db.LoadFile(rbacPath))

	cfg := config.GetDefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.NumWorkers = 2

	bucket := NewBucket("default", eng)
	bucket.SetState(BucketStateReady)

	srv, err := New(Options{Config: cfg, Buckets: []*Bucket{bucket}, RbacDB: db})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	env := &testEnv{server: srv, cancel: cancel, done: done}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return env
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	opaque uint32
}

func (env *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

// send writes the request and assigns a fresh opaque.
func (c *testClient) send(req *mcbp.RequestBuilder) uint32 {
	c.t.Helper()
	c.opaque++
	req.Opaque = c.opaque
	_, err := c.conn.Write(req.Encode())
	require.NoError(c.t, err)
	return c.opaque
}

// recv reads one complete response packet.
func (c *testClient) recv() *mcbp.Packet {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	header := make([]byte, mcbp.HeaderLen)
	_, err := io.ReadFull(c.conn, header)
	require.NoError(c.t, err)

	h, err := mcbp.ParseHeader(header)
	require.NoError(c.t, err)

	full := make([]byte, mcbp.HeaderLen+int(h.BodyLen))
	copy(full, header)
	_, err = io.ReadFull(c.conn, full[mcbp.HeaderLen:])
	require.NoError(c.t, err)

	p, err := mcbp.ParsePacket(full)
	require.NoError(c.t, err)
	return p
}

// roundTrip sends and receives, asserting the opaque matches.
func (c *testClient) roundTrip(req *mcbp.RequestBuilder) *mcbp.Packet {
	c.t.Helper()
	opaque := c.send(req)
	resp := c.recv()
	require.Equal(c.t, opaque, resp.Opaque)
	return resp
}

func (c *testClient) authenticate(user, password string) {
	c.t.Helper()
	payload := append([]byte{0}, user...)
	payload = append(payload, 0)
	payload = append(payload, password...)
	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpSaslAuth,
		Key:    []byte("PLAIN"),
		Value:  payload,
	})
	require.Equal(c.t, mcbp.StatusSuccess, resp.Status())
}

func (c *testClient) selectBucket(name string) {
	c.t.Helper()
	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpSelectBucket,
		Key:    []byte(name),
	})
	require.Equal(c.t, mcbp.StatusSuccess, resp.Status())
}

func (c *testClient) hello(features ...mcbp.Feature) []mcbp.Feature {
	c.t.Helper()
	body := make([]byte, 0, len(features)*2)
	for _, f := range features {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(f))
		body = append(body, buf[:]...)
	}
	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpHello,
		Key:    []byte("test-agent"),
		Value:  body,
	})
	require.Equal(c.t, mcbp.StatusSuccess, resp.Status())

	accepted := make([]mcbp.Feature, 0, len(resp.Value)/2)
	for i := 0; i+1 < len(resp.Value); i += 2 {
		accepted = append(accepted, mcbp.Feature(binary.BigEndian.Uint16(resp.Value[i:i+2])))
	}
	return accepted
}

func (c *testClient) set(key, value string, vbucket uint16) *mcbp.Packet {
	c.t.Helper()
	return c.roundTrip(&mcbp.RequestBuilder{
		Opcode:  mcbp.OpSet,
		Vbucket: vbucket,
		Extras:  make([]byte, 8),
		Key:     []byte(key),
		Value:   []byte(value),
	})
}

func setupClient(t *testing.T, env *testEnv) *testClient {
	c := env.dial(t)
	c.authenticate("tester", "secret")
	c.selectBucket("default")
	return c
}

func TestE2E_GetHit(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.set("k", "hello", 0)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("k")})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, uint8(4), resp.ExtrasLen)
	assert.Equal(t, []byte("hello"), resp.Value)
	assert.NotZero(t, resp.Cas)
}

func TestE2E_GetMiss(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("missing")})
	assert.Equal(t, mcbp.StatusKeyEnoent, resp.Status())
}

func TestE2E_CasMismatch(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.set("k", "v1", 0)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	resp = c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpSet,
		Extras: make([]byte, 8),
		Key:    []byte("k"),
		Value:  []byte("v2"),
		Cas:    resp.Cas + 100,
	})
	assert.Equal(t, mcbp.StatusKeyEexists, resp.Status())
}

func TestE2E_UnknownCommand(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.ClientOpcode(0x99)})
	assert.Equal(t, mcbp.StatusUnknownCommand, resp.Status())
}

func TestE2E_Hello(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)

	accepted := c.hello(mcbp.FeatureXerror, mcbp.FeatureSnappy, mcbp.FeatureJSON, mcbp.Feature(0xbeef))
	assert.ElementsMatch(t, []mcbp.Feature{mcbp.FeatureXerror, mcbp.FeatureSnappy, mcbp.FeatureJSON}, accepted)
}

func TestE2E_DurabilityLevelZeroRejectedWithoutClose(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	fe := mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x00})
	resp := c.roundTrip(&mcbp.RequestBuilder{
		Opcode:        mcbp.OpSet,
		Extras:        make([]byte, 8),
		Key:           []byte("k"),
		Value:         []byte("v"),
		FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusDurabilityInvalidLevel, resp.Status())

	// The connection must survive the rejection.
	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpNoop})
	assert.Equal(t, mcbp.StatusSuccess, resp.Status())
}

func TestE2E_NotMyVbucketDedup(t *testing.T) {
	env := startTestServer(t)
	env.server.ClusterMapRef().Update(7, []byte(`{"rev":7}`))

	require.Equal(t, engine.StatusSuccess, env.mem.SetVbucketState(5, engine.VbucketStateReplica))

	c := setupClient(t, env)

	// First NMVB carries the full cluster map.
	resp := c.set("k", "v", 5)
	require.Equal(t, mcbp.StatusNotMyVbucket, resp.Status())
	assert.Equal(t, []byte(`{"rev":7}`), resp.Value)

	// Second one is deduplicated: the revision has not changed.
	resp = c.set("k", "v", 5)
	require.Equal(t, mcbp.StatusNotMyVbucket, resp.Status())
	assert.Empty(t, resp.Value)
}

func TestE2E_EwouldblockResume(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.set("k", "value", 0)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	// Force the next engine call through the suspension path.
	env.ewb.Configure(ewb.ModeFirst, 1)

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("k")})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, []byte("value"), resp.Value)
}

func TestE2E_OrderingPreserved(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	resp := c.set("k", "v", 0)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	// Pipeline several requests, the first of which suspends; with
	// unordered execution off the responses must come back in order.
	env.ewb.Configure(ewb.ModeFirst, 1)

	var opaques []uint32
	for i := 0; i < 4; i++ {
		opaques = append(opaques, c.send(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("k")}))
	}
	for _, want := range opaques {
		resp := c.recv()
		assert.Equal(t, want, resp.Opaque)
		assert.Equal(t, mcbp.StatusSuccess, resp.Status())
	}
}

func TestE2E_QuietGetSuppressesMiss(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	c.send(&mcbp.RequestBuilder{Opcode: mcbp.OpGetq, Key: []byte("missing")})
	// A noop flushes the pipeline; its response must be the first
	// thing on the wire.
	opaque := c.send(&mcbp.RequestBuilder{Opcode: mcbp.OpNoop})

	resp := c.recv()
	assert.Equal(t, opaque, resp.Opaque)
	assert.Equal(t, uint8(mcbp.OpNoop), resp.Opcode)
}

func TestE2E_IncrementDecrement(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], 5)   // delta
	binary.BigEndian.PutUint64(extras[8:16], 10) // initial

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpIncrement, Key: []byte("n"), Extras: extras})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, uint64(10), binary.BigEndian.Uint64(resp.Value))

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpIncrement, Key: []byte("n"), Extras: extras})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, uint64(15), binary.BigEndian.Uint64(resp.Value))

	decr := make([]byte, 20)
	binary.BigEndian.PutUint64(decr[0:8], 100)
	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpDecrement, Key: []byte("n"), Extras: decr})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, uint64(0), binary.BigEndian.Uint64(resp.Value))
}

func TestE2E_AppendPrepend(t *testing.T) {
	env := startTestServer(t)
	c := setupClient(t, env)

	require.Equal(t, mcbp.StatusSuccess, c.set("k", "mid", 0).Status())

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpAppend, Key: []byte("k"), Value: []byte("-end")})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpPrepend, Key: []byte("k"), Value: []byte("start-")})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("k")})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, "start-mid-end", string(resp.Value))

	// Append on a missing key is NOT_STORED.
	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpAppend, Key: []byte("nope"), Value: []byte("x")})
	assert.Equal(t, mcbp.StatusNotStored, resp.Status())
}

func TestE2E_AccessDeniedWithoutPrivilege(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)
	// XERROR so the denial arrives as a status instead of a
	// disconnect.
	c.hello(mcbp.FeatureXerror)
	c.authenticate("reader", "secret")
	c.selectBucket("default")

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpGet, Key: []byte("k")})
	assert.Equal(t, mcbp.StatusKeyEnoent, resp.Status())

	resp = c.roundTrip(&mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Extras: make([]byte, 8), Key: []byte("k"), Value: []byte("v"),
	})
	assert.Equal(t, mcbp.StatusEaccess, resp.Status())
}

func TestE2E_NonXerrorAccessDeniedDisconnects(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)
	c.authenticate("reader", "secret")
	c.selectBucket("default")

	c.send(&mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Extras: make([]byte, 8), Key: []byte("k"), Value: []byte("v"),
	})

	// The server cannot express eaccess to a non-XERROR client: it
	// must drop the connection.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, 1)
	_, err := io.ReadFull(c.conn, buf)
	assert.Error(t, err)
}

func TestE2E_Quit(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpQuit})
	assert.Equal(t, mcbp.StatusSuccess, resp.Status())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestE2E_VersionAndNoop(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)

	resp := c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpVersion})
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	assert.Equal(t, Version, string(resp.Value))

	resp = c.roundTrip(&mcbp.RequestBuilder{Opcode: mcbp.OpNoop})
	assert.Equal(t, mcbp.StatusSuccess, resp.Status())
}

func TestE2E_BadMagicClosesConnection(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)

	junk := make([]byte, mcbp.HeaderLen)
	junk[0] = 0x42
	_, err := c.conn.Write(junk)
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, 1)
	_, err = io.ReadFull(c.conn, buf)
	assert.Error(t, err)
}

func TestE2E_MutationSeqnoExtras(t *testing.T) {
	env := startTestServer(t)
	c := env.dial(t)
	c.hello(mcbp.FeatureMutationSeqno)
	c.authenticate("tester", "secret")
	c.selectBucket("default")

	resp := c.set("k", "v", 0)
	require.Equal(t, mcbp.StatusSuccess, resp.Status())
	require.Equal(t, uint8(16), resp.ExtrasLen)
	assert.NotZero(t, binary.BigEndian.Uint64(resp.Extras[0:8]))  // vbucket uuid
	assert.NotZero(t, binary.BigEndian.Uint64(resp.Extras[8:16])) // seqno
}
