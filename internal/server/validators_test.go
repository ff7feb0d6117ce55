package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

func validateRequest(t *testing.T, req *mcbp.RequestBuilder) mcbp.Status {
	t.Helper()
	p, err := mcbp.ParsePacket(req.Encode())
	require.NoError(t, err)

	c := &Connection{}
	ck := newCookie(c)
	ck.initialize(p)
	return c.validate(ck)
}

func TestValidate_Get(t *testing.T) {
	assert.Equal(t, mcbp.StatusSuccess, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"),
	}))

	// Missing key.
	assert.Equal(t, mcbp.StatusEinval, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet,
	}))

	// Unexpected extras.
	assert.Equal(t, mcbp.StatusEinval, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"), Extras: []byte{1, 2, 3, 4},
	}))
}

func TestValidate_SetShape(t *testing.T) {
	assert.Equal(t, mcbp.StatusSuccess, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), Value: []byte("v"),
	}))

	assert.Equal(t, mcbp.StatusEinval, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 4),
	}))
}

func TestValidate_StableUnderReserialization(t *testing.T) {
	req := &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), Value: []byte("v"),
	}
	first := validateRequest(t, req)

	// Parse, re-encode byte-identically and validate again.
	p, err := mcbp.ParsePacket(req.Encode())
	require.NoError(t, err)
	reencoded := append([]byte(nil), p.Bytes()...)
	p2, err := mcbp.ParsePacket(reencoded)
	require.NoError(t, err)

	c := &Connection{}
	ck := newCookie(c)
	ck.initialize(p2)
	assert.Equal(t, first, c.validate(ck))
}

func TestValidate_UnknownFrameInfo(t *testing.T) {
	fe := mcbp.AppendFrameInfo(nil, mcbp.FrameInfoID(9), []byte{1})
	status := validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusUnknownFrameInfo, status)
}

func TestValidate_FrameInfoOverflow(t *testing.T) {
	// One element declaring 4 payload bytes but carrying 1.
	status := validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"), FramingExtras: []byte{0x34, 0xaa},
	})
	assert.Equal(t, mcbp.StatusEinval, status)
}

func TestValidate_DurabilityLevels(t *testing.T) {
	// Level zero is structurally valid but semantically rejected.
	fe := mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x00})
	status := validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusDurabilityInvalidLevel, status)

	// Level above three as well.
	fe = mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x04})
	status = validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusDurabilityInvalidLevel, status)

	// Valid level on a mutator passes.
	fe = mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x01})
	status = validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusSuccess, status)

	// Durability on a non-mutator is einval.
	fe = mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x01})
	status = validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpNoop, FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusEinval, status)

	// A two-byte payload is structurally invalid.
	fe = mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDurabilityRequirement, []byte{0x01, 0x02})
	status = validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusEinval, status)
}

func TestValidate_DcpStreamID(t *testing.T) {
	fe := mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDcpStreamID, []byte{0x00})
	status := validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusEinval, status)

	fe = mcbp.AppendFrameInfo(nil, mcbp.FrameInfoDcpStreamID, []byte{0x00, 0x07})
	status = validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpGet, Key: []byte("k"), FramingExtras: fe,
	})
	assert.Equal(t, mcbp.StatusSuccess, status)
}

func TestValidate_SnappyRequiresNegotiation(t *testing.T) {
	status := validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSet, Key: []byte("k"), Extras: make([]byte, 8),
		Datatype: mcbp.DatatypeSnappy, Value: []byte{0},
	})
	assert.Equal(t, mcbp.StatusEinval, status)
}

func TestValidate_SubdocShapes(t *testing.T) {
	// Single-path lookup: pathlen must cover the whole value.
	extras := []byte{0x00, 0x03, 0x00}
	assert.Equal(t, mcbp.StatusSuccess, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSubdocGet, Key: []byte("k"), Extras: extras, Value: []byte("a.b"),
	}))

	assert.Equal(t, mcbp.StatusEinval, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSubdocGet, Key: []byte("k"), Extras: extras, Value: []byte("a.b.c"),
	}))

	// Mutation may carry a value after the path.
	assert.Equal(t, mcbp.StatusSuccess, validateRequest(t, &mcbp.RequestBuilder{
		Opcode: mcbp.OpSubdocDictUpsert, Key: []byte("k"), Extras: extras, Value: []byte("a.b5"),
	}))
}
