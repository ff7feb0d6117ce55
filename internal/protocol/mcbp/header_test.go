package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader_Classic(t *testing.T) {
	req := &RequestBuilder{
		Opcode:  OpGet,
		Vbucket: 42,
		Opaque:  0xdeadbeef,
		Cas:     0x1122334455667788,
		Key:     []byte("hello"),
	}
	wire := req.Encode()

	h, err := ParseHeader(wire)
	require.NoError(t, err)

	assert.Equal(t, ClientRequest, h.Magic)
	assert.Equal(t, uint8(OpGet), h.Opcode)
	assert.Equal(t, uint16(5), h.KeyLen)
	assert.Equal(t, uint8(0), h.FramingExtrasLen)
	assert.Equal(t, uint16(42), h.Vbucket())
	assert.Equal(t, uint32(0xdeadbeef), h.Opaque)
	assert.Equal(t, uint64(0x1122334455667788), h.Cas)
	assert.Equal(t, uint32(5), h.BodyLen)
}

func TestParseHeader_Alt(t *testing.T) {
	fe := AppendFrameInfo(nil, FrameInfoDcpStreamID, []byte{0x00, 0x07})
	req := &RequestBuilder{
		Opcode:        OpDcpMutation,
		FramingExtras: fe,
		Key:           []byte("k"),
		Value:         []byte("v"),
	}
	wire := req.Encode()

	h, err := ParseHeader(wire)
	require.NoError(t, err)

	assert.Equal(t, AltClientRequest, h.Magic)
	assert.Equal(t, uint8(len(fe)), h.FramingExtrasLen)
	assert.Equal(t, uint16(1), h.KeyLen)
	assert.Equal(t, 1, h.ValueLen())
}

func TestParseHeader_InvalidMagic(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x42

	_, err := ParseHeader(buf)
	require.Error(t, err)
}

func TestParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderLen-1))
	require.Error(t, err)
}

func TestHeader_EncodeParseRoundTrip(t *testing.T) {
	cases := []Header{
		{Magic: ClientRequest, Opcode: uint8(OpSet), KeyLen: 3, ExtrasLen: 8, BodyLen: 20, Opaque: 1, Cas: 2},
		{Magic: ClientResponse, Opcode: uint8(OpGet), VbucketOrStatus: uint16(StatusKeyEnoent), BodyLen: 0},
		{Magic: AltClientRequest, Opcode: uint8(OpSet), FramingExtrasLen: 2, KeyLen: 3, ExtrasLen: 8, BodyLen: 30},
		{Magic: AltClientResponse, Opcode: uint8(OpGet), FramingExtrasLen: 5, KeyLen: 1, BodyLen: 6},
		{Magic: ServerRequest, Opcode: uint8(ServerOpAuthenticate), BodyLen: 10, Datatype: DatatypeJSON},
	}

	for _, want := range cases {
		buf := make([]byte, HeaderLen)
		want.Encode(buf)
		got, err := ParseHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		// Re-encoding must produce byte-identical output.
		buf2 := make([]byte, HeaderLen)
		got.Encode(buf2)
		assert.Equal(t, buf, buf2)
	}
}

func TestParsePacket_Sections(t *testing.T) {
	req := &RequestBuilder{
		Opcode: OpSet,
		Extras: []byte{0, 0, 0, 0, 0, 0, 0, 60},
		Key:    []byte("key"),
		Value:  []byte("value"),
	}
	wire := req.Encode()

	p, err := ParsePacket(wire)
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 60}, p.Extras)
	assert.Equal(t, []byte("key"), p.Key)
	assert.Equal(t, []byte("value"), p.Value)
	assert.Empty(t, p.FramingExtras)
	assert.Equal(t, wire, p.Bytes())
}

func TestParsePacket_SectionOverflow(t *testing.T) {
	buf := make([]byte, HeaderLen)
	h := Header{Magic: ClientRequest, Opcode: uint8(OpGet), KeyLen: 10, BodyLen: 4}
	h.Encode(buf)
	buf = append(buf, 1, 2, 3, 4)

	_, err := ParsePacket(buf)
	require.Error(t, err)
}

func TestPacket_PrintableKey(t *testing.T) {
	req := &RequestBuilder{Opcode: OpGet, Key: []byte{'a', 0x01, 'b', 0xff}}
	p, err := ParsePacket(req.Encode())
	require.NoError(t, err)

	assert.Equal(t, "a.b.", p.PrintableKey())
}
