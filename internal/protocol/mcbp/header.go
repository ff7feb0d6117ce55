package mcbp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// HeaderLen is the fixed size of the packet header. Request and
// response share the same 24-byte layout; the magic byte distinguishes
// direction and whether framing extras are present.
const HeaderLen = 24

// Header is the decoded form of the 24-byte packet header.
//
// The wire layout is big-endian:
//
//	magic[1] opcode[1] keylen[2] extlen[1] datatype[1]
//	vbucket_or_status[2] bodylen[4] opaque[4] cas[8]
//
// For the Alt magics the two keylen bytes are re-interpreted as
// framing_extras_len[1] || keylen[1].
type Header struct {
	Magic            Magic
	Opcode           uint8
	FramingExtrasLen uint8
	KeyLen           uint16
	ExtrasLen        uint8
	Datatype         Datatype
	// VbucketOrStatus holds the vbucket id on requests and the status
	// code on responses.
	VbucketOrStatus uint16
	BodyLen         uint32
	Opaque          uint32
	Cas             uint64
}

// ParseHeader decodes the first HeaderLen bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("mcbp: header needs %d bytes, have %d", HeaderLen, len(buf))
	}

	magic := Magic(buf[0])
	if !magic.IsValid() {
		return Header{}, fmt.Errorf("mcbp: invalid magic 0x%02x", buf[0])
	}

	h := Header{
		Magic:           magic,
		Opcode:          buf[1],
		ExtrasLen:       buf[4],
		Datatype:        Datatype(buf[5]),
		VbucketOrStatus: binary.BigEndian.Uint16(buf[6:8]),
		BodyLen:         binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		Cas:             binary.BigEndian.Uint64(buf[16:24]),
	}

	if magic.IsAlt() {
		h.FramingExtrasLen = buf[2]
		h.KeyLen = uint16(buf[3])
	} else {
		h.KeyLen = binary.BigEndian.Uint16(buf[2:4])
	}

	return h, nil
}

// Encode writes the header into the first HeaderLen bytes of buf.
func (h Header) Encode(buf []byte) {
	buf[0] = uint8(h.Magic)
	buf[1] = h.Opcode
	if h.Magic.IsAlt() {
		buf[2] = h.FramingExtrasLen
		buf[3] = uint8(h.KeyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	}
	buf[4] = h.ExtrasLen
	buf[5] = uint8(h.Datatype)
	binary.BigEndian.PutUint16(buf[6:8], h.VbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.Cas)
}

// ValueLen returns the length of the value section.
func (h Header) ValueLen() int {
	return int(h.BodyLen) - int(h.FramingExtrasLen) - int(h.ExtrasLen) - int(h.KeyLen)
}

// IsSane performs the cheap well-formedness check used before a packet
// is admitted: valid magic and section lengths that fit in the body.
func (h Header) IsSane() bool {
	if !h.Magic.IsValid() {
		return false
	}
	return h.ValueLen() >= 0
}

// Status returns the response status. Only meaningful on responses.
func (h Header) Status() Status {
	return Status(h.VbucketOrStatus)
}

// Vbucket returns the request vbucket id. Only meaningful on requests.
func (h Header) Vbucket() uint16 {
	return h.VbucketOrStatus
}

// Packet is a decoded packet: the header plus zero-copy views of the
// body sections. The views alias the buffer handed to ParsePacket and
// stay valid only as long as that buffer does.
type Packet struct {
	Header

	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte

	raw []byte
}

// ParsePacket decodes a complete packet (header plus body) from buf.
// It fails if the magic is invalid or the section lengths overflow the
// declared body.
func ParsePacket(buf []byte) (*Packet, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < HeaderLen+int(h.BodyLen) {
		return nil, fmt.Errorf("mcbp: packet needs %d bytes, have %d", HeaderLen+int(h.BodyLen), len(buf))
	}
	if h.ValueLen() < 0 {
		return nil, fmt.Errorf("mcbp: section lengths exceed body length %d", h.BodyLen)
	}

	body := buf[HeaderLen : HeaderLen+int(h.BodyLen)]
	p := &Packet{Header: h, raw: buf[:HeaderLen+int(h.BodyLen)]}

	off := 0
	p.FramingExtras = body[off : off+int(h.FramingExtrasLen)]
	off += int(h.FramingExtrasLen)
	p.Extras = body[off : off+int(h.ExtrasLen)]
	off += int(h.ExtrasLen)
	p.Key = body[off : off+int(h.KeyLen)]
	off += int(h.KeyLen)
	p.Value = body[off:]

	return p, nil
}

// Bytes returns the raw wire form of the packet.
func (p *Packet) Bytes() []byte {
	return p.raw
}

// ClientOpcode returns the opcode interpreted as a client opcode.
func (p *Packet) ClientOpcode() ClientOpcode {
	return ClientOpcode(p.Opcode)
}

// ServerOpcode returns the opcode interpreted as a server opcode.
func (p *Packet) ServerOpcode() ServerOpcode {
	return ServerOpcode(p.Opcode)
}

// PrintableKey returns the key with non-printable characters replaced
// by '.', for logging.
func (p *Packet) PrintableKey() string {
	out := make([]byte, len(p.Key))
	for i, c := range p.Key {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}

// ToJSON renders a diagnostic snapshot of the packet header. Used when
// logging a failing command.
func (p *Packet) ToJSON() json.RawMessage {
	snapshot := map[string]any{
		"magic":    p.Magic.String(),
		"opcode":   fmt.Sprintf("0x%02x", p.Opcode),
		"keylen":   p.KeyLen,
		"extlen":   p.ExtrasLen,
		"datatype": p.Datatype.String(),
		"vbucket":  p.VbucketOrStatus,
		"bodylen":  p.BodyLen,
		"opaque":   p.Opaque,
		"cas":      p.Cas,
	}
	if p.Magic.IsClient() && p.Magic.IsRequest() {
		snapshot["opcode"] = p.ClientOpcode().String()
	}
	out, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}
