package mcbp

// RequestBuilder assembles a request packet. Sections must fit the
// header field widths: framing extras 255 bytes, key 255 bytes for the
// Alt magics (65535 otherwise), extras 255 bytes.
type RequestBuilder struct {
	Magic         Magic
	Opcode        ClientOpcode
	ServerOp      ServerOpcode
	Datatype      Datatype
	Vbucket       uint16
	Opaque        uint32
	Cas           uint64
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// Encode returns the wire form of the request.
func (b *RequestBuilder) Encode() []byte {
	magic := b.Magic
	if magic == 0 {
		if len(b.FramingExtras) > 0 {
			magic = AltClientRequest
		} else {
			magic = ClientRequest
		}
	}

	opcode := uint8(b.Opcode)
	if magic == ServerRequest {
		opcode = uint8(b.ServerOp)
	}

	bodyLen := len(b.FramingExtras) + len(b.Extras) + len(b.Key) + len(b.Value)
	h := Header{
		Magic:            magic,
		Opcode:           opcode,
		FramingExtrasLen: uint8(len(b.FramingExtras)),
		KeyLen:           uint16(len(b.Key)),
		ExtrasLen:        uint8(len(b.Extras)),
		Datatype:         b.Datatype,
		VbucketOrStatus:  b.Vbucket,
		BodyLen:          uint32(bodyLen),
		Opaque:           b.Opaque,
		Cas:              b.Cas,
	}

	out := make([]byte, HeaderLen, HeaderLen+bodyLen)
	h.Encode(out)
	out = append(out, b.FramingExtras...)
	out = append(out, b.Extras...)
	out = append(out, b.Key...)
	out = append(out, b.Value...)
	return out
}

// ResponseBuilder assembles a response packet.
type ResponseBuilder struct {
	Magic         Magic
	Opcode        uint8
	Status        Status
	Datatype      Datatype
	Opaque        uint32
	Cas           uint64
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// Encode returns the wire form of the response.
func (b *ResponseBuilder) Encode() []byte {
	magic := b.Magic
	if magic == 0 {
		if len(b.FramingExtras) > 0 {
			magic = AltClientResponse
		} else {
			magic = ClientResponse
		}
	}

	bodyLen := len(b.FramingExtras) + len(b.Extras) + len(b.Key) + len(b.Value)
	h := Header{
		Magic:            magic,
		Opcode:           b.Opcode,
		FramingExtrasLen: uint8(len(b.FramingExtras)),
		KeyLen:           uint16(len(b.Key)),
		ExtrasLen:        uint8(len(b.Extras)),
		Datatype:         b.Datatype,
		VbucketOrStatus:  uint16(b.Status),
		BodyLen:          uint32(bodyLen),
		Opaque:           b.Opaque,
		Cas:              b.Cas,
	}

	out := make([]byte, HeaderLen, HeaderLen+bodyLen)
	h.Encode(out)
	out = append(out, b.FramingExtras...)
	out = append(out, b.Extras...)
	out = append(out, b.Key...)
	out = append(out, b.Value...)
	return out
}
