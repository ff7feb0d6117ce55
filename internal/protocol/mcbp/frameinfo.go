package mcbp

import (
	"errors"
	"fmt"
)

// FrameInfoID identifies one element of the framing-extras section.
type FrameInfoID uint8

const (
	// FrameInfoReorder marks the request as eligible for out-of-order
	// completion. Zero length.
	FrameInfoReorder FrameInfoID = 0
	// FrameInfoDurabilityRequirement carries a durability level and an
	// optional timeout. One or three bytes.
	FrameInfoDurabilityRequirement FrameInfoID = 1
	// FrameInfoDcpStreamID carries the stream id a DCP message belongs
	// to. Exactly two bytes.
	FrameInfoDcpStreamID FrameInfoID = 2
	// FrameInfoOpenTracingContext carries an opaque tracing context
	// blob. At least one byte.
	FrameInfoOpenTracingContext FrameInfoID = 3
)

func (id FrameInfoID) String() string {
	switch id {
	case FrameInfoReorder:
		return "Reorder"
	case FrameInfoDurabilityRequirement:
		return "DurabilityRequirement"
	case FrameInfoDcpStreamID:
		return "DcpStreamId"
	case FrameInfoOpenTracingContext:
		return "OpenTracingContext"
	}
	return fmt.Sprintf("FrameInfoID(%d)", uint8(id))
}

// ErrFrameInfoOverflow is returned when a frame info element's declared
// length runs off the end of the framing-extras region.
var ErrFrameInfoOverflow = errors.New("mcbp: frame info overflows framing extras")

// WalkFrameInfos iterates the framing-extras region, invoking fn once
// per element with its id and payload. fn returning false stops the
// walk. The encoding of one element is:
//
//	byte 0: high nibble = id (0..14), low nibble = length (0..14)
//	id == 15:  the next byte holds id-15
//	length == 15: the next byte holds length-15
//	then `length` payload bytes
//
// A malformed encoding (an element overflowing the region) returns
// ErrFrameInfoOverflow.
func WalkFrameInfos(buf []byte, fn func(id FrameInfoID, data []byte) bool) error {
	for len(buf) > 0 {
		id := FrameInfoID(buf[0] >> 4)
		size := int(buf[0] & 0x0f)
		buf = buf[1:]

		if id == 0x0f {
			if len(buf) == 0 {
				return ErrFrameInfoOverflow
			}
			id = FrameInfoID(15 + buf[0])
			buf = buf[1:]
		}
		if size == 0x0f {
			if len(buf) == 0 {
				return ErrFrameInfoOverflow
			}
			size = 15 + int(buf[0])
			buf = buf[1:]
		}
		if size > len(buf) {
			return ErrFrameInfoOverflow
		}

		if !fn(id, buf[:size]) {
			return nil
		}
		buf = buf[size:]
	}
	return nil
}

// AppendFrameInfo appends one encoded frame info element to dst,
// using the escape forms for id >= 15 or len(data) >= 15.
func AppendFrameInfo(dst []byte, id FrameInfoID, data []byte) []byte {
	idNibble := uint8(id)
	var idEscape bool
	if idNibble >= 0x0f {
		idNibble = 0x0f
		idEscape = true
	}
	sizeNibble := uint8(len(data))
	var sizeEscape bool
	if len(data) >= 0x0f {
		sizeNibble = 0x0f
		sizeEscape = true
	}

	dst = append(dst, idNibble<<4|sizeNibble)
	if idEscape {
		dst = append(dst, uint8(id)-15)
	}
	if sizeEscape {
		dst = append(dst, uint8(len(data)-15))
	}
	return append(dst, data...)
}
