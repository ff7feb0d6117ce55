package server

import (
	"io"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// inputBuffer accumulates bytes from the socket and presents
// contiguous packet views. It grows on demand and compacts once all
// buffered bytes have been consumed.
type inputBuffer struct {
	buf []byte
	// start..end delimits unconsumed bytes.
	start, end int
}

const initialReadBufferSize = 8192

func newInputBuffer() *inputBuffer {
	return &inputBuffer{buf: make([]byte, initialReadBufferSize)}
}

func (b *inputBuffer) buffered() int {
	return b.end - b.start
}

func (b *inputBuffer) bytes() []byte {
	return b.buf[b.start:b.end]
}

// compact moves unconsumed bytes to the front, reclaiming space.
func (b *inputBuffer) compact() {
	if b.start == 0 {
		return
	}
	copy(b.buf, b.buf[b.start:b.end])
	b.end -= b.start
	b.start = 0
}

// ensure grows the buffer so at least n unconsumed bytes fit.
func (b *inputBuffer) ensure(n int) {
	if b.buffered()+n <= len(b.buf)-b.start {
		return
	}
	b.compact()
	if b.end+n <= len(b.buf) {
		return
	}
	grown := make([]byte, b.end+n)
	copy(grown, b.buf[:b.end])
	b.buf = grown
}

// fill performs one read from r. Returns the number of bytes read.
func (b *inputBuffer) fill(r io.Reader) (int, error) {
	b.ensure(initialReadBufferSize)
	n, err := r.Read(b.buf[b.end:])
	b.end += n
	return n, err
}

// headerAvailable reports whether a full header is buffered.
func (b *inputBuffer) headerAvailable() bool {
	return b.buffered() >= mcbp.HeaderLen
}

// header decodes the buffered header without consuming it.
func (b *inputBuffer) header() (mcbp.Header, error) {
	return mcbp.ParseHeader(b.bytes())
}

// packetAvailable reports whether header plus body are buffered.
func (b *inputBuffer) packetAvailable() bool {
	if !b.headerAvailable() {
		return false
	}
	h, err := b.header()
	if err != nil {
		return false
	}
	return b.buffered() >= mcbp.HeaderLen+int(h.BodyLen)
}

// consumePacket parses the buffered packet and consumes its bytes. The
// returned packet views alias the buffer: they stay valid until the
// next compact/fill cycle, which the connection defers until the
// cookie has completed.
func (b *inputBuffer) consumePacket() (*mcbp.Packet, error) {
	p, err := mcbp.ParsePacket(b.bytes())
	if err != nil {
		return nil, err
	}
	b.start += mcbp.HeaderLen + int(p.BodyLen)
	return p, nil
}

// reset drops consumed bytes; called between commands when no packet
// views are outstanding.
func (b *inputBuffer) reset() {
	if b.buffered() == 0 {
		b.start = 0
		b.end = 0
		if len(b.buf) > initialReadBufferSize*4 {
			b.buf = make([]byte, initialReadBufferSize)
		}
		return
	}
	b.compact()
}
