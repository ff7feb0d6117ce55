// Package mcbp implements the memcached binary protocol wire format:
// the 24-byte packet header (classic and Alt variants), the
// framing-extras section with its escape-coded elements, opcode and
// status enumerations, datatype bits and HELLO feature codes.
//
// The package is purely a codec. It owns no sockets and no state; the
// connection layer in internal/server feeds it byte slices and gets
// back zero-copy packet views.
package mcbp
