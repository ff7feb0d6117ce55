package mcbp

import "strings"

// Datatype is the bitfield describing the encoding of a packet value.
type Datatype uint8

const (
	// DatatypeRaw is plain uninterpreted bytes.
	DatatypeRaw Datatype = 0x00
	// DatatypeJSON marks the value as valid JSON.
	DatatypeJSON Datatype = 0x01
	// DatatypeSnappy marks the value as Snappy compressed.
	DatatypeSnappy Datatype = 0x02
	// DatatypeXattr marks the value as carrying an extended-attribute
	// section ahead of the document body.
	DatatypeXattr Datatype = 0x04
)

// IsJSON reports whether the JSON bit is set.
func (d Datatype) IsJSON() bool { return d&DatatypeJSON != 0 }

// IsSnappy reports whether the Snappy bit is set.
func (d Datatype) IsSnappy() bool { return d&DatatypeSnappy != 0 }

// IsXattr reports whether the XATTR bit is set.
func (d Datatype) IsXattr() bool { return d&DatatypeXattr != 0 }

// IsValid reports whether only known bits are set.
func (d Datatype) IsValid() bool {
	return d&^(DatatypeJSON|DatatypeSnappy|DatatypeXattr) == 0
}

func (d Datatype) String() string {
	if d == DatatypeRaw {
		return "raw"
	}
	var parts []string
	if d.IsJSON() {
		parts = append(parts, "json")
	}
	if d.IsSnappy() {
		parts = append(parts, "snappy")
	}
	if d.IsXattr() {
		parts = append(parts, "xattr")
	}
	return strings.Join(parts, ",")
}
