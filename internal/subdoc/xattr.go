package subdoc

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Extended attributes ride ahead of the document body when the XATTR
// datatype bit is set. The section layout is:
//
//	total_len[4]                  length of everything that follows
//	repeated:
//	  pair_len[4]                 length of key\0value\0
//	  key bytes, 0x00
//	  value bytes, 0x00
//
// Keys beginning with '_' are system attributes: they survive document
// deletion and require the system-xattr privileges. Keys beginning
// with '$' are virtual attributes and never appear in a stored blob.

// SystemXattrPrefix marks system extended attributes.
const SystemXattrPrefix = '_'

// VirtualXattrPrefix marks virtual (computed) attributes.
const VirtualXattrPrefix = '$'

// MaxXattrKeyLen bounds the length of one attribute key.
const MaxXattrKeyLen = 16

// Xattrs is a parsed extended-attribute set.
type Xattrs map[string][]byte

// IsSystemKey reports whether key names a system attribute.
func IsSystemKey(key string) bool {
	return len(key) > 0 && key[0] == SystemXattrPrefix
}

// IsVirtualKey reports whether key names a virtual attribute.
func IsVirtualKey(key string) bool {
	return len(key) > 0 && key[0] == VirtualXattrPrefix
}

// SplitXattrKey splits a sub-document path addressing an xattr into
// the attribute key and the path within the attribute value.
func SplitXattrKey(path string) (key, rest string) {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '.':
			return path[:i], path[i+1:]
		case '[':
			return path[:i], path[i:]
		}
	}
	return path, ""
}

// SplitBody splits a document value into its xattr section and body.
// hasXattrs reflects the packet's datatype bit.
func SplitBody(value []byte, hasXattrs bool) (blob, body []byte, err error) {
	if !hasXattrs {
		return nil, value, nil
	}
	if len(value) < 4 {
		return nil, nil, fmt.Errorf("subdoc: xattr section truncated")
	}
	total := binary.BigEndian.Uint32(value)
	if int(total)+4 > len(value) {
		return nil, nil, fmt.Errorf("subdoc: xattr section length %d exceeds value", total)
	}
	return value[:4+total], value[4+total:], nil
}

// ParseXattrs decodes an xattr section (including the leading total
// length) into a map.
func ParseXattrs(blob []byte) (Xattrs, error) {
	if len(blob) == 0 {
		return Xattrs{}, nil
	}
	if len(blob) < 4 {
		return nil, fmt.Errorf("subdoc: xattr blob truncated")
	}
	total := binary.BigEndian.Uint32(blob)
	if int(total)+4 != len(blob) {
		return nil, fmt.Errorf("subdoc: xattr blob length mismatch")
	}

	out := Xattrs{}
	buf := blob[4:]
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("subdoc: xattr pair truncated")
		}
		pairLen := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		if int(pairLen) > len(buf) || pairLen < 2 {
			return nil, fmt.Errorf("subdoc: xattr pair length %d invalid", pairLen)
		}
		pair := buf[:pairLen]
		buf = buf[pairLen:]

		sep := -1
		for i, c := range pair {
			if c == 0 {
				sep = i
				break
			}
		}
		if sep < 0 || pair[len(pair)-1] != 0 {
			return nil, fmt.Errorf("subdoc: xattr pair missing terminator")
		}
		key := string(pair[:sep])
		val := pair[sep+1 : len(pair)-1]
		out[key] = append([]byte(nil), val...)
	}
	return out, nil
}

// Encode serializes the attribute set back into the wire blob. An
// empty set encodes to nil so the XATTR datatype bit can be dropped.
// Keys are emitted in sorted order to keep the encoding deterministic.
func (x Xattrs) Encode() []byte {
	if len(x) == 0 {
		return nil
	}

	keys := make([]string, 0, len(x))
	for k := range x {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0
	for _, k := range keys {
		total += 4 + len(k) + 1 + len(x[k]) + 1
	}

	out := make([]byte, 4, 4+total)
	binary.BigEndian.PutUint32(out, uint32(total))
	for _, k := range keys {
		var pair [4]byte
		binary.BigEndian.PutUint32(pair[:], uint32(len(k)+1+len(x[k])+1))
		out = append(out, pair[:]...)
		out = append(out, k...)
		out = append(out, 0)
		out = append(out, x[k]...)
		out = append(out, 0)
	}
	return out
}

// StripUserXattrs removes every non-system attribute. Used by the
// delete-document phase, which keeps system attributes on the tombstone.
func (x Xattrs) StripUserXattrs() {
	for k := range x {
		if !IsSystemKey(k) {
			delete(x, k)
		}
	}
}

// Keys returns the attribute keys in sorted order, optionally
// restricted to system or user attributes.
func (x Xattrs) Keys(includeSystem, includeUser bool) []string {
	var out []string
	for k := range x {
		if IsSystemKey(k) {
			if includeSystem {
				out = append(out, k)
			}
		} else if includeUser {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// ValidateKey checks an attribute key referenced by a client path.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("subdoc: empty xattr key")
	}
	if len(key) > MaxXattrKeyLen {
		return fmt.Errorf("subdoc: xattr key too long")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("subdoc: xattr key contains NUL")
	}
	return nil
}
