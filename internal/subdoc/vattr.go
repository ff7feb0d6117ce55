package subdoc

import (
	"encoding/json"
	"fmt"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// Virtual attribute keys.
const (
	// VattrDocument exposes document metadata as JSON. It has no
	// privilege requirement.
	VattrDocument = "$document"
	// VattrXtoc exposes the list of xattr keys, filtered by the
	// caller's privileges.
	VattrXtoc = "$XTOC"
)

// DocumentMeta is the source data for the $document virtual attribute.
type DocumentMeta struct {
	Cas         uint64
	VbucketUUID uint64
	SeqNo       uint64
	Expiry      uint32
	Flags       uint32
	ValueBytes  int
	Datatype    mcbp.Datatype
	Deleted     bool
}

// DocumentVattr renders the $document virtual attribute value.
func DocumentVattr(meta DocumentMeta) []byte {
	datatypes := []string{}
	if meta.Datatype.IsJSON() {
		datatypes = append(datatypes, "json")
	}
	if meta.Datatype.IsSnappy() {
		datatypes = append(datatypes, "snappy")
	}
	if meta.Datatype.IsXattr() {
		datatypes = append(datatypes, "xattr")
	}
	if len(datatypes) == 0 {
		datatypes = append(datatypes, "raw")
	}

	doc := map[string]any{
		"CAS":          fmt.Sprintf("0x%016x", meta.Cas),
		"vbucket_uuid": fmt.Sprintf("0x%016x", meta.VbucketUUID),
		"seqno":        fmt.Sprintf("0x%016x", meta.SeqNo),
		"exptime":     meta.Expiry,
		"value_bytes": meta.ValueBytes,
		"datatype":    datatypes,
		"deleted":     meta.Deleted,
		"flags":       meta.Flags,
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}
	return out
}

// XtocVattr renders the $XTOC virtual attribute: the sorted list of
// attribute keys visible with the given privileges.
func XtocVattr(x Xattrs, canReadUser, canReadSystem bool) []byte {
	keys := x.Keys(canReadSystem, canReadUser)
	out, err := json.Marshal(keys)
	if err != nil {
		return []byte("[]")
	}
	return out
}
