// Package subdoc provides the sub-document machinery used by the
// connection frontend: the path-operation operator, the extended
// attribute (XATTR) blob codec, virtual attributes and macro
// expansion.
//
// The JSON path language itself is delegated to the gjson/sjson
// libraries; this package adapts sub-document path syntax and
// semantics (create-parents, array insertion, counters) on top of
// them.
package subdoc

import (
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// Op identifies one sub-document path operation.
type Op int

const (
	OpGet Op = iota
	OpExists
	OpGetCount
	OpGetDoc
	OpDictAdd
	OpDictUpsert
	OpDelete
	OpReplace
	OpArrayPushLast
	OpArrayPushFirst
	OpArrayInsert
	OpArrayAddUnique
	OpCounter
	OpSetDoc
	OpDeleteDoc
)

// IsMutator reports whether the operation modifies the document.
func (o Op) IsMutator() bool {
	switch o {
	case OpGet, OpExists, OpGetCount, OpGetDoc:
		return false
	}
	return true
}

// IsWholeDoc reports whether the operation addresses the whole
// document rather than a path within it.
func (o Op) IsWholeDoc() bool {
	return o == OpGetDoc || o == OpSetDoc || o == OpDeleteDoc
}

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpExists:
		return "exists"
	case OpGetCount:
		return "get_count"
	case OpGetDoc:
		return "get_doc"
	case OpDictAdd:
		return "dict_add"
	case OpDictUpsert:
		return "dict_upsert"
	case OpDelete:
		return "delete"
	case OpReplace:
		return "replace"
	case OpArrayPushLast:
		return "array_push_last"
	case OpArrayPushFirst:
		return "array_push_first"
	case OpArrayInsert:
		return "array_insert"
	case OpArrayAddUnique:
		return "array_add_unique"
	case OpCounter:
		return "counter"
	case OpSetDoc:
		return "set_doc"
	case OpDeleteDoc:
		return "delete_doc"
	}
	return "unknown"
}

// Result is the outcome of a single operation.
type Result struct {
	// Doc is the (possibly rewritten) document. Nil for lookups.
	Doc []byte
	// Match is the value matched by a lookup (or the counter result).
	Match []byte
}

// Operator executes one path operation against a JSON document and
// returns the result plus a protocol-level sub-document status.
//
// The operator validates the document's content (malformed bytes fail
// with doc_not_json); the caller is responsible for the datatype gate:
// path operations may only be dispatched when the stored datatype
// carries the JSON bit, regardless of whether the bytes would parse.
type Operator interface {
	Execute(doc []byte, op Op, path string, value []byte, createParents bool) (Result, mcbp.Status)
}
