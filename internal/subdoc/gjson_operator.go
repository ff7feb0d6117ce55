package subdoc

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// MaxPathDepth bounds the number of path components.
const MaxPathDepth = 32

// MaxPathLen bounds the path length in bytes.
const MaxPathLen = 1024

// MaxValueDepth bounds the nesting of inserted values.
const MaxValueDepth = 32

// GJSONOperator is the default Operator built on the tidwall gjson and
// sjson libraries.
type GJSONOperator struct{}

// NewOperator creates the default operator.
func NewOperator() *GJSONOperator {
	return &GJSONOperator{}
}

var _ Operator = (*GJSONOperator)(nil)

// translatePath converts a sub-document path (dotted components with
// bracketed array indices, e.g. `a.b[3].c`) into gjson/sjson syntax
// (`a.b.3.c`).
func translatePath(path string) (string, mcbp.Status) {
	if len(path) > MaxPathLen {
		return "", mcbp.StatusSubdocPathE2big
	}

	var sb strings.Builder
	depth := 1
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return "", mcbp.StatusSubdocPathEinval
			}
			idx := path[i+1 : i+end]
			if _, err := strconv.Atoi(idx); err != nil {
				return "", mcbp.StatusSubdocPathEinval
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(idx)
			i += end
			depth++
		case '.':
			sb.WriteByte('.')
			depth++
		case ']':
			return "", mcbp.StatusSubdocPathEinval
		default:
			sb.WriteByte(c)
		}
	}
	if depth > MaxPathDepth {
		return "", mcbp.StatusSubdocPathE2big
	}
	return sb.String(), mcbp.StatusSuccess
}

// jsonDepth computes the maximum nesting depth of a JSON value.
func jsonDepth(raw []byte) int {
	depth, max := 0, 0
	inString := false
	escaped := false
	for _, c := range raw {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{' || c == '[':
			depth++
			if depth > max {
				max = depth
			}
		case c == '}' || c == ']':
			depth--
		}
	}
	return max
}

func splitParent(gpath string) (parent, leaf string) {
	if i := strings.LastIndexByte(gpath, '.'); i >= 0 {
		return gpath[:i], gpath[i+1:]
	}
	return "", gpath
}

func lookup(doc []byte, gpath string) gjson.Result {
	if gpath == "" {
		return gjson.ParseBytes(doc)
	}
	return gjson.GetBytes(doc, gpath)
}

// setRaw writes raw JSON at gpath. An empty gpath replaces the whole
// document.
func setRaw(doc []byte, gpath string, raw []byte) ([]byte, error) {
	if gpath == "" {
		return append([]byte(nil), raw...), nil
	}
	return sjson.SetRawBytesOptions(doc, gpath, raw,
		&sjson.Options{ReplaceInPlace: false})
}

// Execute implements Operator.
func (o *GJSONOperator) Execute(doc []byte, op Op, path string, value []byte, createParents bool) (Result, mcbp.Status) {
	if op.IsWholeDoc() {
		return o.wholeDoc(doc, op, value)
	}

	if !gjson.ValidBytes(doc) {
		return Result{}, mcbp.StatusSubdocDocNotJSON
	}

	gpath, st := translatePath(path)
	if st != mcbp.StatusSuccess {
		return Result{}, st
	}
	if gpath == "" && op != OpArrayPushLast && op != OpArrayPushFirst && op != OpArrayAddUnique && op != OpGetCount && op != OpGet && op != OpExists {
		// Only array append/prepend and lookups may address the root.
		return Result{}, mcbp.StatusSubdocPathEinval
	}

	switch op {
	case OpGet:
		target := lookup(doc, gpath)
		if !target.Exists() {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		return Result{Match: []byte(target.Raw)}, mcbp.StatusSuccess

	case OpExists:
		if !lookup(doc, gpath).Exists() {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		return Result{}, mcbp.StatusSuccess

	case OpGetCount:
		target := lookup(doc, gpath)
		if !target.Exists() {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		if !target.IsObject() && !target.IsArray() {
			return Result{}, mcbp.StatusSubdocPathMismatch
		}
		count := 0
		target.ForEach(func(gjson.Result, gjson.Result) bool {
			count++
			return true
		})
		return Result{Match: []byte(strconv.Itoa(count))}, mcbp.StatusSuccess

	case OpDictAdd, OpDictUpsert:
		if st := checkValue(value); st != mcbp.StatusSuccess {
			return Result{}, st
		}
		target := lookup(doc, gpath)
		if op == OpDictAdd && target.Exists() {
			return Result{}, mcbp.StatusSubdocPathEexists
		}
		if st := checkParent(doc, gpath, createParents); st != mcbp.StatusSuccess {
			return Result{}, st
		}
		out, err := setRaw(doc, gpath, value)
		if err != nil {
			return Result{}, mcbp.StatusSubdocPathEinval
		}
		return Result{Doc: out}, mcbp.StatusSuccess

	case OpReplace:
		if st := checkValue(value); st != mcbp.StatusSuccess {
			return Result{}, st
		}
		if !lookup(doc, gpath).Exists() {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		out, err := setRaw(doc, gpath, value)
		if err != nil {
			return Result{}, mcbp.StatusSubdocPathEinval
		}
		return Result{Doc: out}, mcbp.StatusSuccess

	case OpDelete:
		if !lookup(doc, gpath).Exists() {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		parent, leaf := splitParent(gpath)
		if idx, err := strconv.Atoi(leaf); err == nil {
			// Element removal from an array rebuilds the array; sjson
			// deletion is only defined for object members.
			target := lookup(doc, parent)
			if !target.IsArray() {
				return Result{}, mcbp.StatusSubdocPathMismatch
			}
			elems := target.Array()
			if idx >= len(elems) {
				return Result{}, mcbp.StatusSubdocPathEnoent
			}
			rebuilt := rebuildArray(append(elems[:idx:idx], elems[idx+1:]...), nil, -1)
			out, serr := setRaw(doc, parent, rebuilt)
			if serr != nil {
				return Result{}, mcbp.StatusSubdocPathEinval
			}
			return Result{Doc: out}, mcbp.StatusSuccess
		}
		out, err := sjson.DeleteBytes(doc, gpath)
		if err != nil {
			return Result{}, mcbp.StatusSubdocPathEinval
		}
		return Result{Doc: out}, mcbp.StatusSuccess

	case OpArrayPushLast, OpArrayPushFirst:
		return o.arrayPush(doc, gpath, value, createParents, op == OpArrayPushFirst)

	case OpArrayInsert:
		return o.arrayInsert(doc, gpath, value)

	case OpArrayAddUnique:
		return o.arrayAddUnique(doc, gpath, value, createParents)

	case OpCounter:
		return o.counter(doc, gpath, value, createParents)
	}

	return Result{}, mcbp.StatusSubdocPathEinval
}

func (o *GJSONOperator) wholeDoc(doc []byte, op Op, value []byte) (Result, mcbp.Status) {
	switch op {
	case OpGetDoc:
		return Result{Match: doc}, mcbp.StatusSuccess
	case OpSetDoc:
		return Result{Doc: append([]byte(nil), value...)}, mcbp.StatusSuccess
	case OpDeleteDoc:
		return Result{Doc: nil}, mcbp.StatusSuccess
	}
	return Result{}, mcbp.StatusSubdocPathEinval
}

func checkValue(value []byte) mcbp.Status {
	if !json.Valid(value) {
		return mcbp.StatusSubdocValueCantinsert
	}
	if jsonDepth(value) > MaxValueDepth {
		return mcbp.StatusSubdocValueEtoodeep
	}
	return mcbp.StatusSuccess
}

// checkParent verifies the parent container of gpath exists (or that
// parent creation was requested) and is a container.
func checkParent(doc []byte, gpath string, createParents bool) mcbp.Status {
	parent, _ := splitParent(gpath)
	if parent == "" {
		return mcbp.StatusSuccess
	}
	target := lookup(doc, parent)
	if !target.Exists() {
		if createParents {
			return mcbp.StatusSuccess
		}
		return mcbp.StatusSubdocPathEnoent
	}
	if !target.IsObject() && !target.IsArray() {
		return mcbp.StatusSubdocPathMismatch
	}
	return mcbp.StatusSuccess
}

// rebuildArray reassembles an array's raw JSON with extra inserted at
// position idx (idx == len appends).
func rebuildArray(elems []gjson.Result, extra []byte, idx int) []byte {
	var sb bytes.Buffer
	sb.WriteByte('[')
	for i := 0; i <= len(elems); i++ {
		if i == idx {
			if sb.Len() > 1 {
				sb.WriteByte(',')
			}
			sb.Write(extra)
		}
		if i < len(elems) {
			if sb.Len() > 1 {
				sb.WriteByte(',')
			}
			sb.WriteString(elems[i].Raw)
		}
	}
	sb.WriteByte(']')
	return sb.Bytes()
}

func (o *GJSONOperator) arrayPush(doc []byte, gpath string, value []byte, createParents, first bool) (Result, mcbp.Status) {
	if st := checkValue(value); st != mcbp.StatusSuccess {
		return Result{}, st
	}

	target := lookup(doc, gpath)
	if !target.Exists() {
		if gpath != "" && !createParents {
			return Result{}, mcbp.StatusSubdocPathEnoent
		}
		out, err := setRaw(doc, gpath, rebuildArray(nil, value, 0))
		if err != nil {
			return Result{}, mcbp.StatusSubdocPathEinval
		}
		return Result{Doc: out}, mcbp.StatusSuccess
	}
	if !target.IsArray() {
		return Result{}, mcbp.StatusSubdocPathMismatch
	}

	elems := target.Array()
	idx := len(elems)
	if first {
		idx = 0
	}
	out, err := setRaw(doc, gpath, rebuildArray(elems, value, idx))
	if err != nil {
		return Result{}, mcbp.StatusSubdocPathEinval
	}
	return Result{Doc: out}, mcbp.StatusSuccess
}

func (o *GJSONOperator) arrayInsert(doc []byte, gpath string, value []byte) (Result, mcbp.Status) {
	if st := checkValue(value); st != mcbp.StatusSuccess {
		return Result{}, st
	}

	arrayPath, leaf := splitParent(gpath)
	idx, err := strconv.Atoi(leaf)
	if err != nil || idx < 0 {
		return Result{}, mcbp.StatusSubdocPathEinval
	}

	target := lookup(doc, arrayPath)
	if !target.Exists() {
		return Result{}, mcbp.StatusSubdocPathEnoent
	}
	if !target.IsArray() {
		return Result{}, mcbp.StatusSubdocPathMismatch
	}

	elems := target.Array()
	if idx > len(elems) {
		return Result{}, mcbp.StatusSubdocPathEnoent
	}
	out, serr := setRaw(doc, arrayPath, rebuildArray(elems, value, idx))
	if serr != nil {
		return Result{}, mcbp.StatusSubdocPathEinval
	}
	return Result{Doc: out}, mcbp.StatusSuccess
}

func (o *GJSONOperator) arrayAddUnique(doc []byte, gpath string, value []byte, createParents bool) (Result, mcbp.Status) {
	if st := checkValue(value); st != mcbp.StatusSuccess {
		return Result{}, st
	}
	// Uniqueness is only defined over primitives.
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return Result{}, mcbp.StatusSubdocValueCantinsert
	}

	target := lookup(doc, gpath)
	if target.Exists() {
		if !target.IsArray() {
			return Result{}, mcbp.StatusSubdocPathMismatch
		}
		duplicate := false
		target.ForEach(func(_, elem gjson.Result) bool {
			if elem.Raw == string(trimmed) {
				duplicate = true
				return false
			}
			return true
		})
		if duplicate {
			return Result{}, mcbp.StatusSubdocPathEexists
		}
	}
	return o.arrayPush(doc, gpath, trimmed, createParents, false)
}

func (o *GJSONOperator) counter(doc []byte, gpath string, value []byte, createParents bool) (Result, mcbp.Status) {
	delta, err := strconv.ParseInt(string(bytes.TrimSpace(value)), 10, 64)
	if err != nil || delta == 0 {
		return Result{}, mcbp.StatusSubdocDeltaEinval
	}

	var current int64
	target := lookup(doc, gpath)
	if target.Exists() {
		if target.Type != gjson.Number {
			return Result{}, mcbp.StatusSubdocPathMismatch
		}
		current, err = strconv.ParseInt(target.Raw, 10, 64)
		if err != nil {
			return Result{}, mcbp.StatusSubdocNumErange
		}
	} else if st := checkParent(doc, gpath, createParents); st != mcbp.StatusSuccess {
		return Result{}, st
	}

	// Overflow check before applying the delta.
	if (delta > 0 && current > math.MaxInt64-delta) ||
		(delta < 0 && current < math.MinInt64-delta) {
		return Result{}, mcbp.StatusSubdocNumErange
	}
	updated := current + delta

	raw := []byte(strconv.FormatInt(updated, 10))
	out, serr := setRaw(doc, gpath, raw)
	if serr != nil {
		return Result{}, mcbp.StatusSubdocPathEinval
	}
	return Result{Doc: out, Match: raw}, mcbp.StatusSuccess
}

func init() {
	// gjson must not interpret modifiers or multipath syntax coming
	// from client paths.
	gjson.DisableModifiers = true
}
