package server

import (
	"encoding/binary"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/subdoc"
	"github.com/marmos91/dittokv/pkg/engine"
)

// Sub-document path flags.
const (
	subdocFlagMkdirP       = 0x01
	subdocFlagXattrPath    = 0x04
	subdocFlagExpandMacros = 0x10
)

// Sub-document doc flags.
const (
	subdocDocFlagMkdoc         = 0x01
	subdocDocFlagAdd           = 0x02
	subdocDocFlagAccessDeleted = 0x04
)

// subdocMultiMaxPaths bounds the operations of one multi-path request.
const subdocMultiMaxPaths = 16

// subdocAutoRetryBound bounds the CAS auto-retry loop when the client
// sent CAS zero.
const subdocAutoRetryBound = 100

// subdocOpTraits maps the wire opcodes onto operator operations.
var subdocOpTraits = map[mcbp.ClientOpcode]struct {
	op      subdoc.Op
	mutator bool
}{
	mcbp.OpSubdocGet:            {subdoc.OpGet, false},
	mcbp.OpSubdocExists:         {subdoc.OpExists, false},
	mcbp.OpSubdocGetCount:       {subdoc.OpGetCount, false},
	mcbp.OpSubdocDictAdd:        {subdoc.OpDictAdd, true},
	mcbp.OpSubdocDictUpsert:     {subdoc.OpDictUpsert, true},
	mcbp.OpSubdocDelete:         {subdoc.OpDelete, true},
	mcbp.OpSubdocReplace:        {subdoc.OpReplace, true},
	mcbp.OpSubdocArrayPushLast:  {subdoc.OpArrayPushLast, true},
	mcbp.OpSubdocArrayPushFirst: {subdoc.OpArrayPushFirst, true},
	mcbp.OpSubdocArrayInsert:    {subdoc.OpArrayInsert, true},
	mcbp.OpSubdocArrayAddUnique: {subdoc.OpArrayAddUnique, true},
	mcbp.OpSubdocCounter:        {subdoc.OpCounter, true},
	// Whole-document operations usable inside multi-path requests.
	mcbp.OpGet:    {subdoc.OpGetDoc, false},
	mcbp.OpSet:    {subdoc.OpSetDoc, true},
	mcbp.OpDelete: {subdoc.OpDeleteDoc, true},
}

// subdocOpSpec is one path operation of a request.
type subdocOpSpec struct {
	op      subdoc.Op
	mutator bool
	flags   uint8
	path    string
	value   []byte
	xattr   bool

	// Filled during execution.
	status mcbp.Status
	result []byte
}

// subdocContext is the command context of the sub-document executor.
// It survives ewouldblock re-entries and is rebuilt from scratch on a
// CAS auto-retry.
type subdocContext struct {
	conn   *Connection
	cookie *Cookie

	single   bool
	mutator  bool
	docFlags uint8
	expiry   uint32

	xattrOps []*subdocOpSpec
	bodyOps  []*subdocOpSpec
	// doDeleteDoc is set by a multi-mutation containing a whole-doc
	// delete; it triggers the xattr-delete phase.
	doDeleteDoc bool

	// Fetch results.
	fetched     bool
	needsNewDoc bool
	inCas       uint64
	inDeleted   bool
	inFlags     uint32
	meta        subdoc.DocumentMeta

	// Working document state.
	xattrs        subdoc.Xattrs
	body          []byte
	bodyDatatype  mcbp.Datatype
	xattrModified bool
	bodyModified  bool

	mutationResult engine.MutationResult
}

func (ctx *subdocContext) Done() {}

func (ctx *subdocContext) allOps() []*subdocOpSpec {
	out := make([]*subdocOpSpec, 0, len(ctx.xattrOps)+len(ctx.bodyOps))
	out = append(out, ctx.xattrOps...)
	return append(out, ctx.bodyOps...)
}

// newSubdocContext parses the request into a context. A parse problem
// yields a nil context and the status to report.
func newSubdocContext(c *Connection, ck *Cookie) (*subdocContext, mcbp.Status) {
	p := ck.packet
	op := p.ClientOpcode()

	ctx := &subdocContext{conn: c, cookie: ck}

	switch op {
	case mcbp.OpSubdocMultiLookup, mcbp.OpSubdocMultiMutation:
		if status := ctx.parseMulti(p, op == mcbp.OpSubdocMultiMutation); status != mcbp.StatusSuccess {
			return nil, status
		}
	default:
		if status := ctx.parseSingle(p, op); status != mcbp.StatusSuccess {
			return nil, status
		}
	}

	if status := ctx.checkXattrCombos(); status != mcbp.StatusSuccess {
		return nil, status
	}
	return ctx, mcbp.StatusSuccess
}

func (ctx *subdocContext) addOp(spec *subdocOpSpec) mcbp.Status {
	if spec.xattr {
		if len(ctx.bodyOps) > 0 {
			// XATTR operations must precede body operations.
			return mcbp.StatusSubdocInvalidXattrOrder
		}
		key, _ := subdoc.SplitXattrKey(spec.path)
		if !subdoc.IsVirtualKey(key) {
			if err := subdoc.ValidateKey(key); err != nil {
				return mcbp.StatusXattrEinval
			}
		}
		ctx.xattrOps = append(ctx.xattrOps, spec)
		return mcbp.StatusSuccess
	}
	ctx.bodyOps = append(ctx.bodyOps, spec)
	return mcbp.StatusSuccess
}

func (ctx *subdocContext) parseSingle(p *mcbp.Packet, op mcbp.ClientOpcode) mcbp.Status {
	traits := subdocOpTraits[op]
	ctx.single = true
	ctx.mutator = traits.mutator

	pathLen := int(binary.BigEndian.Uint16(p.Extras[0:2]))
	flags := p.Extras[2]

	switch p.ExtrasLen {
	case 4:
		ctx.docFlags = p.Extras[3]
	case 7:
		ctx.expiry = binary.BigEndian.Uint32(p.Extras[3:7])
	case 8:
		ctx.expiry = binary.BigEndian.Uint32(p.Extras[3:7])
		ctx.docFlags = p.Extras[7]
	}

	if !traits.mutator && ctx.docFlags&(subdocDocFlagMkdoc|subdocDocFlagAdd) != 0 {
		return mcbp.StatusEinval
	}

	spec := &subdocOpSpec{
		op:      traits.op,
		mutator: traits.mutator,
		flags:   flags,
		path:    string(p.Value[:pathLen]),
		value:   p.Value[pathLen:],
		xattr:   flags&subdocFlagXattrPath != 0,
	}
	if traits.mutator && !spec.xattr && flags&subdocFlagExpandMacros != 0 {
		// Macros only make sense inside extended attributes.
		return mcbp.StatusEinval
	}
	return ctx.addOp(spec)
}

func (ctx *subdocContext) parseMulti(p *mcbp.Packet, mutation bool) mcbp.Status {
	ctx.single = false
	ctx.mutator = mutation

	extras := p.Extras
	if mutation {
		switch len(extras) {
		case 1:
			ctx.docFlags = extras[0]
		case 4:
			ctx.expiry = binary.BigEndian.Uint32(extras[0:4])
		case 5:
			ctx.expiry = binary.BigEndian.Uint32(extras[0:4])
			ctx.docFlags = extras[4]
		}
	} else if len(extras) == 1 {
		ctx.docFlags = extras[0]
	}

	buf := p.Value
	count := 0
	for len(buf) > 0 {
		if count == subdocMultiMaxPaths {
			return mcbp.StatusSubdocInvalidCombo
		}

		var headerLen int
		if mutation {
			headerLen = 8
		} else {
			headerLen = 4
		}
		if len(buf) < headerLen {
			return mcbp.StatusEinval
		}

		opcode := mcbp.ClientOpcode(buf[0])
		flags := buf[1]
		pathLen := int(binary.BigEndian.Uint16(buf[2:4]))
		valueLen := 0
		if mutation {
			valueLen = int(binary.BigEndian.Uint32(buf[4:8]))
		}
		buf = buf[headerLen:]

		if pathLen+valueLen > len(buf) {
			return mcbp.StatusEinval
		}

		traits, known := subdocOpTraits[opcode]
		if !known {
			return mcbp.StatusSubdocInvalidCombo
		}
		// Mutators and lookups never mix within one request.
		if traits.mutator != mutation {
			return mcbp.StatusSubdocInvalidCombo
		}

		spec := &subdocOpSpec{
			op:      traits.op,
			mutator: traits.mutator,
			flags:   flags,
			path:    string(buf[:pathLen]),
			value:   buf[pathLen : pathLen+valueLen],
			xattr:   flags&subdocFlagXattrPath != 0,
		}
		buf = buf[pathLen+valueLen:]

		if spec.op.IsWholeDoc() && spec.path != "" {
			return mcbp.StatusEinval
		}
		if spec.op == subdoc.OpDeleteDoc {
			ctx.doDeleteDoc = true
		}

		if status := ctx.addOp(spec); status != mcbp.StatusSuccess {
			return status
		}
		count++
	}

	if count == 0 {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

// checkXattrCombos enforces the one-xattr-key rule and virtual
// attribute constraints.
func (ctx *subdocContext) checkXattrCombos() mcbp.Status {
	var firstKey string
	for _, spec := range ctx.xattrOps {
		key, _ := subdoc.SplitXattrKey(spec.path)

		if subdoc.IsVirtualKey(key) {
			if spec.mutator {
				return mcbp.StatusSubdocXattrCantModifyVattr
			}
			if key != subdoc.VattrDocument && key != subdoc.VattrXtoc {
				return mcbp.StatusSubdocXattrUnknownVattr
			}
			continue
		}

		if firstKey == "" {
			firstKey = key
		} else if key != firstKey {
			return mcbp.StatusSubdocXattrInvalidKeyCombo
		}

		if spec.flags&subdocFlagExpandMacros != 0 && subdoc.IsUnknownMacro(spec.value) {
			return mcbp.StatusSubdocXattrUnknownMacro
		}
	}
	return mcbp.StatusSuccess
}
