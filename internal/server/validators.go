package server

import (
	"encoding/binary"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/subdoc"
)

// validatorFunc checks the structural shape of one opcode's request.
type validatorFunc func(c *Connection, ck *Cookie) mcbp.Status

// validate runs the global header checks, decodes the framing extras
// onto the cookie and applies the per-opcode validator.
func (c *Connection) validate(ck *Cookie) mcbp.Status {
	p := ck.packet

	if !p.Magic.IsClient() || !p.Magic.IsRequest() {
		return mcbp.StatusEinval
	}
	if !p.Datatype.IsValid() {
		return mcbp.StatusEinval
	}
	if p.Datatype.IsSnappy() && !c.snappySupport {
		return mcbp.StatusEinval
	}

	if status := c.applyFrameInfos(ck); status != mcbp.StatusSuccess {
		return status
	}

	if v := validators[p.ClientOpcode()]; v != nil {
		if status := v(c, ck); status != mcbp.StatusSuccess {
			return status
		}
	}
	return mcbp.StatusSuccess
}

// applyFrameInfos walks the framing extras, validating each element's
// contract and stashing the decoded values on the cookie.
func (c *Connection) applyFrameInfos(ck *Cookie) mcbp.Status {
	p := ck.packet
	if len(p.FramingExtras) == 0 {
		return mcbp.StatusSuccess
	}

	status := mcbp.StatusSuccess
	err := mcbp.WalkFrameInfos(p.FramingExtras, func(id mcbp.FrameInfoID, data []byte) bool {
		switch id {
		case mcbp.FrameInfoReorder:
			if len(data) != 0 {
				status = mcbp.StatusEinval
				return false
			}
			ck.reorder = true

		case mcbp.FrameInfoDurabilityRequirement:
			reqs, perr := mcbp.ParseDurabilityRequirements(data)
			if perr != nil {
				status = mcbp.StatusEinval
				return false
			}
			if !reqs.Level.IsValid() {
				status = mcbp.StatusDurabilityInvalidLevel
				return false
			}
			if !p.ClientOpcode().SupportsDurability() {
				status = mcbp.StatusEinval
				return false
			}
			ck.durability = &reqs

		case mcbp.FrameInfoDcpStreamID:
			if len(data) != 2 {
				status = mcbp.StatusEinval
				return false
			}
			sid := binary.BigEndian.Uint16(data)
			ck.dcpStreamID = &sid

		case mcbp.FrameInfoOpenTracingContext:
			if len(data) == 0 {
				status = mcbp.StatusEinval
				return false
			}
			ck.tracingCtx = append([]byte(nil), data...)

		default:
			status = mcbp.StatusUnknownFrameInfo
			return false
		}
		return true
	})
	if err != nil {
		return mcbp.StatusEinval
	}
	return status
}

// shape is a compact structural constraint used by most validators.
type shape struct {
	// extras lists the accepted extras lengths.
	extras []int
	// key constrains the key: -1 any, 0 none, 1 required.
	key int
	// value constrains the value the same way.
	value int
	// cas constrains the CAS field: -1 any, 0 must be zero, 1 must be
	// non-zero.
	cas int
}

func (s shape) check(ck *Cookie) mcbp.Status {
	p := ck.packet

	if len(s.extras) > 0 {
		ok := false
		for _, n := range s.extras {
			if int(p.ExtrasLen) == n {
				ok = true
				break
			}
		}
		if !ok {
			return mcbp.StatusEinval
		}
	}
	switch s.key {
	case 0:
		if p.KeyLen != 0 {
			return mcbp.StatusEinval
		}
	case 1:
		if p.KeyLen == 0 {
			return mcbp.StatusEinval
		}
	}
	switch s.value {
	case 0:
		if p.ValueLen() != 0 {
			return mcbp.StatusEinval
		}
	case 1:
		if p.ValueLen() == 0 {
			return mcbp.StatusEinval
		}
	}
	switch s.cas {
	case 0:
		if p.Cas != 0 {
			return mcbp.StatusEinval
		}
	case 1:
		if p.Cas == 0 {
			return mcbp.StatusEinval
		}
	}
	return mcbp.StatusSuccess
}

func shapeValidator(s shape) validatorFunc {
	return func(_ *Connection, ck *Cookie) mcbp.Status {
		return s.check(ck)
	}
}

var validators map[mcbp.ClientOpcode]validatorFunc

func init() {
	validators = map[mcbp.ClientOpcode]validatorFunc{
		mcbp.OpGet:        shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpGetq:       shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpGetk:       shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpGetkq:      shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpGetReplica: shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),

		mcbp.OpSet:      shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: -1}),
		mcbp.OpSetq:     shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: -1}),
		mcbp.OpAdd:      shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: 0}),
		mcbp.OpAddq:     shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: 0}),
		mcbp.OpReplace:  shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: -1}),
		mcbp.OpReplaceq: shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: -1}),

		mcbp.OpAppend:   shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: -1}),
		mcbp.OpAppendq:  shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: -1}),
		mcbp.OpPrepend:  shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: -1}),
		mcbp.OpPrependq: shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: -1}),

		mcbp.OpDelete:  shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: -1}),
		mcbp.OpDeleteq: shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: -1}),

		mcbp.OpIncrement:  shapeValidator(shape{extras: []int{20}, key: 1, value: 0, cas: 0}),
		mcbp.OpIncrementq: shapeValidator(shape{extras: []int{20}, key: 1, value: 0, cas: 0}),
		mcbp.OpDecrement:  shapeValidator(shape{extras: []int{20}, key: 1, value: 0, cas: 0}),
		mcbp.OpDecrementq: shapeValidator(shape{extras: []int{20}, key: 1, value: 0, cas: 0}),

		mcbp.OpQuit:    shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpQuitq:   shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpNoop:    shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpVersion: shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),

		mcbp.OpFlush:  shapeValidator(shape{extras: []int{0, 4}, key: 0, value: 0, cas: 0}),
		mcbp.OpFlushq: shapeValidator(shape{extras: []int{0, 4}, key: 0, value: 0, cas: 0}),

		mcbp.OpVerbosity: shapeValidator(shape{extras: []int{4}, key: 0, value: 0, cas: 0}),

		mcbp.OpTouch: shapeValidator(shape{extras: []int{4}, key: 1, value: 0, cas: 0}),
		mcbp.OpGat:   shapeValidator(shape{extras: []int{4}, key: 1, value: 0, cas: 0}),
		mcbp.OpGatq:  shapeValidator(shape{extras: []int{4}, key: 1, value: 0, cas: 0}),

		mcbp.OpHello: validateHello,

		mcbp.OpSaslListMechs: shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpSaslAuth:      shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: 0}),
		mcbp.OpSaslStep:      shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: 0}),

		mcbp.OpSelectBucket: shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpListBuckets:  shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),

		mcbp.OpStat: shapeValidator(shape{extras: []int{0}, key: -1, value: 0, cas: 0}),

		mcbp.OpGetLocked: shapeValidator(shape{extras: []int{0, 4}, key: 1, value: 0, cas: 0}),
		mcbp.OpUnlockKey: shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 1}),

		mcbp.OpGetErrorMap: shapeValidator(shape{extras: []int{0}, key: 0, value: 1, cas: 0}),

		mcbp.OpGetRandomKey:     shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpGetClusterConfig: shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpSetClusterConfig: shapeValidator(shape{extras: []int{0, 4}, key: -1, value: 1, cas: 0}),

		mcbp.OpGetVbucket: shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpSetVbucket: shapeValidator(shape{extras: []int{1, 4}, key: 0, value: -1, cas: 0}),
		mcbp.OpDelVbucket: shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),

		mcbp.OpDcpOpen:                  shapeValidator(shape{extras: []int{8}, key: 1, value: -1, cas: 0}),
		mcbp.OpDcpStreamReq:             shapeValidator(shape{extras: []int{48}, key: 0, value: -1, cas: 0}),
		mcbp.OpDcpCloseStream:           shapeValidator(shape{extras: []int{0, 4}, key: 0, value: 0, cas: 0}),
		mcbp.OpDcpGetFailoverLog:        shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpDcpBufferAcknowledgement: shapeValidator(shape{extras: []int{4}, key: 0, value: 0, cas: 0}),
		mcbp.OpDcpControl:               shapeValidator(shape{extras: []int{0}, key: 1, value: 1, cas: 0}),
		mcbp.OpDcpNoop:                  shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),

		mcbp.OpSubdocGet:            validateSubdocLookup,
		mcbp.OpSubdocExists:         validateSubdocLookup,
		mcbp.OpSubdocGetCount:       validateSubdocLookup,
		mcbp.OpSubdocDictAdd:        validateSubdocMutation,
		mcbp.OpSubdocDictUpsert:     validateSubdocMutation,
		mcbp.OpSubdocDelete:         validateSubdocDelete,
		mcbp.OpSubdocReplace:        validateSubdocMutation,
		mcbp.OpSubdocArrayPushLast:  validateSubdocMutation,
		mcbp.OpSubdocArrayPushFirst: validateSubdocMutation,
		mcbp.OpSubdocArrayInsert:    validateSubdocMutation,
		mcbp.OpSubdocArrayAddUnique: validateSubdocMutation,
		mcbp.OpSubdocCounter:        validateSubdocMutation,
		mcbp.OpSubdocMultiLookup:    validateSubdocMultiLookup,
		mcbp.OpSubdocMultiMutation:  validateSubdocMultiMutation,

		mcbp.OpCreateBucket: shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: 0}),
		mcbp.OpDeleteBucket: shapeValidator(shape{extras: []int{0}, key: 1, value: -1, cas: 0}),

		mcbp.OpAuthProvider:   shapeValidator(shape{extras: []int{0}, key: 0, value: 0, cas: 0}),
		mcbp.OpDropPrivilege:  shapeValidator(shape{extras: []int{0}, key: 1, value: 0, cas: 0}),
		mcbp.OpEwouldblockCtl: shapeValidator(shape{extras: []int{8}, key: 0, value: 0, cas: 0}),
		mcbp.OpGetCmdTimer:    shapeValidator(shape{extras: []int{1}, key: -1, value: 0, cas: 0}),
	}
}

func validateHello(_ *Connection, ck *Cookie) mcbp.Status {
	p := ck.packet
	if p.ExtrasLen != 0 || p.Cas != 0 {
		return mcbp.StatusEinval
	}
	if p.ValueLen()%2 != 0 {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

// subdocPathLen extracts the path length from single-path extras.
func subdocPathLen(p *mcbp.Packet) int {
	if len(p.Extras) < 2 {
		return -1
	}
	return int(binary.BigEndian.Uint16(p.Extras[:2]))
}

func validateSubdocLookup(_ *Connection, ck *Cookie) mcbp.Status {
	p := ck.packet
	// pathlen[2] flags[1] with an optional doc-flags byte.
	if p.ExtrasLen != 3 && p.ExtrasLen != 4 {
		return mcbp.StatusEinval
	}
	if p.KeyLen == 0 {
		return mcbp.StatusEinval
	}
	pathLen := subdocPathLen(p)
	if pathLen < 0 || pathLen > subdoc.MaxPathLen || pathLen != p.ValueLen() {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

func validateSubdocMutation(_ *Connection, ck *Cookie) mcbp.Status {
	p := ck.packet
	// pathlen[2] flags[1], optional expiry[4], optional doc-flags[1].
	switch p.ExtrasLen {
	case 3, 4, 7, 8:
	default:
		return mcbp.StatusEinval
	}
	if p.KeyLen == 0 {
		return mcbp.StatusEinval
	}
	pathLen := subdocPathLen(p)
	if pathLen < 0 || pathLen > subdoc.MaxPathLen || pathLen > p.ValueLen() {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

func validateSubdocDelete(c *Connection, ck *Cookie) mcbp.Status {
	if status := validateSubdocMutation(c, ck); status != mcbp.StatusSuccess {
		return status
	}
	// Delete carries no value beyond the path.
	if subdocPathLen(ck.packet) != ck.packet.ValueLen() {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

func validateSubdocMultiLookup(_ *Connection, ck *Cookie) mcbp.Status {
	p := ck.packet
	if p.ExtrasLen != 0 && p.ExtrasLen != 1 {
		return mcbp.StatusEinval
	}
	if p.KeyLen == 0 || p.ValueLen() == 0 {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}

func validateSubdocMultiMutation(_ *Connection, ck *Cookie) mcbp.Status {
	p := ck.packet
	switch p.ExtrasLen {
	case 0, 1, 4, 5:
	default:
		return mcbp.StatusEinval
	}
	if p.KeyLen == 0 || p.ValueLen() == 0 {
		return mcbp.StatusEinval
	}
	return mcbp.StatusSuccess
}
