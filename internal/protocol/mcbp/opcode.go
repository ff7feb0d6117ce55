package mcbp

import "fmt"

// ClientOpcode identifies the operation requested by a client packet.
// The enumeration is closed; the on-wire contract of every opcode
// (extras layout, body encoding) is fixed.
type ClientOpcode uint8

const (
	OpGet        ClientOpcode = 0x00
	OpSet        ClientOpcode = 0x01
	OpAdd        ClientOpcode = 0x02
	OpReplace    ClientOpcode = 0x03
	OpDelete     ClientOpcode = 0x04
	OpIncrement  ClientOpcode = 0x05
	OpDecrement  ClientOpcode = 0x06
	OpQuit       ClientOpcode = 0x07
	OpFlush      ClientOpcode = 0x08
	OpGetq       ClientOpcode = 0x09
	OpNoop       ClientOpcode = 0x0a
	OpVersion    ClientOpcode = 0x0b
	OpGetk       ClientOpcode = 0x0c
	OpGetkq      ClientOpcode = 0x0d
	OpAppend     ClientOpcode = 0x0e
	OpPrepend    ClientOpcode = 0x0f
	OpStat       ClientOpcode = 0x10
	OpSetq       ClientOpcode = 0x11
	OpAddq       ClientOpcode = 0x12
	OpReplaceq   ClientOpcode = 0x13
	OpDeleteq    ClientOpcode = 0x14
	OpIncrementq ClientOpcode = 0x15
	OpDecrementq ClientOpcode = 0x16
	OpQuitq      ClientOpcode = 0x17
	OpFlushq     ClientOpcode = 0x18
	OpAppendq    ClientOpcode = 0x19
	OpPrependq   ClientOpcode = 0x1a
	OpVerbosity  ClientOpcode = 0x1b
	OpTouch      ClientOpcode = 0x1c
	OpGat        ClientOpcode = 0x1d
	OpGatq       ClientOpcode = 0x1e
	OpHello      ClientOpcode = 0x1f

	OpSaslListMechs ClientOpcode = 0x20
	OpSaslAuth      ClientOpcode = 0x21
	OpSaslStep      ClientOpcode = 0x22

	OpIoctlGet ClientOpcode = 0x23
	OpIoctlSet ClientOpcode = 0x24

	OpConfigValidate ClientOpcode = 0x25
	OpConfigReload   ClientOpcode = 0x26

	OpAuditPut          ClientOpcode = 0x27
	OpAuditConfigReload ClientOpcode = 0x28

	OpShutdown ClientOpcode = 0x29

	OpSetVbucket ClientOpcode = 0x3d
	OpGetVbucket ClientOpcode = 0x3e
	OpDelVbucket ClientOpcode = 0x3f

	OpGetAllVbSeqnos ClientOpcode = 0x48

	OpDcpOpen                  ClientOpcode = 0x50
	OpDcpAddStream             ClientOpcode = 0x51
	OpDcpCloseStream           ClientOpcode = 0x52
	OpDcpStreamReq             ClientOpcode = 0x53
	OpDcpGetFailoverLog        ClientOpcode = 0x54
	OpDcpStreamEnd             ClientOpcode = 0x55
	OpDcpSnapshotMarker        ClientOpcode = 0x56
	OpDcpMutation              ClientOpcode = 0x57
	OpDcpDeletion              ClientOpcode = 0x58
	OpDcpExpiration            ClientOpcode = 0x59
	OpDcpSetVbucketState       ClientOpcode = 0x5b
	OpDcpNoop                  ClientOpcode = 0x5c
	OpDcpBufferAcknowledgement ClientOpcode = 0x5d
	OpDcpControl               ClientOpcode = 0x5e
	OpDcpSystemEvent           ClientOpcode = 0x5f
	OpDcpPrepare               ClientOpcode = 0x60
	OpDcpSeqnoAcknowledged     ClientOpcode = 0x61
	OpDcpCommit                ClientOpcode = 0x62
	OpDcpAbort                 ClientOpcode = 0x63

	OpGetReplica ClientOpcode = 0x83

	OpCreateBucket ClientOpcode = 0x85
	OpDeleteBucket ClientOpcode = 0x86
	OpListBuckets  ClientOpcode = 0x87
	OpSelectBucket ClientOpcode = 0x89

	OpObserveSeqno ClientOpcode = 0x91
	OpObserve      ClientOpcode = 0x92

	OpEvictKey  ClientOpcode = 0x93
	OpGetLocked ClientOpcode = 0x94
	OpUnlockKey ClientOpcode = 0x95

	OpGetFailoverLog ClientOpcode = 0x96

	OpGetMeta     ClientOpcode = 0xa0
	OpGetqMeta    ClientOpcode = 0xa1
	OpSetWithMeta ClientOpcode = 0xa2
	OpDelWithMeta ClientOpcode = 0xa8

	OpSetClusterConfig ClientOpcode = 0xb4
	OpGetClusterConfig ClientOpcode = 0xb5
	OpGetRandomKey     ClientOpcode = 0xb6
	OpSeqnoPersistence ClientOpcode = 0xb7
	OpGetKeys          ClientOpcode = 0xb8

	OpCollectionsSetManifest ClientOpcode = 0xb9
	OpCollectionsGetManifest ClientOpcode = 0xba
	OpCollectionsGetID       ClientOpcode = 0xbb
	OpCollectionsGetScopeID  ClientOpcode = 0xbc

	OpSubdocGet            ClientOpcode = 0xc5
	OpSubdocExists         ClientOpcode = 0xc6
	OpSubdocDictAdd        ClientOpcode = 0xc7
	OpSubdocDictUpsert     ClientOpcode = 0xc8
	OpSubdocDelete         ClientOpcode = 0xc9
	OpSubdocReplace        ClientOpcode = 0xca
	OpSubdocArrayPushLast  ClientOpcode = 0xcb
	OpSubdocArrayPushFirst ClientOpcode = 0xcc
	OpSubdocArrayInsert    ClientOpcode = 0xcd
	OpSubdocArrayAddUnique ClientOpcode = 0xce
	OpSubdocCounter        ClientOpcode = 0xcf
	OpSubdocMultiLookup    ClientOpcode = 0xd0
	OpSubdocMultiMutation  ClientOpcode = 0xd1
	OpSubdocGetCount       ClientOpcode = 0xd2

	OpGetCmdTimer ClientOpcode = 0xf3

	OpUpdateExternalUserPermissions ClientOpcode = 0xf6
	OpRbacRefresh                   ClientOpcode = 0xf7
	OpAuthProvider                  ClientOpcode = 0xf8

	OpDropPrivilege ClientOpcode = 0xfb

	OpEwouldblockCtl ClientOpcode = 0xfd
	OpGetErrorMap    ClientOpcode = 0xfe

	OpInvalid ClientOpcode = 0xff
)

// ServerOpcode identifies server-initiated requests. They live in a
// space disjoint from client opcodes; the magic byte selects which
// enumeration applies.
type ServerOpcode uint8

const (
	// ServerOpClustermapChangeNotification is pushed to clients that
	// negotiated the ClustermapChangeNotification feature every time the
	// cluster map changes. Extras carry the revision (uint32), key the
	// bucket name, value the map itself.
	ServerOpClustermapChangeNotification ServerOpcode = 0x01
	// ServerOpAuthenticate carries a SASL challenge to the external
	// authentication provider as a JSON payload.
	ServerOpAuthenticate ServerOpcode = 0x02
	// ServerOpActiveExternalUsers pushes the list of active external
	// users to the authentication provider.
	ServerOpActiveExternalUsers ServerOpcode = 0x03
)

// IsQuiet reports whether the opcode is one of the "quiet" variants
// that suppress success responses.
func (o ClientOpcode) IsQuiet() bool {
	switch o {
	case OpGetq, OpGetkq, OpSetq, OpAddq, OpReplaceq, OpDeleteq,
		OpIncrementq, OpDecrementq, OpQuitq, OpFlushq, OpAppendq,
		OpPrependq, OpGatq, OpGetqMeta:
		return true
	}
	return false
}

// SupportsDurability reports whether a DurabilityRequirement frame info
// may be attached to the opcode. Durability only makes sense on
// mutations.
func (o ClientOpcode) SupportsDurability() bool {
	switch o {
	case OpSet, OpSetq, OpAdd, OpAddq, OpReplace, OpReplaceq,
		OpDelete, OpDeleteq, OpIncrement, OpIncrementq,
		OpDecrement, OpDecrementq, OpAppend, OpAppendq,
		OpPrepend, OpPrependq, OpTouch, OpGat, OpGatq,
		OpSubdocDictAdd, OpSubdocDictUpsert, OpSubdocDelete,
		OpSubdocReplace, OpSubdocArrayPushLast, OpSubdocArrayPushFirst,
		OpSubdocArrayInsert, OpSubdocArrayAddUnique, OpSubdocCounter,
		OpSubdocMultiMutation:
		return true
	}
	return false
}

// IsReorderSupported reports whether the server may complete the opcode
// out of order with respect to other requests on the same connection
// (when the client negotiated UnorderedExecution and tagged every
// outstanding request with the Reorder frame info).
func (o ClientOpcode) IsReorderSupported() bool {
	switch o {
	case OpGet, OpGetq, OpGetk, OpGetkq, OpGat, OpGatq, OpTouch,
		OpSet, OpSetq, OpAdd, OpAddq, OpReplace, OpReplaceq,
		OpDelete, OpDeleteq, OpIncrement, OpIncrementq,
		OpDecrement, OpDecrementq, OpAppend, OpAppendq,
		OpPrepend, OpPrependq, OpNoop, OpVersion,
		OpGetReplica, OpGetLocked, OpUnlockKey, OpGetRandomKey,
		OpGetMeta, OpGetqMeta, OpObserve,
		OpSubdocGet, OpSubdocExists, OpSubdocDictAdd, OpSubdocDictUpsert,
		OpSubdocDelete, OpSubdocReplace, OpSubdocArrayPushLast,
		OpSubdocArrayPushFirst, OpSubdocArrayInsert,
		OpSubdocArrayAddUnique, OpSubdocCounter, OpSubdocMultiLookup,
		OpSubdocMultiMutation, OpSubdocGetCount:
		return true
	}
	return false
}

var clientOpcodeNames = map[ClientOpcode]string{
	OpGet:                           "GET",
	OpSet:                           "SET",
	OpAdd:                           "ADD",
	OpReplace:                       "REPLACE",
	OpDelete:                        "DELETE",
	OpIncrement:                     "INCREMENT",
	OpDecrement:                     "DECREMENT",
	OpQuit:                          "QUIT",
	OpFlush:                         "FLUSH",
	OpGetq:                          "GETQ",
	OpNoop:                          "NOOP",
	OpVersion:                       "VERSION",
	OpGetk:                          "GETK",
	OpGetkq:                         "GETKQ",
	OpAppend:                        "APPEND",
	OpPrepend:                       "PREPEND",
	OpStat:                          "STAT",
	OpSetq:                          "SETQ",
	OpAddq:                          "ADDQ",
	OpReplaceq:                      "REPLACEQ",
	OpDeleteq:                       "DELETEQ",
	OpIncrementq:                    "INCREMENTQ",
	OpDecrementq:                    "DECREMENTQ",
	OpQuitq:                         "QUITQ",
	OpFlushq:                        "FLUSHQ",
	OpAppendq:                       "APPENDQ",
	OpPrependq:                      "PREPENDQ",
	OpVerbosity:                     "VERBOSITY",
	OpTouch:                         "TOUCH",
	OpGat:                           "GAT",
	OpGatq:                          "GATQ",
	OpHello:                         "HELLO",
	OpSaslListMechs:                 "SASL_LIST_MECHS",
	OpSaslAuth:                      "SASL_AUTH",
	OpSaslStep:                      "SASL_STEP",
	OpIoctlGet:                      "IOCTL_GET",
	OpIoctlSet:                      "IOCTL_SET",
	OpConfigValidate:                "CONFIG_VALIDATE",
	OpConfigReload:                  "CONFIG_RELOAD",
	OpAuditPut:                      "AUDIT_PUT",
	OpAuditConfigReload:             "AUDIT_CONFIG_RELOAD",
	OpShutdown:                      "SHUTDOWN",
	OpSetVbucket:                    "SET_VBUCKET",
	OpGetVbucket:                    "GET_VBUCKET",
	OpDelVbucket:                    "DEL_VBUCKET",
	OpGetAllVbSeqnos:                "GET_ALL_VB_SEQNOS",
	OpDcpOpen:                       "DCP_OPEN",
	OpDcpAddStream:                  "DCP_ADD_STREAM",
	OpDcpCloseStream:                "DCP_CLOSE_STREAM",
	OpDcpStreamReq:                  "DCP_STREAM_REQ",
	OpDcpGetFailoverLog:             "DCP_GET_FAILOVER_LOG",
	OpDcpStreamEnd:                  "DCP_STREAM_END",
	OpDcpSnapshotMarker:             "DCP_SNAPSHOT_MARKER",
	OpDcpMutation:                   "DCP_MUTATION",
	OpDcpDeletion:                   "DCP_DELETION",
	OpDcpExpiration:                 "DCP_EXPIRATION",
	OpDcpSetVbucketState:            "DCP_SET_VBUCKET_STATE",
	OpDcpNoop:                       "DCP_NOOP",
	OpDcpBufferAcknowledgement:      "DCP_BUFFER_ACKNOWLEDGEMENT",
	OpDcpControl:                    "DCP_CONTROL",
	OpDcpSystemEvent:                "DCP_SYSTEM_EVENT",
	OpDcpPrepare:                    "DCP_PREPARE",
	OpDcpSeqnoAcknowledged:          "DCP_SEQNO_ACKNOWLEDGED",
	OpDcpCommit:                     "DCP_COMMIT",
	OpDcpAbort:                      "DCP_ABORT",
	OpGetReplica:                    "GET_REPLICA",
	OpCreateBucket:                  "CREATE_BUCKET",
	OpDeleteBucket:                  "DELETE_BUCKET",
	OpListBuckets:                   "LIST_BUCKETS",
	OpSelectBucket:                  "SELECT_BUCKET",
	OpObserveSeqno:                  "OBSERVE_SEQNO",
	OpObserve:                       "OBSERVE",
	OpEvictKey:                      "EVICT_KEY",
	OpGetLocked:                     "GET_LOCKED",
	OpUnlockKey:                     "UNLOCK_KEY",
	OpGetFailoverLog:                "GET_FAILOVER_LOG",
	OpGetMeta:                       "GET_META",
	OpGetqMeta:                      "GETQ_META",
	OpSetWithMeta:                   "SET_WITH_META",
	OpDelWithMeta:                   "DEL_WITH_META",
	OpSetClusterConfig:              "SET_CLUSTER_CONFIG",
	OpGetClusterConfig:              "GET_CLUSTER_CONFIG",
	OpGetRandomKey:                  "GET_RANDOM_KEY",
	OpSeqnoPersistence:              "SEQNO_PERSISTENCE",
	OpGetKeys:                       "GET_KEYS",
	OpCollectionsSetManifest:        "COLLECTIONS_SET_MANIFEST",
	OpCollectionsGetManifest:        "COLLECTIONS_GET_MANIFEST",
	OpCollectionsGetID:              "COLLECTIONS_GET_ID",
	OpCollectionsGetScopeID:         "COLLECTIONS_GET_SCOPE_ID",
	OpSubdocGet:                     "SUBDOC_GET",
	OpSubdocExists:                  "SUBDOC_EXISTS",
	OpSubdocDictAdd:                 "SUBDOC_DICT_ADD",
	OpSubdocDictUpsert:              "SUBDOC_DICT_UPSERT",
	OpSubdocDelete:                  "SUBDOC_DELETE",
	OpSubdocReplace:                 "SUBDOC_REPLACE",
	OpSubdocArrayPushLast:           "SUBDOC_ARRAY_PUSH_LAST",
	OpSubdocArrayPushFirst:          "SUBDOC_ARRAY_PUSH_FIRST",
	OpSubdocArrayInsert:             "SUBDOC_ARRAY_INSERT",
	OpSubdocArrayAddUnique:          "SUBDOC_ARRAY_ADD_UNIQUE",
	OpSubdocCounter:                 "SUBDOC_COUNTER",
	OpSubdocMultiLookup:             "SUBDOC_MULTI_LOOKUP",
	OpSubdocMultiMutation:           "SUBDOC_MULTI_MUTATION",
	OpSubdocGetCount:                "SUBDOC_GET_COUNT",
	OpGetCmdTimer:                   "GET_CMD_TIMER",
	OpUpdateExternalUserPermissions: "UPDATE_EXTERNAL_USER_PERMISSIONS",
	OpRbacRefresh:                   "RBAC_REFRESH",
	OpAuthProvider:                  "AUTH_PROVIDER",
	OpDropPrivilege:                 "DROP_PRIVILEGE",
	OpEwouldblockCtl:                "EWOULDBLOCK_CTL",
	OpGetErrorMap:                   "GET_ERROR_MAP",
}

// IsValid reports whether the opcode is part of the enumeration.
func (o ClientOpcode) IsValid() bool {
	_, ok := clientOpcodeNames[o]
	return ok
}

func (o ClientOpcode) String() string {
	if name, ok := clientOpcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("ClientOpcode(0x%02x)", uint8(o))
}

func (o ServerOpcode) String() string {
	switch o {
	case ServerOpClustermapChangeNotification:
		return "CLUSTERMAP_CHANGE_NOTIFICATION"
	case ServerOpAuthenticate:
		return "AUTHENTICATE"
	case ServerOpActiveExternalUsers:
		return "ACTIVE_EXTERNAL_USERS"
	}
	return fmt.Sprintf("ServerOpcode(0x%02x)", uint8(o))
}
