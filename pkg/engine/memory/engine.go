// Package memory implements the engine SPI with an in-process store.
// Every data call completes synchronously; only DcpStep parks a
// producer with would_block until a mutation arrives. It is the
// reference engine used
// by the test suites and the default for development deployments.
package memory

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittokv/pkg/engine"
)

// NumVbuckets is the fixed number of vbuckets the memory engine hosts.
const NumVbuckets = 1024

type document struct {
	value    []byte
	datatype uint8
	flags    uint32
	expiry   uint32
	cas      uint64
	seqno    uint64
	deleted  bool
}

type vbucket struct {
	state engine.VbucketState
	uuid  uint64
	seqno uint64
	docs  map[string]*document
	// log is the ordered mutation history consumed by DCP streams.
	log []logEntry
}

type logEntry struct {
	key     string
	doc     document
	seqno   uint64
	deleted bool
}

// Engine is the in-memory engine.
type Engine struct {
	mu       sync.Mutex
	vbuckets [NumVbuckets]*vbucket
	casSeq   atomic.Uint64
	releases atomic.Int64

	dcpMu    sync.Mutex
	sessions map[string]*dcpSession
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.DcpEngine = (*Engine)(nil)

// New creates a memory engine with every vbucket active.
func New() *Engine {
	e := &Engine{sessions: make(map[string]*dcpSession)}
	for i := range e.vbuckets {
		e.vbuckets[i] = &vbucket{
			state: engine.VbucketStateActive,
			uuid:  uint64(0xab0000000000 + i),
			docs:  make(map[string]*document),
		}
	}
	return e
}

func (e *Engine) nextCas() uint64 {
	return e.casSeq.Add(1)
}

func (e *Engine) vbucketFor(vb uint16) (*vbucket, engine.Status) {
	if int(vb) >= len(e.vbuckets) {
		return nil, engine.StatusNotMyVbucket
	}
	b := e.vbuckets[vb]
	if b.state != engine.VbucketStateActive {
		return nil, engine.StatusNotMyVbucket
	}
	return b, engine.StatusSuccess
}

// Get implements engine.Engine.
func (e *Engine) Get(_ engine.Cookie, key []byte, vb uint16, filter engine.DocStateFilter) (*engine.Item, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, st := e.vbucketFor(vb)
	if st != engine.StatusSuccess {
		return nil, st
	}

	doc, ok := b.docs[string(key)]
	if !ok {
		return nil, engine.StatusKeyEnoent
	}
	if doc.deleted && filter != engine.DocStateAliveOrDeleted {
		return nil, engine.StatusKeyEnoent
	}

	return &engine.Item{
		Key:         append([]byte(nil), key...),
		Value:       append([]byte(nil), doc.value...),
		Datatype:    mcbpDatatype(doc.datatype),
		Flags:       doc.flags,
		Expiry:      doc.expiry,
		Cas:         doc.cas,
		Vbucket:     vb,
		Deleted:     doc.deleted,
		SeqNo:       doc.seqno,
		VbucketUUID: b.uuid,
	}, engine.StatusSuccess
}

// Store implements engine.Engine.
func (e *Engine) Store(_ engine.Cookie, item *engine.Item, semantics engine.StoreSemantics) (engine.MutationResult, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, st := e.vbucketFor(item.Vbucket)
	if st != engine.StatusSuccess {
		return engine.MutationResult{}, st
	}

	key := string(item.Key)
	existing, exists := b.docs[key]
	live := exists && !existing.deleted

	switch semantics {
	case engine.StoreAdd:
		if live {
			return engine.MutationResult{}, engine.StatusKeyEexists
		}
	case engine.StoreReplace:
		if !live {
			return engine.MutationResult{}, engine.StatusKeyEnoent
		}
	}
	if item.Cas != 0 {
		if !exists {
			return engine.MutationResult{}, engine.StatusKeyEnoent
		}
		if existing.cas != item.Cas {
			return engine.MutationResult{}, engine.StatusKeyEexists
		}
	}

	b.seqno++
	doc := &document{
		value:    append([]byte(nil), item.Value...),
		datatype: uint8(item.Datatype),
		flags:    item.Flags,
		expiry:   item.Expiry,
		cas:      e.nextCas(),
		seqno:    b.seqno,
		deleted:  item.Deleted,
	}
	b.docs[key] = doc
	b.log = append(b.log, logEntry{key: key, doc: *doc, seqno: b.seqno, deleted: doc.deleted})
	e.wakeStreams(item.Vbucket)

	return engine.MutationResult{Cas: doc.cas, SeqNo: doc.seqno, VbucketUUID: b.uuid}, engine.StatusSuccess
}

// Remove implements engine.Engine.
func (e *Engine) Remove(_ engine.Cookie, key []byte, vb uint16, cas uint64) (engine.MutationResult, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, st := e.vbucketFor(vb)
	if st != engine.StatusSuccess {
		return engine.MutationResult{}, st
	}

	doc, ok := b.docs[string(key)]
	if !ok || doc.deleted {
		return engine.MutationResult{}, engine.StatusKeyEnoent
	}
	if cas != 0 && doc.cas != cas {
		return engine.MutationResult{}, engine.StatusKeyEexists
	}

	b.seqno++
	doc.deleted = true
	doc.value = nil
	doc.cas = e.nextCas()
	doc.seqno = b.seqno
	b.log = append(b.log, logEntry{key: string(key), doc: *doc, seqno: b.seqno, deleted: true})
	e.wakeStreams(vb)

	return engine.MutationResult{Cas: doc.cas, SeqNo: doc.seqno, VbucketUUID: b.uuid}, engine.StatusSuccess
}

// Arithmetic implements engine.Engine.
func (e *Engine) Arithmetic(_ engine.Cookie, key []byte, vb uint16, delta, initial uint64, expiry uint32, decrement bool) (uint64, engine.MutationResult, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, st := e.vbucketFor(vb)
	if st != engine.StatusSuccess {
		return 0, engine.MutationResult{}, st
	}

	var current uint64
	doc, ok := b.docs[string(key)]
	if ok && !doc.deleted {
		parsed, err := parseUint(doc.value)
		if err != nil {
			return 0, engine.MutationResult{}, engine.StatusDeltaBadval
		}
		if decrement {
			if delta > parsed {
				current = 0
			} else {
				current = parsed - delta
			}
		} else {
			current = parsed + delta
		}
	} else {
		// 0xffffffff as expiry means "don't create".
		if expiry == 0xffffffff {
			return 0, engine.MutationResult{}, engine.StatusKeyEnoent
		}
		current = initial
	}

	b.seqno++
	newDoc := &document{
		value: formatUint(current),
		cas:   e.nextCas(),
		seqno: b.seqno,
	}
	if expiry != 0xffffffff {
		newDoc.expiry = expiry
	}
	b.docs[string(key)] = newDoc
	b.log = append(b.log, logEntry{key: string(key), doc: *newDoc, seqno: b.seqno})
	e.wakeStreams(vb)

	return current, engine.MutationResult{Cas: newDoc.cas, SeqNo: newDoc.seqno, VbucketUUID: b.uuid}, engine.StatusSuccess
}

// Flush implements engine.Engine.
func (e *Engine) Flush(_ engine.Cookie) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range e.vbuckets {
		b.docs = make(map[string]*document)
		b.log = nil
	}
	return engine.StatusSuccess
}

// Release implements engine.Engine. The memory engine copies values on
// fetch so there is nothing to free, but it still counts releases so
// tests can assert the frontend honours the ownership contract.
func (e *Engine) Release(*engine.Item) {
	e.releases.Add(1)
}

// Releases reports how many items have been released back.
func (e *Engine) Releases() int64 {
	return e.releases.Load()
}

// VbucketState implements engine.Engine.
func (e *Engine) VbucketState(vb uint16) engine.VbucketState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(vb) >= len(e.vbuckets) {
		return engine.VbucketStateDead
	}
	return e.vbuckets[vb].state
}

// SetVbucketState implements engine.Engine.
func (e *Engine) SetVbucketState(vb uint16, state engine.VbucketState) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(vb) >= len(e.vbuckets) {
		return engine.StatusErange
	}
	e.vbuckets[vb].state = state
	return engine.StatusSuccess
}

func parseUint(b []byte) (uint64, error) {
	var n uint64
	if len(b) == 0 {
		return 0, errNotNumber
	}
	for _, c := range bytes.TrimSpace(b) {
		if c < '0' || c > '9' {
			return 0, errNotNumber
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func formatUint(n uint64) []byte {
	if n == 0 {
		return []byte{'0'}
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append([]byte(nil), buf[i:]...)
}

type numberError string

func (e numberError) Error() string { return string(e) }

const errNotNumber = numberError("value is not a number")
