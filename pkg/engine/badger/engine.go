// Package badger implements the engine SPI on top of BadgerDB. It is
// the persistent engine: documents survive restarts, including their
// CAS, datatype and deletion state. DCP production is not supported;
// replication deployments front a full engine instead.
package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/pkg/engine"
)

// Config holds the engine options.
type Config struct {
	// Dir is the on-disk location of the database.
	Dir string
	// InMemory runs badger without persistence (used by tests).
	InMemory bool
}

// docData is the stored representation of one document. JSON keeps the
// schema debuggable; the value itself is raw bytes.
type docData struct {
	Value    []byte `json:"value"`
	Datatype uint8  `json:"datatype"`
	Flags    uint32 `json:"flags"`
	Expiry   uint32 `json:"expiry"`
	Cas      uint64 `json:"cas"`
	SeqNo    uint64 `json:"seqno"`
	Deleted  bool   `json:"deleted"`
}

// Engine is the badger-backed engine.
type Engine struct {
	db *badger.DB

	// mu serializes read-modify-write cycles so CAS checks and seqno
	// assignment are atomic with respect to each other.
	mu     sync.Mutex
	casSeq uint64

	vbMu     sync.Mutex
	vbStates map[uint16]engine.VbucketState
	vbSeqnos map[uint16]uint64
	vbUUIDs  map[uint16]uint64
}

var _ engine.Engine = (*Engine)(nil)

// New opens (or creates) the database and restores the CAS high-water
// mark.
func New(cfg Config) (*Engine, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		// Disk-less mode requires an empty directory setting.
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	e := &Engine{
		db:       db,
		vbStates: make(map[uint16]engine.VbucketState),
		vbSeqnos: make(map[uint16]uint64),
		vbUUIDs:  make(map[uint16]uint64),
	}
	if err := e.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// Close flushes and closes the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// restore scans the database to recover the CAS counter and per-vbucket
// sequence numbers.
func (e *Engine) restore() error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("d:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			vb, _, err := splitDocKey(it.Item().Key())
			if err != nil {
				logger.Warn("Skipping malformed document key %q: %v", it.Item().Key(), err)
				continue
			}
			err = it.Item().Value(func(raw []byte) error {
				var doc docData
				if err := json.Unmarshal(raw, &doc); err != nil {
					return err
				}
				if doc.Cas > e.casSeq {
					e.casSeq = doc.Cas
				}
				if doc.SeqNo > e.vbSeqnos[vb] {
					e.vbSeqnos[vb] = doc.SeqNo
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("restore document state: %w", err)
			}
		}
		return nil
	})
}

// docKey builds the namespaced key for a document: d:<vb_be16>:<key>.
func docKey(vb uint16, key []byte) []byte {
	out := make([]byte, 0, 5+len(key))
	out = append(out, 'd', ':')
	var vbuf [2]byte
	binary.BigEndian.PutUint16(vbuf[:], vb)
	out = append(out, vbuf[:]...)
	out = append(out, ':')
	return append(out, key...)
}

func splitDocKey(k []byte) (uint16, []byte, error) {
	if len(k) < 5 || k[0] != 'd' || k[1] != ':' || k[4] != ':' {
		return 0, nil, fmt.Errorf("malformed document key")
	}
	return binary.BigEndian.Uint16(k[2:4]), k[5:], nil
}

func (e *Engine) nextCas() uint64 {
	e.casSeq++
	return e.casSeq
}

func (e *Engine) vbucketUUID(vb uint16) uint64 {
	e.vbMu.Lock()
	defer e.vbMu.Unlock()
	if u, ok := e.vbUUIDs[vb]; ok {
		return u
	}
	u := uint64(0xbd0000000000) + uint64(vb)
	e.vbUUIDs[vb] = u
	return u
}

func (e *Engine) checkVbucket(vb uint16) engine.Status {
	if e.VbucketState(vb) != engine.VbucketStateActive {
		return engine.StatusNotMyVbucket
	}
	return engine.StatusSuccess
}

func (e *Engine) loadDoc(txn *badger.Txn, vb uint16, key []byte) (*docData, error) {
	item, err := txn.Get(docKey(vb, key))
	if err != nil {
		return nil, err
	}
	var doc docData
	err = item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (e *Engine) storeDoc(txn *badger.Txn, vb uint16, key []byte, doc *docData) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(docKey(vb, key), raw)
}

// Get implements engine.Engine.
func (e *Engine) Get(_ engine.Cookie, key []byte, vb uint16, filter engine.DocStateFilter) (*engine.Item, engine.Status) {
	if st := e.checkVbucket(vb); st != engine.StatusSuccess {
		return nil, st
	}

	var doc *docData
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = e.loadDoc(txn, vb, key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, engine.StatusKeyEnoent
	}
	if err != nil {
		logger.Error("Badger get failed for key %q: %v", key, err)
		return nil, engine.StatusFailed
	}
	if doc.Deleted && filter != engine.DocStateAliveOrDeleted {
		return nil, engine.StatusKeyEnoent
	}

	return &engine.Item{
		Key:         append([]byte(nil), key...),
		Value:       doc.Value,
		Datatype:    mcbp.Datatype(doc.Datatype),
		Flags:       doc.Flags,
		Expiry:      doc.Expiry,
		Cas:         doc.Cas,
		Vbucket:     vb,
		Deleted:     doc.Deleted,
		SeqNo:       doc.SeqNo,
		VbucketUUID: e.vbucketUUID(vb),
	}, engine.StatusSuccess
}

// Store implements engine.Engine.
func (e *Engine) Store(_ engine.Cookie, item *engine.Item, semantics engine.StoreSemantics) (engine.MutationResult, engine.Status) {
	if st := e.checkVbucket(item.Vbucket); st != engine.StatusSuccess {
		return engine.MutationResult{}, st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result engine.MutationResult
	status := engine.StatusSuccess
	err := e.db.Update(func(txn *badger.Txn) error {
		existing, err := e.loadDoc(txn, item.Vbucket, item.Key)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		live := existing != nil && !existing.Deleted

		switch semantics {
		case engine.StoreAdd:
			if live {
				status = engine.StatusKeyEexists
				return nil
			}
		case engine.StoreReplace:
			if !live {
				status = engine.StatusKeyEnoent
				return nil
			}
		}
		if item.Cas != 0 {
			if existing == nil {
				status = engine.StatusKeyEnoent
				return nil
			}
			if existing.Cas != item.Cas {
				status = engine.StatusKeyEexists
				return nil
			}
		}

		e.vbMu.Lock()
		e.vbSeqnos[item.Vbucket]++
		seqno := e.vbSeqnos[item.Vbucket]
		e.vbMu.Unlock()

		doc := &docData{
			Value:    item.Value,
			Datatype: uint8(item.Datatype),
			Flags:    item.Flags,
			Expiry:   item.Expiry,
			Cas:      e.nextCas(),
			SeqNo:    seqno,
			Deleted:  item.Deleted,
		}
		if err := e.storeDoc(txn, item.Vbucket, item.Key, doc); err != nil {
			return err
		}
		result = engine.MutationResult{
			Cas:         doc.Cas,
			SeqNo:       seqno,
			VbucketUUID: e.vbucketUUID(item.Vbucket),
		}
		return nil
	})
	if err != nil {
		logger.Error("Badger store failed for key %q: %v", item.Key, err)
		return engine.MutationResult{}, engine.StatusFailed
	}
	return result, status
}

// Remove implements engine.Engine.
func (e *Engine) Remove(_ engine.Cookie, key []byte, vb uint16, cas uint64) (engine.MutationResult, engine.Status) {
	if st := e.checkVbucket(vb); st != engine.StatusSuccess {
		return engine.MutationResult{}, st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result engine.MutationResult
	status := engine.StatusSuccess
	err := e.db.Update(func(txn *badger.Txn) error {
		existing, err := e.loadDoc(txn, vb, key)
		if err == badger.ErrKeyNotFound {
			status = engine.StatusKeyEnoent
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Deleted {
			status = engine.StatusKeyEnoent
			return nil
		}
		if cas != 0 && existing.Cas != cas {
			status = engine.StatusKeyEexists
			return nil
		}

		e.vbMu.Lock()
		e.vbSeqnos[vb]++
		seqno := e.vbSeqnos[vb]
		e.vbMu.Unlock()

		doc := &docData{
			Cas:     e.nextCas(),
			SeqNo:   seqno,
			Deleted: true,
		}
		if err := e.storeDoc(txn, vb, key, doc); err != nil {
			return err
		}
		result = engine.MutationResult{
			Cas:         doc.Cas,
			SeqNo:       seqno,
			VbucketUUID: e.vbucketUUID(vb),
		}
		return nil
	})
	if err != nil {
		logger.Error("Badger remove failed for key %q: %v", key, err)
		return engine.MutationResult{}, engine.StatusFailed
	}
	return result, status
}

// Arithmetic implements engine.Engine.
func (e *Engine) Arithmetic(c engine.Cookie, key []byte, vb uint16, delta, initial uint64, expiry uint32, decrement bool) (uint64, engine.MutationResult, engine.Status) {
	if st := e.checkVbucket(vb); st != engine.StatusSuccess {
		return 0, engine.MutationResult{}, st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		value  uint64
		result engine.MutationResult
	)
	status := engine.StatusSuccess
	err := e.db.Update(func(txn *badger.Txn) error {
		existing, err := e.loadDoc(txn, vb, key)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		if existing != nil && !existing.Deleted {
			parsed, perr := parseCounter(existing.Value)
			if perr != nil {
				status = engine.StatusDeltaBadval
				return nil
			}
			if decrement {
				if delta > parsed {
					value = 0
				} else {
					value = parsed - delta
				}
			} else {
				value = parsed + delta
			}
		} else {
			if expiry == 0xffffffff {
				status = engine.StatusKeyEnoent
				return nil
			}
			value = initial
		}

		e.vbMu.Lock()
		e.vbSeqnos[vb]++
		seqno := e.vbSeqnos[vb]
		e.vbMu.Unlock()

		doc := &docData{
			Value: []byte(fmt.Sprintf("%d", value)),
			Cas:   e.nextCas(),
			SeqNo: seqno,
		}
		if expiry != 0xffffffff {
			doc.Expiry = expiry
		}
		if err := e.storeDoc(txn, vb, key, doc); err != nil {
			return err
		}
		result = engine.MutationResult{
			Cas:         doc.Cas,
			SeqNo:       seqno,
			VbucketUUID: e.vbucketUUID(vb),
		}
		return nil
	})
	if err != nil {
		logger.Error("Badger arithmetic failed for key %q: %v", key, err)
		return 0, engine.MutationResult{}, engine.StatusFailed
	}
	return value, result, status
}

// Flush implements engine.Engine.
func (e *Engine) Flush(engine.Cookie) engine.Status {
	if err := e.db.DropPrefix([]byte("d:")); err != nil {
		logger.Error("Badger flush failed: %v", err)
		return engine.StatusFailed
	}
	return engine.StatusSuccess
}

// Release implements engine.Engine. Values are copied out of the
// transaction, so there is nothing to free.
func (e *Engine) Release(*engine.Item) {}

// VbucketState implements engine.Engine. Vbuckets default to active;
// explicit state changes are kept in memory only.
func (e *Engine) VbucketState(vb uint16) engine.VbucketState {
	e.vbMu.Lock()
	defer e.vbMu.Unlock()
	if st, ok := e.vbStates[vb]; ok {
		return st
	}
	return engine.VbucketStateActive
}

// SetVbucketState implements engine.Engine.
func (e *Engine) SetVbucketState(vb uint16, state engine.VbucketState) engine.Status {
	e.vbMu.Lock()
	defer e.vbMu.Unlock()
	e.vbStates[vb] = state
	return engine.StatusSuccess
}

func parseCounter(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("value is not a number")
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}
