package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/logger"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/internal/subdoc"
	"github.com/marmos91/dittokv/pkg/config"
	"github.com/marmos91/dittokv/pkg/engine"
	"github.com/marmos91/dittokv/pkg/engine/ewb"
	"github.com/marmos91/dittokv/pkg/metrics"
)

// Server is the connection frontend: a dispatcher accepting sockets
// plus a fixed pool of workers owning them.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config

	listener net.Listener
	workers  []*Worker
	next     atomic.Uint32

	// buckets is the fixed bucket array; index 0 is "no bucket".
	buckets []*Bucket

	rbacDB    *rbac.Database
	auditSink audit.Sink
	subdocOp  subdoc.Operator

	clusterMap *ClusterMap
	extAuth    *extAuthManager

	bucketMetrics metrics.BucketMetrics
	connMetrics   metrics.ConnectionMetrics

	connsMu sync.RWMutex
	conns   map[string]*Connection

	shutdownOnce sync.Once
	shutdown     chan struct{}
	ready        chan struct{}
}

// Options bundles the collaborators main wires in.
type Options struct {
	Config    *config.Config
	Buckets   []*Bucket
	RbacDB    *rbac.Database
	AuditSink audit.Sink
	TLS       *tls.Config
}

// New assembles a server. The bucket list must not contain the
// reserved "no bucket" slot; it is prepended here.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.RbacDB == nil {
		opts.RbacDB = rbac.NewDatabase()
	}
	if opts.AuditSink == nil {
		opts.AuditSink = audit.NewNopSink()
	}

	s := &Server{
		cfg:           opts.Config,
		tlsConfig:     opts.TLS,
		rbacDB:        opts.RbacDB,
		auditSink:     opts.AuditSink,
		subdocOp:      subdoc.NewOperator(),
		clusterMap:    NewClusterMap(),
		bucketMetrics: metrics.NewBucketMetrics(),
		connMetrics:   metrics.NewConnectionMetrics(),
		conns:         make(map[string]*Connection),
		shutdown:      make(chan struct{}),
		ready:         make(chan struct{}),
	}
	s.extAuth = newExtAuthManager(s)

	noBucket := NewBucket("", nil)
	noBucket.SetState(BucketStateNone)
	s.buckets = append([]*Bucket{noBucket}, opts.Buckets...)

	numWorkers := opts.Config.Server.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	for i := 0; i < numWorkers; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}

	return s, nil
}

// ClusterMapRef exposes the cluster map for the notification path and
// for tests.
func (s *Server) ClusterMapRef() *ClusterMap {
	return s.clusterMap
}

// verbose reports whether state transitions should be logged.
func (s *Server) verbose() bool {
	return false
}

// Serve accepts connections and distributes them round-robin across
// the worker pool until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	close(s.ready)
	logger.Info("MCBP frontend listening on %s (%d workers)", s.cfg.Server.Listen, len(s.workers))

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workerWg sync.WaitGroup
	for _, w := range s.workers {
		workerWg.Add(1)
		go func(w *Worker) {
			defer workerWg.Done()
			w.run(workerCtx)
		}(w)
	}

	s.extAuth.start()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		_ = s.listener.Close()
	}()

	for {
		sock, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-s.shutdown:
			default:
				logger.Debug("error accepting connection: %v", err)
				continue
			}
			break
		}

		idx := s.next.Add(1) % uint32(len(s.workers))
		s.workers[idx].assign(sock)
	}

	s.extAuth.stop()
	cancelWorkers()
	workerWg.Wait()
	return nil
}

// Ready is closed once the listener is accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address (valid once Ready fires).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop initiates shutdown. Safe to call multiple times.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

func (s *Server) registerConnection(c *Connection) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
}

func (s *Server) unregisterConnection(c *Connection) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
}

// DumpConnections renders the read-only JSON diagnostics view of every
// connection.
func (s *Server) DumpConnections() json.RawMessage {
	s.connsMu.RLock()
	snapshots := make([]json.RawMessage, 0, len(s.conns))
	for _, c := range s.conns {
		snapshots = append(snapshots, c.toJSON())
	}
	s.connsMu.RUnlock()

	out, err := json.Marshal(snapshots)
	if err != nil {
		return json.RawMessage("[]")
	}
	return out
}

// bucketIndexByName resolves a bucket by name; 0 means not found (the
// "no bucket" slot).
func (s *Server) bucketIndexByName(name string) int {
	for i := 1; i < len(s.buckets); i++ {
		if s.buckets[i].Name == name {
			return i
		}
	}
	return 0
}

// dcpSessionClosed informs the engine that a connection's DCP session
// is gone.
func (s *Server) dcpSessionClosed(c *Connection) {
	if !c.dcpOpen {
		return
	}
	if mem := memoryEngineOf(c.bucket().Engine); mem != nil {
		mem.CloseSession(c.id)
	}
}

// engine returns the engine behind the connection's bucket, or nil for
// the "no bucket" slot.
func (c *Connection) engine() engine.Engine {
	return c.bucket().Engine
}

// dcpEngine returns the bucket engine's DCP interface when available.
// The ewb test wrapper is transparent here: it only intercepts the
// data-plane calls.
func (c *Connection) dcpEngine() engine.DcpEngine {
	eng := c.bucket().Engine
	if wrapper, ok := eng.(*ewb.Engine); ok {
		eng = wrapper.Engine
	}
	dcp, ok := eng.(engine.DcpEngine)
	if !ok {
		return nil
	}
	return dcp
}
