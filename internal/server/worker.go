package server

import (
	"context"
	"net"
	"sync"

	"github.com/marmos91/dittokv/pkg/engine"
)

// Worker owns a disjoint set of connections. Only three channels cross
// its boundary: the dispatcher hands over new sockets, engine threads
// deliver notify-io-complete, and the external-auth manager (plus the
// cluster-map notifier) enqueue server events. All three take the
// worker mutex, mutate the relevant queue and signal the target.
type Worker struct {
	id     int
	server *Server

	mu       sync.Mutex
	newConns []net.Conn
	conns    map[string]*Connection

	// wake is the worker's notification pipe equivalent.
	wake chan struct{}

	wg sync.WaitGroup
}

func newWorker(id int, s *Server) *Worker {
	return &Worker{
		id:     id,
		server: s,
		conns:  make(map[string]*Connection),
		wake:   make(chan struct{}, 1),
	}
}

// run processes the worker's cross-thread queues until ctx is
// cancelled, then initiates teardown of its connections and waits for
// them to drain.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.shutdownConnections()
			w.wg.Wait()
			return
		case <-w.wake:
			w.dispatchNewConnections()
		}
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// assign hands a freshly accepted socket to this worker. Called by the
// dispatcher.
func (w *Worker) assign(conn net.Conn) {
	w.mu.Lock()
	w.newConns = append(w.newConns, conn)
	w.mu.Unlock()
	w.signal()
}

// dispatchNewConnections drains the new-connection queue and spins up
// the per-connection loops.
func (w *Worker) dispatchNewConnections() {
	w.mu.Lock()
	pending := w.newConns
	w.newConns = nil
	w.mu.Unlock()

	for _, sock := range pending {
		c := newConnection(w.server, w, sock)

		w.mu.Lock()
		w.conns[c.id] = c
		w.mu.Unlock()

		w.server.registerConnection(c)
		w.server.connMetrics.ConnectionOpened()
		c.logDebug("new connection from %s", c.peer)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			c.run()
		}()
	}
}

// addPendingIO records a notify-io-complete for a suspended cookie and
// wakes its connection. Called from engine threads.
func (w *Worker) addPendingIO(ck *Cookie, status engine.Status) {
	w.mu.Lock()
	ck.conn.pendingResume = append(ck.conn.pendingResume, resume{cookie: ck, status: status})
	w.mu.Unlock()
	ck.conn.signal()
}

// addServerEvent enqueues a server-initiated event for a connection
// and wakes it. Called from the external-auth manager and the cluster
// map notifier.
func (w *Worker) addServerEvent(c *Connection, ev ServerEvent) {
	w.mu.Lock()
	c.serverEvents = append(c.serverEvents, ev)
	w.mu.Unlock()
	c.signal()
}

// takeCrossThreadWork hands the connection its queued resumes and
// server events. Called on the connection's own goroutine at idle
// points.
func (w *Worker) takeCrossThreadWork(c *Connection) ([]resume, []ServerEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	resumes := c.pendingResume
	events := c.serverEvents
	c.pendingResume = nil
	c.serverEvents = nil
	return resumes, events
}

// applyResumes drains only the pending-IO completions (not server
// events) for a connection sitting in execute.
func (w *Worker) applyResumes(c *Connection) {
	w.mu.Lock()
	resumes := c.pendingResume
	c.pendingResume = nil
	w.mu.Unlock()

	for _, r := range resumes {
		c.applyResume(r)
	}
}

func (w *Worker) removeConnection(c *Connection) {
	w.mu.Lock()
	delete(w.conns, c.id)
	w.mu.Unlock()
	w.server.unregisterConnection(c)
}

// shutdownConnections pushes every connection towards closing.
func (w *Worker) shutdownConnections() {
	w.mu.Lock()
	conns := make([]*Connection, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		// Closing the socket interrupts any blocking read; the FSM
		// then walks the closing path.
		_ = c.raw.Close()
		c.signal()
	}
}
