package server

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/pkg/engine"
)

// authRequest is one SASL exchange waiting for the external provider.
type authRequest struct {
	cookie *Cookie
	ctx    *saslAuthContext
	// opaque correlates the provider's response; allocated by the
	// manager.
	opaque uint32
}

// extAuthManager bridges SASL exchanges for unknown-local users to the
// one connection that registered itself as the authentication
// provider (AUTH_PROVIDER opcode).
//
// Lock ordering: the provider's worker mutex is always taken BEFORE
// the manager's mutex. The manager therefore releases its own lock
// before enqueueing a server event on the provider.
type extAuthManager struct {
	server *Server

	mu   sync.Mutex
	cond *sync.Cond

	provider *Connection

	incoming []*authRequest
	// pending maps opaque -> in-flight request.
	pending map[uint32]*authRequest
	nextID  uint32

	// activeUsers tracks per-login refcounts of external users; the
	// list is pushed to the provider on an interval.
	activeUsers map[string]int

	running  bool
	stopping bool
	pushDue  bool
	done     chan struct{}
}

// activeUsersPushInterval is how often the provider receives the
// current external-user list.
const activeUsersPushInterval = 30 * time.Second

func newExtAuthManager(s *Server) *extAuthManager {
	m := &extAuthManager{
		server:      s,
		pending:     make(map[uint32]*authRequest),
		activeUsers: make(map[string]int),
		done:        make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *extAuthManager) start() {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.run()
}

func (m *extAuthManager) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}

func (m *extAuthManager) haveProvider() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider != nil
}

// registerProvider designates conn as the authentication provider.
func (m *extAuthManager) registerProvider(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider != nil && m.provider != conn {
		return false
	}
	conn.incRef()
	m.provider = conn
	return true
}

// enqueueRequest hands a SASL exchange to the manager thread.
func (m *extAuthManager) enqueueRequest(req *authRequest) {
	m.mu.Lock()
	m.incoming = append(m.incoming, req)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// responseReceived correlates a provider response with its request and
// resumes the originating SASL task. Called on the provider
// connection's goroutine.
func (m *extAuthManager) responseReceived(p *mcbp.Packet) {
	status := p.Status()

	// Keep the RBAC database in sync before the task resumes: the
	// provider may attach the external user's privilege entry.
	if status == mcbp.StatusSuccess && len(p.Value) > 0 {
		var payload struct {
			RBAC map[string]struct {
				Global  []string            `json:"global"`
				Buckets map[string][]string `json:"buckets"`
			} `json:"rbac"`
		}
		if err := json.Unmarshal(p.Value, &payload); err == nil {
			for user, entry := range payload.RBAC {
				m.server.rbacDB.AddUser(user, rbac.DomainExternal, entry.Global, entry.Buckets)
			}
		}
	}

	m.mu.Lock()
	req, ok := m.pending[p.Opaque]
	delete(m.pending, p.Opaque)
	m.mu.Unlock()
	if !ok {
		return
	}

	req.ctx.resultStatus = status
	req.ctx.resultPayload = append([]byte(nil), p.Value...)
	req.cookie.NotifyIOComplete(engine.StatusSuccess)
}

// connectionClosed drops provider/bookkeeping state for a dying
// connection. Outstanding requests mapped to a dead provider fail with
// a synthesized "service is down" response.
func (m *extAuthManager) connectionClosed(conn *Connection) {
	if conn.authenticated && conn.domain == rbac.DomainExternal {
		m.userLoggedOut(conn.user)
	}

	m.mu.Lock()
	if m.provider != conn {
		m.mu.Unlock()
		return
	}
	m.provider = nil
	failed := make([]*authRequest, 0, len(m.pending))
	for opaque, req := range m.pending {
		failed = append(failed, req)
		delete(m.pending, opaque)
	}
	m.mu.Unlock()

	conn.decRef()
	for _, req := range failed {
		req.ctx.resultStatus = mcbp.StatusEtmpfail
		req.cookie.NotifyIOComplete(engine.StatusSuccess)
	}
}

// userLoggedIn bumps the active external user refcount.
func (m *extAuthManager) userLoggedIn(user string) {
	m.mu.Lock()
	m.activeUsers[user]++
	m.mu.Unlock()
}

// userLoggedOut drops the refcount when an external connection goes
// away.
func (m *extAuthManager) userLoggedOut(user string) {
	m.mu.Lock()
	if m.activeUsers[user] > 1 {
		m.activeUsers[user]--
	} else {
		delete(m.activeUsers, user)
	}
	m.mu.Unlock()
}

// run is the manager's background worker: it forwards queued requests
// to the provider and pushes the active-user list on an interval.
func (m *extAuthManager) run() {
	defer close(m.done)

	ticker := time.NewTicker(activeUsersPushInterval)
	defer ticker.Stop()
	stopTicker := make(chan struct{})
	defer close(stopTicker)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				m.pushDue = true
				m.cond.Broadcast()
				m.mu.Unlock()
			case <-stopTicker:
				return
			}
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for len(m.incoming) == 0 && !m.stopping && !m.pushDue {
			m.cond.Wait()
		}
		if m.stopping {
			return
		}

		if m.pushDue {
			m.pushDue = false
			users := make([]string, 0, len(m.activeUsers))
			for u := range m.activeUsers {
				users = append(users, u)
			}
			provider := m.provider
			m.mu.Unlock()
			if provider != nil {
				m.pushActiveUsers(provider, users)
			}
			m.mu.Lock()
			continue
		}

		req := m.incoming[0]
		m.incoming = m.incoming[1:]
		provider := m.provider
		if provider == nil {
			m.mu.Unlock()
			req.ctx.resultStatus = mcbp.StatusEtmpfail
			req.cookie.NotifyIOComplete(engine.StatusSuccess)
			m.mu.Lock()
			continue
		}

		req.opaque = m.nextID
		m.nextID++
		m.pending[req.opaque] = req

		// Release our lock before touching the provider's worker:
		// provider-first, manager-second ordering.
		m.mu.Unlock()
		provider.worker.addServerEvent(provider, &authenticationRequestEvent{
			opaque:    req.opaque,
			mechanism: req.ctx.mechanism,
			challenge: req.ctx.challenge,
		})
		m.mu.Lock()
	}
}

// pushActiveUsers sends the ActiveExternalUsers server request.
func (m *extAuthManager) pushActiveUsers(provider *Connection, users []string) {
	sort.Strings(users)
	payload, err := json.Marshal(users)
	if err != nil {
		return
	}
	provider.worker.addServerEvent(provider, &activeExternalUsersEvent{payload: payload})
}

// authenticationRequestEvent injects an Authenticate server request
// onto the provider's stream.
type authenticationRequestEvent struct {
	opaque    uint32
	mechanism string
	challenge []byte
}

func (e *authenticationRequestEvent) Description() string {
	return "AuthenticationRequest"
}

func (e *authenticationRequestEvent) Execute(c *Connection) bool {
	payload, err := json.Marshal(map[string]any{
		"mechanism":           e.mechanism,
		"challenge":           base64.StdEncoding.EncodeToString(e.challenge),
		"authentication-only": false,
	})
	if err != nil {
		return false
	}

	builder := mcbp.RequestBuilder{
		Magic:    mcbp.ServerRequest,
		ServerOp: mcbp.ServerOpAuthenticate,
		Datatype: mcbp.DatatypeJSON,
		Opaque:   e.opaque,
		Value:    payload,
	}
	c.out.copyBytes(builder.Encode())
	c.writeAndGo = StateNewCmd
	c.sm.setState(StateSendData)
	return true
}

// activeExternalUsersEvent injects an ActiveExternalUsers server
// request onto the provider's stream.
type activeExternalUsersEvent struct {
	payload []byte
}

func (e *activeExternalUsersEvent) Description() string {
	return "ActiveExternalUsers"
}

func (e *activeExternalUsersEvent) Execute(c *Connection) bool {
	builder := mcbp.RequestBuilder{
		Magic:    mcbp.ServerRequest,
		ServerOp: mcbp.ServerOpActiveExternalUsers,
		Datatype: mcbp.DatatypeJSON,
		Value:    e.payload,
	}
	c.out.copyBytes(builder.Encode())
	c.writeAndGo = StateNewCmd
	c.sm.setState(StateSendData)
	return true
}

// authProviderExecutor registers the connection as the authentication
// provider. Requires an authenticated connection with duplex support.
func authProviderExecutor(c *Connection, ck *Cookie) {
	if !c.duplexSupport {
		ck.SetErrorContext("Duplex support is required")
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	if !c.server.extAuth.registerProvider(c) {
		ck.SetErrorContext("A provider is already registered")
		ck.sendSimpleStatus(mcbp.StatusEbusy)
		return
	}
	c.logDebug("registered as external authentication provider")
	ck.sendSimpleStatus(mcbp.StatusSuccess)
}
