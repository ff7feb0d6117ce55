package server

import (
	"bytes"

	"github.com/marmos91/dittokv/internal/audit"
	"github.com/marmos91/dittokv/internal/protocol/mcbp"
	"github.com/marmos91/dittokv/internal/rbac"
	"github.com/marmos91/dittokv/pkg/engine"
)

// saslMechanisms lists the mechanisms offered to clients.
const saslMechanisms = "PLAIN"

func saslListMechsExecutor(_ *Connection, ck *Cookie) {
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, []byte(saslMechanisms), mcbp.DatatypeRaw, 0)
}

// saslAuthContext is the command context of an authentication that
// went through the external provider: it survives the ewouldblock
// round-trip to the provider connection.
type saslAuthContext struct {
	mechanism string
	user      string
	challenge []byte
	// submitted is set once the request has been handed to the
	// external-auth manager.
	submitted bool
	// Result delivered by the manager before NotifyIOComplete.
	resultStatus  mcbp.Status
	resultPayload []byte
}

func (t *saslAuthContext) Done() {}

// parsePlain splits a SASL PLAIN payload (authzid \0 authcid \0
// passwd).
func parsePlain(payload []byte) (user, password string, ok bool) {
	parts := bytes.SplitN(payload, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return string(parts[1]), string(parts[2]), true
}

func saslAuthExecutor(c *Connection, ck *Cookie) {
	mech := string(ck.packet.Key)
	if mech != "PLAIN" {
		ck.SetErrorContext("mechanism not supported")
		ck.sendSimpleStatus(mcbp.StatusAuthError)
		return
	}

	ctx := obtainContext(ck, func() *saslAuthContext {
		return &saslAuthContext{mechanism: mech, challenge: append([]byte(nil), ck.packet.Value...)}
	})

	if ctx.submitted {
		// Re-entered after the provider answered.
		ck.swapAiostat(engine.StatusSuccess)
		finishExternalAuth(c, ck, ctx)
		return
	}

	user, password, ok := parsePlain(ctx.challenge)
	if !ok {
		ck.sendSimpleStatus(mcbp.StatusEinval)
		return
	}
	ctx.user = user

	// Local users first.
	if c.server.rbacDB.CheckPassword(user, password) {
		completeAuthentication(c, ck, user, rbac.DomainLocal)
		return
	}

	// Unknown locally: hand the challenge to the external provider if
	// one is registered.
	if c.server.extAuth.haveProvider() {
		ctx.submitted = true
		ck.setEwouldblock()
		c.server.extAuth.enqueueRequest(&authRequest{cookie: ck, ctx: ctx})
		return
	}

	failAuthentication(c, ck, user)
}

func saslStepExecutor(c *Connection, ck *Cookie) {
	// PLAIN is a single round trip; a STEP can only continue an
	// external multi-step conversation.
	ctx, ok := ck.cmdContext.(*saslAuthContext)
	if ok && ctx.submitted {
		ck.swapAiostat(engine.StatusSuccess)
		finishExternalAuth(c, ck, ctx)
		return
	}
	ck.sendSimpleStatus(mcbp.StatusAuthError)
}

// completeAuthentication flips the connection into the authenticated
// state and builds the initial privilege context.
func completeAuthentication(c *Connection, ck *Cookie, user string, domain rbac.Domain) {
	privCtx, err := c.server.rbacDB.CreateContext(user, domain, c.bucket().Name)
	if err != nil {
		c.logWarn("no rbac entry for authenticated user %q: %v", user, err)
		failAuthentication(c, ck, user)
		return
	}

	c.authenticated = true
	c.user = user
	c.domain = domain
	c.privContext = privCtx

	c.server.auditSink.Put(audit.Event{
		Event: audit.EventAuthSucceeded,
		Peer:  c.peer,
		User:  user,
		Detail: map[string]any{
			"domain": domain.String(),
		},
	})
	if domain == rbac.DomainExternal {
		c.server.extAuth.userLoggedIn(user)
	}

	ck.sendResponse(mcbp.StatusSuccess, nil, nil, []byte("Authenticated"), mcbp.DatatypeRaw, 0)
}

func failAuthentication(c *Connection, ck *Cookie, user string) {
	c.server.auditSink.Put(audit.Event{
		Event: audit.EventAuthFailed,
		Peer:  c.peer,
		User:  user,
	})
	ck.SetErrorContext("Authentication failed")
	ck.sendSimpleStatus(mcbp.StatusAuthError)
}

// finishExternalAuth consumes the provider's verdict stored on the
// context.
func finishExternalAuth(c *Connection, ck *Cookie, ctx *saslAuthContext) {
	switch ctx.resultStatus {
	case mcbp.StatusSuccess:
		completeAuthentication(c, ck, ctx.user, rbac.DomainExternal)
	case mcbp.StatusAuthContinue:
		ck.sendResponse(mcbp.StatusAuthContinue, nil, nil, ctx.resultPayload, mcbp.DatatypeRaw, 0)
	case mcbp.StatusEtmpfail:
		ck.SetErrorContext("External auth service is down")
		ck.sendSimpleStatus(mcbp.StatusEtmpfail)
	default:
		failAuthentication(c, ck, ctx.user)
	}
}
