// Package ewb wraps another engine and injects would_block returns on
// demand. The frontend's suspension and resume paths cannot be
// exercised against a purely synchronous engine, so the test suites
// (and the EWOULDBLOCK_CTL opcode) use this wrapper to force chosen
// calls through the notify-io-complete path.
package ewb

import (
	"sync"

	"github.com/marmos91/dittokv/pkg/engine"
)

// Mode selects which calls the wrapper intercepts.
type Mode int

const (
	// ModeOff disables injection.
	ModeOff Mode = iota
	// ModeFirst intercepts the next n calls: each returns would_block
	// immediately and resumes the cookie from a background goroutine,
	// mimicking the engine's async I/O thread. The re-driven executor
	// then re-issues the call, which passes through.
	ModeFirst
)

// Engine is the wrapping engine.
type Engine struct {
	engine.Engine

	mu        sync.Mutex
	mode      Mode
	remaining int
}

// New wraps inner.
func New(inner engine.Engine) *Engine {
	return &Engine{Engine: inner}
}

// Configure arms the wrapper to intercept the next count calls.
func (e *Engine) Configure(mode Mode, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.remaining = count
}

func (e *Engine) intercept(c engine.Cookie) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeFirst || e.remaining == 0 {
		return false
	}
	e.remaining--

	c.Reserve()
	go func() {
		defer c.Release()
		c.NotifyIOComplete(engine.StatusSuccess)
	}()
	return true
}

// Get implements engine.Engine.
func (e *Engine) Get(c engine.Cookie, key []byte, vb uint16, filter engine.DocStateFilter) (*engine.Item, engine.Status) {
	if e.intercept(c) {
		return nil, engine.StatusWouldBlock
	}
	return e.Engine.Get(c, key, vb, filter)
}

// Store implements engine.Engine.
func (e *Engine) Store(c engine.Cookie, item *engine.Item, semantics engine.StoreSemantics) (engine.MutationResult, engine.Status) {
	if e.intercept(c) {
		return engine.MutationResult{}, engine.StatusWouldBlock
	}
	return e.Engine.Store(c, item, semantics)
}

// Remove implements engine.Engine.
func (e *Engine) Remove(c engine.Cookie, key []byte, vb uint16, cas uint64) (engine.MutationResult, engine.Status) {
	if e.intercept(c) {
		return engine.MutationResult{}, engine.StatusWouldBlock
	}
	return e.Engine.Remove(c, key, vb, cas)
}

// Arithmetic implements engine.Engine.
func (e *Engine) Arithmetic(c engine.Cookie, key []byte, vb uint16, delta, initial uint64, expiry uint32, decrement bool) (uint64, engine.MutationResult, engine.Status) {
	if e.intercept(c) {
		return 0, engine.MutationResult{}, engine.StatusWouldBlock
	}
	return e.Engine.Arithmetic(c, key, vb, delta, initial, expiry, decrement)
}
