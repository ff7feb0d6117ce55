package server

import (
	"sync/atomic"

	"github.com/marmos91/dittokv/pkg/engine"
)

// BucketState is the lifecycle state of one bucket slot.
type BucketState int32

const (
	BucketStateNone BucketState = iota
	BucketStateCreating
	BucketStateReady
	BucketStateStopping
	BucketStateDestroying
)

func (s BucketState) String() string {
	switch s {
	case BucketStateNone:
		return "none"
	case BucketStateCreating:
		return "creating"
	case BucketStateReady:
		return "ready"
	case BucketStateStopping:
		return "stopping"
	case BucketStateDestroying:
		return "destroying"
	}
	return "unknown"
}

// Bucket is one named engine instance. Connections hold an index into
// the server's fixed bucket array; slot 0 is the "no bucket" slot with
// no engine behind it.
type Bucket struct {
	Name   string
	Engine engine.Engine

	state atomic.Int32
	// clients counts references held beyond a synchronous call: send
	// buffers chaining engine items, in-flight cookies. A stopping
	// bucket drains to zero before its engine is torn down.
	clients atomic.Int32
}

// NewBucket creates a bucket in the creating state.
func NewBucket(name string, eng engine.Engine) *Bucket {
	b := &Bucket{Name: name, Engine: eng}
	b.state.Store(int32(BucketStateCreating))
	return b
}

// State reads the bucket state. Lock-free: connections read it every
// FSM tick and must tolerate racing transitions.
func (b *Bucket) State() BucketState {
	if b == nil {
		return BucketStateNone
	}
	return BucketState(b.state.Load())
}

// SetState publishes a state transition.
func (b *Bucket) SetState(s BucketState) {
	b.state.Store(int32(s))
}

// AddClient records an outstanding reference.
func (b *Bucket) AddClient() {
	if b != nil {
		b.clients.Add(1)
	}
}

// ReleaseClient drops a reference.
func (b *Bucket) ReleaseClient() {
	if b != nil {
		b.clients.Add(-1)
	}
}

// Clients returns the outstanding reference count.
func (b *Bucket) Clients() int32 {
	if b == nil {
		return 0
	}
	return b.clients.Load()
}
