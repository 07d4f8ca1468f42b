package kb

import "sync/atomic"

// syncGate provides non-blocking lock semantics for the per-knowledge-base
// sync cycle: a cycle that finds the gate held skips instead of queueing,
// so scans of the same knowledge base never overlap.
type syncGate struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// tryAcquire attempts to take the gate without blocking.
func (g *syncGate) tryAcquire() bool {
	return g.state.CompareAndSwap(0, 1)
}

// release frees the gate. Must only be called after a successful
// tryAcquire.
func (g *syncGate) release() {
	g.state.Store(0)
}
