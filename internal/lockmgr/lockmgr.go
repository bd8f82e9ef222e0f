// Package lockmgr implements the per-thread lock manager:
// a held-lock counter, two deferred work queues (decrefs and
// invalidations) that only run once the count returns to zero, and an
// unconditional self-deadlock check on re-entrant acquisition.
//
// "Per-thread" here means an explicit value, one per worker (see
// internal/process), rather than a TLS singleton — the same
// TLS-to-explicit-value adaptation internal/obstack documents.
package lockmgr

import (
	"github.com/brooklang/coreruntime/internal/rterr"
)

// LockManager tracks one worker's currently-held lock count and its
// two deferred queues. It is not safe for concurrent use by more than
// one goroutine, by design: there is exactly one owner, the worker
// thread it was created for.
type LockManager struct {
	held int

	// heldIDs implements the self-deadlock check: acquiring an id
	// that's already in this set means the same worker is trying to
	// take a lock it already holds, which the established lock order
	// never requires and always indicates a bug. Whether this check
	// should be debug-only or unconditional was an open question (see
	// DESIGN.md); this implementation keeps it unconditional.
	heldIDs map[any]bool

	decrefQueue       []func()
	invalidationQueue []func()
	draining          bool

	// TestHook, if set, is invoked once at the end of every drain
	// (every zero-locks transition), for deterministic interleaving
	// tests.
	TestHook func()
}

// New creates an empty LockManager.
func New() *LockManager {
	return &LockManager{heldIDs: make(map[any]bool)}
}

// Acquire records that the lock identified by id is now held by this
// worker. id is typically the pointer to the Revision or Invocation
// being locked; re-acquiring the same id before releasing it panics
// with a CodeDeadlock *rterr.Error.
func (lm *LockManager) Acquire(id any) {
	if lm.heldIDs[id] {
		panic(rterr.New("lockmgr.Acquire", rterr.CodeDeadlock, "re-entrant acquisition of an already-held lock"))
	}
	lm.heldIDs[id] = true
	lm.held++
}

// Release records that id is no longer held. Once the held count
// returns to zero, the deferred decref and invalidation queues are
// drained.
func (lm *LockManager) Release(id any) {
	if !lm.heldIDs[id] {
		panic(rterr.New("lockmgr.Release", rterr.CodeDeadlock, "release of a lock not currently held"))
	}
	delete(lm.heldIDs, id)
	lm.held--
	if lm.held == 0 && !lm.draining {
		lm.drain()
	}
}

// QueueDecref defers fn (typically an intern.Interner.Release call)
// until this worker holds no locks.
func (lm *LockManager) QueueDecref(fn func()) {
	lm.decrefQueue = append(lm.decrefQueue, fn)
	if lm.held == 0 && !lm.draining {
		lm.drain()
	}
}

// QueueInvalidation defers fn (an invalidation propagation step) until
// this worker holds no locks. Implements revision.InvalidationSink.
func (lm *LockManager) QueueInvalidation(fn func()) {
	lm.invalidationQueue = append(lm.invalidationQueue, fn)
	if lm.held == 0 && !lm.draining {
		lm.drain()
	}
}

// drain runs both deferred queues to exhaustion. While draining, held
// is pinned at 1 (one pseudo-lock), so deferred work that itself
// acquires and releases real locks never recursively re-enters drain
// and unbounds the stack; it only ever adds more work to the same two
// queues, which this loop keeps consuming.
func (lm *LockManager) drain() {
	lm.draining = true
	lm.held = 1
	defer func() {
		lm.held = 0
		lm.draining = false
	}()
	for len(lm.decrefQueue) > 0 || len(lm.invalidationQueue) > 0 {
		for len(lm.decrefQueue) > 0 {
			fn := lm.decrefQueue[0]
			lm.decrefQueue = lm.decrefQueue[1:]
			fn()
		}
		for len(lm.invalidationQueue) > 0 {
			fn := lm.invalidationQueue[0]
			lm.invalidationQueue = lm.invalidationQueue[1:]
			fn()
		}
	}
	if lm.TestHook != nil {
		lm.TestHook()
	}
}

// HeldCount reports the number of locks currently held, for tests and
// diagnostics.
func (lm *LockManager) HeldCount() int { return lm.held }
