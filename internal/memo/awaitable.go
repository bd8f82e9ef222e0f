package memo

import (
	"sync"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
	"github.com/brooklang/coreruntime/internal/rterr"
)

// awaitState is the continuation word of the awaitable protocol:
// pending with a waiter list, value ready, or exception ready. A
// fake-pointer rendition would pack these as magic sentinel values in
// the object's first word; an explicit enum plus the two payload
// fields expresses the same three-way state without sentinel pointers
// the Go GC can't see through.
type awaitState int

const (
	awaitPending awaitState = iota
	awaitValue
	awaitException
)

// ErrContextIsAwaitingThis is the sentinel "exception" the memoize
// layer stores to mean "the owning context wants this result" without
// allocating a real error per wait.
var ErrContextIsAwaitingThis = rterr.New("memo.await", rterr.CodeNotFound, "context is awaiting this")

// Awaitable is a language-level suspension point: a value that is
// either still being produced (holding a list of waiting continuations
// and chained awaitables) or finished with a value or an exception.
type Awaitable struct {
	mu      sync.Mutex
	state   awaitState
	value   objmodel.MemoValue
	err     error
	waiters []func(objmodel.MemoValue, error)

	// next chains this awaitable into another awaitable's waiter list,
	// the nextAwaitable word of the wire protocol.
	next *Awaitable
}

// NewAwaitable returns a pending awaitable with no waiters.
func NewAwaitable() *Awaitable {
	return &Awaitable{}
}

// Suspend registers fn to run once the awaitable completes. If it
// already has, fn runs immediately on the calling goroutine; no locks
// are held either way when fn runs.
func (a *Awaitable) Suspend(fn func(objmodel.MemoValue, error)) {
	a.mu.Lock()
	if a.state == awaitPending {
		a.waiters = append(a.waiters, fn)
		a.mu.Unlock()
		return
	}
	v, err := a.value, a.err
	a.mu.Unlock()
	fn(v, err)
}

// AddWaitingAwaitable chains w so it completes (with the same value or
// exception) when a does.
func (a *Awaitable) AddWaitingAwaitable(w *Awaitable) {
	a.Suspend(func(v objmodel.MemoValue, err error) {
		if err != nil {
			w.Throw(err)
			return
		}
		w.Resume(v)
	})
	w.next = a
}

// Resume completes the awaitable with v and notifies every waiter
//. Completing an already-completed awaitable is an
// invariant violation and panics.
func (a *Awaitable) Resume(v objmodel.MemoValue) {
	a.mu.Lock()
	if a.state != awaitPending {
		a.mu.Unlock()
		panic(rterr.New("memo.Awaitable.Resume", rterr.CodeInvariantViolation, "awaitable completed twice"))
	}
	a.state = awaitValue
	a.value = v
	a.mu.Unlock()
	a.NotifyWaitersValueIsReady()
}

// Throw completes the awaitable with an exception.
func (a *Awaitable) Throw(err error) {
	a.mu.Lock()
	if a.state != awaitPending {
		a.mu.Unlock()
		panic(rterr.New("memo.Awaitable.Throw", rterr.CodeInvariantViolation, "awaitable completed twice"))
	}
	a.state = awaitException
	a.err = err
	a.mu.Unlock()
	a.NotifyWaitersValueIsReady()
}

// NotifyWaitersValueIsReady drains the waiter list of a completed
// awaitable, invoking each continuation with no locks held. A pending
// awaitable keeps its waiters.
func (a *Awaitable) NotifyWaitersValueIsReady() {
	a.mu.Lock()
	if a.state == awaitPending {
		a.mu.Unlock()
		return
	}
	waiters := a.waiters
	a.waiters = nil
	v, err := a.value, a.err
	a.mu.Unlock()
	for _, fn := range waiters {
		fn(v, err)
	}
}

// Ready reports whether the awaitable has completed.
func (a *Awaitable) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state != awaitPending
}

// Result returns the completed value or exception. Calling Result on a
// pending awaitable returns ErrContextIsAwaitingThis.
func (a *Awaitable) Result() (objmodel.MemoValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == awaitPending {
		return objmodel.MemoValue{}, ErrContextIsAwaitingThis
	}
	return a.value, a.err
}

// MemoizeCall evaluates inv at queryTxn and completes aw with the
// result, the awaitable entry point for memoized calls: a cached hit
// completes aw synchronously, an in-flight or recomputed result
// completes it from whichever goroutine finishes the computation, and a
// superseded placeholder retries transparently.
func MemoizeCall(aw *Awaitable, inv *Invocation, queryTxn revision.TxnId, lm *lockmgr.LockManager) {
	caller := &AwaitableCaller{}
	caller.OnReady = func(v objmodel.MemoValue, err error) {
		if err != nil {
			aw.Throw(err)
			return
		}
		aw.Resume(v)
	}
	caller.OnRetry = func() {
		inv.asyncEvaluate(caller, queryTxn, lm)
	}
	inv.asyncEvaluate(caller, queryTxn, lm)
}
