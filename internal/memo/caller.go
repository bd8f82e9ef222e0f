package memo

import (
	"sync"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// Caller is the abstract continuation an invocation notifies once its
// result is ready. AddDependency is called once, under the
// resolved revision's lock; Finish is called afterward with no locks
// held, and is expected to read the result from whatever revision
// AddDependency last recorded.
type Caller interface {
	AddDependency(rev *revision.Revision)
	PrepareForDeferredResult()
	Retry()
	Finish()
}

// baseCaller implements the common "remember the revision I was last
// pointed at, read its value when asked" behavior shared by every
// concrete Caller below.
type baseCaller struct {
	mu  sync.Mutex
	rev *revision.Revision
}

func (b *baseCaller) AddDependency(rev *revision.Revision) {
	b.mu.Lock()
	b.rev = rev
	b.mu.Unlock()
}

// Result reads the value (and, for a propagated exception, the error)
// off whichever revision was last recorded.
func (b *baseCaller) Result() (objmodel.MemoValue, error) {
	b.mu.Lock()
	rev := b.rev
	b.mu.Unlock()
	if rev == nil {
		return objmodel.MemoValue{}, nil
	}
	rev.Lock()
	v := rev.Value
	rev.Unlock()
	return v, errFromValue(v)
}

// FutureCaller fulfills a synchronous Evaluate() call: the calling
// goroutine blocks on done instead of capturing an explicit
// continuation, the idiomatic Go analogue of fulfilling a promise.
type FutureCaller struct {
	baseCaller
	done  chan struct{}
	retry bool
}

func NewFutureCaller() *FutureCaller {
	return &FutureCaller{done: make(chan struct{})}
}

func (f *FutureCaller) PrepareForDeferredResult() {}
func (f *FutureCaller) Retry()                   { f.retry = true; close(f.done) }
func (f *FutureCaller) Finish()                  { close(f.done) }

// RefreshCaller drives one inactive trace slot's recursive refresh
// attempt on behalf of a Refresher.
type RefreshCaller struct {
	baseCaller
	done  chan struct{}
	retry bool
}

func NewRefreshCaller() *RefreshCaller {
	return &RefreshCaller{done: make(chan struct{})}
}

func (r *RefreshCaller) PrepareForDeferredResult() {}
func (r *RefreshCaller) Retry()                   { r.retry = true; close(r.done) }
func (r *RefreshCaller) Finish()                  { close(r.done) }

// AwaitableCaller delivers a result to a language-level awaitable
// object instead of a Go channel; OnReady is invoked with no locks
// held, exactly like Finish, so it is free to post a task or resume a
// continuation.
type AwaitableCaller struct {
	baseCaller
	OnReady func(objmodel.MemoValue, error)
	OnRetry func()
}

func (a *AwaitableCaller) PrepareForDeferredResult() {}
func (a *AwaitableCaller) Retry() {
	if a.OnRetry != nil {
		a.OnRetry()
	}
}
func (a *AwaitableCaller) Finish() {
	if a.OnReady != nil {
		v, err := a.Result()
		a.OnReady(v, err)
	}
}

// FakeCaller discards the result; used where a call site needs to
// drive asyncEvaluate's side effects (e.g. warming a cache entry during
// deserialization) without actually consuming the value.
type FakeCaller struct {
	baseCaller
}

func (f *FakeCaller) PrepareForDeferredResult() {}
func (f *FakeCaller) Retry()                    {}
func (f *FakeCaller) Finish()                   {}

// nestedCaller drives a synchronous nested evaluation made from inside
// another invocation's entry function: it blocks the calling goroutine
// like FutureCaller, but also funnels the resolved revision into the
// parent Context's trace, so the outer computation correctly depends
// on the inner one.
type nestedCaller struct {
	baseCaller
	parent *Context
	done   chan struct{}
	retry  bool
}

func newNestedCaller(parent *Context) *nestedCaller {
	return &nestedCaller{parent: parent, done: make(chan struct{})}
}

func (n *nestedCaller) AddDependency(rev *revision.Revision) {
	n.baseCaller.AddDependency(rev)
	n.parent.AddDependency(rev)
}

func (n *nestedCaller) PrepareForDeferredResult() {}
func (n *nestedCaller) Retry()                    { n.retry = true; close(n.done) }
func (n *nestedCaller) Finish()                   { close(n.done) }
