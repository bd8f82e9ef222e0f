package memo

import (
	"fmt"
	"sync"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// Context is owned by the process actively computing a memoized value:
// it tracks the dependencies that computation reads (for the eventual
// trace) and the callers suspended waiting on it.
type Context struct {
	QueryTxn    revision.TxnId
	Invocation  *Invocation
	Placeholder *revision.Revision

	mu       sync.Mutex
	calls    map[*revision.Revision]int
	order    []*revision.Revision
	waiters  []func(objmodel.MemoValue, error)
	finished bool
	value    objmodel.MemoValue
	err      error
}

func newContext(queryTxn revision.TxnId, inv *Invocation, placeholder *revision.Revision) *Context {
	return &Context{
		QueryTxn:    queryTxn,
		Invocation:  inv,
		Placeholder: placeholder,
		calls:       make(map[*revision.Revision]int),
	}
}

// AddDependency records rev as read by this computation, at most once,
// in first-seen order.
func (c *Context) AddDependency(rev *revision.Revision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[rev]; ok {
		return
	}
	c.calls[rev] = len(c.order)
	c.order = append(c.order, rev)
}

// LinearizeTrace returns the dependencies in first-seen order.
func (c *Context) LinearizeTrace() []*revision.Revision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*revision.Revision(nil), c.order...)
}

// AddWaiter registers fn to run once this context's computation
// finishes. If it has already finished, fn runs immediately (from the
// calling goroutine, with no locks held by this package).
func (c *Context) AddWaiter(fn func(objmodel.MemoValue, error)) {
	c.mu.Lock()
	if c.finished {
		value, err := c.value, c.err
		c.mu.Unlock()
		fn(value, err)
		return
	}
	c.waiters = append(c.waiters, fn)
	c.mu.Unlock()
}

func (c *Context) finish(value objmodel.MemoValue, err error) {
	c.mu.Lock()
	c.finished = true
	c.value, c.err = value, err
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w(value, err)
	}
}

func errFromValue(v objmodel.MemoValue) error {
	if v.Kind != objmodel.ValException {
		return nil
	}
	if e, ok := v.Exception.(error); ok {
		return e
	}
	return fmt.Errorf("%v", v.Exception)
}
