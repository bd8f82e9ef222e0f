package memo

import (
	"sync"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// EntryFunc is a memoized call body: it runs with ctx installed so that
// reads of other memoized values (via Invocation.EvaluateFor or
// Cell.ReadFor) are recorded as dependencies through ctx.AddDependency.
type EntryFunc func(ctx *Context) (objmodel.MemoValue, error)

// ListState records which of the graph's two invocation lists (if
// either) currently holds this invocation, so moveToLruHead and cleanup
// can no-op correctly.
type ListState int

const (
	ListNone ListState = iota
	ListLRU
	ListCleanup
)

// Invocation is one memoized call's identity: an interned argument
// tuple plus the entry point that computes its value, together with
// the doubly linked, newest-first list of revisions cached for it.
type Invocation struct {
	mu sync.Mutex

	ID    *objmodel.IObj
	Entry EntryFunc

	head, tail *revision.Revision

	// placeholderCtx maps a placeholder revision still being computed to
	// the Context driving that computation; entries are removed once
	// replacePlaceholder runs.
	placeholderCtx map[*revision.Revision]*Context

	listState ListState

	// Graph, if set, is notified when this invocation's tail revision
	// gains a finite end, so it can be moved into a cleanup bucket
	// instead of staying LRU-resident.
	Graph *Graph

	refresher Refresher
}

// NewInvocation creates an invocation with no cached revisions yet.
func NewInvocation(id *objmodel.IObj, entry EntryFunc) *Invocation {
	return &Invocation{ID: id, Entry: entry, placeholderCtx: make(map[*revision.Revision]*Context)}
}

// newCellInvocation creates an invocation pre-seeded with the single
// always-present [1, kNever) revision a freshly created Cell carries.
func newCellInvocation(initial objmodel.MemoValue) *Invocation {
	inv := &Invocation{placeholderCtx: make(map[*revision.Revision]*Context)}
	rev := revision.NewValue(1, revision.NeverTxnID, initial, nil)
	rev.Owner = inv
	rev.CanRefresh = false
	inv.head, inv.tail = rev, rev
	return inv
}

// findCoveringLocked scans the revision list, newest first, for an
// entry covering queryTxn. Callers must hold inv.mu.
func (inv *Invocation) findCoveringLocked(queryTxn revision.TxnId) *revision.Revision {
	for r := inv.head; r != nil; r = r.Next {
		if r.Covers(queryTxn) {
			return r
		}
	}
	return nil
}

func (inv *Invocation) lock(lm *lockmgr.LockManager) {
	inv.mu.Lock()
	lm.Acquire(inv)
}

func (inv *Invocation) unlock(lm *lockmgr.LockManager) {
	lm.Release(inv)
	inv.mu.Unlock()
}

// observeMemo reports a hit/miss to the owning Graph's Observer, if
// any. Cell invocations have no Graph, so this is a no-op for them.
func (inv *Invocation) observeMemo(hit bool) {
	if inv.Graph != nil {
		inv.Graph.mu.Lock()
		obs := inv.Graph.obs
		inv.Graph.mu.Unlock()
		if obs != nil {
			obs.ObserveMemo(hit)
		}
	}
}

// asyncEvaluate implements the four-way evaluation branch: hit with a
// real value, hit with an in-flight Context, hit-but-refreshable, or
// straight miss.
func (inv *Invocation) asyncEvaluate(caller Caller, queryTxn revision.TxnId, lm *lockmgr.LockManager) {
	inv.lock(lm)

	hit := inv.findCoveringLocked(queryTxn)
	inv.observeMemo(hit != nil)
	if hit != nil {
		if ctx, isPlaceholder := inv.placeholderCtx[hit]; isPlaceholder {
			inv.unlock(lm)
			caller.PrepareForDeferredResult()
			ctx.AddWaiter(func(v objmodel.MemoValue, err error) {
				hit.Lock()
				caller.AddDependency(hit)
				hit.Unlock()
				caller.Finish()
			})
			return
		}

		hit.Lock()
		needsRefresh := hit.CanRefresh && hit.End != revision.NeverTxnID
		hit.Unlock()

		if needsRefresh {
			// hit already covers queryTxn; refreshing only extends its
			// End opportunistically so the next, slightly newer query
			// can reuse it too. A failed refresh just means hit reverts
			// to a plain, non-refreshable cache entry — it is still the
			// right answer for this query.
			inv.unlock(lm)
			caller.PrepareForDeferredResult()
			inv.refresher.Run(hit, queryTxn, lm)
			hit.Lock()
			caller.AddDependency(hit)
			hit.Unlock()
			caller.Finish()
			return
		}

		hit.Lock()
		caller.AddDependency(hit)
		hit.Unlock()
		caller.Finish()
		inv.unlock(lm)
		return
	}

	// Miss: find where queryTxn falls in the newest-first list and
	// insert a placeholder there. newer is the nearest revision still
	// ahead of queryTxn (nil if queryTxn is newer than everything
	// cached); older is the nearest revision behind it (nil if queryTxn
	// predates everything cached). end mirrors newer's begin, or kNever
	// if there is no such neighbor.
	var newer, older *revision.Revision
	for r := inv.head; r != nil; r = r.Next {
		if r.Begin <= queryTxn {
			older = r
			break
		}
		newer = r
	}
	end := revision.TxnId(revision.NeverTxnID)
	if newer != nil {
		end = newer.Begin
	}
	placeholder := revision.NewPlaceholder(queryTxn, end)
	placeholder.Owner = inv
	placeholder.Prev, placeholder.Next = newer, older
	if newer != nil {
		newer.Next = placeholder
	} else {
		inv.head = placeholder
	}
	if older != nil {
		older.Prev = placeholder
	} else {
		inv.tail = placeholder
	}

	ctx := newContext(queryTxn, inv, placeholder)
	inv.placeholderCtx[placeholder] = ctx
	inv.unlock(lm)

	caller.PrepareForDeferredResult()
	ctx.AddWaiter(func(v objmodel.MemoValue, err error) {
		placeholder.Lock()
		caller.AddDependency(placeholder)
		placeholder.Unlock()
		caller.Finish()
	})

	go inv.runBody(ctx, lm)
}

// runBody executes the invocation's entry point, recovering a panic
// into a cached ValException result so the failure itself is
// memoized (the touch-case handling treats an exception like any
// other value for dedup purposes), then installs the result revision.
func (inv *Invocation) runBody(ctx *Context, lm *lockmgr.LockManager) {
	value, err := inv.invokeRecovered(ctx)
	inv.replacePlaceholder(ctx, value, lm)
	ctx.finish(value, err)
}

func (inv *Invocation) invokeRecovered(ctx *Context) (value objmodel.MemoValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = objmodel.FromException(r)
			err = errFromValue(value)
		}
	}()
	return inv.Entry(ctx)
}

// Evaluate is the synchronous convenience wrapper most call sites use:
// it drives asyncEvaluate with a FutureCaller and blocks until the
// result is ready. It evaluates again only if the caller's Retry was
// invoked; asyncEvaluate itself never invokes it.
func (inv *Invocation) Evaluate(queryTxn revision.TxnId, lm *lockmgr.LockManager) (objmodel.MemoValue, error) {
	for {
		fc := NewFutureCaller()
		inv.asyncEvaluate(fc, queryTxn, lm)
		<-fc.done
		if fc.retry {
			continue
		}
		return fc.Result()
	}
}

// EvaluateFor evaluates inv as of ctx.QueryTxn on behalf of a
// computation already running inside ctx (i.e. a nested memoized call
// made from within an EntryFunc), recording inv's resolved revision as
// one of ctx's dependencies instead of discarding it the way a plain
// Evaluate would.
func (inv *Invocation) EvaluateFor(ctx *Context, lm *lockmgr.LockManager) (objmodel.MemoValue, error) {
	for {
		nc := newNestedCaller(ctx)
		inv.asyncEvaluate(nc, ctx.QueryTxn, lm)
		<-nc.done
		if nc.retry {
			continue
		}
		return nc.Result()
	}
}

// replacePlaceholder stores value in the placeholder and installs the
// result per the placeholder touch cases: it either merges the
// placeholder's lifespan into an equal neighbor or completes the
// placeholder in place with ctx's linearized trace. runBody notifies
// the callers waiting on ctx afterwards.
func (inv *Invocation) replacePlaceholder(ctx *Context, value objmodel.MemoValue, lm *lockmgr.LockManager) {
	placeholder := ctx.Placeholder
	trace := ctx.LinearizeTrace()

	inv.lock(lm)

	delete(inv.placeholderCtx, placeholder)

	placeholder.Lock()
	placeholder.Value = value
	begin, end := placeholder.Begin, placeholder.End
	placeholder.Unlock()

	if mergeTarget := inv.findEqualNeighborLocked(placeholder, value); mergeTarget != nil {
		mergeTarget.Lock()
		if begin < mergeTarget.Begin {
			mergeTarget.Begin = begin
		}
		if end == revision.NeverTxnID || (mergeTarget.End != revision.NeverTxnID && end > mergeTarget.End) {
			mergeTarget.End = end
		}
		mergeTarget.Unlock()
		inv.replaceInList(placeholder, mergeTarget)
		inv.unlock(lm)
		return
	}

	// Subscribe indexes Inactive, so it is sized before subscribing.
	result := placeholder
	result.Lock()
	result.Trace = trace
	result.Inactive = make([]bool, len(trace))
	result.CanRefresh = len(trace) > 0
	result.Unlock()
	for i, t := range trace {
		revision.Subscribe(result, i, t)
	}
	needsCleanup := inv.tail == result && result.End != revision.NeverTxnID
	inv.unlock(lm)

	if needsCleanup && inv.Graph != nil {
		inv.Graph.RegisterCleanup(inv, inv.ID, result.End)
	}
}

// findEqualNeighborLocked implements the "real value, equal value,
// touches or overlaps" merge case: only the immediately adjacent
// revisions can touch a freshly inserted one, since the list is kept
// sorted and non-overlapping except for the placeholder being
// replaced.
func (inv *Invocation) findEqualNeighborLocked(placeholder *revision.Revision, value objmodel.MemoValue) *revision.Revision {
	for _, neighbor := range []*revision.Revision{placeholder.Prev, placeholder.Next} {
		if neighbor == nil || neighbor == placeholder {
			continue
		}
		if _, isPlaceholder := inv.placeholderCtx[neighbor]; isPlaceholder {
			continue
		}
		neighbor.Lock()
		eq := neighbor.Value.Equal(value)
		neighbor.Unlock()
		if eq {
			return neighbor
		}
	}
	return nil
}

// replaceInList splices newRev into old's position in the revision
// list; newRev must not be nil. Callers must hold inv.mu.
func (inv *Invocation) replaceInList(old, newRev *revision.Revision) {
	newRev.Prev, newRev.Next = old.Prev, old.Next
	if old.Prev != nil {
		old.Prev.Next = newRev
	} else {
		inv.head = newRev
	}
	if old.Next != nil {
		old.Next.Prev = newRev
	} else {
		inv.tail = newRev
	}
}

// refresh recursively extends input past queryTxn on behalf of a
// Refresher in a different invocation's Run, via the
// revision.Owner back-pointer.
func (inv *Invocation) refresh(input *revision.Revision, queryTxn revision.TxnId, lm *lockmgr.LockManager) bool {
	if input.Covers(queryTxn) {
		return true
	}
	return inv.refresher.Run(input, queryTxn, lm)
}

// CommitNewHead implements the Cell-mutation half of a transaction
// commit: invalidate the current head at newTxn, prevent
// it from refreshing any further, and prepend a fresh permanent
// revision holding value. Returns the invalidated old head (nil if
// this was a no-op, i.e. value is unchanged from the current head, per
// the elide-if-unchanged commit rule) so the caller can notify any
// InvalidationWatcher registered on it. If the old head becomes the
// invocation's tail with a finite end, it is registered with the graph
// for cleanup at that end, the same bookkeeping
// replacePlaceholder performs.
func (inv *Invocation) CommitNewHead(newTxn revision.TxnId, value objmodel.MemoValue, sink revision.InvalidationSink) *revision.Revision {
	inv.mu.Lock()
	head := inv.head
	inv.mu.Unlock()

	if head != nil {
		head.Lock()
		unchanged := head.End == revision.NeverTxnID && head.Value.Equal(value)
		head.Unlock()
		if unchanged {
			return nil
		}
	}

	if head != nil {
		head.Invalidate(newTxn, sink)
		head.Lock()
		head.CanRefresh = false
		head.Unlock()
	}

	newHead := revision.NewValue(newTxn, revision.NeverTxnID, value, nil)
	newHead.Owner = inv
	newHead.CanRefresh = false

	inv.mu.Lock()
	newHead.Next = inv.head
	if inv.head != nil {
		inv.head.Prev = newHead
	}
	inv.head = newHead
	if inv.tail == nil {
		inv.tail = newHead
	}
	needsCleanup := inv.tail == head && head != nil
	inv.mu.Unlock()

	if needsCleanup && inv.Graph != nil {
		inv.Graph.RegisterCleanup(inv, inv.ID, newTxn)
	}
	return head
}

// CurrentHead returns the invocation's current head revision (nil if
// none has been installed yet), letting a caller register an
// invalidation watcher on it before a future commit might supersede
// it.
func (inv *Invocation) CurrentHead() *revision.Revision {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.head
}

// trimTail drops tail revisions whose end has fallen to or below
// oldestVisible, the oldest transaction any live query might still ask
// for. It reports the new tail's end and whether
// that end is still finite, so Graph.RunCleanup knows whether to
// re-register this invocation for cleanup or return it to the LRU ring.
func (inv *Invocation) trimTail(oldestVisible revision.TxnId) (revision.TxnId, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for inv.tail != nil {
		inv.tail.Lock()
		end := inv.tail.End
		inv.tail.Unlock()
		if end == revision.NeverTxnID || end > oldestVisible {
			break
		}
		if _, isPlaceholder := inv.placeholderCtx[inv.tail]; isPlaceholder {
			break
		}
		dead := inv.tail
		inv.tail = dead.Prev
		if inv.tail != nil {
			inv.tail.Next = nil
		} else {
			inv.head = nil
		}
	}

	if inv.tail == nil {
		return 0, false
	}
	inv.tail.Lock()
	end := inv.tail.End
	inv.tail.Unlock()
	return end, end != revision.NeverTxnID
}
