// Package txn implements the transaction commit protocol:
// batched assignment of cells, a total-order global commit lock, the
// newestVisible/oldestVisible watermarks every query consults, and
// out-of-band cleanup-list draining once the oldest visible
// transaction advances.
//
// One lock covers the whole "determine next id, apply changes,
// publish, notify" acquire-mutate-publish-release sequence;
// internal/lockmgr and internal/memo already establish this package's
// lock-per-struct, explicit-field idiom.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/memo"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// Watcher is notified once a watched revision's end transitions from
// kNever to finite. It always runs after the
// Transactor has released its commit lock.
type Watcher func()

// Assignment pairs a cell with the value a commit should install.
type Assignment struct {
	Cell  *memo.Cell
	Value objmodel.MemoValue
}

// Transactor serializes cell commits through a single global mutex
// and owns the two watermarks every reader
// consults: NewestVisible (the last committed TxnId) and OldestVisible
// (the oldest TxnId a live query may still ask for). Both are plain
// atomics, so readers never contend with an in-flight commit.
type Transactor struct {
	mu sync.Mutex // the global txn mutex; held only across Commit

	newestVisible atomic.Uint64
	oldestVisible atomic.Uint64
	inFlight      atomic.Int64

	graph *memo.Graph
	lm    *lockmgr.LockManager

	watchMu  sync.Mutex
	watchers map[*revision.Revision][]Watcher
}

// New creates a Transactor whose NewestVisible starts at 1, the TxnId
// every new Cell's initial revision begins at. Nothing is committed
// yet, so the first Commit produces TxnId 2.
func New(graph *memo.Graph, lm *lockmgr.LockManager) *Transactor {
	t := &Transactor{
		graph:    graph,
		lm:       lm,
		watchers: make(map[*revision.Revision][]Watcher),
	}
	t.newestVisible.Store(1)
	return t
}

// NewestVisible is the last committed TxnId.
func (t *Transactor) NewestVisible() revision.TxnId {
	return revision.TxnId(t.newestVisible.Load())
}

// OldestVisible is the oldest TxnId a live query may still ask for.
func (t *Transactor) OldestVisible() revision.TxnId {
	return revision.TxnId(t.oldestVisible.Load())
}

// BeginTask and EndTask bracket a memoized evaluation. A commit only
// advances OldestVisible while the in-flight count is zero, since an
// outstanding evaluation may still be reading an older revision that a
// more aggressive advance would make eligible for trimming underneath
// it.
func (t *Transactor) BeginTask() { t.inFlight.Add(1) }
func (t *Transactor) EndTask()   { t.inFlight.Add(-1) }

// Watch registers fn to run once rev's End transitions from kNever to
// finite. If rev is already finite when Watch is called, fn runs
// synchronously on the spot instead of being queued.
func (t *Transactor) Watch(rev *revision.Revision, fn Watcher) {
	rev.Lock()
	already := rev.End != revision.NeverTxnID
	rev.Unlock()
	if already {
		fn()
		return
	}
	t.watchMu.Lock()
	t.watchers[rev] = append(t.watchers[rev], fn)
	t.watchMu.Unlock()
}

func (t *Transactor) takeWatchers(rev *revision.Revision) []Watcher {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	fns := t.watchers[rev]
	delete(t.watchers, rev)
	return fns
}

// Commit applies assignments as one batch: determine the
// new TxnId, install each cell's new head under its own invocation
// lock, elide no-op assignments, publish the new NewestVisible, and
// advance OldestVisible when no task is in flight. Invalidation
// watchers run only after the commit lock is released.
func (t *Transactor) Commit(assignments []Assignment) revision.TxnId {
	t.mu.Lock()

	newTxn := t.NewestVisible() + 1

	invalidated := make([]*revision.Revision, 0, len(assignments))
	for _, a := range assignments {
		old := a.Cell.Invocation().CommitNewHead(newTxn, a.Value, t.lm)
		if old != nil {
			invalidated = append(invalidated, old)
		}
	}

	t.newestVisible.Store(uint64(newTxn))
	advanced := false
	if t.inFlight.Load() == 0 {
		t.oldestVisible.Store(uint64(newTxn))
		advanced = true
	}

	t.mu.Unlock()

	if advanced && t.graph != nil {
		t.graph.SweepCleanup(revision.TxnId(newTxn), t.lm)
	}

	for _, rev := range invalidated {
		for _, fn := range t.takeWatchers(rev) {
			fn()
		}
	}

	return newTxn
}
