package memo

import (
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/revision"
)

// errRefreshFailed signals that some input could not be refreshed, so
// the caller should fall back to recomputing from scratch.
var errRefreshFailed = errors.New("memo: input refresh failed")

// Refresher extends one revision's lifespan by refreshing every
// inactive input concurrently instead of recomputing the value. Inputs
// are refreshed in parallel via errgroup, the same join shape
// Runtime.ParallelTabulate (package corert) uses for worker fan-out —
// here fanning out over a revision's trace instead of over loop
// indices.
type Refresher struct{}

// Run attempts to extend rev's End past queryTxn. It returns false
// (discarding rev's trace and disabling further refreshes) if
// any input can't be refreshed or the refreshed minimum end still
// doesn't reach past queryTxn.
func (Refresher) Run(rev *revision.Revision, queryTxn revision.TxnId, lm *lockmgr.LockManager) bool {
	rev.Lock()
	trace := append([]*revision.Revision(nil), rev.Trace...)
	inactive := append([]bool(nil), rev.Inactive...)
	startEnd := rev.End
	rev.Unlock()

	if len(trace) == 0 {
		rev.Lock()
		rev.CanRefresh = false
		rev.Unlock()
		return false
	}

	ends := make([]revision.TxnId, len(trace))
	var g errgroup.Group
	for i, input := range trace {
		i, input := i, input
		if !inactive[i] {
			input.Lock()
			ends[i] = input.End
			input.Unlock()
			continue
		}
		g.Go(func() error {
			owner, _ := input.Owner.(*Invocation)
			if owner == nil {
				return errRefreshFailed
			}
			if !owner.refresh(input, queryTxn, lm) {
				return errRefreshFailed
			}
			input.Lock()
			ends[i] = input.End
			input.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rev.Lock()
		rev.CanRefresh = false
		rev.Trace = nil
		rev.Inactive = nil
		rev.Unlock()
		return false
	}

	minEnd := revision.NeverTxnID
	for _, e := range ends {
		if e < minEnd {
			minEnd = e
		}
	}
	if minEnd <= queryTxn {
		rev.Lock()
		rev.CanRefresh = false
		rev.Trace = nil
		rev.Inactive = nil
		rev.Unlock()
		return false
	}

	rev.Lock()
	defer rev.Unlock()
	if rev.End < startEnd {
		// A concurrent commit invalidated rev itself while this refresh
		// was in flight; never extend past whatever it shrank to.
		rev.CanRefresh = false
		return rev.End > queryTxn
	}
	rev.End = minEnd
	for i := range rev.Inactive {
		rev.Inactive[i] = false
	}
	return minEnd > queryTxn
}
