package memo

import (
	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// Cell is a mutable input to the memoization graph: an invocation that
// is never evaluated by calling a body, only ever mutated by
// transaction commits.
type Cell struct {
	inv *Invocation
}

// NewCell creates a cell holding initial, visible from TxnId 1 onward.
func NewCell(initial objmodel.MemoValue) *Cell {
	return &Cell{inv: newCellInvocation(initial)}
}

// Read evaluates the cell's current value as of queryTxn. The read is
// not recorded as a dependency of any Context; ReadFor is the variant
// that records one.
func (c *Cell) Read(queryTxn revision.TxnId, lm *lockmgr.LockManager) (objmodel.MemoValue, error) {
	return c.inv.Evaluate(queryTxn, lm)
}

// ReadFor evaluates the cell's current value as of ctx.QueryTxn from
// within another invocation's entry function, recording the read as a
// dependency of ctx instead of ctx's caller's own untracked read.
func (c *Cell) ReadFor(ctx *Context, lm *lockmgr.LockManager) (objmodel.MemoValue, error) {
	return c.inv.EvaluateFor(ctx, lm)
}

// Invocation exposes the underlying invocation, for a Transaction to
// call CommitNewHead on.
func (c *Cell) Invocation() *Invocation { return c.inv }
