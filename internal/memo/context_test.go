package memo

import (
	"testing"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

func TestContextAddDependencyDedupsAndPreservesOrder(t *testing.T) {
	ctx := newContext(1, nil, revision.NewPlaceholder(1, revision.NeverTxnID))
	r1 := revision.NewValue(1, revision.NeverTxnID, objmodel.FromInt64(1), nil)
	r2 := revision.NewValue(1, revision.NeverTxnID, objmodel.FromInt64(2), nil)

	ctx.AddDependency(r1)
	ctx.AddDependency(r2)
	ctx.AddDependency(r1)

	trace := ctx.LinearizeTrace()
	if len(trace) != 2 || trace[0] != r1 || trace[1] != r2 {
		t.Fatalf("trace = %v, want [r1 r2]", trace)
	}
}

func TestContextAddWaiterFiresImmediatelyAfterFinish(t *testing.T) {
	ctx := newContext(1, nil, revision.NewPlaceholder(1, revision.NeverTxnID))
	ctx.finish(objmodel.FromInt64(5), nil)

	var got objmodel.MemoValue
	ctx.AddWaiter(func(v objmodel.MemoValue, err error) { got = v })
	if got.Int64 != 5 {
		t.Fatalf("got = %v, want Int64=5", got)
	}
}

func TestContextAddWaiterQueuesUntilFinish(t *testing.T) {
	ctx := newContext(1, nil, revision.NewPlaceholder(1, revision.NeverTxnID))
	fired := false
	ctx.AddWaiter(func(v objmodel.MemoValue, err error) { fired = true })
	if fired {
		t.Fatal("waiter should not fire before finish")
	}
	ctx.finish(objmodel.Null(), nil)
	if !fired {
		t.Fatal("waiter should fire once finish runs")
	}
}
