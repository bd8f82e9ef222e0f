package memo

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

func TestEvaluateMissThenHitDoesNotRerunBody(t *testing.T) {
	lm := lockmgr.New()
	var calls int32
	inv := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		atomic.AddInt32(&calls, 1)
		return objmodel.FromInt64(42), nil
	})

	v1, err := inv.Evaluate(5, lm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v1.Int64 != 42 {
		t.Fatalf("v1 = %v, want 42", v1)
	}

	v2, err := inv.Evaluate(5, lm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.Int64 != 42 {
		t.Fatalf("v2 = %v, want 42", v2)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("body ran %d times, want 1", got)
	}
}

func TestEvaluatePropagatesPanicAsException(t *testing.T) {
	lm := lockmgr.New()
	inv := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		panic(errors.New("boom"))
	})

	_, err := inv.Evaluate(1, lm)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}

	// A second evaluate at the same txn should replay the cached
	// exception rather than panicking again through this goroutine.
	_, err2 := inv.Evaluate(1, lm)
	if err2 == nil || err2.Error() != "boom" {
		t.Fatalf("err2 = %v, want boom", err2)
	}
}

func TestEvaluateAtDifferentTxnsInsertsSeparateRevisions(t *testing.T) {
	lm := lockmgr.New()
	var n int64
	inv := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		return objmodel.FromInt64(atomic.AddInt64(&n, 1)), nil
	})

	v1, _ := inv.Evaluate(1, lm)
	// Invalidate the first revision so a second, distinct value can be
	// computed for a later query.
	inv.mu.Lock()
	head := inv.head
	inv.mu.Unlock()
	head.Invalidate(2, lm)

	v2, _ := inv.Evaluate(2, lm)
	if v1.Equal(v2) {
		t.Fatalf("expected distinct values across invalidated revisions, got %v and %v", v1, v2)
	}
}

func TestCellCommitNewHeadElidesUnchangedValue(t *testing.T) {
	lm := lockmgr.New()
	c := NewCell(objmodel.FromInt64(1))

	invalidated := c.Invocation().CommitNewHead(2, objmodel.FromInt64(1), lm)
	if invalidated != nil {
		t.Fatal("expected CommitNewHead to elide an unchanged value")
	}

	invalidated = c.Invocation().CommitNewHead(2, objmodel.FromInt64(2), lm)
	if invalidated == nil {
		t.Fatal("expected CommitNewHead to install a changed value")
	}

	v, err := c.Read(2, lm)
	if err != nil || v.Int64 != 2 {
		t.Fatalf("Read(2) = (%v, %v), want (2, nil)", v, err)
	}
	v, err = c.Read(1, lm)
	if err != nil || v.Int64 != 1 {
		t.Fatalf("Read(1) = (%v, %v), want (1, nil)", v, err)
	}
}

func TestEvaluateForRecordsNestedDependencyAndRecomputesOnInvalidation(t *testing.T) {
	lm := lockmgr.New()
	cell := NewCell(objmodel.FromInt64(100))

	var calls int32
	f := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		atomic.AddInt32(&calls, 1)
		v, err := cell.ReadFor(ctx, lm)
		if err != nil {
			return objmodel.MemoValue{}, err
		}
		return objmodel.FromInt64(v.Int64 + 1), nil
	})

	v1, err := f.Evaluate(1, lm)
	if err != nil || v1.Int64 != 101 {
		t.Fatalf("f(1) = (%v, %v), want (101, nil)", v1, err)
	}

	v1b, err := f.Evaluate(1, lm)
	if err != nil || v1b.Int64 != 101 {
		t.Fatalf("second f(1) = (%v, %v), want (101, nil)", v1b, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("body ran %d times before commit, want 1", got)
	}

	invalidated := cell.Invocation().CommitNewHead(2, objmodel.FromInt64(200), lm)
	if invalidated == nil {
		t.Fatal("expected CommitNewHead to install a changed cell value")
	}

	v2, err := f.Evaluate(2, lm)
	if err != nil || v2.Int64 != 201 {
		t.Fatalf("f(2) = (%v, %v), want (201, nil) after cell commit", v2, err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("body ran %d times after commit, want 2", got)
	}
}

func TestTrimTailMovesFiniteTailOutThenIn(t *testing.T) {
	inv := NewInvocation(&objmodel.IObj{}, nil)
	rev := revision.NewValue(1, 5, objmodel.FromInt64(1), nil)
	inv.head, inv.tail = rev, rev

	end, finite := inv.trimTail(10)
	if finite {
		t.Fatalf("expected the tail to be trimmed away at oldestVisible=10, end=%v", end)
	}
	if inv.tail != nil {
		t.Fatal("expected an empty list after trimming the only revision")
	}
}
