package memo

import (
	"errors"
	"testing"
	"time"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
)

func TestAwaitableResumeNotifiesEarlyAndLateWaiters(t *testing.T) {
	aw := NewAwaitable()
	var got []int64
	aw.Suspend(func(v objmodel.MemoValue, err error) {
		if err != nil {
			t.Errorf("early waiter got error: %v", err)
		}
		got = append(got, v.Int64)
	})
	if aw.Ready() {
		t.Fatal("pending awaitable reports Ready")
	}
	if _, err := aw.Result(); !errors.Is(err, ErrContextIsAwaitingThis) {
		t.Fatalf("pending Result err = %v, want ErrContextIsAwaitingThis", err)
	}

	aw.Resume(objmodel.FromInt64(42))

	aw.Suspend(func(v objmodel.MemoValue, err error) {
		got = append(got, v.Int64)
	})
	if len(got) != 2 || got[0] != 42 || got[1] != 42 {
		t.Fatalf("waiters saw %v, want [42 42]", got)
	}
}

func TestAwaitableThrowDeliversException(t *testing.T) {
	aw := NewAwaitable()
	boom := errors.New("boom")
	var seen error
	aw.Suspend(func(_ objmodel.MemoValue, err error) { seen = err })
	aw.Throw(boom)
	if !errors.Is(seen, boom) {
		t.Fatalf("waiter error = %v, want boom", seen)
	}
	if _, err := aw.Result(); !errors.Is(err, boom) {
		t.Fatalf("Result err = %v, want boom", err)
	}
}

func TestAwaitableChainingPropagatesCompletion(t *testing.T) {
	upstream := NewAwaitable()
	downstream := NewAwaitable()
	upstream.AddWaitingAwaitable(downstream)

	upstream.Resume(objmodel.FromInt64(7))
	v, err := downstream.Result()
	if err != nil {
		t.Fatalf("downstream Result: %v", err)
	}
	if v.Int64 != 7 {
		t.Fatalf("downstream value = %d, want 7", v.Int64)
	}
}

func TestMemoizeCallCompletesAwaitableFromCache(t *testing.T) {
	lm := lockmgr.New()
	runs := 0
	inv := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		runs++
		return objmodel.FromInt64(99), nil
	})

	first := NewAwaitable()
	MemoizeCall(first, inv, 1, lm)
	v, err := awaitResult(t, first)
	if err != nil {
		t.Fatalf("first Result: %v", err)
	}
	if v.Int64 != 99 {
		t.Fatalf("first value = %d, want 99", v.Int64)
	}

	second := NewAwaitable()
	MemoizeCall(second, inv, 1, lm)
	v, err = awaitResult(t, second)
	if err != nil {
		t.Fatalf("second Result: %v", err)
	}
	if v.Int64 != 99 || runs != 1 {
		t.Fatalf("second value = %d (runs = %d), want 99 with 1 run", v.Int64, runs)
	}
}

func TestMemoizeCallThrowsCachedException(t *testing.T) {
	lm := lockmgr.New()
	inv := NewInvocation(&objmodel.IObj{}, func(ctx *Context) (objmodel.MemoValue, error) {
		panic("kaboom")
	})

	aw := NewAwaitable()
	MemoizeCall(aw, inv, 1, lm)
	if _, err := awaitResult(t, aw); err == nil {
		t.Fatal("expected a propagated exception")
	}
}

// awaitResult blocks until aw completes, since a memoize miss runs the
// body on its own goroutine.
func awaitResult(t *testing.T, aw *Awaitable) (objmodel.MemoValue, error) {
	t.Helper()
	done := make(chan struct{})
	var v objmodel.MemoValue
	var err error
	aw.Suspend(func(gotV objmodel.MemoValue, gotErr error) {
		v, err = gotV, gotErr
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("awaitable never completed")
	}
	return v, err
}
