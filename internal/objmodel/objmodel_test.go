package objmodel

import (
	"testing"

	"github.com/brooklang/coreruntime/internal/rtype"
	"github.com/brooklang/coreruntime/internal/tagptr"
)

func TestIsRefWord(t *testing.T) {
	ty := rtype.NewClass("Pair", 16, []int{1})
	o := &RObj{Type: ty, Data: make([]byte, 16), Refs: make([]*RObj, 2)}
	if o.IsRefWord(tagptr.StripeCollect, 0) {
		t.Error("word 0 should not be a reference")
	}
	if !o.IsRefWord(tagptr.StripeCollect, 1) {
		t.Error("word 1 should be a reference")
	}
}

func TestIObjOwnerFollowsDelegate(t *testing.T) {
	delegate := &IObj{}
	member := &IObj{Delegate: delegate}
	if member.Owner() != delegate {
		t.Error("Owner() should follow Delegate")
	}
	if delegate.Owner() != delegate {
		t.Error("a delegate's Owner() should be itself")
	}
}

func TestMemoValueEqual(t *testing.T) {
	a := FromInt64(7)
	b := FromInt64(7)
	c := FromInt64(8)
	if !a.Equal(b) {
		t.Error("equal int64 values should compare equal")
	}
	if a.Equal(c) {
		t.Error("different int64 values should not compare equal")
	}
	if a.Equal(FromString("7")) {
		t.Error("values of different kinds should never compare equal")
	}

	o := &IObj{}
	if !FromIObj(o).Equal(FromIObj(o)) {
		t.Error("same IObj pointer should compare equal")
	}
	if FromIObj(o).Equal(FromIObj(&IObj{})) {
		t.Error("different IObj pointers should not compare equal")
	}
}
