package intern

import (
	"testing"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/rtype"
)

func TestInternDedupsIdenticalObjects(t *testing.T) {
	in := New()
	ty := rtype.NewClass("Box", 8, nil)

	a := &objmodel.RObj{Type: ty, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Refs: make([]*objmodel.RObj, 1)}
	b := &objmodel.RObj{Type: ty, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Refs: make([]*objmodel.RObj, 1)}

	ia, err := in.Intern(a)
	if err != nil {
		t.Fatalf("Intern(a) failed: %v", err)
	}
	ib, err := in.Intern(b)
	if err != nil {
		t.Fatalf("Intern(b) failed: %v", err)
	}
	if ia != ib {
		t.Fatal("structurally identical objects should intern to the same IObj")
	}
	if ia.Refcount.Load() != 2 {
		t.Errorf("Refcount = %d, want 2", ia.Refcount.Load())
	}
}

func TestInternDistinguishesDifferentBytes(t *testing.T) {
	in := New()
	ty := rtype.NewClass("Box", 8, nil)

	a := &objmodel.RObj{Type: ty, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}}
	b := &objmodel.RObj{Type: ty, Data: []byte{2, 0, 0, 0, 0, 0, 0, 0}}

	ia, _ := in.Intern(a)
	ib, _ := in.Intern(b)
	if ia == ib {
		t.Fatal("objects with different payload bytes should not share an IObj")
	}
}

func TestInternReusesAlreadyCanonicalChild(t *testing.T) {
	in := New()
	leafTy := rtype.NewClass("Leaf", 8, nil)
	parentTy := rtype.NewClass("Parent", 8, []int{0})

	leaf := &objmodel.RObj{Type: leafTy, Data: []byte{9, 9, 9, 9, 9, 9, 9, 9}}
	ileaf, err := in.Intern(leaf)
	if err != nil {
		t.Fatalf("Intern(leaf) failed: %v", err)
	}

	p1 := &objmodel.RObj{Type: parentTy, Data: make([]byte, 8), Refs: []*objmodel.RObj{&ileaf.RObj}}
	p2 := &objmodel.RObj{Type: parentTy, Data: make([]byte, 8), Refs: []*objmodel.RObj{&ileaf.RObj}}

	ip1, _ := in.Intern(p1)
	ip2, _ := in.Intern(p2)
	if ip1 != ip2 {
		t.Fatal("parents pointing at the same canonical leaf should dedup")
	}
	if ileaf.Refcount.Load() != 1 {
		t.Errorf("leaf Refcount = %d, want 1 (only directly interned once)", ileaf.Refcount.Load())
	}
}

func TestInternCycleSharesDelegate(t *testing.T) {
	in := New()
	ty := rtype.NewClass("Node", 8, []int{0})

	a := &objmodel.RObj{Type: ty, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}, Refs: make([]*objmodel.RObj, 1)}
	b := &objmodel.RObj{Type: ty, Data: []byte{2, 0, 0, 0, 0, 0, 0, 0}, Refs: make([]*objmodel.RObj, 1)}
	a.Refs[0] = b
	b.Refs[0] = a

	ia, err := in.Intern(a)
	if err != nil {
		t.Fatalf("Intern(a) failed: %v", err)
	}
	ib, err := in.Intern(b)
	if err != nil {
		t.Fatalf("Intern(b) failed: %v", err)
	}
	if ia == ib {
		t.Fatal("distinct cycle members should remain distinct objects")
	}
	if ia.Owner() != ib.Owner() {
		t.Fatal("cycle members should share one delegate")
	}
	if ia.Owner().Refcount.Load() != 2 {
		t.Errorf("delegate Refcount = %d, want 2 (one per Intern call)", ia.Owner().Refcount.Load())
	}
}

func TestReleaseAndDrainRemovesFromTable(t *testing.T) {
	in := New()
	ty := rtype.NewClass("Box", 8, nil)

	a := &objmodel.RObj{Type: ty, Data: []byte{5, 5, 5, 5, 5, 5, 5, 5}}
	ia, err := in.Intern(a)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	in.Release(ia)
	in.Drain()

	b := &objmodel.RObj{Type: ty, Data: []byte{5, 5, 5, 5, 5, 5, 5, 5}}
	ib, err := in.Intern(b)
	if err != nil {
		t.Fatalf("Intern(b) failed: %v", err)
	}
	if ib == ia {
		t.Error("a finalized entry should not be handed back out by a later Intern")
	}
	if ib.Refcount.Load() != 1 {
		t.Errorf("fresh entry Refcount = %d, want 1", ib.Refcount.Load())
	}
}

// Interning the root of a mutual two-object cycle hands out one
// reference on a single delegate; dropping it finalizes both members as
// one unit.
func TestInternCycleRootOnceThenReleaseFinalizesWholeComponent(t *testing.T) {
	in := New()
	var finalized int
	ty := rtype.NewClass("Node", 8, []int{0})
	ty.OnStateChange = func(obj any, tr rtype.Transition) {
		if tr == rtype.TransitionFinalize {
			finalized++
		}
	}

	a := &objmodel.RObj{Type: ty, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}, Refs: make([]*objmodel.RObj, 1)}
	b := &objmodel.RObj{Type: ty, Data: []byte{2, 0, 0, 0, 0, 0, 0, 0}, Refs: make([]*objmodel.RObj, 1)}
	a.Refs[0] = b
	b.Refs[0] = a

	ia, err := in.Intern(a)
	if err != nil {
		t.Fatalf("Intern(a) failed: %v", err)
	}
	if ia.Owner().Refcount.Load() != 1 {
		t.Fatalf("combined refcount = %d, want 1 after a single intern of the root", ia.Owner().Refcount.Load())
	}

	in.Release(ia)
	in.Drain()
	if finalized != 2 {
		t.Fatalf("finalized %d members, want 2 (the whole component)", finalized)
	}
}
