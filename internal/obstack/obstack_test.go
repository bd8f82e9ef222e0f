package obstack

import (
	"bytes"
	"strings"
	"testing"

	"github.com/brooklang/coreruntime/internal/arena"
	"github.com/brooklang/coreruntime/internal/constants"
	"github.com/brooklang/coreruntime/internal/intern"
	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/logging"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/pos"
	"github.com/brooklang/coreruntime/internal/rtype"
)

func newTestObstack(t *testing.T) *Obstack {
	t.Helper()
	ar, err := arena.NewSized(32 * constants.ChunkSize)
	if err != nil {
		t.Fatalf("arena.NewSized failed: %v", err)
	}
	t.Cleanup(func() { _ = ar.Close() })
	return New(ar)
}

func TestAllocObjectPayloadPreserved(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Pair", 16, nil)
	obj, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(obj.Data, []byte{1, 2, 3, 4})
	if obj.Data[0] != 1 || obj.Data[3] != 4 {
		t.Error("payload bytes not preserved across write")
	}
}

func TestCollectSurvivorReachableFromRoot(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, []int{0})
	floor := o.Note()

	child, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject(child) failed: %v", err)
	}
	copy(child.Data, []byte{9, 9, 9, 9, 9, 9, 9, 9})

	parent, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject(parent) failed: %v", err)
	}
	parent.Refs[0] = child

	o.Collect(floor, parent)

	if parent.Refs[0] != child {
		t.Fatal("child reference lost across collection")
	}
	for i, b := range child.Data {
		if b != 9 {
			t.Fatalf("child byte %d corrupted after collection: %v", i, child.Data)
		}
	}
}

func TestCollectReclaimsUnreachable(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, nil)
	floor := o.Note()

	_, err := o.AllocObject(ty, 8) // garbage: never rooted
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	survivor, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}

	bytesBefore, objsBefore := o.LiveStats()
	o.Collect(floor, survivor)
	bytesAfter, objsAfter := o.LiveStats()
	if objsAfter != objsBefore-1 {
		t.Errorf("accounting objects = %d, want %d (one unreachable object reclaimed)", objsAfter, objsBefore-1)
	}
	if bytesAfter != bytesBefore-8 {
		t.Errorf("accounting bytes = %d, want %d (8 bytes reclaimed)", bytesAfter, bytesBefore-8)
	}
}

func TestHandleKeepsObjectRooted(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, nil)
	floor := o.Note()

	obj, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(obj.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	h := o.NewHandle(obj)
	defer o.Release(h)

	o.Collect(floor)

	if h.Obj() != obj {
		t.Fatal("handle target changed identity")
	}
	for i, b := range h.Obj().Data {
		if b != byte(i+1) {
			t.Fatalf("handle-rooted object corrupted: %v", h.Obj().Data)
		}
	}
}

func TestAllocOverThresholdGoesToLargeList(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Big", constants.LargeObjectThreshold+8, nil)
	obj, err := o.Alloc(ty, constants.LargeObjectThreshold+8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if !obj.Large {
		t.Error("object over the large-object threshold should be marked Large")
	}
}

func TestPinnedObjectNeverRelocates(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Pinned", 8, nil)
	floor := o.Note()

	obj, err := o.AllocPinned(ty, 8)
	if err != nil {
		t.Fatalf("AllocPinned failed: %v", err)
	}
	dataPtr := &obj.Data[0]

	o.Collect(floor, obj)

	if &obj.Data[0] != dataPtr {
		t.Error("pinned object's backing bytes were relocated")
	}
}

func TestFreezeProducesImmutableCopy(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, []int{0})

	child, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(child.Data, []byte{1, 1, 1, 1, 1, 1, 1, 1})
	parent, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	parent.Refs[0] = child

	frozen := o.Freeze(parent)
	if frozen == parent {
		t.Fatal("Freeze should produce a distinct copy for a mutable source")
	}
	if !frozen.Frozen {
		t.Error("frozen copy should carry the Frozen bit")
	}
	if frozen.Refs[0] == child {
		t.Error("frozen copy's child should also be a fresh copy, not the mutable original")
	}
	if !frozen.Refs[0].Frozen {
		t.Error("transitively reached object should be frozen too")
	}

	// Freezing an already-frozen object is a no-op sharing identity.
	if o.Freeze(frozen) != frozen {
		t.Error("re-freezing a frozen object should return it unchanged")
	}
}

func TestStealFromMigratesChunksLargeAndHandles(t *testing.T) {
	dst := newTestObstack(t)
	src := newTestObstack(t)

	ty := rtype.NewClass("Box", 8, []int{0})
	obj, err := src.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(obj.Data, []byte{9, 9, 9, 9, 9, 9, 9, 9})

	big, err := src.allocLarge(ty, 8, false)
	if err != nil {
		t.Fatalf("allocLarge failed: %v", err)
	}

	h := src.NewHandle(obj)

	dst.StealFrom(src)

	if dst.HandleCount() != 1 {
		t.Fatalf("dst.HandleCount() = %d, want 1", dst.HandleCount())
	}
	if h.Obj() != obj {
		t.Fatalf("handle payload changed after steal")
	}
	found := false
	for lg := dst.large; lg != nil; lg = lg.next {
		if lg.obj == big {
			found = true
		}
	}
	if !found {
		t.Fatal("large object not migrated to dst")
	}
	if src.HandleCount() != 0 {
		t.Fatalf("src.HandleCount() = %d, want 0 after steal", src.HandleCount())
	}
}

func TestInternRegistersIobjRefAndSchedulesDecrefOnCollect(t *testing.T) {
	o := newTestObstack(t)
	o.SetInterner(intern.New())
	lm := lockmgr.New()
	o.SetLockManager(lm)

	ty := rtype.NewClass("Box", 8, nil)
	floor := o.Note()

	obj, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(obj.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	iobj, err := o.Intern(obj)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	if iobj.Owner().Refcount.Load() != 1 {
		t.Fatalf("fresh intern refcount = %d, want 1", iobj.Owner().Refcount.Load())
	}

	o.Collect(floor) // no roots: the iobj-ref itself is the only thing keeping obj interned
	if iobj.Owner().Refcount.Load() != 0 {
		t.Errorf("refcount after collect = %d, want 0 once the obstack's iobj-ref is released", iobj.Owner().Refcount.Load())
	}
}

func TestRegisterIObjAddsReferenceReleasedOnCollect(t *testing.T) {
	o := newTestObstack(t)
	in := intern.New()
	o.SetInterner(in)

	ty := rtype.NewClass("Box", 8, nil)
	seed, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	iobj, err := in.Intern(seed)
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}

	floor := o.Note()
	o.RegisterIObj(iobj)
	if iobj.Owner().Refcount.Load() != 2 {
		t.Fatalf("refcount after RegisterIObj = %d, want 2", iobj.Owner().Refcount.Load())
	}

	o.Collect(floor)
	if iobj.Owner().Refcount.Load() != 1 {
		t.Errorf("refcount after collect = %d, want 1 (only the original Intern reference remains)", iobj.Owner().Refcount.Load())
	}
}

func TestCallocZeroesRecycledChunkBytes(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, nil)
	floor := o.Note()

	dirty, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	copy(dirty.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	o.Collect(floor) // reclaims the unreachable chunk, recycling it through the arena pool

	obj, err := o.Calloc(ty, 8)
	if err != nil {
		t.Fatalf("Calloc failed: %v", err)
	}
	for i, b := range obj.Data {
		if b != 0 {
			t.Fatalf("Calloc byte %d = %d, want 0 (recycled chunk bytes not cleared)", i, b)
		}
	}
}

func TestUsageReportsBytesAllocatedSinceNote(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 8, nil)

	if _, err := o.AllocObject(ty, 8); err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	mark := o.Note()
	if u := o.Usage(mark); u != 0 {
		t.Fatalf("Usage(mark) = %d, want 0 immediately after the mark", u)
	}

	if _, err := o.AllocObject(ty, 8); err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	if _, err := o.AllocObject(ty, 16); err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}

	if u := o.Usage(mark); u != 24 {
		t.Fatalf("Usage(mark) = %d, want 24", u)
	}
}

// Ten objects of fixed sizes, a note after the third, five more small
// allocations, then a collect keeping only the fourth object rooted:
// the fourth survives with its payload intact and everything else
// allocated after the note is reclaimed.
func TestNoteCollectKeepsOnlyRootedAllocations(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Box", 0, nil)

	sizes := []int{8, 24, 72, 512, 16384, 32, 32, 32, 32, 32}
	objs := make([]*objmodel.RObj, 0, len(sizes)+5)
	var p1 pos.Pos
	for i, n := range sizes {
		obj, err := o.Alloc(ty, n)
		if err != nil {
			t.Fatalf("Alloc(%d bytes) failed: %v", n, err)
		}
		for j := range obj.Data {
			obj.Data[j] = byte(i)
		}
		objs = append(objs, obj)
		if i == 2 {
			p1 = o.Note()
		}
	}
	for i := 0; i < 5; i++ {
		obj, err := o.Alloc(ty, 32)
		if err != nil {
			t.Fatalf("Alloc(extra %d) failed: %v", i, err)
		}
		objs = append(objs, obj)
	}

	bytesBefore, objsBefore := o.LiveStats()
	o.Collect(p1, objs[3])
	bytesAfter, objsAfter := o.LiveStats()

	for j, b := range objs[3].Data {
		if b != 3 {
			t.Fatalf("rooted object byte %d = %d, want 3", j, b)
		}
	}
	// Reclaimed: objects 5-10 plus the five extras; object 4 survives.
	wantObjs := objsBefore - 11
	if objsAfter != wantObjs {
		t.Errorf("live objects = %d, want %d", objsAfter, wantObjs)
	}
	wantBytes := bytesBefore - (16384 + 10*32)
	if bytesAfter != wantBytes {
		t.Errorf("live bytes = %d, want %d", bytesAfter, wantBytes)
	}
}

// Freezing the root of a two-object cycle terminates, freezes both, and
// reproduces the cycle in the copy.
func TestFreezeReproducesCycle(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Node", 8, []int{0})

	a, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject(a) failed: %v", err)
	}
	b, err := o.AllocObject(ty, 8)
	if err != nil {
		t.Fatalf("AllocObject(b) failed: %v", err)
	}
	a.Refs[0] = b
	b.Refs[0] = a

	fa := o.Freeze(a)
	if fa == a {
		t.Fatal("freeze of a mutable object should copy, not alias")
	}
	fb := fa.Refs[0]
	if fb == nil || !fa.Frozen || !fb.Frozen {
		t.Fatal("both cycle members should be frozen copies")
	}
	if fb.Refs[0] != fa {
		t.Fatal("cycle not reproduced in the frozen copy")
	}
	if o.Freeze(fa) != fa {
		t.Fatal("freeze of an already-frozen root should return it unchanged")
	}
}

func TestShallowCloneCopiesPayloadAndSharesChildren(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Pair", 16, []int{1})

	child, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject(child) failed: %v", err)
	}
	orig, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject(orig) failed: %v", err)
	}
	copy(orig.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	orig.Refs[1] = child
	orig.Frozen = true

	clone, err := o.ShallowClone(orig)
	if err != nil {
		t.Fatalf("ShallowClone failed: %v", err)
	}
	if clone == orig {
		t.Fatal("clone should be a distinct object")
	}
	if clone.Frozen {
		t.Fatal("clone should be mutable even when the original is frozen")
	}
	if clone.Refs[1] != child {
		t.Fatal("clone should share the original's children")
	}
	clone.Data[0] = 99
	if orig.Data[0] != 1 {
		t.Fatal("mutating the clone leaked into the original's payload")
	}
}

func TestStoreChecksFrozenAndMask(t *testing.T) {
	o := newTestObstack(t)
	ty := rtype.NewClass("Pair", 16, []int{0})

	obj, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	ref, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject(ref) failed: %v", err)
	}

	if err := o.Store(obj, 0, ref); err != nil {
		t.Fatalf("Store into a reference slot failed: %v", err)
	}
	if obj.Refs[0] != ref {
		t.Fatal("Store did not write the reference slot")
	}
	if err := o.Store(obj, 1, ref); err == nil {
		t.Fatal("Store into a non-reference word should fail")
	}
	obj.Frozen = true
	if err := o.Store(obj, 0, nil); err == nil {
		t.Fatal("Store into a frozen object should fail")
	}

	arr, err := o.AllocObject(ty, 16)
	if err != nil {
		t.Fatalf("AllocObject(arr) failed: %v", err)
	}
	o.VectorUnsafeSet(arr, 1, ref)
	if arr.Refs[1] != ref {
		t.Fatal("VectorUnsafeSet did not write the slot")
	}
}

// A logger installed via SetLogger receives the obstack's collect and
// large-allocation diagnostics.
func TestSetLoggerReceivesDiagnostics(t *testing.T) {
	o := newTestObstack(t)
	var buf bytes.Buffer
	o.SetLogger(logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf}).WithSubsystem("obstack"))

	ty := rtype.NewClass("Box", 8, nil)
	floor := o.Note()
	if _, err := o.AllocObject(ty, 8); err != nil {
		t.Fatalf("AllocObject failed: %v", err)
	}
	if _, err := o.AllocPinned(ty, 8); err != nil {
		t.Fatalf("AllocPinned failed: %v", err)
	}
	o.Collect(floor)

	output := buf.String()
	for _, want := range []string{"large alloc", "collect", "subsystem=obstack"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in diagnostics, got: %s", want, output)
		}
	}
}
