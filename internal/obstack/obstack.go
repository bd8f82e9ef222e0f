// Package obstack implements the per-thread bump-allocating heap: chunk
// list, note/collect checkpointing, pinned and large allocations,
// handles, and the copying collector. Rather than a TLS singleton, an
// Obstack is an explicit value any caller (a process, a worker, a
// test) can own and pass around.
package obstack

import (
	"fmt"
	"sync"

	"github.com/brooklang/coreruntime/internal/arena"
	"github.com/brooklang/coreruntime/internal/constants"
	"github.com/brooklang/coreruntime/internal/logging"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/pos"
	"github.com/brooklang/coreruntime/internal/rterr"
	"github.com/brooklang/coreruntime/internal/rtype"
	"github.com/brooklang/coreruntime/internal/tagptr"
)

// chunk is one bump-allocated slab. Chunks form a singly linked list,
// newest first; gen is this chunk's generation for Pos comparisons.
type chunk struct {
	buf  []byte
	gen  uint32
	bump int
	next *chunk
}

func (c *chunk) remaining() int { return len(c.buf) - c.bump }

// largeObj is a side-listed allocation that never moves; anchored
// separately from the chunk list so the collector can sweep it without
// copying.
type largeObj struct {
	obj  *objmodel.RObj
	pos  pos.Pos
	next *largeObj
}

// Handle is a GC root held across obstack operations: a doubly linked
// list node, so handles can be registered and unregistered in O(1).
type Handle struct {
	obj        *objmodel.RObj
	prev, next *Handle
}

// Obj returns the object the handle currently refers to. The pointer is
// stable across collections (objects are never moved in a way visible
// through a *RObj; the collector relocates the underlying Data slice in
// place instead), but the handle itself is only valid while registered.
func (h *Handle) Obj() *objmodel.RObj { return h.obj }

// AllocObserver receives per-allocation and per-collection metrics
// (optional); satisfied structurally by runtimemetrics.Observer, which
// this package does not import directly to avoid a leaf-to-root
// dependency.
type AllocObserver interface {
	ObserveAlloc(bytes uint64, large, pinned bool)
	ObserveCollect(freedBytes, survivorBytes uint64)
}

// InternRegistry is the subset of *intern.Interner an obstack needs to
// canonicalize and release objects, satisfied structurally so this
// package doesn't import internal/intern directly, the same
// leaf-dependency discipline
// AllocObserver above already follows.
type InternRegistry interface {
	Intern(obj *objmodel.RObj) (*objmodel.IObj, error)
	Release(o *objmodel.IObj)
}

// DecrefScheduler defers a decref until no locks are held,
// satisfied structurally by *lockmgr.LockManager.
type DecrefScheduler interface {
	QueueDecref(fn func())
}

// iobjRef is one entry of an obstack's iobj-ref map: the
// interned object this obstack currently holds one reference to, and
// the Pos the reference was taken at, used to decide during Collect
// whether that reference predates the collection floor (kept
// unconditionally) or was taken within the collected range (released).
type iobjRef struct {
	obj *objmodel.IObj
	at  pos.Pos
}

// Obstack is one thread's bump-allocating heap.
type Obstack struct {
	mu sync.Mutex

	ar  *arena.Arena
	log *logging.Logger
	obs AllocObserver

	interner InternRegistry
	locks    DecrefScheduler

	cur     *chunk
	nextGen uint32

	// chunkObjs is every chunk-resident (non-large) object this obstack
	// has allocated, used only by Collect to compute which of them
	// didn't survive a sweep; the chunk bytes themselves carry no object
	// index otherwise.
	chunkObjs []*objmodel.RObj

	large *largeObj

	// iobjRefs is the obstack's iobj-ref map: which
	// interned objects this obstack currently holds one reference to.
	iobjRefs []iobjRef

	handleSentinel Handle // circular sentinel; handleSentinel.next is the head

	// liveBytes/liveObjects are simple accounting counters surfaced via
	// runtimemetrics, updated on every allocation and corrected at each
	// Collect to reflect what actually survived.
	liveBytes   int64
	liveObjects int64
}

// New creates an obstack allocating chunks from ar.
func New(ar *arena.Arena) *Obstack {
	o := &Obstack{ar: ar, log: logging.Default().WithSubsystem("obstack")}
	o.handleSentinel.next = &o.handleSentinel
	o.handleSentinel.prev = &o.handleSentinel
	return o
}

// SetLogger installs l as the destination for this obstack's collect,
// large-allocation, and steal diagnostics. Passing nil reverts to the
// package default.
func (o *Obstack) SetLogger(l *logging.Logger) {
	if l == nil {
		l = logging.Default().WithSubsystem("obstack")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log = l
}

// SetObserver installs obs to receive this obstack's allocation and
// collection metrics. Passing nil disables observation.
func (o *Obstack) SetObserver(obs AllocObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs = obs
}

func (o *Obstack) observeAlloc(bytes uint64, large, pinned bool) {
	if o.obs != nil {
		o.obs.ObserveAlloc(bytes, large, pinned)
	}
}

// SetInterner installs reg as this obstack's intern table, enabling
// Intern and RegisterIObj. Passing nil disables both.
func (o *Obstack) SetInterner(reg InternRegistry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interner = reg
}

// SetLockManager installs locks as the deferred-decref queue a
// collection schedules iobj-ref releases through. Passing
// nil makes Collect release those references immediately instead of
// deferring them.
func (o *Obstack) SetLockManager(locks DecrefScheduler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locks = locks
}

// Pos returns the current bump position, usable as a later collect()'s
// floor or as a note() checkpoint.
func (o *Obstack) Pos() pos.Pos {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.posLocked()
}

func (o *Obstack) posLocked() pos.Pos {
	if o.cur == nil {
		return pos.Zero
	}
	return pos.New(o.cur.gen, uint32(o.cur.bump))
}

// Note is an alias of Pos kept for call sites that want to read as
// "note a checkpoint I will later collect() back to".
func (o *Obstack) Note() pos.Pos { return o.Pos() }

// ensureChunk guarantees o.cur has at least n bytes free, pulling a
// recycled chunk from the arena's free list first and falling back to a
// fresh Commit.
func (o *Obstack) ensureChunk(n int) error {
	if o.cur != nil && o.cur.remaining() >= n {
		return nil
	}
	size := constants.ChunkSize
	for size < n+constants.ChunkHeaderSize {
		size *= 2
	}
	buf, ok := o.ar.GetChunk(arena.KindObstack, size)
	if !ok {
		var err error
		buf, err = o.ar.Commit(arena.KindObstack, size)
		if err != nil {
			return rterr.Wrap("obstack.ensureChunk", rterr.CodeOutOfMemory, err)
		}
	}
	o.nextGen++
	o.cur = &chunk{buf: buf, gen: o.nextGen, next: o.cur}
	return nil
}

// alloc bump-allocates n raw bytes (not yet wrapped in an RObj) from the
// current chunk, 8-byte aligned.
func (o *Obstack) alloc(n int) ([]byte, pos.Pos, error) {
	aligned := (n + 7) &^ 7
	if err := o.ensureChunk(aligned); err != nil {
		return nil, pos.Zero, err
	}
	start := o.cur.bump
	o.cur.bump += aligned
	p := pos.New(o.cur.gen, uint32(start))
	return o.cur.buf[start : start+n : start+aligned], p, nil
}

// AllocObject bump-allocates a new object of ty from the current chunk.
// userBytes is the concrete payload size (equal to ty.UserByteSize for
// fixed-size types, or computed by the caller for arrays/strings).
func (o *Obstack) AllocObject(ty *rtype.Type, userBytes int) (*objmodel.RObj, error) {
	if ty == nil {
		return nil, rterr.New("obstack.AllocObject", rterr.CodeInvalidArgument, "nil type")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	data, p, err := o.alloc(userBytes)
	if err != nil {
		return nil, err
	}
	obj := &objmodel.RObj{
		Type:     ty,
		AllocPos: p,
		Data:     data,
		Refs:     make([]*objmodel.RObj, (userBytes+7)/8),
	}
	o.liveBytes += int64(userBytes)
	o.liveObjects++
	o.chunkObjs = append(o.chunkObjs, obj)
	if ty.OnStateChange != nil {
		ty.OnStateChange(obj, rtype.TransitionInitialize)
	}
	o.observeAlloc(uint64(userBytes), false, false)
	return obj, nil
}

// AllocPinned allocates an object that the collector must never move,
// even though it is otherwise chunk-resident bookkeeping-wise; it is
// recorded on the large-object side list exactly like a true large
// object, so it behaves like one for movement purposes.
func (o *Obstack) AllocPinned(ty *rtype.Type, userBytes int) (*objmodel.RObj, error) {
	obj, err := o.allocLarge(ty, userBytes, true)
	if err != nil {
		return nil, err
	}
	obj.Pinned = true
	return obj, nil
}

// allocLarge services both true large objects (over the threshold) and
// explicitly pinned small ones, via the arena directly so the bytes
// never live inside a movable chunk.
func (o *Obstack) allocLarge(ty *rtype.Type, userBytes int, pinned bool) (*objmodel.RObj, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, err := o.ar.Commit(arena.KindLarge, userBytes)
	if err != nil {
		return nil, rterr.Wrap("obstack.allocLarge", rterr.CodeOutOfMemory, err)
	}
	p := o.posLocked()
	obj := &objmodel.RObj{
		Type:     ty,
		AllocPos: p,
		Data:     buf,
		Refs:     make([]*objmodel.RObj, (userBytes+7)/8),
		Large:    true,
	}
	o.large = &largeObj{obj: obj, pos: p, next: o.large}
	o.liveBytes += int64(userBytes)
	o.liveObjects++
	if ty.OnStateChange != nil {
		ty.OnStateChange(obj, rtype.TransitionInitialize)
	}
	o.log.Debug("large alloc", "bytes", userBytes, "pinned", pinned, "type", ty.Name)
	o.observeAlloc(uint64(userBytes), true, pinned)
	return obj, nil
}

// Alloc is the general allocation entry point: objects over
// constants.LargeObjectThreshold are routed to the large-object list
// automatically.
func (o *Obstack) Alloc(ty *rtype.Type, userBytes int) (*objmodel.RObj, error) {
	if userBytes > constants.LargeObjectThreshold {
		return o.allocLarge(ty, userBytes, false)
	}
	return o.AllocObject(ty, userBytes)
}

// Calloc behaves like Alloc but zero-initializes the returned payload.
// This is not just a convenience: arena.GetChunk
// recycles chunks through a sync.Pool without zeroing them first, so a
// chunk-resident allocation can otherwise come back with whatever bytes
// its previous occupant left behind.
func (o *Obstack) Calloc(ty *rtype.Type, userBytes int) (*objmodel.RObj, error) {
	obj, err := o.Alloc(ty, userBytes)
	if err != nil {
		return nil, err
	}
	clear(obj.Data)
	return obj, nil
}

// ShallowClone allocates a mutable copy of obj in this obstack: payload
// bytes and reference slots are copied, children are shared, and the
// copy is never frozen even when obj is (shallow-cloning a frozen
// object is the one sanctioned way to get a mutable variant of it).
func (o *Obstack) ShallowClone(obj *objmodel.RObj) (*objmodel.RObj, error) {
	if obj == nil {
		return nil, rterr.New("obstack.ShallowClone", rterr.CodeInvalidArgument, "nil object")
	}
	out, err := o.Alloc(obj.Type, len(obj.Data))
	if err != nil {
		return nil, err
	}
	copy(out.Data, obj.Data)
	copy(out.Refs, obj.Refs)
	return out, nil
}

// Store writes ref into payload word idx of obj, the checked
// reference-slot write compiled field assignments lower to. Writing
// into a frozen object or a word the type's mask doesn't name as a
// reference slot is a caller bug, reported rather than silently done.
func (o *Obstack) Store(obj *objmodel.RObj, idx int, ref *objmodel.RObj) error {
	if obj == nil {
		return rterr.New("obstack.Store", rterr.CodeInvalidArgument, "nil object")
	}
	if obj.Frozen {
		return rterr.New("obstack.Store", rterr.CodeFrozenMutation, "store into frozen object")
	}
	if idx < 0 || idx >= len(obj.Refs) {
		return rterr.New("obstack.Store", rterr.CodeInvalidArgument, "ref slot index out of range")
	}
	if !obj.IsRefWord(tagptr.StripeCollect, idx) {
		return rterr.New("obstack.Store", rterr.CodeInvalidArgument, "word is not a reference slot")
	}
	obj.Refs[idx] = ref
	return nil
}

// VectorUnsafeSet writes ref into element slot idx of arr with no
// frozen or mask check; the compiler emits it only where it has already
// proven both. Out-of-range indices still panic: the Go slice bound
// stays as a last line of defense a raw pointer write would lack.
func (o *Obstack) VectorUnsafeSet(arr *objmodel.RObj, idx int, ref *objmodel.RObj) {
	arr.Refs[idx] = ref
}

// Usage reports how many bytes this obstack has allocated since since
//: the bump progress of every chunk younger than
// since, plus any large or pinned object allocated at or after it.
func (o *Obstack) Usage(since pos.Pos) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for c := o.cur; c != nil; c = c.next {
		if c.gen < since.Generation() {
			break
		}
		if c.gen == since.Generation() {
			n += int64(c.bump) - int64(since.Offset())
			break
		}
		n += int64(c.bump)
	}
	for lg := o.large; lg != nil; lg = lg.next {
		if lg.pos.AtLeast(since) {
			n += int64(len(lg.obj.Data))
		}
	}
	return n
}

// Intern canonicalizes obj through this obstack's registered interner
// and records the resulting reference in this obstack's iobj-ref map at
// the current Pos: the returned
// IObj is released, via the lock manager if one is registered, once the
// Pos this call happened at is collected away (collector step 4).
func (o *Obstack) Intern(obj *objmodel.RObj) (*objmodel.IObj, error) {
	o.mu.Lock()
	reg := o.interner
	at := o.posLocked()
	o.mu.Unlock()
	if reg == nil {
		return nil, rterr.New("obstack.Intern", rterr.CodeInvalidArgument, "obstack has no interner registered")
	}
	iobj, err := reg.Intern(obj)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.iobjRefs = append(o.iobjRefs, iobjRef{obj: iobj, at: at})
	o.mu.Unlock()
	return iobj, nil
}

// RegisterIObj records an already-canonical iobj as a root of this
// obstack without cloning it: the same
// iobj-ref bookkeeping as Intern, except the reference count is bumped
// directly since there is no fresh RObj to hash and canonicalize.
func (o *Obstack) RegisterIObj(iobj *objmodel.IObj) {
	iobj.Owner().Refcount.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.iobjRefs = append(o.iobjRefs, iobjRef{obj: iobj, at: o.posLocked()})
}

// NewHandle registers a GC root pinning obj alive across collections
// until Release is called. Handles are how a caller keeps a reference
// to an obstack object visible to the collector without that reference
// living inside another obstack object's Refs slice.
func (o *Obstack) NewHandle(obj *objmodel.RObj) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &Handle{obj: obj}
	h.next = o.handleSentinel.next
	h.prev = &o.handleSentinel
	o.handleSentinel.next.prev = h
	o.handleSentinel.next = h
	return h
}

// Release unregisters a handle. It is safe to call at most once.
func (o *Obstack) Release(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h.prev.next = h.next
	h.next.prev = h.prev
	h.prev, h.next = nil, nil
}

// HandleCount reports the number of currently registered handles, used
// by a Process's drainEverythingSleepingIfNecessary to
// decide whether any GC root might still produce more posted tasks.
func (o *Obstack) HandleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for h := o.handleSentinel.next; h != &o.handleSentinel; h = h.next {
		n++
	}
	return n
}

func (o *Obstack) handles() []*objmodel.RObj {
	var roots []*objmodel.RObj
	for h := o.handleSentinel.next; h != &o.handleSentinel; h = h.next {
		roots = append(roots, h.obj)
	}
	return roots
}

// Collect runs the copying collector: everything allocated at or after
// floor that is reachable from roots (plus all registered handles and
// the entire large-object list, which never moves) survives; chunk
// memory allocated after floor that is now garbage is returned to the
// arena's free list. Objects allocated before floor are assumed to be
// live ambient state and are left untouched, matching note()/collect()
// bracketing semantics:
//  1. Seed the worklist with roots, handles, and the large-object list.
//  2. Walk the reference graph, copying each newly discovered, movable
//     survivor's Data into a fresh chunk build up for this collection.
//  3. Large/pinned objects are swept in place, never copied.
//  4. Rewrite each processed object's Refs in place (identities are
//     stable; only the bytes move).
//  5. Splice the freshly built chunk list in as the new tail beyond
//     floor, returning the old post-floor chunks to the arena.
//  6. Advance the generation counter so future Pos values compare
//     correctly against the just-collected range.
func (o *Obstack) Collect(floor pos.Pos, roots ...*objmodel.RObj) {
	o.mu.Lock()
	defer o.mu.Unlock()

	worklist := append([]*objmodel.RObj{}, roots...)
	worklist = append(worklist, o.handles()...)

	visited := make(map[*objmodel.RObj]bool)
	var newChunks *chunk
	gen := o.nextGen + 1

	copyInto := func(obj *objmodel.RObj) {
		if obj.Large || obj.Pinned || obj.AllocPos.Less(floor) {
			return // swept in place, not relocated
		}
		if newChunks == nil || newChunks.remaining() < len(obj.Data) {
			size := constants.ChunkSize
			for size < len(obj.Data)+constants.ChunkHeaderSize {
				size *= 2
			}
			buf, ok := o.ar.GetChunk(arena.KindObstack, size)
			if !ok {
				var err error
				buf, err = o.ar.Commit(arena.KindObstack, size)
				if err != nil {
					// Out of memory mid-collection is unrecoverable here;
					// the caller already budgeted for this collection.
					panic(fmt.Sprintf("obstack: collect out of memory: %v", err))
				}
			}
			gen++
			newChunks = &chunk{buf: buf, gen: gen, next: newChunks}
		}
		start := newChunks.bump
		n := copy(newChunks.buf[start:], obj.Data)
		newChunks.bump += (n + 7) &^ 7
		obj.Data = newChunks.buf[start : start+n : start+n]
		obj.AllocPos = pos.New(newChunks.gen, uint32(start))
	}

	var survivorBytes int64
	for len(worklist) > 0 {
		obj := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if obj == nil || visited[obj] {
			continue
		}
		visited[obj] = true
		survivorBytes += int64(len(obj.Data))
		copyInto(obj)
		for _, ref := range obj.Refs {
			if ref != nil && !visited[ref] {
				worklist = append(worklist, ref)
			}
		}
	}

	// Recycle every post-floor chunk that wasn't reused as a newChunks
	// destination: walk the old chunk list down to (but not including)
	// the chunk floor.Generation() belongs to, returning each to the
	// arena free list.
	var freedBytes int64
	for c := o.cur; c != nil && c.gen > floor.Generation(); c = c.next {
		freedBytes += int64(c.bump)
		o.ar.PutChunk(c.buf[:cap(c.buf)])
	}
	var floorChunk *chunk
	for c := o.cur; c != nil; c = c.next {
		if c.gen == floor.Generation() {
			floorChunk = c
			break
		}
	}
	if newChunks != nil {
		tail := newChunks
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = floorChunk
		o.cur = newChunks
	} else {
		o.cur = floorChunk
	}
	o.nextGen = gen

	// Sweep large objects: any not visited during this pass and
	// allocated after floor is garbage.
	var keep *largeObj
	for lg := o.large; lg != nil; lg = lg.next {
		if lg.pos.Less(floor) || visited[lg.obj] {
			lg.next = keep
			keep = lg
		} else {
			freedBytes += int64(len(lg.obj.Data))
			o.liveBytes -= int64(len(lg.obj.Data))
			o.liveObjects--
			if lg.obj.Type != nil && lg.obj.Type.OnStateChange != nil {
				lg.obj.Type.OnStateChange(lg.obj, rtype.TransitionFinalize)
			}
		}
	}
	o.large = keep

	// Sweep chunk-resident objects: anything allocated after floor that
	// wasn't reached by this pass is garbage whose bytes were just
	// returned to the arena above, so its contribution to the accounting
	// counters must be removed too.
	keptObjs := o.chunkObjs[:0]
	for _, obj := range o.chunkObjs {
		if obj.AllocPos.Less(floor) || visited[obj] {
			keptObjs = append(keptObjs, obj)
			continue
		}
		o.liveBytes -= int64(len(obj.Data))
		o.liveObjects--
		if obj.Type != nil && obj.Type.OnStateChange != nil {
			obj.Type.OnStateChange(obj, rtype.TransitionFinalize)
		}
	}
	o.chunkObjs = keptObjs

	// Release this obstack's iobj-ref map entries that fall within the
	// collected range: a reference taken
	// before floor predates this collection and is left alone, but one
	// taken at or after floor belonged only to the range just reclaimed
	// and must be decremented, deferred through the lock manager if one
	// is registered so the decref never runs while a lock is held.
	keptRefs := o.iobjRefs[:0]
	for _, ref := range o.iobjRefs {
		if ref.at.Less(floor) {
			keptRefs = append(keptRefs, ref)
			continue
		}
		reg, locks := o.interner, o.locks
		iobj := ref.obj
		if reg == nil {
			continue
		}
		if locks != nil {
			locks.QueueDecref(func() { reg.Release(iobj) })
		} else {
			reg.Release(iobj)
		}
	}
	o.iobjRefs = keptRefs

	o.log.Debug("collect", "freedBytes", freedBytes, "survivorBytes", survivorBytes, "roots", len(roots))
	if o.obs != nil {
		o.obs.ObserveCollect(uint64(freedBytes), uint64(survivorBytes))
	}
}

// Freeze produces a deeply immutable copy of obj: every reachable
// non-frozen object is duplicated (frozen objects already reachable are
// shared, not copied again), and the Frozen bit is set throughout the
// copy. Cycles in the input graph are reproduced in the copy via the
// working original-to-copy map, so freezing a cyclic structure
// terminates and yields an isomorphic frozen cycle. Freeze is
// idempotent: a root that is already frozen is returned as-is with no
// allocation.
func (o *Obstack) Freeze(obj *objmodel.RObj) *objmodel.RObj {
	if obj == nil {
		return nil
	}
	copies := make(map[*objmodel.RObj]*objmodel.RObj)
	var walk func(*objmodel.RObj) *objmodel.RObj
	walk = func(src *objmodel.RObj) *objmodel.RObj {
		if src.Frozen {
			return src
		}
		if c, ok := copies[src]; ok {
			return c
		}
		dst := &objmodel.RObj{
			Type:     src.Type,
			AllocPos: src.AllocPos,
			Data:     append([]byte(nil), src.Data...),
			Refs:     make([]*objmodel.RObj, len(src.Refs)),
			Large:    src.Large,
			Pinned:   src.Pinned,
			Frozen:   true,
		}
		copies[src] = dst
		for i, ref := range src.Refs {
			if ref != nil {
				dst.Refs[i] = walk(ref)
			}
		}
		return dst
	}
	return walk(obj)
}

// LiveStats reports the obstack's current accounting counters, surfaced
// by runtimemetrics.
func (o *Obstack) LiveStats() (bytes, objects int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveBytes, o.liveObjects
}

// StealFrom migrates src's chunks, large objects, and handles into o,
// used by a Process's JoinChild. Stolen chunks are relabeled at a generation strictly
// older than any of o's own future allocations, so existing Pos values
// recorded against o still compare correctly against the newly
// inherited range; src is left empty and unusable afterward.
//
// Handles are relinked into o's own doubly linked list; any handle
// whose owner field a concurrent cross-thread Post still observes as
// src must be safe to use throughout, since the caller is required to
// hold src's process in the dead state (no further posts accepted)
// before calling StealFrom.
func (o *Obstack) StealFrom(src *Obstack) {
	if src == nil || src == o {
		return
	}
	src.mu.Lock()
	srcChunks := src.cur
	srcLarge := src.large
	srcBytes, srcObjects := src.liveBytes, src.liveObjects
	srcChunkObjs := src.chunkObjs
	srcIobjRefs := src.iobjRefs
	var srcHandles []*Handle
	for h := src.handleSentinel.next; h != &src.handleSentinel; h = h.next {
		srcHandles = append(srcHandles, h)
	}
	src.cur = nil
	src.large = nil
	src.chunkObjs = nil
	src.iobjRefs = nil
	src.handleSentinel.next = &src.handleSentinel
	src.handleSentinel.prev = &src.handleSentinel
	src.liveBytes, src.liveObjects = 0, 0
	src.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()

	stolenGen := o.nextGen
	o.nextGen++
	for c := srcChunks; c != nil; c = c.next {
		c.gen = stolenGen
		if c.next == nil {
			c.next = o.cur
			o.cur = srcChunks
			break
		}
	}

	if srcLarge != nil {
		tail := srcLarge
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = o.large
		o.large = srcLarge
	}

	for _, h := range srcHandles {
		h.next = o.handleSentinel.next
		h.prev = &o.handleSentinel
		o.handleSentinel.next.prev = h
		o.handleSentinel.next = h
	}

	o.liveBytes += srcBytes
	o.liveObjects += srcObjects
	o.chunkObjs = append(o.chunkObjs, srcChunkObjs...)
	o.iobjRefs = append(o.iobjRefs, srcIobjRefs...)

	o.log.Debug("steal", "bytes", srcBytes, "objects", srcObjects, "handles", len(srcHandles))
}
