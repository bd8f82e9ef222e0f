// Package arena reserves one contiguous virtual address range up front
// and classifies any address within it in O(1) via a two-level table
// indexed by high address bits. It also recycles
// fixed-size chunks through size-bucketed free lists (a *[]byte
// sync.Pool per power-of-two size bucket) so that obstack chunk churn
// doesn't hit the host allocator on every collection.
package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/brooklang/coreruntime/internal/constants"
)

// Kind is the classification returned for any address inside the arena,
// or for addresses the arena has never seen.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindObstack
	KindIObj
	KindLarge
)

func (k Kind) String() string {
	switch k {
	case KindObstack:
		return "obstack"
	case KindIObj:
		return "iobj"
	case KindLarge:
		return "large"
	default:
		return "unknown"
	}
}

// level2Shift is the granularity of classification: every address is
// rounded down to a chunk boundary before being recorded, since nothing
// finer-grained than one chunk is ever reassigned a different kind.
const level2Shift = 14 // 16 KiB, matches constants.ChunkSize

// level1Shift buckets the address space into spans large enough that a
// single contiguous mmap reservation touches only one or two buckets.
const level1Shift = 30 // 1 GiB

// Arena owns one mmap'd region and the KindMapper describing it.
type Arena struct {
	mu       sync.RWMutex
	base     uintptr
	size     uintptr
	mem      []byte
	bump     uintptr // next unused byte offset from base
	level1   map[uintptr]*level2Table
	freeList [numBuckets]sync.Pool
}

type level2Table struct {
	kinds []Kind
}

// Default reservation size: generous enough for tests and demos without
// committing real memory eagerly (mmap with MAP_NORESERVE-like behavior
// relies on the OS not backing pages until touched).
const defaultReserveSize = 256 << 20 // 256 MiB of address space

// New reserves a fresh arena. The reservation is address space only;
// physical pages are committed lazily by the OS as chunks are touched.
func New() (*Arena, error) {
	return NewSized(defaultReserveSize)
}

// NewSized reserves an arena of the given size in bytes, rounded up to
// the page size.
func NewSized(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: size must be positive")
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap failed: %w", err)
	}
	a := &Arena{
		base:   uintptr(unsafe.Pointer(&mem[0])),
		size:   uintptr(len(mem)),
		mem:    mem,
		level1: make(map[uintptr]*level2Table),
	}
	// Pool.New intentionally left nil: a miss means "no recycled chunk of
	// this size", and the caller must Commit a fresh one from the
	// reservation. Unlike a buffer pool happy to fabricate a new Go-heap
	// slice on a miss, chunks here must stay inside the arena's address
	// range so KindOf keeps working.
	return a, nil
}

// Close releases the reserved region. No outstanding pointer into the
// arena may be used afterward.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Bytes returns the full backing slice, for callers (the obstack) that
// need to carve chunks out of it directly.
func (a *Arena) Bytes() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mem
}

// Base returns the arena's starting address.
func (a *Arena) Base() uintptr { return a.base }

// Commit bump-allocates n bytes from the tail of the reservation and
// marks them with kind in the KindMapper. Used for large/pinned objects
// and for obstack chunks with no recycled chunk available.
func (a *Arena) Commit(kind Kind, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	aligned := alignUp(uintptr(n), constants.ObjectAlignment)
	if a.bump+aligned > a.size {
		return nil, fmt.Errorf("arena: out of reserved address space (requested %d, remaining %d)", n, a.size-a.bump)
	}
	start := a.bump
	a.bump += aligned
	a.setKindLocked(a.base+start, aligned, kind)
	return a.mem[start : start+uintptr(n) : start+aligned], nil
}

// KindOf classifies an address in O(1). Addresses never seen by this
// arena (including ordinary Go-heap addresses) report KindUnknown.
func (a *Arena) KindOf(addr uintptr) Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if addr < a.base || addr >= a.base+a.size {
		return KindUnknown
	}
	l1 := addr >> level1Shift
	tbl := a.level1[l1]
	if tbl == nil {
		return KindUnknown
	}
	idx := (addr >> level2Shift) & ((1 << (level1Shift - level2Shift)) - 1)
	if int(idx) >= len(tbl.kinds) {
		return KindUnknown
	}
	return tbl.kinds[idx]
}

// SetMemoryKind marks every chunk-granular slot covering [addr, addr+n)
// with kind. Exposed for the obstack to reclassify a chunk (e.g. when a
// recycled chunk switches from free back to KindObstack).
func (a *Arena) SetMemoryKind(addr uintptr, n int, kind Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setKindLocked(addr, uintptr(n), kind)
}

func (a *Arena) setKindLocked(addr uintptr, n uintptr, kind Kind) {
	end := addr + n
	for cur := addr &^ ((1 << level2Shift) - 1); cur < end; cur += (1 << level2Shift) {
		l1 := cur >> level1Shift
		tbl := a.level1[l1]
		if tbl == nil {
			tbl = &level2Table{kinds: make([]Kind, 1<<(level1Shift-level2Shift))}
			a.level1[l1] = tbl
		}
		idx := (cur >> level2Shift) & ((1 << (level1Shift - level2Shift)) - 1)
		tbl.kinds[idx] = kind
	}
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// numBuckets covers the handful of fixed chunk sizes obstacks recycle:
// the standard obstack chunk and a few large-object size classes, using
// a size-bucketed sync.Pool keyed on the obstack's own chunk size
// instead of I/O buffer sizes.
const numBuckets = 4

func bucketSize(i int) int {
	return constants.ChunkSize << i
}

func bucketIndex(n int) (int, bool) {
	for i := 0; i < numBuckets; i++ {
		if n == bucketSize(i) {
			return i, true
		}
	}
	return 0, false
}

// GetChunk returns a previously recycled, already-classified chunk of
// exactly n bytes if one is available. ok is false if the pool was empty
// or n doesn't match a recognized bucket size, in which case the caller
// should Commit a fresh chunk instead.
func (a *Arena) GetChunk(kind Kind, n int) (buf []byte, ok bool) {
	idx, known := bucketIndex(n)
	if !known {
		return nil, false
	}
	v := a.freeList[idx].Get()
	if v == nil {
		return nil, false
	}
	b := v.(*[]byte)
	a.SetMemoryKind(uintptr(unsafe.Pointer(&(*b)[0])), len(*b), kind)
	return *b, true
}

// PutChunk returns a chunk to the recycling pool for its size bucket.
// Chunks of non-standard size are dropped rather than pooled.
func (a *Arena) PutChunk(buf []byte) {
	idx, known := bucketIndex(len(buf))
	if !known {
		return
	}
	a.SetMemoryKind(uintptr(unsafe.Pointer(&buf[0])), len(buf), KindUnknown)
	a.freeList[idx].Put(&buf)
}
