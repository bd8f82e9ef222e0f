// Package objmodel defines the in-memory object shapes shared by the
// obstack, the interner, and the memoization graph: plain heap objects
// (RObj), their interned/refcounted form (IObj), and the tagged value
// union (MemoValue) used for memoized call arguments and results.
//
// Go has no way to lay out a user-defined type's fields as raw,
// mask-described bytes and then safely reinterpret pointer-shaped
// words inside them; doing so would
// require unsafe pointer arithmetic into GC-managed memory that the Go
// runtime cannot be told about, which defeats both memory safety and
// the Go garbage collector's own invariants. Objects here instead carry
// their raw payload as opaque bytes (Data, for accounting, hashing and
// freeze-copy fidelity) alongside a parallel, type-safe slice of
// sub-object references (Refs) at the same word indices the reference
// mask marks live. The obstack's collector walks Refs, never Data, to
// find live children; Data is moved and copied as inert bytes.
package objmodel

import (
	"sync/atomic"

	"github.com/brooklang/coreruntime/internal/pos"
	"github.com/brooklang/coreruntime/internal/rtype"
	"github.com/brooklang/coreruntime/internal/tagptr"
)

// RObj is a heap object living in some thread's obstack, or freshly
// frozen and awaiting interning.
type RObj struct {
	Type *rtype.Type

	// AllocPos is the position at which this object was allocated,
	// used by the collector to decide whether it postdates a note().
	AllocPos pos.Pos

	// Data is the raw user payload. Its length is always a multiple of
	// 8 bytes; non-reference words carry real user bytes (ints,
	// doubles, short string bytes), reference words are left zero and
	// are never read directly.
	Data []byte

	// Refs holds one entry per 8-byte word of Data; only indices the
	// type's mask marks as references are meaningful.
	Refs []*RObj

	// Large is true for objects allocated directly from the arena
	// rather than bump-allocated from a chunk (the large-object side
	// list); Large objects never move during collection.
	Large bool

	// Pinned objects additionally never move even though they are
	// chunk-resident (the AllocPinned path).
	Pinned bool

	// Frozen objects are deeply immutable; the interner hands out
	// Frozen objects to unrelated callers.
	Frozen bool

	// Interned is non-nil once this exact RObj (not a structural
	// duplicate of it) has been canonicalized into the intern table; it
	// points back to the containing IObj. A ref slot pointing at an
	// RObj with Interned set is already canonical and is never
	// re-copied or re-hashed by the interner.
	Interned *IObj
}

// WordCount returns the number of 8-byte words in the object's payload.
func (o *RObj) WordCount() int {
	return len(o.Data) / 8
}

// IsRefWord reports whether payload word idx is a reference slot under
// stripe.
func (o *RObj) IsRefWord(stripe tagptr.Stripe, idx int) bool {
	if o.Type == nil {
		return false
	}
	return o.Type.IsRef(stripe, idx)
}

// IObj is the interned, refcounted form of an RObj: structurally
// canonical, shared, and reclaimed by reference counting rather than by
// an obstack collection.
type IObj struct {
	RObj

	// Refcount is the number of live owners. Non-delegate members of a
	// cycle keep a zero Refcount of their own and instead contribute
	// to their Delegate's count.
	Refcount atomic.Int32

	// Delegate is non-nil when this object is a non-delegate member of
	// an interned cycle; all refcounting and liveness decisions defer
	// to Delegate.
	Delegate *IObj

	// Hash is the structural hash used to bucket this object in the
	// intern table.
	Hash uint64
}

// Owner returns the object that liveness decisions should be charged
// to: itself, unless it has deferred to a cycle delegate.
func (o *IObj) Owner() *IObj {
	if o.Delegate != nil {
		return o.Delegate
	}
	return o
}

// ValueKind discriminates the tagged union stored in a MemoValue,
// mirroring the small set of shapes a memoized call's arguments or
// result may take.
type ValueKind int

const (
	ValUndef ValueKind = iota
	ValNull
	ValInt64
	ValDouble
	ValShortString
	ValLongString
	ValIObj
	ValException
	ValFakePtr
)

func (k ValueKind) String() string {
	switch k {
	case ValNull:
		return "null"
	case ValInt64:
		return "int64"
	case ValDouble:
		return "double"
	case ValShortString:
		return "shortString"
	case ValLongString:
		return "longString"
	case ValIObj:
		return "iobj"
	case ValException:
		return "exception"
	case ValFakePtr:
		return "fakePtr"
	default:
		return "undef"
	}
}

// MemoValue is the tagged value carried by interned argument tuples,
// Cells, and memoized Invocation results. Only the field matching Kind
// is meaningful.
type MemoValue struct {
	Kind ValueKind

	Int64  int64
	Double float64
	Str    string // short or long string payload
	IObj   *IObj
	Fake   tagptr.Word

	// Exception holds a propagated failure when Kind == ValException;
	// memoized calls that panic record the panic value here instead of
	// unwinding through dependents, so a cached failure can be
	// replayed without recomputation.
	Exception any
}

// Equal reports whether two values are the same for the purpose of
// deciding whether a recomputed Invocation result changed (the
// "unchanged" touch case). IObj values compare by identity, since equal
// IObjs are always the same pointer once interned.
func (v MemoValue) Equal(other MemoValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValUndef, ValNull:
		return true
	case ValInt64:
		return v.Int64 == other.Int64
	case ValDouble:
		return v.Double == other.Double
	case ValShortString, ValLongString:
		return v.Str == other.Str
	case ValIObj:
		return v.IObj == other.IObj
	case ValFakePtr:
		return v.Fake == other.Fake
	case ValException:
		return v.Exception == other.Exception
	default:
		return false
	}
}

// maxShortStringBytes is the longest string that fits in a fake
// pointer's payload bits (7 bytes plus a length nibble inside the 62
// free bits of a tagged word); longer strings are the long-string case.
const maxShortStringBytes = 7

func FromInt64(i int64) MemoValue    { return MemoValue{Kind: ValInt64, Int64: i} }
func FromDouble(f float64) MemoValue { return MemoValue{Kind: ValDouble, Double: f} }
func FromIObj(o *IObj) MemoValue     { return MemoValue{Kind: ValIObj, IObj: o} }
func Null() MemoValue                { return MemoValue{Kind: ValNull} }
func FromException(e any) MemoValue  { return MemoValue{Kind: ValException, Exception: e} }

// FromString boxes s, tagging it short or long by whether it would fit
// in a fake pointer. Equal never compares a short against a long with
// the same bytes as equal-kinded, so the split must be deterministic on
// length alone.
func FromString(s string) MemoValue {
	if len(s) <= maxShortStringBytes {
		return MemoValue{Kind: ValShortString, Str: s}
	}
	return MemoValue{Kind: ValLongString, Str: s}
}
