// Package rtype implements the per-class Type descriptor:
// kind, sizes, reference mask, hints, and an optional state-change hook
// fired when an object is interned or finalized.
package rtype

import "github.com/brooklang/coreruntime/internal/tagptr"

// Kind names the five object shapes the runtime understands.
type Kind uint8

const (
	KindClass Kind = iota
	KindArray
	KindString
	KindInvocation
	KindCycleHandle
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindInvocation:
		return "invocation"
	case KindCycleHandle:
		return "cycleHandle"
	default:
		return "unknown"
	}
}

// Hints is a bitset of per-type hints.
type Hints uint8

const (
	HintMixedRefs        Hints = 1 << 0
	HintAllFrozenRefs     Hints = 1 << 1
	HintNoMutableAliases  Hints = 1 << 2
	HintAvoidInternTable  Hints = 1 << 3
)

// Transition names the two points at which onStateChange fires.
type Transition int

const (
	TransitionInitialize Transition = iota
	TransitionFinalize
)

// StateChangeFunc is the optional per-type hook invoked when an object of
// that type is inserted into, or removed from, the intern table. For
// invocation types this is what drives LRU/cleanup-list attachment.
type StateChangeFunc func(obj any, transition Transition)

// Type is the per-class descriptor record.
type Type struct {
	Name string
	Kind Kind

	// UserByteSize is the size of the user payload (excluding metadata).
	UserByteSize int

	// UninternedMetaSize / InternedMetaSize are the metadata word sizes
	// for objects living in an obstack vs. the intern table respectively
	// (interned objects carry an extra atomic refcount).
	UninternedMetaSize int
	InternedMetaSize   int

	// Mask describes which payload words are references, under both the
	// collection and the freeze stripes.
	Mask *tagptr.RefMask

	// ElemWordsPerTile is non-zero for array types: the mask is tiled
	// once per this many words (one array element).
	ElemWordsPerTile int

	Hints Hints

	OnStateChange StateChangeFunc
}

// WordCount returns the number of 8-byte payload words described by the
// type's mask, given a concrete number of user bytes (relevant for array
// types whose size varies per instance).
func (t *Type) WordCount(userBytes int) int {
	return (userBytes + 7) / 8
}

// IsRef reports whether payload word idx (0-based, counting from the
// start of the user payload) is a reference slot under stripe, tiling the
// mask for array types.
func (t *Type) IsRef(stripe tagptr.Stripe, idx int) bool {
	if t.Mask == nil {
		return false
	}
	if t.Kind == KindArray && t.ElemWordsPerTile > 0 {
		idx = idx % t.ElemWordsPerTile
	}
	return t.Mask.IsRef(stripe, idx)
}

// classFactory-style constructors. refSlotOffsets are word indices (not
// byte offsets) into the user payload that hold references under both
// stripes, matching the common case where collection and freeze
// reachability coincide; callers needing stripe-specific masks can build
// a *tagptr.RefMask directly and assign it to Type.Mask.

// NewClass builds an ordinary class Type.
func NewClass(name string, userSize int, refSlotOffsets []int) *Type {
	mask := tagptr.NewRefMask(wordsFor(userSize))
	for _, w := range refSlotOffsets {
		mask.Set(tagptr.StripeCollect, w)
		mask.Set(tagptr.StripeFreeze, w)
	}
	return &Type{
		Name:               name,
		Kind:               KindClass,
		UserByteSize:       userSize,
		UninternedMetaSize: 8,
		InternedMetaSize:   16, // extra atomic refcount word
		Mask:               mask,
	}
}

// NewArray builds an array Type whose mask tiles refSlotOffsetsInSlot
// across every element of size elemWords words.
func NewArray(name string, elemWords int, refSlotOffsetsInSlot []int, hints Hints) *Type {
	mask := tagptr.NewRefMask(elemWords)
	for _, w := range refSlotOffsetsInSlot {
		mask.Set(tagptr.StripeCollect, w)
		mask.Set(tagptr.StripeFreeze, w)
	}
	return &Type{
		Name:               name,
		Kind:               KindArray,
		UninternedMetaSize: 16, // + element count word
		InternedMetaSize:   24,
		Mask:               mask,
		ElemWordsPerTile:   elemWords,
		Hints:              hints,
	}
}

// NewInvocation builds the Type used for a memoized call's interned
// argument tuple.
func NewInvocation(name string, userSize int, refSlotOffsets []int) *Type {
	t := NewClass(name, userSize, refSlotOffsets)
	t.Kind = KindInvocation
	return t
}

// NewString builds the Type describing interned long strings: a raw byte
// payload with no reference slots.
func NewString(name string) *Type {
	return &Type{
		Name:               name,
		Kind:               KindString,
		UninternedMetaSize: 16, // length + hash cache
		InternedMetaSize:   24,
		Hints:              HintAllFrozenRefs,
	}
}

func wordsFor(byteSize int) int {
	return (byteSize + 7) / 8
}
