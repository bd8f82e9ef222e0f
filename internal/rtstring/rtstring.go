// Package rtstring implements the runtime string primitives:
// construction from raw bytes, validated UTF-8, and code
// points; concatenation; ordering; hashing; byte access; and code-point
// iteration. Short strings (up to 7 payload bytes) are packed into a
// fake tagged-pointer word so they never touch the heap; longer strings
// are obstack objects of the string kind whose payload is the raw
// bytes.
package rtstring

import (
	"bytes"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/obstack"
	"github.com/brooklang/coreruntime/internal/rterr"
	"github.com/brooklang/coreruntime/internal/rtype"
	"github.com/brooklang/coreruntime/internal/tagptr"
)

// MaxShortBytes is the longest string that fits in a fake pointer: 7
// payload bytes plus a 3-bit length, inside the 62 bits a tagged word
// leaves free.
const MaxShortBytes = 7

// StringType describes long-string heap objects: a raw byte payload
// with no reference slots, frozen from birth.
var StringType = rtype.NewString("String")

// Str is one runtime string value. Exactly one representation is
// active: a short string lives entirely in word, a long string is a
// heap object.
type Str struct {
	word tagptr.Word
	obj  *objmodel.RObj
}

// FromBytes builds a Str holding exactly b. Strings longer than
// MaxShortBytes are allocated on o; short ones never allocate and o may
// be nil for them.
func FromBytes(o *obstack.Obstack, b []byte) (Str, error) {
	if len(b) <= MaxShortBytes {
		return Str{word: packShort(b)}, nil
	}
	if o == nil {
		return Str{}, rterr.New("rtstring.FromBytes", rterr.CodeInvalidArgument, "nil obstack for long string")
	}
	obj, err := o.Alloc(StringType, len(b))
	if err != nil {
		return Str{}, err
	}
	copy(obj.Data, b)
	obj.Frozen = true
	return Str{obj: obj}, nil
}

// FromUtf8 builds a Str from b after checking it is well-formed UTF-8.
func FromUtf8(o *obstack.Obstack, b []byte) (Str, error) {
	if !utf8.Valid(b) {
		return Str{}, rterr.New("rtstring.FromUtf8", rterr.CodeInvalidArgument, "invalid utf-8")
	}
	return FromBytes(o, b)
}

// FromChars builds a Str encoding the given code points as UTF-8.
func FromChars(o *obstack.Obstack, chars []rune) (Str, error) {
	var buf []byte
	for _, r := range chars {
		buf = utf8.AppendRune(buf, r)
	}
	return FromBytes(o, buf)
}

// FromWord rebuilds a short Str from its fake-pointer word, the inverse
// of Word on a short string.
func FromWord(w tagptr.Word) (Str, bool) {
	if !w.IsFake() {
		return Str{}, false
	}
	return Str{word: w}, true
}

// IsShort reports whether s is packed in a fake pointer.
func (s Str) IsShort() bool { return s.obj == nil }

// Word returns the fake-pointer encoding of a short string. Long
// strings have no word form; callers route those through the object.
func (s Str) Word() (tagptr.Word, bool) {
	if !s.IsShort() {
		return 0, false
	}
	return s.word, true
}

// Obj returns the heap object backing a long string, or nil for a short
// one.
func (s Str) Obj() *objmodel.RObj { return s.obj }

// ByteSize returns the string's length in bytes.
func (s Str) ByteSize() int {
	if s.obj != nil {
		return len(s.obj.Data)
	}
	return shortLen(s.word)
}

// Bytes returns a copy of the string's bytes.
func (s Str) Bytes() []byte {
	if s.obj != nil {
		return append([]byte(nil), s.obj.Data...)
	}
	return unpackShort(s.word)
}

// UnsafeGet returns byte i with no bounds check beyond the Go slice's
// own.
func (s Str) UnsafeGet(i int) byte {
	if s.obj != nil {
		return s.obj.Data[i]
	}
	return byte(s.word.SBits() >> (3 + 8*uint(i)))
}

// Concat returns a followed by b, allocated on o if the result is long.
func Concat(o *obstack.Obstack, a, b Str) (Str, error) {
	return ConcatN(o, a, b)
}

// ConcatN concatenates every part in order.
func ConcatN(o *obstack.Obstack, parts ...Str) (Str, error) {
	total := 0
	for _, p := range parts {
		total += p.ByteSize()
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p.Bytes()...)
	}
	return FromBytes(o, buf)
}

// Compare orders a and b bytewise: negative, zero, or positive as a is
// less than, equal to, or greater than b. Bytewise comparison is a
// total order over all byte sequences and coincides with code-point
// order on valid UTF-8.
func Compare(a, b Str) int {
	if a.IsShort() && b.IsShort() {
		// Short strings compare without unpacking only when equal;
		// otherwise fall through to the byte compare so ordering stays
		// bytewise rather than packed-word-wise.
		if a.word == b.word {
			return 0
		}
	}
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// Equal reports bytewise equality.
func Equal(a, b Str) bool { return Compare(a, b) == 0 }

// Hash returns the string's hash. It depends only on the bytes, so the
// same content hashes identically whether packed short or heap-resident,
// across runs and processes.
func Hash(s Str) uint64 {
	if s.obj != nil {
		return xxhash.Sum64(s.obj.Data)
	}
	return xxhash.Sum64(unpackShort(s.word))
}

// MemoValue boxes s for the memoization layer, tagging short and long
// representations distinctly the way MemoValue's union does.
func (s Str) MemoValue() objmodel.MemoValue {
	if s.IsShort() {
		return objmodel.MemoValue{Kind: objmodel.ValShortString, Str: string(unpackShort(s.word))}
	}
	return objmodel.MemoValue{Kind: objmodel.ValLongString, Str: string(s.obj.Data)}
}

// Iterator walks a string's code points in order. Invalid bytes decode
// as utf8.RuneError one byte at a time, matching the stdlib decoder.
type Iterator struct {
	buf []byte
	off int
}

// Iter returns an iterator positioned at the start of s.
func (s Str) Iter() *Iterator {
	return &Iterator{buf: s.Bytes()}
}

// Next returns the next code point, or false once the string is
// exhausted.
func (it *Iterator) Next() (rune, bool) {
	if it.off >= len(it.buf) {
		return 0, false
	}
	r, n := utf8.DecodeRune(it.buf[it.off:])
	it.off += n
	return r, true
}

// ByteOffset reports how many bytes of the string the iterator has
// consumed.
func (it *Iterator) ByteOffset() int { return it.off }

// packShort encodes up to MaxShortBytes bytes plus the length into the
// 62 payload bits of a fake word: length in the low 3 bits, byte i in
// bits [3+8i, 3+8i+8).
func packShort(b []byte) tagptr.Word {
	bits := uint64(len(b))
	for i, c := range b {
		bits |= uint64(c) << (3 + 8*uint(i))
	}
	return tagptr.FromFakeBits(bits)
}

func shortLen(w tagptr.Word) int {
	return int(w.SBits() & 0x7)
}

func unpackShort(w tagptr.Word) []byte {
	n := shortLen(w)
	out := make([]byte, n)
	sb := w.SBits()
	for i := 0; i < n; i++ {
		out[i] = byte(sb >> (3 + 8*uint(i)))
	}
	return out
}
