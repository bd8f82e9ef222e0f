package rtype

import (
	"encoding/binary"
	"io"

	"github.com/brooklang/coreruntime/internal/rterr"
	"github.com/brooklang/coreruntime/internal/tagptr"
)

// Layout is the packed binary projection of a *Type that compiled user
// code links against:
//
//	u8  refsHintMask
//	u8  kind
//	u8  tilesPerMask
//	u8  hasName
//	u16 uninternedMetaSize
//	u16 internedMetaSize
//	u64 userByteSize
//	u32 refMaskLen  (number of refMask words that follow)
//	u64 refMask[]   (interleaved stripes of tagptr.StripeCount words each)
//	[u16 nameLen, name bytes]   present iff hasName != 0
//
// The source format also carries a function pointer for onStateChange;
// a function pointer has no portable on-disk representation, so this
// encoding omits it entirely (hasName's neighboring byte would have been
// the natural place for an "has hook" flag, but nothing in this module
// ever needs to resurrect a *StateChangeFunc* from bytes — callers of
// FromLayout must re-attach one if the reconstructed Type needs it,
// exactly as the "fnptr" field is compiler-supplied, never
// archive-supplied, in the binary consumers this layout imitates).
type Layout struct {
	Hints              Hints
	Kind               Kind
	TilesPerMask       uint8
	UninternedMetaSize uint16
	InternedMetaSize   uint16
	UserByteSize       uint64
	RefMaskWords       []uint64
	Name               string
}

// ToLayout projects t into its wire form.
func ToLayout(t *Type) *Layout {
	l := &Layout{
		Hints:              t.Hints,
		Kind:               t.Kind,
		TilesPerMask:       uint8(t.ElemWordsPerTile),
		UninternedMetaSize: uint16(t.UninternedMetaSize),
		InternedMetaSize:   uint16(t.InternedMetaSize),
		UserByteSize:       uint64(t.UserByteSize),
		Name:               t.Name,
	}
	if t.Mask != nil {
		l.RefMaskWords = t.Mask.Words()
	}
	return l
}

// FromLayout reconstructs a *Type from its wire form. OnStateChange is
// left nil; callers that need the hook must reattach it themselves.
func FromLayout(l *Layout) *Type {
	t := &Type{
		Name:               l.Name,
		Kind:               l.Kind,
		UserByteSize:       int(l.UserByteSize),
		UninternedMetaSize: int(l.UninternedMetaSize),
		InternedMetaSize:   int(l.InternedMetaSize),
		ElemWordsPerTile:   int(l.TilesPerMask),
		Hints:              l.Hints,
	}
	if len(l.RefMaskWords) > 0 {
		t.Mask = tagptr.MaskFromWords(l.RefMaskWords)
	}
	return t
}

// Encode writes l in the packed binary form to w.
func (l *Layout) Encode(w io.Writer) error {
	var hasName uint8
	if l.Name != "" {
		hasName = 1
	}
	header := []byte{
		uint8(l.Hints),
		uint8(l.Kind),
		l.TilesPerMask,
		hasName,
	}
	if _, err := w.Write(header); err != nil {
		return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
	}
	if err := binary.Write(w, binary.LittleEndian, l.UninternedMetaSize); err != nil {
		return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
	}
	if err := binary.Write(w, binary.LittleEndian, l.InternedMetaSize); err != nil {
		return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
	}
	if err := binary.Write(w, binary.LittleEndian, l.UserByteSize); err != nil {
		return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(l.RefMaskWords))); err != nil {
		return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
	}
	for _, word := range l.RefMaskWords {
		if err := binary.Write(w, binary.LittleEndian, word); err != nil {
			return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
		}
	}
	if hasName == 1 {
		nameBytes := []byte(l.Name)
		if err := binary.Write(w, binary.LittleEndian, uint16(len(nameBytes))); err != nil {
			return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
		}
		if _, err := w.Write(nameBytes); err != nil {
			return rterr.Wrap("rtype.Layout.Encode", rterr.CodeOutOfMemory, err)
		}
	}
	return nil
}

// DecodeLayout reads a Layout previously written by Encode, returning
// a deserialization error on any truncation or malformed tag.
func DecodeLayout(r io.Reader) (*Layout, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
	}
	l := &Layout{
		Hints:        Hints(header[0]),
		Kind:         Kind(header[1]),
		TilesPerMask: header[2],
	}
	hasName := header[3]

	if err := binary.Read(r, binary.LittleEndian, &l.UninternedMetaSize); err != nil {
		return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &l.InternedMetaSize); err != nil {
		return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &l.UserByteSize); err != nil {
		return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
	}
	var maskLen uint32
	if err := binary.Read(r, binary.LittleEndian, &maskLen); err != nil {
		return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
	}
	if maskLen > 0 {
		l.RefMaskWords = make([]uint64, maskLen)
		for i := range l.RefMaskWords {
			if err := binary.Read(r, binary.LittleEndian, &l.RefMaskWords[i]); err != nil {
				return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
			}
		}
	}

	if hasName == 1 {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, rterr.Wrap("rtype.DecodeLayout", rterr.CodeDeserialization, err)
		}
		l.Name = string(nameBytes)
	}

	return l, nil
}
