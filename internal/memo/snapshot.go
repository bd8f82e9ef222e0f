package memo

// snapshot.go implements the memo-cache file format: a header plus a flat, reference-by-index
// object table, terminated by an end tag. It is file-format-critical
// but owns no disk I/O of its own — callers hand it an io.Writer or
// io.Reader (typically the higher-level reactive layer this module
// treats as an external collaborator), matching how
// rtype.Layout's Encode/Decode are pure codecs too.
//
// Vtable ids are stored as offsets from a caller-supplied reference
// vtable id rather than raw pointers, so a reloaded cache tolerates the
// address-space layout randomization the real runtime's compiled
// vtables live under; this module has no compiled vtables of its own,
// so VTableRegistry just hands out small stable integers per *rtype.Type
// in place of those offsets.

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/rterr"
	"github.com/brooklang/coreruntime/internal/rtype"
)

// snapshotVersion is the only version this codec understands.
const snapshotVersion uint64 = 0

// Object record tags.
const (
	tagRefClass    uint8 = 1
	tagLongString  uint8 = 2
	tagArray       uint8 = 3
	tagInvocation  uint8 = 4
	tagRegex       uint8 = 5
	tagEnd         uint8 = 0
)

// Two reserved negative vtable ids name the built-in cell-invocation and
// regex vtables, so a reload can recognize them without a
// registry lookup.
const (
	VTableIDCellInvocation int64 = -1
	VTableIDRegex          int64 = -2
)

// VTableRegistry assigns small stable integer ids to *rtype.Type values
// for the duration of one encode/decode pass, standing in for the real
// runtime's "offset from a known reference vtable" scheme.
type VTableRegistry struct {
	byID   map[int64]*rtype.Type
	byType map[*rtype.Type]int64
	next   int64
}

// NewVTableRegistry creates an empty registry.
func NewVTableRegistry() *VTableRegistry {
	return &VTableRegistry{
		byID:   make(map[int64]*rtype.Type),
		byType: make(map[*rtype.Type]int64),
	}
}

// IDFor returns t's id, assigning a fresh one on first use.
func (r *VTableRegistry) IDFor(t *rtype.Type) int64 {
	if id, ok := r.byType[t]; ok {
		return id
	}
	id := r.next
	r.next++
	r.byID[id] = t
	r.byType[t] = id
	return id
}

// TypeFor resolves an id previously handed out by IDFor.
func (r *VTableRegistry) TypeFor(id int64) (*rtype.Type, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// objectRecord is one entry of the object table: a tagged union over
// the five record shapes the file format carries.
type objectRecord struct {
	Tag uint8

	VTableID int64 // tagRefClass, tagArray, tagInvocation

	Payload []byte // raw, non-reference bytes of the object's Data

	// Refs holds, for each reference-shaped payload word, a 1-based
	// index into the snapshot's object table (or a non-positive fake
	// pointer bit pattern copied verbatim).
	Refs []int64

	StrBytes []byte // tagLongString, tagRegex pattern bytes

	ArrayLen uint32 // tagArray

	MemoValue objmodel.MemoValue // tagInvocation
	DepIDs    []int64            // tagInvocation: trace dependency indices

	RegexFlags int64 // tagRegex
}

// Snapshot is the decoded form of one memo-cache file: a header plus
// the flat object table.
type Snapshot struct {
	Version   uint64
	BuildHash uint64
	IObjCount uint64
	InvCount  uint64
	Objects   []objectRecord
}

// BuildSnapshot walks every invocation currently registered in g and
// produces a Snapshot capturing each one's interned identity, its
// current head MemoValue, and the trace dependency edges that value's
// computation read, so a reload can answer the same queries without
// recomputing from scratch. vt assigns vtable ids; buildHash should
// identify the compiled program the cache was built against, the same
// value a reload uses to reject a stale cache.
func BuildSnapshot(g *Graph, vt *VTableRegistry, buildHash uint64) *Snapshot {
	g.mu.Lock()
	invs := make([]*Invocation, 0, len(g.registry))
	for _, inv := range g.registry {
		invs = append(invs, inv)
	}
	g.mu.Unlock()

	indexOf := make(map[*Invocation]int, len(invs))
	for i, inv := range invs {
		indexOf[inv] = i
	}

	objs := make([]objectRecord, 0, len(invs))
	for _, inv := range invs {
		objs = append(objs, invocationRecord(inv, vt, indexOf))
	}

	return &Snapshot{
		Version:   snapshotVersion,
		BuildHash: buildHash,
		IObjCount: 0, // this module snapshots invocations, not raw IObjs
		InvCount:  uint64(len(objs)),
		Objects:   objs,
	}
}

func invocationRecord(inv *Invocation, vt *VTableRegistry, indexOf map[*Invocation]int) objectRecord {
	inv.mu.Lock()
	head := inv.head
	var id *objmodel.RObj
	if inv.ID != nil {
		id = &inv.ID.RObj
	}
	inv.mu.Unlock()

	rec := objectRecord{Tag: tagInvocation}
	if id != nil && id.Type != nil {
		rec.VTableID = vt.IDFor(id.Type)
		rec.Payload = append([]byte(nil), id.Data...)
	} else {
		rec.VTableID = VTableIDCellInvocation
	}

	if head != nil {
		head.Lock()
		rec.MemoValue = head.Value
		for _, dep := range head.Trace {
			if owner, ok := dep.Owner.(*Invocation); ok {
				if idx, found := indexOf[owner]; found {
					rec.DepIDs = append(rec.DepIDs, int64(idx)+1) // 1-based
					continue
				}
			}
			rec.DepIDs = append(rec.DepIDs, 0) // unresolvable dependency: fake-pointer-style 0
		}
		head.Unlock()
	}
	return rec
}

// Encode writes snap in the packed binary wire form.
func (snap *Snapshot) Encode(w io.Writer) error {
	if err := writeU64(w, snap.Version); err != nil {
		return err
	}
	if err := writeU64(w, snap.BuildHash); err != nil {
		return err
	}
	if err := writeU64(w, snap.IObjCount); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(snap.Objects))); err != nil {
		return err
	}
	for _, rec := range snap.Objects {
		if err := encodeRecord(w, rec); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte{tagEnd}); err != nil {
		return rterr.Wrap("memo.Snapshot.Encode", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func encodeRecord(w io.Writer, rec objectRecord) error {
	if _, err := w.Write([]byte{rec.Tag}); err != nil {
		return rterr.Wrap("memo.encodeRecord", rterr.CodeOutOfMemory, err)
	}
	switch rec.Tag {
	case tagRefClass:
		if err := writeI64(w, rec.VTableID); err != nil {
			return err
		}
		return writeBytes(w, rec.Payload)
	case tagLongString:
		return writeBytes32(w, rec.StrBytes)
	case tagArray:
		if err := writeI64(w, rec.VTableID); err != nil {
			return err
		}
		if err := writeU32(w, rec.ArrayLen); err != nil {
			return err
		}
		return writeBytes(w, rec.Payload)
	case tagInvocation:
		if err := writeI64(w, rec.VTableID); err != nil {
			return err
		}
		if err := writeBytes(w, rec.Payload); err != nil {
			return err
		}
		if err := encodeMemoValue(w, rec.MemoValue); err != nil {
			return err
		}
		if err := writeU64(w, uint64(len(rec.DepIDs))); err != nil {
			return err
		}
		for _, id := range rec.DepIDs {
			if err := writeI64(w, id); err != nil {
				return err
			}
		}
		return nil
	case tagRegex:
		if err := writeBytes32(w, rec.StrBytes); err != nil {
			return err
		}
		return writeI64(w, rec.RegexFlags)
	default:
		return rterr.New("memo.encodeRecord", rterr.CodeInvalidArgument, "unknown record tag")
	}
}

// DecodeSnapshot reads a Snapshot previously written by Encode,
// rejecting anything truncated, tagged with an unknown record kind, or
// built at an unsupported version. On error the whole cache is
// rejected; proceeding with an empty cache is the caller's
// responsibility.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Version, err = readU64(r); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, rterr.New("memo.DecodeSnapshot", rterr.CodeDeserialization, "unsupported snapshot version")
	}
	if snap.BuildHash, err = readU64(r); err != nil {
		return nil, err
	}
	if snap.IObjCount, err = readU64(r); err != nil {
		return nil, err
	}
	if snap.InvCount, err = readU64(r); err != nil {
		return nil, err
	}

	tagBuf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, tagBuf); err != nil {
			return nil, rterr.Wrap("memo.DecodeSnapshot", rterr.CodeDeserialization, err)
		}
		if tagBuf[0] == tagEnd {
			return snap, nil
		}
		rec, err := decodeRecord(r, tagBuf[0])
		if err != nil {
			return nil, err
		}
		snap.Objects = append(snap.Objects, rec)
	}
}

func decodeRecord(r io.Reader, tag uint8) (objectRecord, error) {
	rec := objectRecord{Tag: tag}
	var err error
	switch tag {
	case tagRefClass:
		if rec.VTableID, err = readI64(r); err != nil {
			return rec, err
		}
		rec.Payload, err = readBytes(r)
		return rec, err
	case tagLongString:
		rec.StrBytes, err = readBytes32(r)
		return rec, err
	case tagArray:
		if rec.VTableID, err = readI64(r); err != nil {
			return rec, err
		}
		if rec.ArrayLen, err = readU32(r); err != nil {
			return rec, err
		}
		rec.Payload, err = readBytes(r)
		return rec, err
	case tagInvocation:
		if rec.VTableID, err = readI64(r); err != nil {
			return rec, err
		}
		if rec.Payload, err = readBytes(r); err != nil {
			return rec, err
		}
		if rec.MemoValue, err = decodeMemoValue(r); err != nil {
			return rec, err
		}
		n, err := readU64(r)
		if err != nil {
			return rec, err
		}
		rec.DepIDs = make([]int64, n)
		for i := range rec.DepIDs {
			if rec.DepIDs[i], err = readI64(r); err != nil {
				return rec, err
			}
		}
		return rec, nil
	case tagRegex:
		if rec.StrBytes, err = readBytes32(r); err != nil {
			return rec, err
		}
		rec.RegexFlags, err = readI64(r)
		return rec, err
	default:
		return rec, rterr.New("memo.decodeRecord", rterr.CodeDeserialization, "unknown record tag")
	}
}

func encodeMemoValue(w io.Writer, v objmodel.MemoValue) error {
	if _, err := w.Write([]byte{uint8(v.Kind)}); err != nil {
		return rterr.Wrap("memo.encodeMemoValue", rterr.CodeOutOfMemory, err)
	}
	switch v.Kind {
	case objmodel.ValInt64:
		return writeI64(w, v.Int64)
	case objmodel.ValDouble:
		bits := int64(int64bitsFromFloat(v.Double))
		return writeI64(w, bits)
	case objmodel.ValShortString, objmodel.ValLongString:
		return writeBytes32(w, []byte(v.Str))
	default:
		return nil // Undef, Null, IObj, Exception, FakePtr carry no extra payload bytes this codec preserves
	}
}

func decodeMemoValue(r io.Reader) (objmodel.MemoValue, error) {
	kindBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, kindBuf); err != nil {
		return objmodel.MemoValue{}, rterr.Wrap("memo.decodeMemoValue", rterr.CodeDeserialization, err)
	}
	kind := objmodel.ValueKind(kindBuf[0])
	switch kind {
	case objmodel.ValInt64:
		i, err := readI64(r)
		return objmodel.FromInt64(i), err
	case objmodel.ValDouble:
		bits, err := readI64(r)
		if err != nil {
			return objmodel.MemoValue{}, err
		}
		return objmodel.FromDouble(floatFromInt64Bits(bits)), nil
	case objmodel.ValShortString, objmodel.ValLongString:
		b, err := readBytes32(r)
		if err != nil {
			return objmodel.MemoValue{}, err
		}
		return objmodel.FromString(string(b)), nil
	case objmodel.ValNull:
		return objmodel.Null(), nil
	default:
		return objmodel.MemoValue{Kind: kind}, nil
	}
}

// --- small binary helpers -------------------------------------------

func writeU64(w io.Writer, v uint64) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return rterr.Wrap("memo.snapshot", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func writeI64(w io.Writer, v int64) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return rterr.Wrap("memo.snapshot", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func writeU32(w io.Writer, v uint32) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return rterr.Wrap("memo.snapshot", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return rterr.Wrap("memo.snapshot", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func writeBytes32(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := w.Write(b); err != nil {
		return rterr.Wrap("memo.snapshot", rterr.CodeOutOfMemory, err)
	}
	return nil
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, rterr.Wrap("memo.snapshot", rterr.CodeDeserialization, err)
	}
	return v, nil
}

func readI64(r io.Reader) (int64, error) {
	var v int64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, rterr.Wrap("memo.snapshot", rterr.CodeDeserialization, err)
	}
	return v, nil
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, rterr.Wrap("memo.snapshot", rterr.CodeDeserialization, err)
	}
	return v, nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, rterr.Wrap("memo.snapshot", rterr.CodeDeserialization, err)
	}
	return b, nil
}

func readBytes32(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, rterr.Wrap("memo.snapshot", rterr.CodeDeserialization, err)
	}
	return b, nil
}

// int64bitsFromFloat/floatFromInt64Bits round-trip a float64 through its
// bit pattern so the wire format's double field stays fixed-width.
func int64bitsFromFloat(f float64) uint64   { return math.Float64bits(f) }
func floatFromInt64Bits(bits int64) float64 { return math.Float64frombits(uint64(bits)) }
