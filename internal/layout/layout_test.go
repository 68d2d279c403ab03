// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDecls = `
struct ID { char name[66]; short flag; int uid; int _pad; IDOverride *override; };
struct IDOverride { ID *reference; char *storage; int flag; int _pad; };
struct Object {
	ID id;
	Object *parent;
	float loc[3], scale;
	Material **mat;
	short totcol, _pad0;
	int _pad1;
	void (*callback)();
};
`

func TestParseSizesAndOffsets(t *testing.T) {
	tbl, err := Parse(testDecls, 8, binary.LittleEndian)
	require.NoError(t, err)

	id := tbl.MustStructIndex("ID")
	assert.Equal(t, 66+2+4+4+8, tbl.Structs[id].Size)

	ob := tbl.MustStructIndex("Object")
	s := &tbl.Structs[ob]
	loc, ok := s.FieldByIdent("loc")
	require.True(t, ok)
	assert.Equal(t, 3, loc.Array)
	assert.Equal(t, 4, loc.ElemSize)
	assert.Equal(t, tbl.Structs[id].Size+8, loc.Offset)

	mat, ok := s.FieldByIdent("mat")
	require.True(t, ok)
	assert.Equal(t, 2, mat.Ptr)
	assert.Equal(t, "Material", tbl.TypeName(mat.Type))

	assert.Equal(t, RawDataIndex, tbl.MustStructIndex("RawData"))
}

func TestParseErrors(t *testing.T) {
	for name, src := range map[string]string{
		"duplicate struct": "struct A { int a; }; struct A { int b; };",
		"duplicate field":  "struct A { int a; int a; };",
		"undeclared embed": "struct A { B b; };",
		"void field":       "struct A { void a; };",
		"cycle":            "struct A { B b; }; struct B { A a; };",
		"shadows prim":     "struct int { char c; };",
		"missing brace":    "struct A { int a;",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src, 8, binary.LittleEndian)
			require.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, tc := range []struct {
		name  string
		ptr   int
		order binary.ByteOrder
	}{
		{"le64", 8, binary.LittleEndian},
		{"le32", 4, binary.LittleEndian},
		{"be64", 8, binary.BigEndian},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl := MustParse(testDecls, tc.ptr, tc.order)
			dec, err := Decode(tbl.Encode(), tc.ptr, tc.order)
			require.NoError(t, err)
			require.Equal(t, len(tbl.Structs), len(dec.Structs))
			for si := range tbl.Structs {
				assert.Equal(t, tbl.StructName(si), dec.StructName(si))
				assert.Equal(t, tbl.Structs[si].Size, dec.Structs[si].Size)
				assert.Equal(t, tbl.Fingerprint(si), dec.Fingerprint(si))
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("SDNANAME"), 8, binary.LittleEndian)
	require.ErrorIs(t, err, ErrBadTable)

	_, err = Decode([]byte("nope"), 8, binary.LittleEndian)
	require.ErrorIs(t, err, ErrBadTable)

	enc := MustParse(testDecls, 8, binary.LittleEndian).Encode()
	_, err = Decode(enc[:len(enc)-3], 8, binary.LittleEndian)
	require.ErrorIs(t, err, ErrBadTable)
}

func TestFingerprintIgnoresDeclarationSource(t *testing.T) {
	a := MustParse("struct T { int a; int b; };", 8, binary.LittleEndian)
	b := MustParse("struct U { char c; }; struct T { int a, b; };", 8, binary.LittleEndian)
	assert.Equal(t, a.Fingerprint(a.MustStructIndex("T")), b.Fingerprint(b.MustStructIndex("T")))

	c := MustParse("struct T { int b; int a; };", 8, binary.LittleEndian)
	assert.NotEqual(t, a.Fingerprint(a.MustStructIndex("T")), c.Fingerprint(c.MustStructIndex("T")))

	p4 := MustParse("struct T { T *next; };", 4, binary.LittleEndian)
	p8 := MustParse("struct T { T *next; };", 8, binary.LittleEndian)
	assert.NotEqual(t, p4.Fingerprint(1), p8.Fingerprint(1))
}

func TestReconcileAddsAndDropsFields(t *testing.T) {
	file := MustParse("struct T { int a; int b; };", 8, binary.LittleEndian)
	mem := MustParse("struct T { int b; int c; };", 8, binary.LittleEndian)

	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:], 11)
	binary.LittleEndian.PutUint32(raw[4:], 22)
	binary.LittleEndian.PutUint32(raw[8:], 33)
	binary.LittleEndian.PutUint32(raw[12:], 44)

	r := NewReconciler(file, mem, nil)
	out, si, err := r.Reconcile(file.MustStructIndex("T"), 2, raw)
	require.NoError(t, err)
	require.Equal(t, mem.MustStructIndex("T"), si)
	require.Len(t, out, 16)
	assert.Equal(t, uint32(22), binary.LittleEndian.Uint32(out[0:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(out[4:]))
	assert.Equal(t, uint32(44), binary.LittleEndian.Uint32(out[8:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(out[12:]))
	assert.False(t, r.Equal(file.MustStructIndex("T")))
}

func TestReconcileIdenticalIsCopy(t *testing.T) {
	file := MustParse(testDecls, 8, binary.LittleEndian)
	mem := MustParse(testDecls, 8, binary.LittleEndian)
	r := NewReconciler(file, mem, nil)
	ob := file.MustStructIndex("Object")
	require.True(t, r.Equal(ob))

	raw := make([]byte, file.Structs[ob].Size)
	for i := range raw {
		raw[i] = byte(i)
	}
	out, _, err := r.Reconcile(ob, 1, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
	out[0] = 0xff
	assert.Equal(t, byte(0), raw[0], "reconciled bytes must not alias the input")
}

func TestReconcileRemovedStruct(t *testing.T) {
	file := MustParse("struct Gone { int a; }; struct T { int a; };", 8, binary.LittleEndian)
	mem := MustParse("struct T { int a; };", 8, binary.LittleEndian)
	out, si, err := NewReconciler(file, mem, nil).Reconcile(file.MustStructIndex("Gone"), 1, make([]byte, 4))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, -1, si)
}

func TestReconcileCorrupt(t *testing.T) {
	file := MustParse("struct T { int a; int b; };", 8, binary.LittleEndian)
	r := NewReconciler(file, file, nil)
	_, _, err := r.Reconcile(1, 2, make([]byte, 12))
	require.ErrorIs(t, err, ErrCorruptRecord)
	_, _, err = r.Reconcile(99, 1, make([]byte, 8))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestReconcileLegacyPointersAndByteOrder(t *testing.T) {
	const decls = "struct T { T *next; short s; float f[2]; };"
	file := MustParse(decls, 4, binary.BigEndian)
	mem := MustParse(decls, 8, binary.LittleEndian)
	si := file.MustStructIndex("T")

	raw := make([]byte, file.Structs[si].Size)
	binary.BigEndian.PutUint32(raw[0:], 0xdeadbeef)
	binary.BigEndian.PutUint16(raw[4:], 0x0102)
	binary.BigEndian.PutUint32(raw[6:], math.Float32bits(1.5))
	binary.BigEndian.PutUint32(raw[10:], math.Float32bits(-2))

	out, mi, err := NewReconciler(file, mem, nil).Reconcile(si, 1, raw)
	require.NoError(t, err)
	require.Len(t, out, mem.Structs[mi].Size)
	assert.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(out[0:]))
	assert.Equal(t, uint16(0x0102), binary.LittleEndian.Uint16(out[8:]))
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(out[10:])))
	assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(out[14:])))

	// and back again, as the writer does for legacy fixtures
	back, _, err := NewReconciler(mem, file, nil).Reconcile(mi, 1, out)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestReconcileCastsAndArrays(t *testing.T) {
	file := MustParse("struct T { short n; float v; int arr[4]; };", 8, binary.LittleEndian)
	mem := MustParse("struct T { int n; double v; int arr[2]; };", 8, binary.LittleEndian)

	raw := make([]byte, file.Structs[1].Size)
	binary.LittleEndian.PutUint16(raw[0:], uint16(0xfffe)) // -2
	binary.LittleEndian.PutUint32(raw[2:], math.Float32bits(0.25))
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(raw[6+4*i:], uint32(i+1))
	}

	out, _, err := NewReconciler(file, mem, nil).Reconcile(1, 1, raw)
	require.NoError(t, err)
	assert.Equal(t, int32(-2), int32(binary.LittleEndian.Uint32(out[0:])))
	assert.Equal(t, 0.25, math.Float64frombits(binary.LittleEndian.Uint64(out[4:])))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(out[12:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(out[16:]))
}

func TestReconcileAliasesAndNestedStructs(t *testing.T) {
	file := MustParse(`
		struct Vec { float x; float y; };
		struct OldThing { Vec pos; int count; };
	`, 8, binary.LittleEndian)
	mem := MustParse(`
		struct Vec { float x; float y; float z; };
		struct Thing { int total; Vec pos; };
	`, 8, binary.LittleEndian)
	aliases := &Aliases{
		Structs: map[string]string{"OldThing": "Thing"},
		Fields:  map[string]map[string]string{"Thing": {"count": "total"}},
	}

	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(3))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(4))
	binary.LittleEndian.PutUint32(raw[8:], 7)

	r := NewReconciler(file, mem, aliases)
	out, si, err := r.Reconcile(file.MustStructIndex("OldThing"), 1, raw)
	require.NoError(t, err)
	require.Equal(t, mem.MustStructIndex("Thing"), si)
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(out[0:]))
	assert.Equal(t, float32(3), math.Float32frombits(binary.LittleEndian.Uint32(out[4:])))
	assert.Equal(t, float32(4), math.Float32frombits(binary.LittleEndian.Uint32(out[8:])))
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(out[12:])))
}

func TestPointersAndWalk(t *testing.T) {
	tbl := MustParse(testDecls, 8, binary.LittleEndian)
	ob := tbl.MustStructIndex("Object")
	slots := tbl.Pointers(ob)
	require.Len(t, slots, 4)

	assert.Equal(t, "id.override", slots[0].Path)
	assert.Equal(t, "IDOverride", slots[0].Target)
	assert.Equal(t, "parent", slots[1].Path)
	assert.Equal(t, "mat", slots[2].Path)
	assert.Equal(t, 2, slots[2].Depth)
	assert.True(t, slots[3].Func)

	off, f, ok := tbl.FieldAt(ob, "id.uid")
	require.True(t, ok)
	assert.Equal(t, 68, off)
	assert.Equal(t, "uid", f.Ident)

	data := make([]byte, 2*tbl.Structs[ob].Size)
	var seen []int
	require.NoError(t, tbl.Walk(ob, 2, data, func(s Slot, off int) error {
		seen = append(seen, off)
		return nil
	}))
	require.Len(t, seen, 8)
	assert.Equal(t, seen[0]+tbl.Structs[ob].Size, seen[4])
}

func TestSwapStructRoundTrip(t *testing.T) {
	tbl := MustParse(testDecls, 8, binary.BigEndian)
	ob := tbl.MustStructIndex("Object")
	data := make([]byte, tbl.Structs[ob].Size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	orig := append([]byte(nil), data...)
	require.NoError(t, tbl.SwapStruct(ob, 1, data))
	assert.NotEqual(t, orig, data)
	// names are char arrays and must not move
	assert.Equal(t, orig[:66], data[:66])
	require.NoError(t, tbl.SwapStruct(ob, 1, data))
	assert.Equal(t, orig, data)
}

func TestWithPointerSize(t *testing.T) {
	tbl := MustParse(testDecls, 8, binary.LittleEndian)
	legacy, err := tbl.WithPointerSize(4, binary.BigEndian)
	require.NoError(t, err)
	id := tbl.MustStructIndex("ID")
	assert.Equal(t, tbl.Structs[id].Size-4, legacy.Structs[id].Size)
	assert.Equal(t, 8, tbl.PointerSize, "original is unchanged")
}
