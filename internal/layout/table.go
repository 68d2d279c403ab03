// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/stratum/internal/unsafestring"
)

// RawDataIndex is the struct index of untyped payload blocks.
const RawDataIndex = 0

const rawDataName = "RawData"

var (
	ErrCorruptRecord = errors.New("record bytes do not match their struct layout")
	ErrBadTable      = errors.New("malformed struct table")
)

// Prim identifies the primitive kind of a type.  Structs are PrimStruct.
type Prim uint8

const (
	PrimStruct Prim = iota
	PrimChar
	PrimUChar
	PrimShort
	PrimUShort
	PrimInt
	PrimUInt
	PrimInt64
	PrimUInt64
	PrimFloat
	PrimDouble
	PrimVoid
)

var primitives = []struct {
	name string
	prim Prim
	size int
}{
	{"char", PrimChar, 1},
	{"uchar", PrimUChar, 1},
	{"short", PrimShort, 2},
	{"ushort", PrimUShort, 2},
	{"int", PrimInt, 4},
	{"uint", PrimUInt, 4},
	{"int64", PrimInt64, 8},
	{"uint64", PrimUInt64, 8},
	{"float", PrimFloat, 4},
	{"double", PrimDouble, 8},
	{"void", PrimVoid, 0},
}

func primByName(name string) (Prim, int, bool) {
	for _, p := range primitives {
		if p.name == name {
			return p.prim, p.size, true
		}
	}
	return PrimStruct, 0, false
}

// Type is a named type known to a table.
type Type struct {
	Name string
	Size int
	Prim Prim
	// Struct is the index of the struct describing this type, or -1 for
	// primitives and opaque (declared-elsewhere) types.
	Struct int
}

// Field is one member of a struct.
type Field struct {
	Type  int    // index into Table.Types
	Name  string // declared name, including stars and dimensions
	Ident string // bare identifier
	Ptr   int    // pointer depth
	Array int    // number of elements, 1 for scalars
	// ElemSize is the size of one element: the pointer size for pointers,
	// otherwise the size of the type.
	ElemSize int
	Offset   int
	Size     int
}

// Struct is a record layout: a type plus its ordered fields.
type Struct struct {
	Type   int
	Fields []Field
	Size   int

	fingerprint uint64
	byIdent     map[string]int
	pointers    []Slot
}

// FieldByIdent returns the field named ident.
func (s *Struct) FieldByIdent(ident string) (*Field, bool) {
	i, ok := s.byIdent[ident]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

// Table is a complete set of struct layouts for one pointer size and byte order.
type Table struct {
	PointerSize int
	Order       binary.ByteOrder
	Types       []Type
	Structs     []Struct

	typeByName   map[string]int
	structByName map[string]int
}

// TypeName returns the name of type i.
func (t *Table) TypeName(i int) string {
	return t.Types[i].Name
}

// StructName returns the name of struct si.
func (t *Table) StructName(si int) string {
	return t.Types[t.Structs[si].Type].Name
}

// StructIndex looks up a struct by type name.
func (t *Table) StructIndex(name string) (int, bool) {
	si, ok := t.structByName[name]
	return si, ok
}

// MustStructIndex is StructIndex for names the caller declared itself.
func (t *Table) MustStructIndex(name string) int {
	si, ok := t.structByName[name]
	if !ok {
		panic(fmt.Sprintf("layout: unknown struct %q", name))
	}
	return si
}

// IsStruct reports whether the type name refers to a struct of this table.
func (t *Table) IsStruct(name string) bool {
	_, ok := t.structByName[name]
	return ok
}

// PrimOf returns the primitive kind and size of a type name.
func (t *Table) PrimOf(name string) (Prim, int) {
	ti, ok := t.typeByName[name]
	if !ok {
		return PrimStruct, 0
	}
	return t.Types[ti].Prim, t.Types[ti].Size
}

// Fingerprint is the structural hash of struct si: two structs with equal
// fingerprints have byte-identical instances.
func (t *Table) Fingerprint(si int) uint64 {
	return t.Structs[si].fingerprint
}

// WithPointerSize returns a copy of t describing the same declarations for
// another pointer size and byte order.
func (t *Table) WithPointerSize(pointerSize int, order binary.ByteOrder) (*Table, error) {
	c := &Table{
		PointerSize: pointerSize,
		Order:       order,
		Types:       append([]Type(nil), t.Types...),
		Structs:     make([]Struct, len(t.Structs)),
	}
	for si := range t.Structs {
		c.Structs[si] = Struct{
			Type:   t.Structs[si].Type,
			Fields: append([]Field(nil), t.Structs[si].Fields...),
		}
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// finish computes sizes, offsets, lookup maps and fingerprints.  Struct sizes
// are resolved in dependency order; embedding cycles are an error.
func (t *Table) finish() error {
	t.typeByName = make(map[string]int, len(t.Types))
	t.structByName = make(map[string]int, len(t.Structs))
	for i := range t.Types {
		t.Types[i].Struct = -1
		t.typeByName[t.Types[i].Name] = i
	}
	for si := range t.Structs {
		ti := t.Structs[si].Type
		if ti < 0 || ti >= len(t.Types) {
			return fmt.Errorf("struct %d: type index %d out of range: %w", si, ti, ErrBadTable)
		}
		t.Types[ti].Struct = si
		t.Types[ti].Prim = PrimStruct
		t.structByName[t.Types[ti].Name] = si
	}

	state := make([]uint8, len(t.Structs)) // 0 unvisited, 1 visiting, 2 done
	var size func(si int) error
	size = func(si int) error {
		switch state[si] {
		case 1:
			return fmt.Errorf("struct %s embeds itself: %w", t.StructName(si), ErrBadTable)
		case 2:
			return nil
		}
		state[si] = 1
		s := &t.Structs[si]
		s.byIdent = make(map[string]int, len(s.Fields))
		off := 0
		for fi := range s.Fields {
			f := &s.Fields[fi]
			if f.Type < 0 || f.Type >= len(t.Types) {
				return fmt.Errorf("struct %s field %d: type index %d out of range: %w", t.StructName(si), fi, f.Type, ErrBadTable)
			}
			if f.Ident == "" {
				ident, ptr, array, err := parseFieldName(f.Name)
				if err != nil {
					return fmt.Errorf("struct %s: %w", t.StructName(si), err)
				}
				f.Ident, f.Ptr, f.Array = ident, ptr, array
			}
			ft := &t.Types[f.Type]
			switch {
			case f.Ptr > 0:
				f.ElemSize = t.PointerSize
			case ft.Struct >= 0:
				if err := size(ft.Struct); err != nil {
					return err
				}
				f.ElemSize = t.Structs[ft.Struct].Size
			default:
				f.ElemSize = ft.Size
			}
			f.Offset = off
			f.Size = f.ElemSize * f.Array
			off += f.Size
			s.byIdent[f.Ident] = fi
		}
		s.Size = off
		t.Types[s.Type].Size = off
		state[si] = 2
		return nil
	}
	for si := range t.Structs {
		if err := size(si); err != nil {
			return err
		}
	}

	memo := make(map[int]uint64, len(t.Structs))
	for si := range t.Structs {
		t.Structs[si].fingerprint = t.fingerprint(si, memo)
	}
	t.collectPointers()
	return nil
}

func (t *Table) fingerprint(si int, memo map[int]uint64) uint64 {
	if fp, ok := memo[si]; ok {
		return fp
	}
	s := &t.Structs[si]
	var sb strings.Builder
	sb.WriteString(t.StructName(si))
	sb.WriteByte('{')
	for _, f := range s.Fields {
		ft := &t.Types[f.Type]
		sb.WriteString(ft.Name)
		sb.WriteByte(' ')
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(f.Size))
		if f.Ptr == 0 && ft.Struct >= 0 {
			sb.WriteByte('(')
			sb.WriteString(strconv.FormatUint(t.fingerprint(ft.Struct, memo), 16))
			sb.WriteByte(')')
		}
		sb.WriteByte(';')
	}
	sb.WriteByte('}')
	s2 := sb.String()
	fp := farm.Fingerprint64(unsafestring.ToBytes(s2))
	memo[si] = fp
	return fp
}

// parseFieldName splits a declared field name into identifier, pointer depth
// and element count.  Function pointers ("(*fn)()") count as pointers.
func parseFieldName(name string) (ident string, ptr int, array int, err error) {
	s := name
	if strings.HasPrefix(s, "(*") {
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return "", 0, 0, fmt.Errorf("field %q: unterminated function pointer: %w", name, ErrBadTable)
		}
		return s[2:end], 1, 1, nil
	}
	for strings.HasPrefix(s, "*") {
		ptr++
		s = s[1:]
	}
	array = 1
	if i := strings.IndexByte(s, '['); i >= 0 {
		dims := s[i:]
		s = s[:i]
		for len(dims) > 0 {
			if dims[0] != '[' {
				return "", 0, 0, fmt.Errorf("field %q: bad dimensions: %w", name, ErrBadTable)
			}
			end := strings.IndexByte(dims, ']')
			if end < 0 {
				return "", 0, 0, fmt.Errorf("field %q: unterminated dimension: %w", name, ErrBadTable)
			}
			n, convErr := strconv.Atoi(dims[1:end])
			if convErr != nil || n <= 0 {
				return "", 0, 0, fmt.Errorf("field %q: bad dimension %q: %w", name, dims[1:end], ErrBadTable)
			}
			array *= n
			dims = dims[end+1:]
		}
	}
	if s == "" {
		return "", 0, 0, fmt.Errorf("field %q: empty identifier: %w", name, ErrBadTable)
	}
	return s, ptr, array, nil
}
