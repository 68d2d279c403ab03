// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const maxTableEntries = 1 << 16

// Encode serializes the table in its own byte order.
func (t *Table) Encode() []byte {
	var names []string
	nameIdx := make(map[string]int)
	for _, s := range t.Structs {
		for _, f := range s.Fields {
			if _, ok := nameIdx[f.Name]; !ok {
				nameIdx[f.Name] = len(names)
				names = append(names, f.Name)
			}
		}
	}

	var buf bytes.Buffer
	u16 := func(v int) {
		var b [2]byte
		t.Order.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	}
	u32 := func(v int) {
		var b [4]byte
		t.Order.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
	align := func() {
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}

	buf.WriteString("SDNA")
	buf.WriteString("NAME")
	u32(len(names))
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	align()

	buf.WriteString("TYPE")
	u32(len(t.Types))
	for _, ty := range t.Types {
		buf.WriteString(ty.Name)
		buf.WriteByte(0)
	}
	align()

	buf.WriteString("TLEN")
	for _, ty := range t.Types {
		u16(ty.Size)
	}
	align()

	buf.WriteString("STRC")
	u32(len(t.Structs))
	for _, s := range t.Structs {
		u16(s.Type)
		u16(len(s.Fields))
		for _, f := range s.Fields {
			u16(f.Type)
			u16(nameIdx[f.Name])
		}
	}
	return buf.Bytes()
}

type tableDecoder struct {
	data  []byte
	off   int
	order binary.ByteOrder
}

func (d *tableDecoder) marker(want string) error {
	if d.off+4 > len(d.data) || string(d.data[d.off:d.off+4]) != want {
		return fmt.Errorf("missing %s marker at offset %d: %w", want, d.off, ErrBadTable)
	}
	d.off += 4
	return nil
}

func (d *tableDecoder) u32() (int, error) {
	if d.off+4 > len(d.data) {
		return 0, fmt.Errorf("truncated at offset %d: %w", d.off, ErrBadTable)
	}
	v := d.order.Uint32(d.data[d.off:])
	d.off += 4
	if v >= maxTableEntries {
		return 0, fmt.Errorf("implausible count %d: %w", v, ErrBadTable)
	}
	return int(v), nil
}

func (d *tableDecoder) u16() (int, error) {
	if d.off+2 > len(d.data) {
		return 0, fmt.Errorf("truncated at offset %d: %w", d.off, ErrBadTable)
	}
	v := d.order.Uint16(d.data[d.off:])
	d.off += 2
	return int(v), nil
}

func (d *tableDecoder) strings(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		end := bytes.IndexByte(d.data[d.off:], 0)
		if end < 0 {
			return nil, fmt.Errorf("unterminated string %d: %w", i, ErrBadTable)
		}
		out = append(out, string(d.data[d.off:d.off+end]))
		d.off += end + 1
	}
	return out, nil
}

func (d *tableDecoder) align() {
	for d.off%4 != 0 {
		d.off++
	}
}

// Decode parses an encoded table written with the given pointer size and
// byte order.
func Decode(data []byte, pointerSize int, order binary.ByteOrder) (*Table, error) {
	if pointerSize != 4 && pointerSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d: %w", pointerSize, ErrBadTable)
	}
	d := &tableDecoder{data: data, order: order}
	if err := d.marker("SDNA"); err != nil {
		return nil, err
	}

	if err := d.marker("NAME"); err != nil {
		return nil, err
	}
	nNames, err := d.u32()
	if err != nil {
		return nil, err
	}
	names, err := d.strings(nNames)
	if err != nil {
		return nil, err
	}
	d.align()

	if err := d.marker("TYPE"); err != nil {
		return nil, err
	}
	nTypes, err := d.u32()
	if err != nil {
		return nil, err
	}
	typeNames, err := d.strings(nTypes)
	if err != nil {
		return nil, err
	}
	d.align()

	if err := d.marker("TLEN"); err != nil {
		return nil, err
	}
	t := &Table{PointerSize: pointerSize, Order: order, Types: make([]Type, nTypes)}
	for i := range t.Types {
		size, err := d.u16()
		if err != nil {
			return nil, err
		}
		prim, primSize, isPrim := primByName(typeNames[i])
		if isPrim && primSize != size {
			return nil, fmt.Errorf("type %s has size %d, expected %d: %w", typeNames[i], size, primSize, ErrBadTable)
		}
		t.Types[i] = Type{Name: typeNames[i], Size: size, Prim: prim, Struct: -1}
	}
	d.align()

	if err := d.marker("STRC"); err != nil {
		return nil, err
	}
	nStructs, err := d.u32()
	if err != nil {
		return nil, err
	}
	declared := make([]int, nStructs)
	t.Structs = make([]Struct, nStructs)
	for si := range t.Structs {
		ti, err := d.u16()
		if err != nil {
			return nil, err
		}
		nFields, err := d.u16()
		if err != nil {
			return nil, err
		}
		if ti >= nTypes {
			return nil, fmt.Errorf("struct %d: type %d out of range: %w", si, ti, ErrBadTable)
		}
		s := Struct{Type: ti, Fields: make([]Field, nFields)}
		for fi := range s.Fields {
			fti, err := d.u16()
			if err != nil {
				return nil, err
			}
			ni, err := d.u16()
			if err != nil {
				return nil, err
			}
			if fti >= nTypes || ni >= nNames {
				return nil, fmt.Errorf("struct %s field %d out of range: %w", typeNames[ti], fi, ErrBadTable)
			}
			s.Fields[fi] = Field{Type: fti, Name: names[ni]}
		}
		declared[si] = t.Types[ti].Size
		t.Structs[si] = s
	}
	if nStructs == 0 || t.TypeName(t.Structs[RawDataIndex].Type) != rawDataName {
		return nil, fmt.Errorf("first struct is not %s: %w", rawDataName, ErrBadTable)
	}

	if err := t.finish(); err != nil {
		return nil, err
	}
	for si, s := range t.Structs {
		if s.Size != declared[si] {
			return nil, fmt.Errorf("struct %s: fields add up to %d bytes, table says %d: %w", t.StructName(si), s.Size, declared[si], ErrBadTable)
		}
	}
	return t, nil
}
