// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import "strings"

// Slot is one pointer inside a struct instance.
type Slot struct {
	// Offset is relative to the start of the outermost struct.
	Offset int
	// Path is the dotted field path ("id.override", "loc").  Array
	// elements share their field's path.
	Path string
	// Target is the name of the pointed-to type.
	Target string
	// Depth is the pointer depth: 1 for *T, 2 for **T.
	Depth int
	// Func is set for function pointers, which are never persisted.
	Func bool
}

// Pointers returns every pointer slot of struct si, in field order, with
// embedded structs expanded in place.
func (t *Table) Pointers(si int) []Slot {
	return t.Structs[si].pointers
}

// Walk calls fn for each pointer slot in count consecutive instances of
// struct si.  off is the absolute offset of the slot within data.
func (t *Table) Walk(si, count int, data []byte, fn func(s Slot, off int) error) error {
	size := t.Structs[si].Size
	for i := 0; i < count && (i+1)*size <= len(data); i++ {
		for _, s := range t.Structs[si].pointers {
			if err := fn(s, i*size+s.Offset); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) collectPointers() {
	memo := make(map[int][]Slot, len(t.Structs))
	for si := range t.Structs {
		t.Structs[si].pointers = t.pointersOf(si, memo)
	}
}

func (t *Table) pointersOf(si int, memo map[int][]Slot) []Slot {
	if s, ok := memo[si]; ok {
		return s
	}
	var out []Slot
	for _, f := range t.Structs[si].Fields {
		ft := &t.Types[f.Type]
		switch {
		case f.Ptr > 0:
			for e := 0; e < f.Array; e++ {
				out = append(out, Slot{
					Offset: f.Offset + e*f.ElemSize,
					Path:   f.Ident,
					Target: ft.Name,
					Depth:  f.Ptr,
					Func:   strings.HasPrefix(f.Name, "(*"),
				})
			}
		case ft.Struct >= 0:
			inner := t.pointersOf(ft.Struct, memo)
			for e := 0; e < f.Array; e++ {
				for _, s := range inner {
					s.Offset += f.Offset + e*f.ElemSize
					s.Path = f.Ident + "." + s.Path
					out = append(out, s)
				}
			}
		}
	}
	memo[si] = out
	return out
}

// FieldAt resolves a dotted field path to its absolute offset within
// struct si and its field descriptor.
func (t *Table) FieldAt(si int, path string) (int, *Field, bool) {
	off := 0
	for {
		head, rest, nested := strings.Cut(path, ".")
		f, ok := t.Structs[si].FieldByIdent(head)
		if !ok {
			return 0, nil, false
		}
		off += f.Offset
		if !nested {
			return off, f, true
		}
		ft := &t.Types[f.Type]
		if f.Ptr > 0 || ft.Struct < 0 {
			return 0, nil, false
		}
		si, path = ft.Struct, rest
	}
}
