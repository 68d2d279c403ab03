// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"fmt"

	"github.com/bpowers/stratum/internal/zero"
)

// Aliases renames structs and fields of an older table to their current
// names.  Field renames are keyed by the current struct name.
type Aliases struct {
	Structs map[string]string
	Fields  map[string]map[string]string
}

func (a *Aliases) structName(name string) string {
	if a != nil {
		if cur, ok := a.Structs[name]; ok {
			return cur
		}
	}
	return name
}

func (a *Aliases) fieldName(structName, ident string) string {
	if a != nil {
		if cur, ok := a.Fields[structName][ident]; ok {
			return cur
		}
	}
	return ident
}

type opKind uint8

const (
	opCopy opKind = iota
	opCast
	opPointer
	opStruct
)

type fieldOp struct {
	kind     opKind
	src, dst *Field
	n        int // elements copied
	// for opStruct, the plan of the embedded struct
	nested *plan
}

type plan struct {
	src, dst int
	equal    bool
	ops      []fieldOp
}

// Reconciler converts struct instances from one table's layout to
// another's.  It is used in both directions: file to memory on read, and
// memory to file when writing a legacy pointer size or byte order.
type Reconciler struct {
	src, dst *Table
	aliases  *Aliases
	plans    map[int]*plan
}

// NewReconciler returns a Reconciler from src layouts to dst layouts.
// aliases may be nil.
func NewReconciler(src, dst *Table, aliases *Aliases) *Reconciler {
	return &Reconciler{
		src:     src,
		dst:     dst,
		aliases: aliases,
		plans:   make(map[int]*plan),
	}
}

// Target returns the dst struct index matching src struct si, or false if
// the struct no longer exists in dst.
func (r *Reconciler) Target(si int) (int, bool) {
	if si < 0 || si >= len(r.src.Structs) {
		return 0, false
	}
	return r.dst.StructIndex(r.aliases.structName(r.src.StructName(si)))
}

// Equal reports whether instances of src struct si are byte-identical in
// dst, so that reconciling them is a plain copy.
func (r *Reconciler) Equal(si int) bool {
	p, err := r.plan(si)
	return err == nil && p != nil && p.equal
}

// Reconcile converts count instances of src struct si held in raw.  It
// returns the converted bytes and the dst struct index.  A struct that no
// longer exists in dst yields nil bytes and no error.
func (r *Reconciler) Reconcile(si, count int, raw []byte) ([]byte, int, error) {
	if si < 0 || si >= len(r.src.Structs) {
		return nil, -1, fmt.Errorf("layout.Reconcile: struct index %d out of range: %w", si, ErrCorruptRecord)
	}
	if count < 0 {
		return nil, -1, fmt.Errorf("layout.Reconcile: negative count: %w", ErrCorruptRecord)
	}
	p, err := r.plan(si)
	if err != nil {
		return nil, -1, err
	}
	if p == nil {
		return nil, -1, nil
	}
	srcSize := r.src.Structs[si].Size
	if len(raw) < srcSize*count {
		return nil, -1, fmt.Errorf("layout.Reconcile(%s): %d bytes for %d instances of %d: %w",
			r.src.StructName(si), len(raw), count, srcSize, ErrCorruptRecord)
	}

	in := make([]byte, srcSize*count)
	copy(in, raw)
	if r.src.Order != r.dst.Order {
		if err := r.src.SwapStruct(si, count, in); err != nil {
			return nil, -1, err
		}
	}
	if p.equal {
		return in, p.dst, nil
	}

	dstSize := r.dst.Structs[p.dst].Size
	out := make([]byte, dstSize*count)
	for i := 0; i < count; i++ {
		r.apply(p, out[i*dstSize:(i+1)*dstSize], in[i*srcSize:(i+1)*srcSize])
	}
	return out, p.dst, nil
}

func (r *Reconciler) apply(p *plan, dst, src []byte) {
	if p.equal {
		copy(dst, src)
		return
	}
	zero.Bytes(dst)
	order := r.dst.Order
	for _, op := range p.ops {
		for e := 0; e < op.n; e++ {
			s := src[op.src.Offset+e*op.src.ElemSize : op.src.Offset+(e+1)*op.src.ElemSize]
			d := dst[op.dst.Offset+e*op.dst.ElemSize : op.dst.Offset+(e+1)*op.dst.ElemSize]
			switch op.kind {
			case opCopy:
				copy(d, s)
			case opCast:
				castPrim(r.dst.Types[op.dst.Type].Prim, d, r.src.Types[op.src.Type].Prim, s, order)
			case opPointer:
				WritePointer(d, r.dst.PointerSize, order, ReadPointer(s, r.src.PointerSize, order))
			case opStruct:
				r.apply(op.nested, d, s)
			}
		}
	}
}

func (r *Reconciler) plan(si int) (*plan, error) {
	if p, ok := r.plans[si]; ok {
		return p, nil
	}
	r.plans[si] = nil // breaks embedding cycles; finish rejects them anyway
	di, ok := r.Target(si)
	if !ok {
		return nil, nil
	}
	p := &plan{src: si, dst: di}
	srcS, dstS := &r.src.Structs[si], &r.dst.Structs[di]
	if r.src.PointerSize == r.dst.PointerSize && srcS.fingerprint == dstS.fingerprint {
		p.equal = true
		r.plans[si] = p
		return p, nil
	}

	dstName := r.dst.StructName(di)
	for fi := range srcS.Fields {
		sf := &srcS.Fields[fi]
		df, ok := dstS.FieldByIdent(r.aliases.fieldName(dstName, sf.Ident))
		if !ok {
			continue
		}
		op, ok, err := r.fieldOp(sf, df)
		if err != nil {
			return nil, err
		}
		if ok {
			p.ops = append(p.ops, op)
		}
	}
	r.plans[si] = p
	return p, nil
}

// fieldOp decides how a src field maps onto a dst field with the same
// name.  Fields whose types are incompatible are left zero.
func (r *Reconciler) fieldOp(sf, df *Field) (fieldOp, bool, error) {
	op := fieldOp{src: sf, dst: df, n: min(sf.Array, df.Array)}
	st, dt := &r.src.Types[sf.Type], &r.dst.Types[df.Type]
	switch {
	case sf.Ptr > 0 || df.Ptr > 0:
		if sf.Ptr != df.Ptr {
			return op, false, nil
		}
		op.kind = opPointer
		if r.src.PointerSize == r.dst.PointerSize {
			op.kind = opCopy
		}
	case st.Struct >= 0 || dt.Struct >= 0:
		if st.Struct < 0 || dt.Struct < 0 || r.aliases.structName(st.Name) != dt.Name {
			return op, false, nil
		}
		nested, err := r.plan(st.Struct)
		if err != nil || nested == nil {
			return op, false, err
		}
		op.kind, op.nested = opStruct, nested
	case isNumeric(st.Prim) && isNumeric(dt.Prim):
		op.kind = opCast
		if st.Prim == dt.Prim {
			op.kind = opCopy
		}
	default:
		return op, false, nil
	}
	return op, true, nil
}
