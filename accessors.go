// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bpowers/stratum/internal/layout"
)

func (r *Record) kind() (*Kind, error) {
	if r.db == nil {
		return nil, fmt.Errorf("%s: %w", r.ID(), ErrNotInDatabase)
	}
	k, ok := r.db.reg.Kind(r.Code)
	if !ok {
		return nil, fmt.Errorf("%s: %w", r.ID(), ErrUnknownKind)
	}
	return k, nil
}

func (r *Record) field(path string) (fieldInfo, error) {
	k, err := r.kind()
	if err != nil {
		return fieldInfo{}, err
	}
	fi, err := r.db.reg.field(k, path)
	if err != nil {
		return fieldInfo{}, err
	}
	if fi.off+fi.field.Size > len(r.Data) {
		return fieldInfo{}, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrCorruptRecord)
	}
	return fi, nil
}

func (r *Record) prim(path string, size int, prims ...layout.Prim) (fieldInfo, error) {
	fi, err := r.field(path)
	if err != nil {
		return fi, err
	}
	if fi.field.Ptr > 0 || fi.field.ElemSize != size {
		return fi, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	for _, p := range prims {
		if fi.prim == p {
			return fi, nil
		}
	}
	return fi, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
}

// Int32 reads an int field.
func (r *Record) Int32(path string) (int32, error) {
	fi, err := r.prim(path, 4, layout.PrimInt, layout.PrimUInt)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(r.Data[fi.off:])), nil
}

// SetInt32 writes an int field.
func (r *Record) SetInt32(path string, v int32) error {
	fi, err := r.prim(path, 4, layout.PrimInt, layout.PrimUInt)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.Data[fi.off:], uint32(v))
	return nil
}

// Int16 reads a short field.
func (r *Record) Int16(path string) (int16, error) {
	fi, err := r.prim(path, 2, layout.PrimShort, layout.PrimUShort)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(r.Data[fi.off:])), nil
}

// SetInt16 writes a short field.
func (r *Record) SetInt16(path string, v int16) error {
	fi, err := r.prim(path, 2, layout.PrimShort, layout.PrimUShort)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.Data[fi.off:], uint16(v))
	return nil
}

// Float32 reads the first element of a float field.
func (r *Record) Float32(path string) (float32, error) {
	fi, err := r.prim(path, 4, layout.PrimFloat)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(r.Data[fi.off:])), nil
}

// SetFloat32 writes the first element of a float field.
func (r *Record) SetFloat32(path string, v float32) error {
	fi, err := r.prim(path, 4, layout.PrimFloat)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.Data[fi.off:], math.Float32bits(v))
	return nil
}

// Float32s reads every element of a float array field.
func (r *Record) Float32s(path string) ([]float32, error) {
	fi, err := r.prim(path, 4, layout.PrimFloat)
	if err != nil {
		return nil, err
	}
	out := make([]float32, fi.field.Array)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.Data[fi.off+4*i:]))
	}
	return out, nil
}

// SetFloat32s writes the leading elements of a float array field.
func (r *Record) SetFloat32s(path string, v []float32) error {
	fi, err := r.prim(path, 4, layout.PrimFloat)
	if err != nil {
		return err
	}
	if len(v) > fi.field.Array {
		return fmt.Errorf("%s.%s: %d values for %d elements: %w", r.ID(), path, len(v), fi.field.Array, ErrFieldType)
	}
	for i, x := range v {
		binary.LittleEndian.PutUint32(r.Data[fi.off+4*i:], math.Float32bits(x))
	}
	return nil
}

// Text reads a char array field up to its first NUL.
func (r *Record) Text(path string) (string, error) {
	fi, err := r.prim(path, 1, layout.PrimChar, layout.PrimUChar)
	if err != nil {
		return "", err
	}
	return cstring(r.Data[fi.off : fi.off+fi.field.Size]), nil
}

// SetText writes a char array field.  The string must leave room for a
// terminating NUL.
func (r *Record) SetText(path, s string) error {
	fi, err := r.prim(path, 1, layout.PrimChar, layout.PrimUChar)
	if err != nil {
		return err
	}
	if len(s) >= fi.field.Size {
		return fmt.Errorf("%s.%s: %d bytes do not fit %d: %w", r.ID(), path, len(s), fi.field.Size, ErrFieldType)
	}
	b := r.Data[fi.off : fi.off+fi.field.Size]
	clear(b)
	copy(b, s)
	return nil
}

func (r *Record) slot(path string, kind slotKind, depth int) (fieldInfo, error) {
	fi, err := r.field(path)
	if err != nil {
		return fi, err
	}
	if fi.kind != kind || fi.slot.Depth != depth {
		return fi, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	return fi, nil
}

// Ref returns the record a pointer field refers to, or nil.
func (r *Record) Ref(path string) (*Record, error) {
	fi, err := r.slot(path, slotRecord, 1)
	if err != nil {
		return nil, err
	}
	return r.db.arena.Get(Handle(binary.LittleEndian.Uint64(r.Data[fi.off:]))), nil
}

// SetRef points a record field at target, which may be nil.
func (r *Record) SetRef(path string, target *Record) error {
	fi, err := r.slot(path, slotRecord, 1)
	if err != nil {
		return err
	}
	if err := r.checkTarget(fi, target); err != nil {
		return err
	}
	old := Handle(binary.LittleEndian.Uint64(r.Data[fi.off:]))
	binary.LittleEndian.PutUint64(r.Data[fi.off:], uint64(target.handleOrZero()))
	r.db.retarget(r, []Handle{old})
	return nil
}

func (r *Record) handleOrZero() Handle {
	if r == nil {
		return 0
	}
	return r.handle
}

func (r *Record) checkTarget(fi fieldInfo, target *Record) error {
	if target == nil {
		return nil
	}
	if target.handle == 0 || r.db.arena.Get(target.handle) != target {
		return fmt.Errorf("%s.%s: target %s: %w", r.ID(), fi.slot.Path, target.ID(), ErrNotInDatabase)
	}
	if fi.slot.Target != "ID" {
		k, ok := r.db.reg.Kind(target.Code)
		if !ok || k.Struct != fi.slot.Target {
			return fmt.Errorf("%s.%s: target %s: %w", r.ID(), fi.slot.Path, target.ID(), ErrFieldType)
		}
	}
	return nil
}

// Payload returns the payload a pointer field refers to, or nil.
func (r *Record) Payload(path string) (*Payload, error) {
	fi, err := r.field(path)
	if err != nil {
		return nil, err
	}
	if fi.kind != slotPayload {
		return nil, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	return r.payloadAt(binary.LittleEndian.Uint64(r.Data[fi.off:])), nil
}

func (r *Record) payloadAt(v uint64) *Payload {
	if v == 0 || v > uint64(len(r.Payloads)) {
		return nil
	}
	return r.Payloads[v-1]
}

// SetPayload attaches p to a pointer field.  A payload the field already
// refers to is replaced in place; nil clears the field.
func (r *Record) SetPayload(path string, p *Payload) error {
	fi, err := r.field(path)
	if err != nil {
		return err
	}
	if fi.kind != slotPayload {
		return fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	if p != nil && fi.slot.Target != "void" && (p.Type != fi.slot.Target || p.Depth != fi.slot.Depth-1) {
		return fmt.Errorf("%s.%s: payload of %s: %w", r.ID(), path, p.Type, ErrFieldType)
	}
	return r.attach(fi.off, p)
}

func (r *Record) attach(off int, p *Payload) error {
	cur := binary.LittleEndian.Uint64(r.Data[off:])
	var olds []Handle
	if pl := r.payloadAt(cur); pl != nil {
		olds = r.payloadRefs(pl)
	}
	switch {
	case p == nil:
		binary.LittleEndian.PutUint64(r.Data[off:], 0)
	case cur != 0 && cur <= uint64(len(r.Payloads)):
		r.Payloads[cur-1] = p
	default:
		r.Payloads = append(r.Payloads, p)
		binary.LittleEndian.PutUint64(r.Data[off:], uint64(len(r.Payloads)))
	}
	if k, err := r.kind(); err == nil {
		r.compactPayloads(k)
	}
	r.db.retarget(r, olds)
	return nil
}

// payloadRefs returns the record handles held directly by a pointer
// array payload.
func (r *Record) payloadRefs(p *Payload) []Handle {
	if p.Depth != 1 || !r.db.reg.isRecordTarget(p.Type) {
		return nil
	}
	out := make([]Handle, 0, len(p.Data)/8)
	for off := 0; off+8 <= len(p.Data); off += 8 {
		out = append(out, Handle(binary.LittleEndian.Uint64(p.Data[off:])))
	}
	return out
}

// Refs returns the records of a pointer array field.  Null elements are
// nil.
func (r *Record) Refs(path string) ([]*Record, error) {
	fi, err := r.slot(path, slotPayload, 2)
	if err != nil {
		return nil, err
	}
	if !r.db.reg.isRecordTarget(fi.slot.Target) {
		return nil, fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	p := r.payloadAt(binary.LittleEndian.Uint64(r.Data[fi.off:]))
	if p == nil {
		return nil, nil
	}
	hs := r.payloadRefs(p)
	out := make([]*Record, len(hs))
	for i, h := range hs {
		out[i] = r.db.arena.Get(h)
	}
	return out, nil
}

// SetRefs stores targets as the pointer array of a field.  An empty
// slice clears the field.
func (r *Record) SetRefs(path string, targets []*Record) error {
	fi, err := r.slot(path, slotPayload, 2)
	if err != nil {
		return err
	}
	if !r.db.reg.isRecordTarget(fi.slot.Target) {
		return fmt.Errorf("%s.%s: %w", r.ID(), path, ErrFieldType)
	}
	if len(targets) == 0 {
		return r.attach(fi.off, nil)
	}
	elem := fi
	elem.slot.Depth = 1
	data := make([]byte, 8*len(targets))
	for i, t := range targets {
		if err := r.checkTarget(elem, t); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(data[8*i:], uint64(t.handleOrZero()))
	}
	return r.attach(fi.off, &Payload{Type: fi.slot.Target, Depth: 1, Count: len(targets), Data: data})
}
