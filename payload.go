// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"math"

	"github.com/bpowers/stratum/internal/layout"
)

// Payload is a block of typed data owned by one record: an array, a
// string, a list node, or an array of pointers.
type Payload struct {
	// Type is the element type: a primitive or struct name.
	Type string
	// Depth is 0 for values of Type and 1 for an array of pointers to Type.
	Depth int
	Count int
	Data  []byte
}

// Int32s returns a payload of ints.
func Int32s(v []int32) *Payload {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(x))
	}
	return &Payload{Type: "int", Count: len(v), Data: data}
}

// Float32s returns a payload of floats.
func Float32s(v []float32) *Payload {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(x))
	}
	return &Payload{Type: "float", Count: len(v), Data: data}
}

// CString returns a NUL terminated char payload.
func CString(s string) *Payload {
	data := make([]byte, len(s)+1)
	copy(data, s)
	return &Payload{Type: "char", Count: len(data), Data: data}
}

// Int32s decodes an int payload.
func (p *Payload) Int32s() []int32 {
	out := make([]int32, len(p.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(p.Data[4*i:]))
	}
	return out
}

// Float32s decodes a float payload.
func (p *Payload) Float32s() []float32 {
	out := make([]float32, len(p.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.Data[4*i:]))
	}
	return out
}

// Text decodes a char payload up to its first NUL.
func (p *Payload) Text() string {
	return cstring(p.Data)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (p *Payload) clone() *Payload {
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	return &c
}

// compactPayloads drops payloads no slot of r reaches and renumbers the
// slots of the rest.
func (r *Record) compactPayloads(k *Kind) {
	if len(r.Payloads) == 0 {
		return
	}
	renum := make([]uint64, len(r.Payloads))
	var kept []*Payload
	_ = eachPointer(r.db.reg, k, r.Data, r.Payloads, nil, func(p pointer) error {
		if p.kind != slotPayload {
			return nil
		}
		v := p.get()
		if v == 0 {
			return nil
		}
		if v > uint64(len(r.Payloads)) {
			p.set(0)
			return nil
		}
		if renum[v-1] == 0 {
			kept = append(kept, r.Payloads[v-1])
			renum[v-1] = uint64(len(kept))
		}
		p.set(renum[v-1])
		return nil
	})
	r.Payloads = kept
}

// pointer is one pointer slot of a record, in its struct or in one of its
// payloads.
type pointer struct {
	buf    []byte
	off    int
	target string
	depth  int
	kind   slotKind
	// field is the record field the slot was reached through.
	field string
}

func (p pointer) get() uint64 {
	return binary.LittleEndian.Uint64(p.buf[p.off:])
}

func (p pointer) set(v uint64) {
	binary.LittleEndian.PutUint64(p.buf[p.off:], v)
}

// eachPointer calls fn for every pointer slot of a record of kind k whose
// struct is data and whose payloads are payloads.  bufs, when not nil,
// replaces the payloads' bytes; the writer uses it to walk copies.  Each
// payload is visited once, in the order its first reference is met.  A
// payload slot's value is read before fn sees it.
func eachPointer(reg *Registry, k *Kind, data []byte, payloads []*Payload, bufs [][]byte, fn func(p pointer) error) error {
	visited := make([]bool, len(payloads))
	var walkStruct func(si, count int, buf []byte, field string) error
	var visit func(p pointer) error

	payloadBytes := func(i int) []byte {
		if bufs != nil {
			return bufs[i]
		}
		return payloads[i].Data
	}
	visit = func(p pointer) error {
		v := uint64(0)
		if p.kind == slotPayload {
			v = p.get()
		}
		if err := fn(p); err != nil {
			return err
		}
		if v == 0 || v > uint64(len(payloads)) || visited[v-1] {
			return nil
		}
		i := int(v - 1)
		visited[i] = true
		pl := payloads[i]
		buf := payloadBytes(i)
		if pl.Depth == 0 {
			if si, ok := reg.Layout.StructIndex(pl.Type); ok {
				return walkStruct(si, pl.Count, buf, p.field)
			}
			return nil
		}
		elem := layout.Slot{Target: pl.Type, Depth: pl.Depth}
		ek := reg.classify(elem)
		for off := 0; off+8 <= len(buf); off += 8 {
			if err := visit(pointer{buf: buf, off: off, target: pl.Type, depth: pl.Depth, kind: ek, field: p.field}); err != nil {
				return err
			}
		}
		return nil
	}
	walkStruct = func(si, count int, buf []byte, field string) error {
		return reg.Layout.Walk(si, count, buf, func(s layout.Slot, off int) error {
			f := field
			if f == "" {
				f = s.Path
			}
			return visit(pointer{buf: buf, off: off, target: s.Target, depth: s.Depth, kind: reg.classify(s), field: f})
		})
	}
	return walkStruct(k.si, 1, data, "")
}
