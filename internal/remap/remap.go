// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package remap maps addresses found in a file ("old" addresses) to the
// values they were loaded as.
//
// A Table is an open-addressing hash table.  Slots index into a dense entry
// array; the slot array is a power of two and kept at least twice the
// number of entries.  Probing uses the variable-shift perturbation scheme,
// so every slot is eventually visited even for poorly distributed keys.
package remap

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
)

const (
	minSlots     = 16
	perturbShift = 5
)

// Entry is one mapping.  Tag is caller defined: a use count for payload
// blocks, a block or kind code for records.
type Entry[V comparable] struct {
	Old   uint64
	Value V
	Tag   uint32
}

// Table maps old addresses to values of type V.  The zero V means "no
// value".  A Table is not safe for concurrent use.
type Table[V comparable] struct {
	entries []Entry[V]
	slots   []int32 // entry index + 1; 0 is empty
	mask    uint64
}

// New returns a table sized for about n entries.
func New[V comparable](n int) *Table[V] {
	t := &Table[V]{}
	t.resize(slotsFor(n))
	return t
}

func slotsFor(n int) int {
	size := minSlots
	for size < 2*n {
		size <<= 1
	}
	return size
}

func hash(old uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], old)
	return farm.Hash64(b[:])
}

// find returns the slot holding old, or the empty slot where it belongs.
func (t *Table[V]) find(old uint64) uint64 {
	h := hash(old)
	i := h & t.mask
	perturb := h
	for {
		e := t.slots[i]
		if e == 0 || t.entries[e-1].Old == old {
			return i
		}
		perturb >>= perturbShift
		i = (i*5 + perturb + 1) & t.mask
	}
}

func (t *Table[V]) resize(nslots int) {
	t.slots = make([]int32, nslots)
	t.mask = uint64(nslots - 1)
	for i := range t.entries {
		t.slots[t.find(t.entries[i].Old)] = int32(i + 1)
	}
}

// Insert maps old to v, replacing any previous mapping.  A zero address or
// a zero value is ignored.
func (t *Table[V]) Insert(old uint64, v V, tag uint32) {
	var zero V
	if old == 0 || v == zero {
		return
	}
	if t.slots == nil {
		t.resize(minSlots)
	}
	i := t.find(old)
	if e := t.slots[i]; e != 0 {
		t.entries[e-1].Value = v
		t.entries[e-1].Tag = tag
		return
	}
	t.entries = append(t.entries, Entry[V]{Old: old, Value: v, Tag: tag})
	t.slots[i] = int32(len(t.entries))
	if 2*len(t.entries) > len(t.slots) {
		t.resize(len(t.slots) * 2)
	}
}

func (t *Table[V]) entry(old uint64) *Entry[V] {
	if old == 0 || t.slots == nil {
		return nil
	}
	if e := t.slots[t.find(old)]; e != 0 {
		return &t.entries[e-1]
	}
	return nil
}

// Lookup returns the value mapped to old.
func (t *Table[V]) Lookup(old uint64) (V, bool) {
	var zero V
	e := t.entry(old)
	if e == nil || e.Value == zero {
		return zero, false
	}
	return e.Value, true
}

// LookupAndUse is Lookup that also counts one more use of the entry.
func (t *Table[V]) LookupAndUse(old uint64) (V, bool) {
	var zero V
	e := t.entry(old)
	if e == nil || e.Value == zero {
		return zero, false
	}
	e.Tag++
	return e.Value, true
}

// LookupIf returns the value mapped to old only if keep accepts it.  The
// link phase uses it to tell records of a library from local ones.
func (t *Table[V]) LookupIf(old uint64, keep func(V) bool) (V, bool) {
	v, ok := t.Lookup(old)
	if !ok || !keep(v) {
		var zero V
		return zero, false
	}
	return v, true
}

// Tag returns the tag of old's entry.
func (t *Table[V]) Tag(old uint64) (uint32, bool) {
	e := t.entry(old)
	if e == nil {
		return 0, false
	}
	return e.Tag, true
}

// SetTag replaces the tag of an existing entry.
func (t *Table[V]) SetTag(old uint64, tag uint32) bool {
	e := t.entry(old)
	if e == nil {
		return false
	}
	e.Tag = tag
	return true
}

// Replace points every entry mapped to from at to instead, setting its tag,
// and returns how many entries changed.  A zero to leaves the entries
// unresolvable.
func (t *Table[V]) Replace(from, to V, tag uint32) int {
	n := 0
	for i := range t.entries {
		if t.entries[i].Value == from {
			t.entries[i].Value = to
			t.entries[i].Tag = tag
			n++
		}
	}
	return n
}

// Entries returns all entries in insertion order.  The slice is owned by
// the table.
func (t *Table[V]) Entries() []Entry[V] {
	return t.entries
}

// Len returns the number of entries.
func (t *Table[V]) Len() int {
	return len(t.entries)
}

// Reset removes all entries, keeping the allocated capacity.
func (t *Table[V]) Reset() {
	t.entries = t.entries[:0]
	clear(t.slots)
}
