// Copyright 2026 The stratum Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bitset tracks which blocks of an opened file were consumed.
package bitset

import (
	"math/bits"

	"github.com/bpowers/stratum/internal/zero"
)

// Bitset is an in-memory bitmap that is conceptually similar to []bool, but more memory efficient.
type Bitset struct {
	bits   []uint64
	length int
}

func getOffsets(off int) (sliceOff int, bitOff uint) {
	return off / 64, uint(off) % 64
}

// Set sets the bit at position `off` to 1.
func (b *Bitset) Set(off int) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	b.bits[sliceOff] |= 1 << bitOff
}

// Clear sets the bit at position `off` to 0.
func (b *Bitset) Clear(off int) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	b.bits[sliceOff] &= ^(1 << bitOff)
}

// IsSet returns true if the bit at position `off` is 1.
func (b *Bitset) IsSet(off int) bool {
	if off < 0 || off >= b.length {
		return false
	}
	sliceOff, bitOff := getOffsets(off)
	return b.bits[sliceOff]&(1<<bitOff) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Reset clears every bit.
func (b *Bitset) Reset() {
	zero.Uint64s(b.bits)
}

// Len returns the number of addressable bits.
func (b *Bitset) Len() int {
	return b.length
}

// New returns a new in-memory bitset where you can set, clear and test for individual bits.
func New(length int) *Bitset {
	return &Bitset{
		bits:   make([]uint64, (length+63)/64),
		length: length,
	}
}
