// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides functions to zero slices of specific types.
package zero

// Bytes zeroes b.  Reconciled records rely on it for fields the source
// layout does not carry.
func Bytes(b []byte) {
	clear(b)
}

// Uint64s zeroes b.
func Uint64s(b []uint64) {
	clear(b)
}
