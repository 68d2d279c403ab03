// Copyright 2026 The stratum Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index finds the block holding a named record in an opened file.
package index

import (
	"math/bits"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/stratum/internal/unsafestring"
)

// Entry names the block a record key was found at.
type Entry struct {
	Key   string
	Block int
}

// Table is an immutable hash table that provides constant-time lookups of
// record keys using a minimal perfect hash.
type Table struct {
	entries    []Entry
	level0     []uint32 // power of 2 size
	level0Mask uint32   // len(Level0) - 1
	level1     []uint32 // power of 2 size >= len(keys)
	level1Mask uint32   // len(Level1) - 1
}

// Key is the lookup key of a record: its two-character kind code followed
// by its name, as stored in the record's ID header.
func Key(code string, name string) string {
	return code + name
}

// Build builds a Table from entries using the "Hash, displace, and compress"
// algorithm described in http://cmph.sourceforge.net/papers/esa09.pdf.
// When a key repeats, the first entry wins.
func Build(in []Entry) *Table {
	seen := make(map[string]struct{}, len(in))
	entries := make([]Entry, 0, len(in))
	for _, e := range in {
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		entries = append(entries, e)
	}

	var (
		level0        = make([]uint32, nextPow2(len(entries)/4))
		level0Mask    = uint32(len(level0) - 1)
		level1        = make([]uint32, nextPow2(len(entries)))
		level1Mask    = uint32(len(level1) - 1)
		sparseBuckets = make([][]int, len(level0))
	)
	for i, e := range entries {
		n := uint32(farm.Hash64WithSeed(unsafestring.ToBytes(e.Key), 0)) & level0Mask
		sparseBuckets[n] = append(sparseBuckets[n], i)
	}
	var buckets []indexBucket
	for n, vals := range sparseBuckets {
		if len(vals) > 0 {
			buckets = append(buckets, indexBucket{n, vals})
		}
	}
	sort.Sort(bySize(buckets))

	occ := make([]bool, len(level1))
	var tmpOcc []uint32
	for _, bucket := range buckets {
		seed := uint64(1)
	trySeed:
		tmpOcc = tmpOcc[:0]
		for _, i := range bucket.vals {
			n := uint32(farm.Hash64WithSeed(unsafestring.ToBytes(entries[i].Key), seed)) & level1Mask
			if occ[n] {
				for _, n := range tmpOcc {
					occ[n] = false
				}
				seed++
				goto trySeed
			}
			occ[n] = true
			tmpOcc = append(tmpOcc, n)
			level1[n] = uint32(i)
		}
		level0[bucket.n] = uint32(seed)
	}

	return &Table{
		entries:    entries,
		level0:     level0,
		level0Mask: level0Mask,
		level1:     level1,
		level1Mask: level1Mask,
	}
}

func nextPow2(n int) int {
	return 1 << (32 - bits.LeadingZeros32(uint32(n)))
}

// Lookup returns the block index of key.
func (t *Table) Lookup(key string) (int, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	b := unsafestring.ToBytes(key)
	i0 := uint32(farm.Hash64WithSeed(b, 0)) & t.level0Mask
	seed := uint64(t.level0[i0])
	i1 := uint32(farm.Hash64WithSeed(b, seed)) & t.level1Mask
	e := &t.entries[t.level1[i1]]
	// keys outside the build set hash somewhere arbitrary
	if e.Key != key {
		return 0, false
	}
	return e.Block, true
}

// Len returns the number of distinct keys.
func (t *Table) Len() int {
	return len(t.entries)
}

type indexBucket struct {
	n    int
	vals []int
}

type bySize []indexBucket

func (s bySize) Len() int           { return len(s) }
func (s bySize) Less(i, j int) bool { return len(s[i].vals) > len(s[j].vals) }
func (s bySize) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
