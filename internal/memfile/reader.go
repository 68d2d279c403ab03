// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package memfile

import (
	"errors"
	"io"
	"sort"
)

// Reader reads a MemFile as one stream.
type Reader struct {
	mf   *MemFile
	offs []int64 // start of each chunk
	off  int64

	base map[*byte]int // chunks of the snapshot compared against, by first byte
}

// NewReader returns a Reader over mf.
func NewReader(mf *MemFile) *Reader {
	offs := make([]int64, len(mf.Chunks))
	var off int64
	for i, c := range mf.Chunks {
		offs[i] = off
		off += int64(len(c.Data))
	}
	return &Reader{mf: mf, offs: offs}
}

// chunkAt returns the index of the chunk holding off.
func (r *Reader) chunkAt(off int64) int {
	return sort.Search(len(r.offs), func(i int) bool {
		return r.offs[i]+int64(len(r.mf.Chunks[i].Data)) > off
	})
}

func (r *Reader) Size() int64 {
	return r.mf.size
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("memfile: negative offset")
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.mf.size {
			return n, io.EOF
		}
		i := r.chunkAt(pos)
		n += copy(p[n:], r.mf.Chunks[i].Data[pos-r.offs[i]:])
	}
	return n, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.off >= r.mf.size {
		return 0, io.EOF
	}
	n, err := r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Borrow returns the bytes at [off, off+n) without copying when they lie
// within a single chunk.
func (r *Reader) Borrow(off int64, n int) ([]byte, bool) {
	if off < 0 || off+int64(n) > r.mf.size {
		return nil, false
	}
	if n == 0 {
		return []byte{}, true
	}
	i := r.chunkAt(off)
	start := off - r.offs[i]
	data := r.mf.Chunks[i].Data
	if start+int64(n) > int64(len(data)) {
		return nil, false
	}
	return data[start : start+int64(n) : start+int64(n)], true
}

// CompareWith makes Identical report sharing with base instead of with the
// snapshot mf was written after.  base must come from the same chain of
// snapshots, in either direction.
func (r *Reader) CompareWith(base *MemFile) {
	r.base = make(map[*byte]int, len(base.Chunks))
	for _, c := range base.Chunks {
		r.base[&c.Data[0]] = len(c.Data)
	}
}

func (r *Reader) shared(c *Chunk) bool {
	if r.base == nil {
		return c.Identical
	}
	n, ok := r.base[&c.Data[0]]
	return ok && n == len(c.Data)
}

// Identical reports whether every chunk overlapping [off, off+n) is shared
// with the previous snapshot, or with the one given to CompareWith.
func (r *Reader) Identical(off, n int64) bool {
	if n <= 0 || off < 0 || off+n > r.mf.size {
		return false
	}
	for i := r.chunkAt(off); i < len(r.offs) && r.offs[i] < off+n; i++ {
		if !r.shared(r.mf.Chunks[i]) {
			return false
		}
	}
	return true
}
