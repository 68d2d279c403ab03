// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package memfile holds undo snapshots in memory as a list of chunks.
// Chunks that did not change since the previous snapshot share its bytes.
package memfile

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// MaxChunkSize bounds the size of one chunk.
const MaxChunkSize = 32 * 1024

// Chunk is a slice of a snapshot.  UID is the record the bytes belong to,
// 0 for bytes written outside any record.
type Chunk struct {
	Data      []byte
	UID       uint32
	Identical bool

	digest uint64
}

// MemFile is one snapshot.
type MemFile struct {
	Chunks []*Chunk

	size     int64
	uidFirst map[uint32]int // first chunk of each record
	loose    []int          // chunks written outside records, in order
}

// Size returns the snapshot's length and how many of its bytes are shared
// with the previous snapshot.
func (m *MemFile) Size() (total, shared int64) {
	for _, c := range m.Chunks {
		if c.Identical {
			shared += int64(len(c.Data))
		}
	}
	return m.size, shared
}

// Len is the snapshot's length in bytes.
func (m *MemFile) Len() int64 {
	return m.size
}

// Changed returns the number of chunks that differ from the previous
// snapshot.  It is 0 when nothing changed between the two snapshots.
func (m *MemFile) Changed() int {
	n := 0
	for _, c := range m.Chunks {
		if !c.Identical {
			n++
		}
	}
	return n
}

// Bytes returns the snapshot as one contiguous slice.
func (m *MemFile) Bytes() []byte {
	out := make([]byte, 0, m.size)
	for _, c := range m.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Writer builds a MemFile, comparing what is written against prev.  It
// implements the blockio.RecordSink interface so chunk boundaries follow
// record boundaries.
type Writer struct {
	prev *MemFile
	cur  *MemFile

	uid      uint32
	prevNext int // next chunk of prev to compare against
	loose    int // next loose chunk of prev
}

// NewWriter starts a snapshot.  prev may be nil.
func NewWriter(prev *MemFile) *Writer {
	return &Writer{
		prev: prev,
		cur:  &MemFile{uidFirst: make(map[uint32]int)},
	}
}

// BeginRecord marks the start of record uid.
func (w *Writer) BeginRecord(uid uint32) error {
	w.uid = uid
	w.prevNext = -1
	if w.prev != nil {
		if i, ok := w.prev.uidFirst[uid]; ok {
			w.prevNext = i
		}
	}
	return nil
}

// EndRecord marks the end of the current record.
func (w *Writer) EndRecord() error {
	w.uid = 0
	return nil
}

// Write appends p as one or more chunks.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		size := min(len(p), MaxChunkSize)
		w.add(p[:size])
		p = p[size:]
	}
	return n, nil
}

func (w *Writer) add(p []byte) {
	c := &Chunk{UID: w.uid, digest: xxhash.Sum64(p)}
	if old := w.counterpart(); old != nil && old.digest == c.digest && bytes.Equal(old.Data, p) {
		c.Data = old.Data
		c.Identical = true
	} else {
		c.Data = append([]byte(nil), p...)
	}

	idx := len(w.cur.Chunks)
	w.cur.Chunks = append(w.cur.Chunks, c)
	w.cur.size += int64(len(p))
	if w.uid == 0 {
		w.cur.loose = append(w.cur.loose, idx)
	} else if _, ok := w.cur.uidFirst[w.uid]; !ok {
		w.cur.uidFirst[w.uid] = idx
	}
}

// counterpart returns the chunk of the previous snapshot at the same
// position within the same record, advancing past it.
func (w *Writer) counterpart() *Chunk {
	if w.prev == nil {
		return nil
	}
	if w.uid == 0 {
		if w.loose >= len(w.prev.loose) {
			return nil
		}
		c := w.prev.Chunks[w.prev.loose[w.loose]]
		w.loose++
		return c
	}
	if w.prevNext < 0 || w.prevNext >= len(w.prev.Chunks) {
		return nil
	}
	c := w.prev.Chunks[w.prevNext]
	if c.UID != w.uid {
		w.prevNext = -1
		return nil
	}
	w.prevNext++
	return c
}

// MemFile returns the snapshot written so far.
func (w *Writer) MemFile() *MemFile {
	return w.cur
}
