// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const defaultBufferSize = 128 * 1024

var ErrAddressOverflow = errors.New("address does not fit the file's pointer size")

// RecordSink is implemented by sinks that want to know which record the
// bytes being written belong to.
type RecordSink interface {
	BeginRecord(uid uint32) error
	EndRecord() error
}

type nopWriter struct{}

func (nopWriter) Write([]byte) (int, error) {
	return 0, io.EOF
}

// Writer encodes blocks onto a sink.
type Writer struct {
	sink     io.Writer
	rs       RecordSink
	h        Header
	w        *bufio.Writer
	hdr      []byte
	off      int64
	count    int
	finished bool
}

// NewWriter writes the container header for h and returns a Writer.
func NewWriter(sink io.Writer, h Header) (*Writer, error) {
	w := &Writer{
		sink: sink,
		h:    h,
		w:    bufio.NewWriterSize(sink, defaultBufferSize),
		hdr:  make([]byte, h.BlockHeaderSize()),
	}
	if rs, ok := sink.(RecordSink); ok {
		w.rs = rs
	}
	var hb [HeaderSize]byte
	if err := h.MarshalTo(hb[:]); err != nil {
		return nil, fmt.Errorf("Header.MarshalTo: %w", err)
	}
	if _, err := w.w.Write(hb[:]); err != nil {
		return nil, fmt.Errorf("bufio.Write: %w", err)
	}
	w.off = int64(HeaderSize)
	return w, nil
}

// Header returns the header the Writer was created with.
func (w *Writer) Header() Header {
	return w.h
}

// WriteBlock writes one block.  old must fit the header's pointer size.
func (w *Writer) WriteBlock(code Code, old uint64, sdna, count int, data []byte) error {
	if w.finished {
		return errors.New("blockio: write after Finish")
	}
	if len(data) > math.MaxInt32 {
		return fmt.Errorf("block %s of %d bytes is too large", code, len(data))
	}
	if w.h.PointerSize == 4 && old > math.MaxUint32 {
		return fmt.Errorf("block %s address %#x: %w", code, old, ErrAddressOverflow)
	}
	order := w.h.Order
	binary.LittleEndian.PutUint32(w.hdr[0:], uint32(code))
	order.PutUint32(w.hdr[4:], uint32(len(data)))
	p := 8
	if w.h.PointerSize == 4 {
		order.PutUint32(w.hdr[p:], uint32(old))
	} else {
		order.PutUint64(w.hdr[p:], old)
	}
	p += w.h.PointerSize
	order.PutUint32(w.hdr[p:], uint32(sdna))
	order.PutUint32(w.hdr[p+4:], uint32(count))

	if _, err := w.w.Write(w.hdr); err != nil {
		return fmt.Errorf("bufio.Write: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("bufio.Write: %w", err)
	}
	w.off += int64(len(w.hdr) + len(data))
	w.count++
	return nil
}

// BeginRecord flushes buffered bytes and tells the sink that the blocks
// that follow belong to record uid.
func (w *Writer) BeginRecord(uid uint32) error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	if w.rs != nil {
		return w.rs.BeginRecord(uid)
	}
	return nil
}

// EndRecord flushes the record's bytes to the sink.
func (w *Writer) EndRecord() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	if w.rs != nil {
		return w.rs.EndRecord()
	}
	return nil
}

// Finish writes ENDB and flushes.  The sink is not closed.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if err := w.WriteBlock(ENDB, 0, 0, 0, nil); err != nil {
		return err
	}
	w.finished = true
	defer w.w.Reset(nopWriter{})
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	return nil
}

// Len is the number of bytes written, including buffered ones.
func (w *Writer) Len() int64 {
	return w.off
}

// Blocks is the number of blocks written.
func (w *Writer) Blocks() int {
	return w.count
}
