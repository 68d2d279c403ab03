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
)

const windowSize = 64 * 1024

// Source is the byte stream a Reader decodes.  Sources that also implement
// io.ReaderAt get their DATA payloads read lazily; see Borrower and
// ChunkIdentity for the other optional capabilities.
type Source interface {
	io.Reader
}

// Borrower is implemented by memory-resident sources that can hand out
// payload bytes without copying.
type Borrower interface {
	Borrow(off int64, n int) ([]byte, bool)
}

// ChunkIdentity is implemented by snapshot sources that know whether a
// byte range is shared with the previous snapshot.
type ChunkIdentity interface {
	Identical(off, n int64) bool
}

type sizer interface {
	Size() int64
}

// Reader decodes the header and every block header of a container up
// front.  Payloads of DATA blocks are read on demand when the source
// supports it.
type Reader struct {
	h      Header
	ra     io.ReaderAt
	br     *bufio.Reader
	borrow Borrower
	ident  ChunkIdentity
	size   int64 // -1 when unknown

	win    []byte
	winOff int64
	off    int64

	blocks []*Block
	eof    bool
	err    error
}

// NewReader reads the container header and scans all block headers.  A
// truncated stream yields an error wrapping ErrTruncated; the Reader is not
// usable afterwards.
func NewReader(src Source) (*Reader, error) {
	r := &Reader{size: -1}
	if ra, ok := src.(io.ReaderAt); ok {
		r.ra = ra
	} else {
		r.br = bufio.NewReaderSize(src, windowSize)
	}
	if b, ok := src.(Borrower); ok {
		r.borrow = b
	}
	if ci, ok := src.(ChunkIdentity); ok {
		r.ident = ci
	}
	if s, ok := src.(sizer); ok {
		r.size = s.Size()
	}

	var hb [HeaderSize]byte
	if err := r.readFull(hb[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadSignature
		}
		return nil, fmt.Errorf("blockio.NewReader: %w", err)
	}
	if err := r.h.UnmarshalBytes(hb[:]); err != nil {
		return nil, err
	}
	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the container header.
func (r *Reader) Header() Header {
	return r.h
}

// Blocks returns every block up to and including ENDB, in file order.
func (r *Reader) Blocks() []*Block {
	return r.blocks
}

// EOF reports whether the stream ended early.  It is sticky.
func (r *Reader) EOF() bool {
	return r.eof
}

// Err returns the error that ended the scan, if any.
func (r *Reader) Err() error {
	return r.err
}

// Data returns b's payload, reading it if needed.  The bytes may be
// borrowed from the source and must not be modified.
func (r *Reader) Data(b *Block) ([]byte, error) {
	data, err := b.payload.Force()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.eof = true
			err = fmt.Errorf("payload of block %d: %w", b.Index, ErrTruncated)
		}
		return nil, err
	}
	return data, nil
}

// Peek returns b's payload without copying when the source is memory
// resident.
func (r *Reader) Peek(b *Block) ([]byte, bool) {
	if r.borrow == nil {
		return nil, false
	}
	return r.borrow.Borrow(b.Offset, b.Len)
}

// Pointers decodes an array of pointers written with the file's pointer
// size and byte order.
func (r *Reader) Pointers(data []byte) []uint64 {
	ps := r.h.PointerSize
	out := make([]uint64, len(data)/ps)
	for i := range out {
		if ps == 4 {
			out[i] = uint64(r.h.Order.Uint32(data[i*4:]))
		} else {
			out[i] = r.h.Order.Uint64(data[i*8:])
		}
	}
	return out
}

func (r *Reader) truncated(b int, cause error) error {
	r.eof = true
	r.err = fmt.Errorf("block %d at offset %d: %v: %w", b, r.off, cause, ErrTruncated)
	return r.err
}

func (r *Reader) scan() error {
	hsize := r.h.BlockHeaderSize()
	hdr := make([]byte, hsize)
	order := r.h.Order
	for {
		idx := len(r.blocks)
		if err := r.readFull(hdr); err != nil {
			return r.truncated(idx, err)
		}
		l := int32(order.Uint32(hdr[4:8]))
		if l < 0 {
			return r.truncated(idx, fmt.Errorf("negative length %d", l))
		}
		b := &Block{
			Code:   Code(binary.LittleEndian.Uint32(hdr[0:4])),
			Len:    int(l),
			Index:  idx,
			Offset: r.off,
		}
		p := 8
		if r.h.PointerSize == 4 {
			b.Old = uint64(order.Uint32(hdr[p:]))
		} else {
			b.Old = order.Uint64(hdr[p:])
		}
		p += r.h.PointerSize
		b.SDNA = int(order.Uint32(hdr[p:]))
		b.Count = int(order.Uint32(hdr[p+4:]))

		if r.size >= 0 && b.Offset+int64(b.Len) > r.size {
			return r.truncated(idx, fmt.Errorf("payload of %d bytes past end of file", b.Len))
		}
		if r.ident != nil {
			b.Identical = r.ident.Identical(b.Offset-int64(hsize), int64(hsize+b.Len))
		}
		r.blocks = append(r.blocks, b)
		if b.Code == ENDB {
			b.payload = Ready(nil)
			return nil
		}

		switch {
		case r.ra != nil && b.Code == DATA:
			off, n := b.Offset, b.Len
			b.payload = Defer(func() ([]byte, error) { return r.loadAt(off, n) })
			r.off += int64(n)
		case r.ra != nil:
			data, err := r.loadAt(b.Offset, b.Len)
			if err != nil {
				return r.truncated(idx, err)
			}
			b.payload = Ready(data)
			r.off += int64(b.Len)
		default:
			data := make([]byte, b.Len)
			if err := r.readFull(data); err != nil {
				return r.truncated(idx, err)
			}
			b.payload = Ready(data)
		}
	}
}

func (r *Reader) loadAt(off int64, n int) ([]byte, error) {
	if r.borrow != nil {
		if data, ok := r.borrow.Borrow(off, n); ok {
			return data, nil
		}
	}
	data := make([]byte, n)
	if err := r.fill(data, off); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Reader) readFull(p []byte) error {
	if r.ra != nil {
		if err := r.fill(p, r.off); err != nil {
			return err
		}
	} else if _, err := io.ReadFull(r.br, p); err != nil {
		return err
	}
	r.off += int64(len(p))
	return nil
}

// fill reads len(p) bytes at off through a small read-ahead window, so
// scanning block headers does not cost one read per header.
func (r *Reader) fill(p []byte, off int64) error {
	end := off + int64(len(p))
	if off >= r.winOff && end <= r.winOff+int64(len(r.win)) {
		copy(p, r.win[off-r.winOff:])
		return nil
	}
	if len(p) > windowSize {
		n, err := r.ra.ReadAt(p, off)
		if n == len(p) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if cap(r.win) < windowSize {
		r.win = make([]byte, windowSize)
	}
	r.win = r.win[:windowSize]
	n, err := r.ra.ReadAt(r.win, off)
	r.win, r.winOff = r.win[:n], off
	if n < len(p) {
		if err == nil || err == io.EOF {
			if n == 0 {
				err = io.EOF
			} else {
				err = io.ErrUnexpectedEOF
			}
		}
		return err
	}
	copy(p, r.win)
	return nil
}
