// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package seekable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

// ErrNoSeekTable is returned for streams without a seek table.  They can
// still be read with a streaming zstd decoder.
var ErrNoSeekTable = errors.New("seekable: no seek table")

const defaultCacheFrames = 8

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	cacheFrames int
}

// WithCacheFrames sets how many decompressed frames are kept in memory.
func WithCacheFrames(n int) ReaderOption {
	return func(opts *readerOptions) {
		opts.cacheFrames = n
	}
}

// Reader gives random access to the decompressed contents of a seekable
// stream.
type Reader struct {
	ra     io.ReaderAt
	frames []Frame
	size   int64
	dec    *zstd.Decoder
	cache  *lru.Cache[int, []byte]
	off    int64
}

// NewReader parses the seek table at the end of the size bytes of ra.
func NewReader(ra io.ReaderAt, size int64, opts ...ReaderOption) (*Reader, error) {
	options := readerOptions{cacheFrames: defaultCacheFrames}
	for _, opt := range opts {
		opt(&options)
	}
	frames, err := readSeekTable(ra, size)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd.NewReader: %w", err)
	}
	cache, err := lru.New[int, []byte](max(options.cacheFrames, 1))
	if err != nil {
		return nil, fmt.Errorf("lru.New: %w", err)
	}
	r := &Reader{ra: ra, frames: frames, dec: dec, cache: cache}
	if n := len(frames); n > 0 {
		r.size = frames[n-1].Start + int64(frames[n-1].Decompressed)
	}
	return r, nil
}

func readSeekTable(ra io.ReaderAt, size int64) ([]Frame, error) {
	if size < 8+footerSize {
		return nil, ErrNoSeekTable
	}
	var footer [footerSize]byte
	if _, err := ra.ReadAt(footer[:], size-footerSize); err != nil {
		return nil, fmt.Errorf("seekable: reading footer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[5:]) != SeekableMagic {
		return nil, ErrNoSeekTable
	}
	n := int64(binary.LittleEndian.Uint32(footer[0:]))
	esize := int64(entrySize)
	if footer[4]&checksumFlag != 0 {
		esize += 4
	}
	tableLen := n*esize + footerSize
	start := size - tableLen - 8
	if start < 0 {
		return nil, fmt.Errorf("seekable: seek table of %d frames larger than file: %w", n, ErrNoSeekTable)
	}
	table := make([]byte, tableLen+8)
	if _, err := ra.ReadAt(table, start); err != nil {
		return nil, fmt.Errorf("seekable: reading seek table: %w", err)
	}
	if binary.LittleEndian.Uint32(table[0:]) != SkippableMagic || int64(binary.LittleEndian.Uint32(table[4:])) != tableLen {
		return nil, fmt.Errorf("seekable: malformed skippable frame header: %w", ErrNoSeekTable)
	}

	frames := make([]Frame, n)
	var off, logical int64
	for i := range frames {
		e := table[8+int64(i)*esize:]
		frames[i] = Frame{
			Compressed:   binary.LittleEndian.Uint32(e[0:]),
			Decompressed: binary.LittleEndian.Uint32(e[4:]),
			Offset:       off,
			Start:        logical,
		}
		off += int64(frames[i].Compressed)
		logical += int64(frames[i].Decompressed)
	}
	if off != start {
		return nil, fmt.Errorf("seekable: frames cover %d bytes, table starts at %d: %w", off, start, ErrNoSeekTable)
	}
	return frames, nil
}

// Frames returns the seek table.
func (r *Reader) Frames() []Frame {
	return r.frames
}

// Size is the decompressed size of the stream.
func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) frame(i int) ([]byte, error) {
	if data, ok := r.cache.Get(i); ok {
		return data, nil
	}
	f := r.frames[i]
	compressed := make([]byte, f.Compressed)
	if _, err := r.ra.ReadAt(compressed, f.Offset); err != nil {
		return nil, fmt.Errorf("seekable: reading frame %d: %w", i, err)
	}
	data, err := r.dec.DecodeAll(compressed, make([]byte, 0, f.Decompressed))
	if err != nil {
		return nil, fmt.Errorf("seekable: decoding frame %d: %w", i, err)
	}
	if len(data) != int(f.Decompressed) {
		return nil, fmt.Errorf("seekable: frame %d decoded to %d bytes, table says %d", i, len(data), f.Decompressed)
	}
	r.cache.Add(i, data)
	return data, nil
}

// ReadAt reads decompressed bytes starting at off.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("seekable: negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.size {
			return n, io.EOF
		}
		i := sort.Search(len(r.frames), func(i int) bool {
			return r.frames[i].Start+int64(r.frames[i].Decompressed) > pos
		})
		data, err := r.frame(i)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos-r.frames[i].Start:])
	}
	return n, nil
}

// Read implements io.Reader over the decompressed stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	n, err := r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker over the decompressed stream.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, fmt.Errorf("seekable: bad whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("seekable: negative position %d", offset)
	}
	r.off = offset
	return offset, nil
}

// Close releases the decoder.
func (r *Reader) Close() error {
	r.dec.Close()
	return nil
}
