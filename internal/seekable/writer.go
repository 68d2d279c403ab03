// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package seekable writes and reads zstd streams in the seekable format: a
// sequence of independent frames followed by a skippable frame holding the
// compressed and decompressed size of every frame.
package seekable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

const (
	SkippableMagic = 0x184D2A5E
	SeekableMagic  = 0x8F92EAB1

	DefaultFrameSize = 1 << 20

	footerSize = 9
	entrySize  = 8
	// checksumFlag in the footer descriptor means entries carry a checksum.
	checksumFlag = 0x80
)

var errClosed = errors.New("seekable: write to closed writer")

// Frame is one seek table entry.
type Frame struct {
	Compressed   uint32
	Decompressed uint32
	// Offset is the frame's position in the compressed file and Start its
	// position in the decompressed stream.
	Offset int64
	Start  int64
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

type writerOptions struct {
	workers   int
	frameSize int
	level     zstd.EncoderLevel
}

// WithWorkers bounds the number of frames compressed concurrently.
func WithWorkers(n int) WriterOption {
	return func(opts *writerOptions) {
		opts.workers = n
	}
}

// WithFrameSize sets the decompressed size of each frame.
func WithFrameSize(n int) WriterOption {
	return func(opts *writerOptions) {
		opts.frameSize = n
	}
}

// WithLevel sets the zstd encoder level.
func WithLevel(level zstd.EncoderLevel) WriterOption {
	return func(opts *writerOptions) {
		opts.level = level
	}
}

// Writer compresses everything written to it into independent frames.
// Frames are compressed in parallel and written to the underlying writer
// in order.
type Writer struct {
	w         io.Writer
	enc       *zstd.Encoder
	frameSize int
	buf       []byte
	g         errgroup.Group

	mu     sync.Mutex
	cond   *sync.Cond
	ticket int // next frame allowed to write
	next   int // next frame to hand out
	frames []Frame
	off    int64
	err    error
	closed bool
}

// NewWriter returns a Writer onto w.  Closing the Writer does not close w.
func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	options := writerOptions{
		workers:   1,
		frameSize: DefaultFrameSize,
		level:     zstd.SpeedDefault,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.workers < 1 {
		options.workers = 1
	}
	if options.frameSize < 1 {
		return nil, fmt.Errorf("seekable.NewWriter: frame size %d", options.frameSize)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(options.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd.NewWriter: %w", err)
	}
	sw := &Writer{
		w:         w,
		enc:       enc,
		frameSize: options.frameSize,
	}
	sw.cond = sync.NewCond(&sw.mu)
	sw.g.SetLimit(options.workers)
	return sw, nil
}

func (w *Writer) failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Write buffers p, handing each full frame to a compression worker.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	if err := w.failed(); err != nil {
		return 0, err
	}
	n := len(p)
	for len(p) > 0 {
		take := min(w.frameSize-len(w.buf), len(p))
		if w.buf == nil {
			w.buf = make([]byte, 0, w.frameSize)
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		if len(w.buf) == w.frameSize {
			w.dispatch(w.buf)
			w.buf = nil
		}
	}
	return n, nil
}

// dispatch compresses frame on a worker.  Workers wait for their ticket so
// frames reach the output in the order they were written.
func (w *Writer) dispatch(frame []byte) {
	n := w.next
	w.next++
	w.g.Go(func() error {
		compressed := w.enc.EncodeAll(frame, make([]byte, 0, len(frame)/2))

		w.mu.Lock()
		defer w.mu.Unlock()
		for w.ticket != n {
			w.cond.Wait()
		}
		defer func() {
			w.ticket++
			w.cond.Broadcast()
		}()
		if w.err != nil {
			return w.err
		}
		if _, err := w.w.Write(compressed); err != nil {
			w.err = fmt.Errorf("seekable: writing frame %d: %w", n, err)
			return w.err
		}
		w.frames = append(w.frames, Frame{
			Compressed:   uint32(len(compressed)),
			Decompressed: uint32(len(frame)),
			Offset:       w.off,
		})
		w.off += int64(len(compressed))
		return nil
	})
}

// Close compresses any buffered bytes, waits for all workers and appends
// the seek table.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.buf) > 0 {
		w.dispatch(w.buf)
		w.buf = nil
	}
	if err := w.g.Wait(); err != nil {
		return err
	}

	table := make([]byte, 8+len(w.frames)*entrySize+footerSize)
	binary.LittleEndian.PutUint32(table[0:], SkippableMagic)
	binary.LittleEndian.PutUint32(table[4:], uint32(len(table)-8))
	p := 8
	var start int64
	for i := range w.frames {
		binary.LittleEndian.PutUint32(table[p:], w.frames[i].Compressed)
		binary.LittleEndian.PutUint32(table[p+4:], w.frames[i].Decompressed)
		w.frames[i].Start = start
		start += int64(w.frames[i].Decompressed)
		p += entrySize
	}
	binary.LittleEndian.PutUint32(table[p:], uint32(len(w.frames)))
	table[p+4] = 0
	binary.LittleEndian.PutUint32(table[p+5:], SeekableMagic)
	if _, err := w.w.Write(table); err != nil {
		return fmt.Errorf("seekable: writing seek table: %w", err)
	}
	w.off += int64(len(table))
	return nil
}

// Frames returns the seek table.  It is complete after Close.
func (w *Writer) Frames() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

// CompressedSize is the number of bytes written to the underlying writer.
func (w *Writer) CompressedSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.off
}
