// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/bpowers/stratum/internal/seekable"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// BytesSource reads a container held in memory.
type BytesSource struct {
	*bytes.Reader
	data []byte
}

// NewBytesSource returns a Source over data.  data must not be modified
// while the source is in use.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(data), data: data}
}

// Borrow implements Borrower.
func (s *BytesSource) Borrow(off int64, n int) ([]byte, bool) {
	if off < 0 || off+int64(n) > int64(len(s.data)) {
		return nil, false
	}
	return s.data[off : off+int64(n) : off+int64(n)], true
}

// FileSource reads a container through an open file.
type FileSource struct {
	f    *os.File
	size int64
	off  int64
}

// NewFileSource returns a Source reading f.
func NewFileSource(f *os.File) (*FileSource, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	return &FileSource{f: f, size: st.Size()}, nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	n, err := s.f.ReadAt(p, s.off)
	s.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *FileSource) Size() int64 {
	return s.size
}

// MmapSource reads a container mapped into memory.
type MmapSource struct {
	m   mmap.MMap
	off int64
}

// NewMmapSource maps f read-only.
func NewMmapSource(f *os.File) (*MmapSource, error) {
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap.Map(%s): %w", f.Name(), err)
	}
	if err := unix.Madvise(m, unix.MADV_SEQUENTIAL); err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("madvise: %w", err)
	}
	return &MmapSource{m: m}, nil
}

func (s *MmapSource) Read(p []byte) (int, error) {
	if s.off >= int64(len(s.m)) {
		return 0, io.EOF
	}
	n := copy(p, s.m[s.off:])
	s.off += int64(n)
	return n, nil
}

func (s *MmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.m)) {
		return 0, io.EOF
	}
	n := copy(p, s.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MmapSource) Size() int64 {
	return int64(len(s.m))
}

// Borrow implements Borrower.
func (s *MmapSource) Borrow(off int64, n int) ([]byte, bool) {
	if off < 0 || off+int64(n) > int64(len(s.m)) {
		return nil, false
	}
	return s.m[off : off+int64(n) : off+int64(n)], true
}

// Close unmaps the file.
func (s *MmapSource) Close() error {
	return s.m.Unmap()
}

// Compression names how an opened file is stored.
type Compression int

const (
	Uncompressed Compression = iota
	// Zstd files lack a seek table and are decompressed as a stream.
	Zstd
	ZstdSeekable
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case ZstdSeekable:
		return "zstd-seekable"
	}
	return "none"
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

type openOptions struct {
	mmap        bool
	cacheFrames int
}

// WithMmap chooses between mapping uncompressed files and reading them
// with pread.  The default is to map.
func WithMmap(enabled bool) OpenOption {
	return func(opts *openOptions) {
		opts.mmap = enabled
	}
}

// WithCacheFrames sets the decompressed frame cache size for seekable
// compressed files.
func WithCacheFrames(n int) OpenOption {
	return func(opts *openOptions) {
		opts.cacheFrames = n
	}
}

// Opened is a file opened for reading.
type Opened struct {
	Source      Source
	Compression Compression
	Size        int64 // on-disk size

	closers []func() error
}

// Close releases everything Open acquired.
func (o *Opened) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

// Open opens path and picks a Source for it, detecting zstd compression.
func Open(path string, opts ...OpenOption) (*Opened, error) {
	options := openOptions{mmap: true, cacheFrames: 8}
	for _, opt := range opts {
		opt(&options)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	o := &Opened{closers: []func() error{f.Close}}
	st, err := f.Stat()
	if err != nil {
		_ = o.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	o.Size = st.Size()

	var magic [4]byte
	n, _ := f.ReadAt(magic[:], 0)
	if n == len(magic) && bytes.Equal(magic[:], zstdMagic) {
		if err := o.openCompressed(f, options); err != nil {
			_ = o.Close()
			return nil, err
		}
		return o, nil
	}

	if options.mmap && o.Size > 0 {
		m, err := NewMmapSource(f)
		if err != nil {
			_ = o.Close()
			return nil, err
		}
		o.Source = m
		o.closers = append(o.closers, m.Close)
		return o, nil
	}
	fs, err := NewFileSource(f)
	if err != nil {
		_ = o.Close()
		return nil, err
	}
	o.Source = fs
	return o, nil
}

func (o *Opened) openCompressed(f *os.File, options openOptions) error {
	sr, err := seekable.NewReader(f, o.Size, seekable.WithCacheFrames(options.cacheFrames))
	if err == nil {
		o.Source = sr
		o.Compression = ZstdSeekable
		o.closers = append(o.closers, sr.Close)
		return nil
	}
	if !errors.Is(err, seekable.ErrNoSeekTable) {
		return err
	}
	dec, err := zstd.NewReader(io.NewSectionReader(f, 0, o.Size))
	if err != nil {
		return fmt.Errorf("zstd.NewReader: %w", err)
	}
	o.Source = dec.IOReadCloser()
	o.Compression = Zstd
	o.closers = append(o.closers, func() error {
		dec.Close()
		return nil
	})
	return nil
}
