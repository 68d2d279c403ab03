// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/bpowers/stratum/internal/memfile"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ReadOption configures Open, OpenBytes and ReadSnapshot.
type ReadOption func(*readOptions)

type readOptions struct {
	logger      *slog.Logger
	prefs       bool
	mmap        bool
	cacheFrames int
	comparator  OverrideComparator
	base        *memfile.MemFile
}

func newReadOptions(opts []ReadOption) readOptions {
	options := readOptions{
		logger:      discardLogger(),
		mmap:        true,
		cacheFrames: 8,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithLogger sets an optional logger for progress and diagnostics while
// loading.  If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) ReadOption {
	return func(opts *readOptions) {
		opts.logger = logger
	}
}

// WithReadPreferences controls whether the USER block is decoded.  It is
// skipped by default.
func WithReadPreferences(enabled bool) ReadOption {
	return func(opts *readOptions) {
		opts.prefs = enabled
	}
}

// WithMmap controls whether uncompressed files are memory mapped.  On by
// default.
func WithMmap(enabled bool) ReadOption {
	return func(opts *readOptions) {
		opts.mmap = enabled
	}
}

// WithFrameCache sets how many decompressed frames of a seekable
// compressed file are kept in memory.
func WithFrameCache(n int) ReadOption {
	return func(opts *readOptions) {
		opts.cacheFrames = n
	}
}

// WithComparator re-applies stored override operations after linking.
func WithComparator(c OverrideComparator) ReadOption {
	return func(opts *readOptions) {
		opts.comparator = c
	}
}

// WithBaseSnapshot tells ReadSnapshot which snapshot the previous
// database currently matches.  Without it records are reused when they
// did not change since the snapshot the one being read was written after,
// which is only right when stepping forward.
func WithBaseSnapshot(base *memfile.MemFile) ReadOption {
	return func(opts *readOptions) {
		opts.base = base
	}
}

// PathRemap selects how library paths are stored on write.
type PathRemap int

const (
	// RemapNone stores library paths as they are.
	RemapNone PathRemap = iota
	// RemapRelative stores paths relative to the written file's directory.
	RemapRelative
	// RemapAbsolute stores absolute paths.
	RemapAbsolute
)

// WriteOption configures Write, WriteTo and Snapshot.
type WriteOption func(*writeOptions)

type writeOptions struct {
	logger     *slog.Logger
	workers    int // 0 disables compression
	frameSize  int
	prefs      bool
	remap      PathRemap
	comparator OverrideComparator

	pointerSize int
	order       binary.ByteOrder
	undo        bool
}

func newWriteOptions(opts []WriteOption) writeOptions {
	options := writeOptions{
		logger:      discardLogger(),
		pointerSize: 8,
		order:       binary.LittleEndian,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithWriteLogger sets an optional logger for progress updates while
// writing.  If not provided, no logging output will be produced.
func WithWriteLogger(logger *slog.Logger) WriteOption {
	return func(opts *writeOptions) {
		opts.logger = logger
	}
}

// WithCompression writes a zstd compressed file with a seek table, using
// up to workers goroutines.  workers <= 0 disables compression.
func WithCompression(workers int) WriteOption {
	return func(opts *writeOptions) {
		opts.workers = workers
	}
}

// WithPreferences writes the database's preferences as a USER block.
func WithPreferences(enabled bool) WriteOption {
	return func(opts *writeOptions) {
		opts.prefs = enabled
	}
}

// WithPathRemap selects how library paths are stored.
func WithPathRemap(remap PathRemap) WriteOption {
	return func(opts *writeOptions) {
		opts.remap = remap
	}
}

// WithOverrideComparator refreshes stored override operations on write.
func WithOverrideComparator(c OverrideComparator) WriteOption {
	return func(opts *writeOptions) {
		opts.comparator = c
	}
}

// withFrameSize sets the uncompressed size of one compressed frame.
func withFrameSize(n int) WriteOption {
	return func(opts *writeOptions) {
		opts.frameSize = n
	}
}

// withPointerSize writes a file with another pointer size and byte order,
// as older programs did.
func withPointerSize(size int, order binary.ByteOrder) WriteOption {
	return func(opts *writeOptions) {
		opts.pointerSize = size
		opts.order = order
	}
}
