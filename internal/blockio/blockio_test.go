// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/stratum/internal/seekable"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte

	records []uint32
	open    bool
}

func (s *safeBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

func (s *safeBuffer) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *safeBuffer) BeginRecord(uid uint32) error {
	if s.open {
		return errors.New("nested record")
	}
	s.open = true
	s.records = append(s.records, uid)
	return nil
}

func (s *safeBuffer) EndRecord() error {
	s.open = false
	return nil
}

var _ RecordSink = &safeBuffer{}

type testWriter struct {
	inner            *safeBuffer
	writeShouldError bool
}

func (c *testWriter) Write(p []byte) (n int, err error) {
	if c.writeShouldError {
		return 0, errors.New("write failed")
	}
	return c.inner.Write(p)
}

func TestHeader_RoundTrip(t *testing.T) {
	for _, h := range []Header{
		Native(102),
		{PointerSize: 4, Order: binary.BigEndian, Version: 7},
		{PointerSize: 4, Order: binary.LittleEndian, Version: 999},
	} {
		var b [HeaderSize]byte
		require.NoError(t, h.MarshalTo(b[:]))
		var got Header
		require.NoError(t, got.UnmarshalBytes(b[:]))
		assert.Equal(t, h, got)
	}
	assert.Equal(t, "STRATUM-v102", func() string {
		var b [HeaderSize]byte
		_ = Native(102).MarshalTo(b[:])
		return string(b[:])
	}())

	var h Header
	assert.ErrorIs(t, h.UnmarshalBytes([]byte("BLENDER-v300")), ErrBadSignature)
	assert.ErrorIs(t, h.UnmarshalBytes([]byte("STRATUM?v300")), ErrBadSignature)
	assert.ErrorIs(t, h.UnmarshalBytes([]byte("STRATUM-vx00")), ErrBadSignature)
	assert.Error(t, Native(1000).MarshalTo(make([]byte, HeaderSize)))
}

func TestCodes(t *testing.T) {
	assert.Equal(t, "OB", MakeCode("OB").String())
	assert.Equal(t, "ENDB", ENDB.String())
	assert.True(t, MakeCode("OB").IsKind())
	assert.False(t, DATA.IsKind())
	assert.False(t, Placeholder.IsKind())
}

type testBlock struct {
	code  Code
	old   uint64
	sdna  int
	count int
	data  []byte
}

func writeBlocks(t *testing.T, sink *safeBuffer, h Header, blocks []testBlock) {
	w, err := NewWriter(sink, h)
	require.NoError(t, err)
	for i, b := range blocks {
		if b.code.IsKind() {
			require.NoError(t, w.BeginRecord(uint32(i)))
		}
		require.NoError(t, w.WriteBlock(b.code, b.old, b.sdna, b.count, b.data))
		if b.code.IsKind() {
			require.NoError(t, w.EndRecord())
		}
	}
	require.NoError(t, w.Finish())
	require.Equal(t, len(blocks)+1, w.Blocks())
	require.Equal(t, int64(len(sink.Bytes())), w.Len())
}

var sampleBlocks = []testBlock{
	{GLOB, 0x10, 1, 1, []byte("global")},
	{MakeCode("OB"), 0x1000, 3, 1, bytes.Repeat([]byte{7}, 40)},
	{DATA, 0x1010, 0, 10, bytes.Repeat([]byte{1}, 40)},
	{DATA, 0x1020, 0, 0, nil},
}

func checkBlocks(t *testing.T, r *Reader, want []testBlock) {
	blocks := r.Blocks()
	require.Len(t, blocks, len(want)+1)
	for i, b := range want {
		got := blocks[i]
		assert.Equal(t, b.code, got.Code)
		assert.Equal(t, b.old, got.Old)
		assert.Equal(t, b.sdna, got.SDNA)
		assert.Equal(t, b.count, got.Count)
		assert.Equal(t, i, got.Index)
		data, err := r.Data(got)
		require.NoError(t, err)
		assert.Equal(t, len(b.data), len(data))
		if len(b.data) > 0 {
			assert.Equal(t, b.data, data)
		}
	}
	assert.Equal(t, ENDB, blocks[len(want)].Code)
	assert.False(t, r.EOF())
}

func TestWriterReader_Bytes(t *testing.T) {
	var sink safeBuffer
	writeBlocks(t, &sink, Native(100), sampleBlocks)
	assert.Equal(t, []uint32{1}, sink.records)

	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 100, r.Header().Version)
	// DATA is deferred on seekable sources
	assert.False(t, r.Blocks()[2].payload.Forced())
	peek, ok := r.Peek(r.Blocks()[2])
	require.True(t, ok)
	assert.Equal(t, sampleBlocks[2].data, peek)
	checkBlocks(t, r, sampleBlocks)
}

func TestWriterReader_Streaming(t *testing.T) {
	var sink safeBuffer
	writeBlocks(t, &sink, Native(100), sampleBlocks)

	// hide ReaderAt: a plain io.Reader forces every payload while scanning
	r, err := NewReader(struct{ Source }{bytes.NewReader(sink.Bytes())})
	require.NoError(t, err)
	assert.True(t, r.Blocks()[2].payload.Forced())
	_, ok := r.Peek(r.Blocks()[2])
	assert.False(t, ok)
	checkBlocks(t, r, sampleBlocks)
}

func TestWriterReader_LegacyHeader(t *testing.T) {
	var sink safeBuffer
	h := Header{PointerSize: 4, Order: binary.BigEndian, Version: 42}
	writeBlocks(t, &sink, h, sampleBlocks)

	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, h, r.Header())
	checkBlocks(t, r, sampleBlocks)

	ptrs := make([]byte, 8)
	binary.BigEndian.PutUint32(ptrs[0:], 0x1234)
	binary.BigEndian.PutUint32(ptrs[4:], 0)
	assert.Equal(t, []uint64{0x1234, 0}, r.Pointers(ptrs))
}

func TestWriter_AddressOverflow(t *testing.T) {
	var sink safeBuffer
	w, err := NewWriter(&sink, Header{PointerSize: 4, Order: binary.LittleEndian})
	require.NoError(t, err)
	err = w.WriteBlock(DATA, 1<<40, 0, 1, nil)
	require.ErrorIs(t, err, ErrAddressOverflow)
}

func TestWriter_SinkError(t *testing.T) {
	tw := &testWriter{inner: &safeBuffer{}, writeShouldError: true}
	w, err := NewWriter(tw, Native(1))
	require.NoError(t, err)
	require.NoError(t, w.WriteBlock(DATA, 16, 0, 1, []byte("x")))
	require.Error(t, w.Finish())
}

func TestWriter_Len(t *testing.T) {
	var sink safeBuffer
	w, err := NewWriter(&sink, Native(102))
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), w.Len())
	require.NoError(t, w.WriteBlock(DATA, 16, 0, 1, []byte("abc")))
	assert.Equal(t, int64(HeaderSize+Native(102).BlockHeaderSize()+3), w.Len())
}

func TestReader_Truncated(t *testing.T) {
	var sink safeBuffer
	writeBlocks(t, &sink, Native(100), sampleBlocks)
	full := sink.Bytes()

	for _, cut := range []int{HeaderSize + 3, HeaderSize + 30, len(full) - 5} {
		_, err := NewReader(NewBytesSource(full[:cut]))
		require.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)

		_, err = NewReader(struct{ Source }{bytes.NewReader(full[:cut])})
		require.ErrorIs(t, err, ErrTruncated, "streaming cut at %d", cut)
	}

	// a negative length is treated like a truncated stream
	bad := append([]byte(nil), full...)
	binary.LittleEndian.PutUint32(bad[HeaderSize+4:], 0xffffff00)
	_, err := NewReader(NewBytesSource(bad))
	require.ErrorIs(t, err, ErrTruncated)

	_, err = NewReader(NewBytesSource([]byte("STRAT")))
	require.ErrorIs(t, err, ErrBadSignature)
	_, err = NewReader(NewBytesSource([]byte("not a container at all")))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestLazy(t *testing.T) {
	calls := 0
	l := Defer(func() ([]byte, error) {
		calls++
		return []byte("abc"), nil
	})
	assert.False(t, l.Forced())
	for i := 0; i < 2; i++ {
		data, err := l.Force()
		require.NoError(t, err)
		assert.Equal(t, "abc", string(data))
	}
	assert.Equal(t, 1, calls)
	assert.True(t, Ready(nil).Forced())
}

func writeFile(t *testing.T, path string, blocks []testBlock) []byte {
	var sink safeBuffer
	writeBlocks(t, &sink, Native(100), blocks)
	fs, err := CreateFile(path)
	require.NoError(t, err)
	_, err = fs.Write(sink.Bytes())
	require.NoError(t, err)
	require.NoError(t, fs.Commit())
	return sink.Bytes()
}

func TestOpen_Plain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.bin")
	writeFile(t, path, sampleBlocks)

	for _, useMmap := range []bool{true, false} {
		o, err := Open(path, WithMmap(useMmap))
		require.NoError(t, err)
		assert.Equal(t, Uncompressed, o.Compression)
		r, err := NewReader(o.Source)
		require.NoError(t, err)
		checkBlocks(t, r, sampleBlocks)
		require.NoError(t, o.Close())
	}
}

func TestOpen_Compressed(t *testing.T) {
	dir := t.TempDir()
	var sink safeBuffer
	writeBlocks(t, &sink, Native(100), sampleBlocks)

	var seekableOut bytes.Buffer
	sw, err := seekable.NewWriter(&seekableOut, seekable.WithFrameSize(32))
	require.NoError(t, err)
	_, err = sw.Write(sink.Bytes())
	require.NoError(t, err)
	require.NoError(t, sw.Close())
	seekPath := filepath.Join(dir, "seekable.bin")
	require.NoError(t, os.WriteFile(seekPath, seekableOut.Bytes(), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	streamPath := filepath.Join(dir, "stream.bin")
	require.NoError(t, os.WriteFile(streamPath, enc.EncodeAll(sink.Bytes(), nil), 0o644))

	for path, want := range map[string]Compression{seekPath: ZstdSeekable, streamPath: Zstd} {
		o, err := Open(path)
		require.NoError(t, err)
		assert.Equal(t, want, o.Compression, path)
		r, err := NewReader(o.Source)
		require.NoError(t, err)
		checkBlocks(t, r, sampleBlocks)
		require.NoError(t, o.Close())
	}
}

func TestFileSink_Abort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.bin")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	fs, err := CreateFile(path)
	require.NoError(t, err)
	_, err = fs.Write([]byte("partial"))
	require.NoError(t, err)
	fs.Abort()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be removed")
}
