// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package seekable

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	// compressible but not trivially so
	for i := range data {
		data[i] = byte(rng.Intn(16)) + 'a'
	}
	return data
}

func compress(t *testing.T, data []byte, opts ...WriterOption) ([]byte, *Writer) {
	var out bytes.Buffer
	w, err := NewWriter(&out, opts...)
	require.NoError(t, err)
	// uneven writes so frame boundaries fall mid-write
	for len(data) > 0 {
		n := min(len(data), 70001)
		_, err := w.Write(data[:n])
		require.NoError(t, err)
		data = data[n:]
	}
	require.NoError(t, w.Close())
	return out.Bytes(), w
}

func TestRoundTripParallel(t *testing.T) {
	data := testData(5 << 20)
	compressed, w := compress(t, data, WithWorkers(4))

	frames := w.Frames()
	require.Len(t, frames, 5)

	r, err := NewReader(bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, int64(len(data)), r.Size())
	require.Len(t, r.Frames(), len(frames))
	for i := range frames {
		assert.Equal(t, frames[i].Compressed, r.Frames()[i].Compressed)
		assert.Equal(t, frames[i].Start, r.Frames()[i].Start)
	}

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestStreamingDecoderSkipsSeekTable(t *testing.T) {
	data := testData(300 << 10)
	compressed, _ := compress(t, data, WithWorkers(2), WithFrameSize(64<<10))

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReadAtAcrossFrames(t *testing.T) {
	data := testData(100 << 10)
	compressed, _ := compress(t, data, WithWorkers(3), WithFrameSize(4096))

	r, err := NewReader(bytes.NewReader(compressed), int64(len(compressed)), WithCacheFrames(2))
	require.NoError(t, err)
	require.Len(t, r.Frames(), 25)

	buf := make([]byte, 10000)
	n, err := r.ReadAt(buf, 4000)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	assert.Equal(t, data[4000:14000], buf)

	n, err = r.ReadAt(buf, int64(len(data))-100)
	assert.Equal(t, 100, n)
	assert.ErrorIs(t, err, io.EOF)

	pos, err := r.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-10), pos)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-10:], rest)
}

func TestNoSeekTable(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	plain := enc.EncodeAll(testData(1000), nil)

	_, err = NewReader(bytes.NewReader(plain), int64(len(plain)))
	require.ErrorIs(t, err, ErrNoSeekTable)

	_, err = NewReader(bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, ErrNoSeekTable)
}

func TestEmptyStream(t *testing.T) {
	compressed, w := compress(t, nil)
	assert.Empty(t, w.Frames())
	r, err := NewReader(bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Size())
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after == 0 {
		return 0, errors.New("disk full")
	}
	f.after--
	return len(p), nil
}

func TestWriteErrorPropagates(t *testing.T) {
	w, err := NewWriter(&failingWriter{after: 1}, WithWorkers(4), WithFrameSize(1024))
	require.NoError(t, err)
	_, _ = w.Write(testData(16 << 10))
	err = w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
