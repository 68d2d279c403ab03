// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"strings"
)

// Code is a block's four-byte tag, read as a little-endian integer
// regardless of the file's byte order.  Record kinds use two-character
// codes, so their two high bytes are zero.
type Code uint32

// MakeCode builds a Code from up to four bytes of s.
func MakeCode(s string) Code {
	var c Code
	for i := 0; i < len(s) && i < 4; i++ {
		c |= Code(s[i]) << (8 * i)
	}
	return c
}

func (c Code) bytes() [4]byte {
	return [4]byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
}

func (c Code) String() string {
	b := c.bytes()
	return strings.TrimRight(string(b[:]), "\x00")
}

// IsKind reports whether c is a record kind code rather than a sentinel.
func (c Code) IsKind() bool {
	return c != 0 && c>>16 == 0 && c != Placeholder
}

var (
	ENDB = MakeCode("ENDB")
	DNA1 = MakeCode("DNA1")
	GLOB = MakeCode("GLOB")
	USER = MakeCode("USER")
	TEST = MakeCode("TEST")
	REND = MakeCode("REND")
	DATA = MakeCode("DATA")
	// Placeholder blocks stand in for records owned by another file.
	Placeholder = MakeCode("ID")
)

// Block is one decoded block header plus access to its payload.
type Block struct {
	Code  Code
	Len   int
	Old   uint64
	SDNA  int
	Count int

	// Index is the block's position in its file.
	Index int
	// Offset is the position of the payload in the (decompressed) stream.
	Offset int64
	// Identical is set when the source can tell that the block's bytes are
	// shared with the previous snapshot.
	Identical bool

	payload *Lazy
}

// Lazy is a payload that may not have been read yet.
type Lazy struct {
	data   []byte
	err    error
	forced bool
	load   func() ([]byte, error)
}

// Ready returns an already-forced Lazy.
func Ready(data []byte) *Lazy {
	return &Lazy{data: data, forced: true}
}

// Defer returns a Lazy that calls load on first use.
func Defer(load func() ([]byte, error)) *Lazy {
	return &Lazy{load: load}
}

// Force reads the payload if it has not been read yet.
func (l *Lazy) Force() ([]byte, error) {
	if !l.forced {
		l.data, l.err = l.load()
		l.forced = true
		l.load = nil
	}
	return l.data, l.err
}

// Forced reports whether the payload is in memory.
func (l *Lazy) Forced() bool {
	return l.forced
}
