// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	signature  = "STRATUM"
	HeaderSize = len(signature) + 5

	// MaxVersion is the largest version a header can carry.
	MaxVersion = 999
)

var (
	ErrBadSignature = errors.New("not a stratum file")
	ErrTruncated    = errors.New("file is truncated")
)

// Header is the fixed leading signature of a container.
type Header struct {
	PointerSize int
	Order       binary.ByteOrder
	Version     int
}

// Native is the header layout of files written by this program.
func Native(version int) Header {
	return Header{PointerSize: 8, Order: binary.LittleEndian, Version: version}
}

// BlockHeaderSize is the size of a block header in this container.
func (h Header) BlockHeaderSize() int {
	return 16 + h.PointerSize
}

// MarshalTo encodes h into b, which must hold HeaderSize bytes.
func (h Header) MarshalTo(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("header buffer too short: %d < %d", len(b), HeaderSize)
	}
	if h.Version < 0 || h.Version > MaxVersion {
		return fmt.Errorf("version %d does not fit in three digits", h.Version)
	}
	copy(b, signature)
	switch h.PointerSize {
	case 4:
		b[7] = '_'
	case 8:
		b[7] = '-'
	default:
		return fmt.Errorf("unsupported pointer size %d", h.PointerSize)
	}
	b[8] = 'v'
	if h.Order == binary.BigEndian {
		b[8] = 'V'
	}
	copy(b[9:12], fmt.Sprintf("%03d", h.Version))
	return nil
}

// UnmarshalBytes decodes a header from the start of b.
func (h *Header) UnmarshalBytes(b []byte) error {
	if len(b) < HeaderSize || string(b[:len(signature)]) != signature {
		return ErrBadSignature
	}
	switch b[7] {
	case '_':
		h.PointerSize = 4
	case '-':
		h.PointerSize = 8
	default:
		return fmt.Errorf("pointer size marker %q: %w", b[7], ErrBadSignature)
	}
	switch b[8] {
	case 'v':
		h.Order = binary.LittleEndian
	case 'V':
		h.Order = binary.BigEndian
	default:
		return fmt.Errorf("byte order marker %q: %w", b[8], ErrBadSignature)
	}
	h.Version = 0
	for _, c := range b[9:12] {
		if c < '0' || c > '9' {
			return fmt.Errorf("version %q: %w", b[9:12], ErrBadSignature)
		}
		h.Version = h.Version*10 + int(c-'0')
	}
	return nil
}

// HasSignature reports whether b starts like a container.
func HasSignature(b []byte) bool {
	return len(b) >= len(signature) && string(b[:len(signature)]) == signature
}
