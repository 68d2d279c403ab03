// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SwapStruct reverses the byte order of every multi-byte primitive and
// pointer in count consecutive instances of struct si.
func (t *Table) SwapStruct(si, count int, data []byte) error {
	size := t.Structs[si].Size
	if size*count > len(data) {
		return fmt.Errorf("layout.SwapStruct(%s): %d bytes for %d instances of %d: %w", t.StructName(si), len(data), count, size, ErrCorruptRecord)
	}
	for i := 0; i < count; i++ {
		t.swapOne(si, data[i*size:(i+1)*size])
	}
	return nil
}

func (t *Table) swapOne(si int, data []byte) {
	for _, f := range t.Structs[si].Fields {
		ft := &t.Types[f.Type]
		for e := 0; e < f.Array; e++ {
			elem := data[f.Offset+e*f.ElemSize : f.Offset+(e+1)*f.ElemSize]
			switch {
			case f.Ptr > 0:
				reverse(elem)
			case ft.Struct >= 0:
				t.swapOne(ft.Struct, elem)
			case f.ElemSize > 1:
				reverse(elem)
			}
		}
	}
}

// SwapPrim reverses the byte order of every element of a primitive array.
func SwapPrim(elemSize int, data []byte) {
	if elemSize <= 1 {
		return
	}
	for off := 0; off+elemSize <= len(data); off += elemSize {
		reverse(data[off : off+elemSize])
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// ReadPointer reads a pointer of the given width.
func ReadPointer(b []byte, size int, order binary.ByteOrder) uint64 {
	if size == 4 {
		return uint64(order.Uint32(b))
	}
	return order.Uint64(b)
}

// WritePointer stores v in a pointer slot of the given width, truncating to
// 32 bits for 4-byte slots.
func WritePointer(b []byte, size int, order binary.ByteOrder, v uint64) {
	if size == 4 {
		order.PutUint32(b, uint32(v))
		return
	}
	order.PutUint64(b, v)
}

func isFloat(p Prim) bool { return p == PrimFloat || p == PrimDouble }

func isNumeric(p Prim) bool { return p >= PrimChar && p <= PrimDouble }

func readInt(p Prim, b []byte, order binary.ByteOrder) int64 {
	switch p {
	case PrimChar:
		return int64(int8(b[0]))
	case PrimUChar:
		return int64(b[0])
	case PrimShort:
		return int64(int16(order.Uint16(b)))
	case PrimUShort:
		return int64(order.Uint16(b))
	case PrimInt:
		return int64(int32(order.Uint32(b)))
	case PrimUInt:
		return int64(order.Uint32(b))
	case PrimInt64, PrimUInt64:
		return int64(order.Uint64(b))
	case PrimFloat:
		return int64(math.Float32frombits(order.Uint32(b)))
	case PrimDouble:
		return int64(math.Float64frombits(order.Uint64(b)))
	}
	return 0
}

func readFloat(p Prim, b []byte, order binary.ByteOrder) float64 {
	switch p {
	case PrimFloat:
		return float64(math.Float32frombits(order.Uint32(b)))
	case PrimDouble:
		return math.Float64frombits(order.Uint64(b))
	case PrimUInt64:
		return float64(order.Uint64(b))
	}
	return float64(readInt(p, b, order))
}

func writeInt(p Prim, b []byte, order binary.ByteOrder, v int64) {
	switch p {
	case PrimChar, PrimUChar:
		b[0] = byte(v)
	case PrimShort, PrimUShort:
		order.PutUint16(b, uint16(v))
	case PrimInt, PrimUInt:
		order.PutUint32(b, uint32(v))
	case PrimInt64, PrimUInt64:
		order.PutUint64(b, uint64(v))
	case PrimFloat:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case PrimDouble:
		order.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func writeFloat(p Prim, b []byte, order binary.ByteOrder, v float64) {
	switch p {
	case PrimFloat:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case PrimDouble:
		order.PutUint64(b, math.Float64bits(v))
	default:
		writeInt(p, b, order, int64(v))
	}
}

// castPrim converts one primitive element between types.  Both buffers are
// in the same byte order.
func castPrim(dst Prim, dstB []byte, src Prim, srcB []byte, order binary.ByteOrder) {
	if dst == src {
		copy(dstB, srcB)
		return
	}
	if isFloat(dst) || isFloat(src) {
		writeFloat(dst, dstB, order, readFloat(src, srcB, order))
		return
	}
	writeInt(dst, dstB, order, readInt(src, srcB, order))
}
