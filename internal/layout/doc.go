// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package layout describes the byte layout of every struct the program
// persists, and converts struct instances between two layouts.
//
// A Table is either compiled into the program (parsed from C-like
// declarations with Parse) or decoded from the DNA1 block of a file being
// read. The encoded form looks like:
//
//	SDNA
//	NAME  count:u32  name\0 name\0 ...      (padded to 4 bytes)
//	TYPE  count:u32  type\0 type\0 ...      (padded to 4 bytes)
//	TLEN  len:u16 * count                   (padded to 4 bytes)
//	STRC  count:u32  { type:u16 nfields:u16 { type:u16 name:u16 } * nfields } * count
//
// Counts and indices use the byte order of the file that carries the table.
// Field names carry their pointer depth and array dimensions ("*next",
// "**mat", "loc[3]"), types carry only a name; the size of a pointer comes
// from the file header.
//
// Structs are packed: a struct's size is the sum of its field sizes, and
// declarations are expected to carry explicit padding fields where needed.
// Struct 0 of every table is RawData, the struct index written for untyped
// payload blocks.
package layout
