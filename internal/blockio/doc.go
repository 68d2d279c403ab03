// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package blockio reads and writes the block container.
//
// A container starts with a 12-byte header:
//
//	STRATUM   signature
//	'_'|'-'   pointer size: 4 or 8 bytes
//	'v'|'V'   byte order: little or big endian
//	NNN       three-digit file version
//
// followed by blocks, each a header and Len bytes of payload:
//
//	code   [4]byte
//	len    u32
//	old    u32 or u64, the writer's address of the payload
//	sdna   u32, struct index in the file's layout table
//	count  u32, number of struct instances in the payload
//
// and terminated by an ENDB block.  All integers use the header's byte
// order; the old address uses its pointer size.
package blockio
