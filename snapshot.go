// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/bpowers/stratum/internal/memfile"
)

// Snapshot encodes db into memory for undo.  Chunks equal to prev's at the
// same place in the same record share prev's bytes; prev may be nil.
// Unlike Write, linked records are stored in full and unreferenced
// placeholders are kept, so ReadSnapshot never opens a library.
func Snapshot(db *Database, prev *memfile.MemFile, opts ...WriteOption) (*memfile.MemFile, error) {
	options := newWriteOptions(opts)
	options.undo = true
	options.workers = 0
	options.remap = RemapAbsolute

	mw := memfile.NewWriter(prev)
	if _, err := writeDatabase(db, mw, db.Path, options); err != nil {
		return nil, err
	}
	mf := mw.MemFile()
	total, shared := mf.Size()
	options.logger.LogAttrs(context.Background(), slog.LevelDebug, "snapshot",
		slog.Int("records", db.Len()),
		slog.Int("changed", mf.Changed()),
		slog.String("size", humanize.Bytes(uint64(total))),
		slog.String("shared", humanize.Bytes(uint64(shared))),
	)
	return mf, nil
}
