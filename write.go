// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bpowers/stratum/internal/blockio"
	"github.com/bpowers/stratum/internal/layout"
	"github.com/bpowers/stratum/internal/seekable"
)

// Addresses written for pointers are derived from record identity, so an
// unchanged record encodes to the same bytes in every file.
func recordAddr(uid uint32) uint64 {
	return uint64(uid) << 24
}

func payloadAddr(uid uint32, i int) uint64 {
	return uint64(uid)<<24 | uint64(i+1)<<4
}

func libraryAddr(i int) uint64 {
	return uint64(i+1) << 4
}

// Write saves db to path.  The file is written next to path and renamed
// over it only once it is complete; on error path is left untouched.
func Write(db *Database, path string, opts ...WriteOption) error {
	options := newWriteOptions(opts)
	start := time.Now()
	abs, err := filepath.Abs(path)
	if err != nil {
		return &IOError{Op: "abs", Path: path, Err: err}
	}
	sink, err := blockio.CreateFile(abs)
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	n, err := writeDatabase(db, sink, abs, options)
	if err != nil {
		sink.Abort()
		return err
	}
	if err := sink.Commit(); err != nil {
		return &IOError{Op: "commit", Path: path, Err: err}
	}
	db.Path = abs
	options.logger.LogAttrs(context.Background(), slog.LevelInfo, "wrote database",
		slog.String("path", abs),
		slog.Int("records", db.Len()),
		slog.String("size", humanize.Bytes(uint64(n))),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// WriteTo encodes db onto w.  Relative library paths stay as they are.
func WriteTo(db *Database, w io.Writer, opts ...WriteOption) error {
	_, err := writeDatabase(db, w, "", newWriteOptions(opts))
	return err
}

// writeDatabase returns the number of uncompressed bytes written.
func writeDatabase(db *Database, sink io.Writer, dest string, options writeOptions) (int64, error) {
	out := sink
	var zw *seekable.Writer
	if options.workers > 0 {
		zopts := []seekable.WriterOption{seekable.WithWorkers(options.workers)}
		if options.frameSize > 0 {
			zopts = append(zopts, seekable.WithFrameSize(options.frameSize))
		}
		var err error
		if zw, err = seekable.NewWriter(sink, zopts...); err != nil {
			return 0, fmt.Errorf("seekable.NewWriter: %w", err)
		}
		out = zw
	}
	w, err := newWriter(db, out, dest, options)
	if err == nil {
		err = w.run()
	}
	if zw != nil {
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("seekable.Close: %w", cerr)
		}
		if err == nil {
			options.logger.LogAttrs(context.Background(), slog.LevelDebug, "compressed",
				slog.Int("frames", len(zw.Frames())),
				slog.String("size", humanize.Bytes(uint64(zw.CompressedSize()))),
			)
		}
	}
	if err != nil {
		return 0, err
	}
	return w.bw.Len(), nil
}

type writer struct {
	db   *Database
	reg  *Registry
	opts writeOptions
	dest string

	bw   *blockio.Writer
	file *layout.Table
	conv *layout.Reconciler
}

func newWriter(db *Database, sink io.Writer, dest string, options writeOptions) (*writer, error) {
	reg := db.reg
	w := &writer{db: db, reg: reg, opts: options, dest: dest, file: reg.Layout}
	if options.pointerSize != reg.Layout.PointerSize || options.order != reg.Layout.Order {
		file, err := reg.Layout.WithPointerSize(options.pointerSize, options.order)
		if err != nil {
			return nil, fmt.Errorf("layout.WithPointerSize: %w", err)
		}
		w.file = file
		w.conv = layout.NewReconciler(reg.Layout, file, nil)
	}
	h := blockio.Header{PointerSize: options.pointerSize, Order: options.order, Version: reg.Version}
	bw, err := blockio.NewWriter(sink, h)
	if err != nil {
		return nil, fmt.Errorf("blockio.NewWriter: %w", err)
	}
	w.bw = bw
	return w, nil
}

func (w *writer) run() error {
	db := w.db
	db.recomputeOwners()

	if err := w.writeGlobals(); err != nil {
		return err
	}
	for _, l := range db.lists {
		for _, r := range l {
			if r.Lib != nil {
				continue
			}
			if err := w.writeRecord(r); err != nil {
				return err
			}
		}
	}
	for i, lib := range db.Libraries {
		if err := w.writeLibrary(i, lib); err != nil {
			return err
		}
		for _, l := range db.lists {
			for _, r := range l {
				if r.Lib != lib {
					continue
				}
				var err error
				switch {
				case w.opts.undo && r.State == FullyLinked:
					err = w.writeRecord(r)
				case w.opts.undo || len(r.owners) > 0 || r.Pinned:
					err = w.writePlaceholder(r)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	if err := w.bw.Finish(); err != nil {
		return fmt.Errorf("blockio.Finish: %w", err)
	}
	return nil
}

func (w *writer) writeGlobals() error {
	db := w.db
	g := db.Global
	g.Version, g.Subversion = w.reg.Version, w.reg.Subversion
	if w.dest != "" {
		g.Filename = filepath.Base(w.dest)
	}
	doc, err := encodeDoc(&g)
	if err != nil {
		return err
	}
	if err := w.bw.WriteBlock(blockio.GLOB, uint64(blockio.GLOB), 0, 1, doc); err != nil {
		return fmt.Errorf("blockio.WriteBlock(GLOB): %w", err)
	}
	if err := w.bw.WriteBlock(blockio.DNA1, uint64(blockio.DNA1), 0, 1, w.file.Encode()); err != nil {
		return fmt.Errorf("blockio.WriteBlock(DNA1): %w", err)
	}
	if w.opts.prefs && db.Preferences != nil {
		doc, err := encodeDoc(db.Preferences)
		if err != nil {
			return err
		}
		if err := w.bw.WriteBlock(blockio.USER, uint64(blockio.USER), 0, 1, doc); err != nil {
			return fmt.Errorf("blockio.WriteBlock(USER): %w", err)
		}
	}
	if len(db.RenderInfo) > 0 {
		doc, err := encodeDoc(db.RenderInfo)
		if err != nil {
			return err
		}
		if err := w.bw.WriteBlock(blockio.REND, uint64(blockio.REND), 0, len(db.RenderInfo), doc); err != nil {
			return fmt.Errorf("blockio.WriteBlock(REND): %w", err)
		}
	}
	if db.Thumbnail != nil {
		data, err := db.Thumbnail.marshal(w.file.Order)
		if err != nil {
			return err
		}
		if err := w.bw.WriteBlock(blockio.TEST, uint64(blockio.TEST), 0, 1, data); err != nil {
			return fmt.Errorf("blockio.WriteBlock(TEST): %w", err)
		}
	}
	return nil
}

// putHeader fills the ID header at the start of a record's struct.
func (w *writer) putHeader(data []byte, code Code, name string, uid uint32, flag int16) {
	id := w.reg.id
	b := data[id.name : id.name+idNameLen]
	clear(b)
	b[0], b[1] = byte(code), byte(code>>8)
	copy(b[2:idNameLen-1], name)
	binary.LittleEndian.PutUint16(data[id.flag:], uint16(flag))
	binary.LittleEndian.PutUint32(data[id.uid:], uid)
}

func recordFlag(r *Record) int16 {
	var flag int16
	if r.Pinned {
		flag |= idFlagPinned
	}
	if r.Flags&FlagWeak != 0 {
		flag |= idFlagWeak
	}
	if r.Flags&(FlagIndirect|FlagDirect) == FlagIndirect {
		flag |= idFlagIndirect
	}
	return flag
}

// toFile converts count instances of mem struct si to the file layout.
func (w *writer) toFile(si, count int, data []byte) ([]byte, int, error) {
	if w.conv == nil {
		return data, si, nil
	}
	out, fsi, err := w.conv.Reconcile(si, count, data)
	if err != nil {
		return nil, 0, fmt.Errorf("layout.Reconcile(%s): %w", w.reg.Layout.StructName(si), err)
	}
	return out, fsi, nil
}

func (w *writer) writeRecord(r *Record) error {
	k, ok := w.reg.Kind(r.Code)
	if !ok {
		return fmt.Errorf("write %s: %w", r.ID(), ErrUnknownKind)
	}
	if w.opts.comparator != nil && !w.opts.undo {
		if err := w.refreshOverride(r); err != nil {
			return err
		}
	}

	data := append([]byte(nil), r.Data...)
	bufs := make([][]byte, len(r.Payloads))
	for i, p := range r.Payloads {
		bufs[i] = append([]byte(nil), p.Data...)
	}
	reachable := make([]bool, len(r.Payloads))
	err := eachPointer(w.reg, k, data, r.Payloads, bufs, func(p pointer) error {
		v := p.get()
		switch p.kind {
		case slotRecord:
			t := w.db.arena.Get(Handle(v))
			if t == nil || t.db != w.db {
				p.set(0)
			} else {
				p.set(recordAddr(t.UID))
			}
		case slotPayload:
			if v == 0 || v > uint64(len(r.Payloads)) {
				p.set(0)
			} else {
				reachable[v-1] = true
				p.set(payloadAddr(r.UID, int(v-1)))
			}
		default:
			p.set(0)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.putHeader(data, r.Code, r.Name, r.UID, recordFlag(r))

	if err := w.bw.BeginRecord(r.UID); err != nil {
		return fmt.Errorf("blockio.BeginRecord: %w", err)
	}
	fdata, fsi, err := w.toFile(k.si, 1, data)
	if err != nil {
		return err
	}
	if err := w.bw.WriteBlock(r.Code.block(), recordAddr(r.UID), fsi, 1, fdata); err != nil {
		return fmt.Errorf("blockio.WriteBlock(%s): %w", r.ID(), err)
	}
	for i, p := range r.Payloads {
		if !reachable[i] {
			continue
		}
		pdata, psi, count, err := w.payloadToFile(p, bufs[i])
		if err != nil {
			return fmt.Errorf("%s payload %d: %w", r.ID(), i, err)
		}
		if err := w.bw.WriteBlock(blockio.DATA, payloadAddr(r.UID, i), psi, count, pdata); err != nil {
			return fmt.Errorf("blockio.WriteBlock(%s payload %d): %w", r.ID(), i, err)
		}
	}
	if err := w.bw.EndRecord(); err != nil {
		return fmt.Errorf("blockio.EndRecord: %w", err)
	}
	return nil
}

// payloadToFile converts a payload's bytes, whose pointers already hold
// file addresses, to the file layout.
func (w *writer) payloadToFile(p *Payload, buf []byte) ([]byte, int, int, error) {
	if p.Depth > 0 {
		n := len(buf) / 8
		if w.conv == nil {
			return buf, layout.RawDataIndex, n, nil
		}
		ps := w.file.PointerSize
		out := make([]byte, n*ps)
		for i := 0; i < n; i++ {
			layout.WritePointer(out[i*ps:], ps, w.file.Order, binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return out, layout.RawDataIndex, n, nil
	}
	if si, ok := w.reg.Layout.StructIndex(p.Type); ok {
		out, fsi, err := w.toFile(si, p.Count, buf)
		return out, fsi, p.Count, err
	}
	if _, size := w.reg.Layout.PrimOf(p.Type); size > 1 && w.file.Order != binary.LittleEndian {
		buf = append([]byte(nil), buf...)
		layout.SwapPrim(size, buf)
	}
	return buf, layout.RawDataIndex, p.Count, nil
}

func (w *writer) writeLibrary(i int, lib *Library) error {
	si := w.reg.libStruct
	data := make([]byte, w.reg.Layout.Structs[si].Size)
	w.putHeader(data, CodeLibrary, lib.Name(), 0, 0)
	off, f, _ := w.reg.Layout.FieldAt(si, "filepath")
	path := storedPath(lib, w.dest, w.opts.remap)
	if len(path) >= f.Size {
		return fmt.Errorf("library path %q is longer than %d bytes", path, f.Size-1)
	}
	copy(data[off:], path)
	fdata, fsi, err := w.toFile(si, 1, data)
	if err != nil {
		return err
	}
	if err := w.bw.WriteBlock(CodeLibrary.block(), libraryAddr(i), fsi, 1, fdata); err != nil {
		return fmt.Errorf("blockio.WriteBlock(LI %s): %w", lib.Path, err)
	}
	return nil
}

func (w *writer) writePlaceholder(r *Record) error {
	si := w.reg.idStruct
	data := make([]byte, w.reg.Layout.Structs[si].Size)
	w.putHeader(data, r.Code, r.Name, r.UID, recordFlag(r))
	fdata, fsi, err := w.toFile(si, 1, data)
	if err != nil {
		return err
	}
	if err := w.bw.WriteBlock(blockio.Placeholder, recordAddr(r.UID), fsi, 1, fdata); err != nil {
		return fmt.Errorf("blockio.WriteBlock(ID %s): %w", r.ID(), err)
	}
	return nil
}
