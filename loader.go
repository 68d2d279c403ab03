// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bpowers/stratum/internal/bitset"
	"github.com/bpowers/stratum/internal/blockio"
	"github.com/bpowers/stratum/internal/index"
	"github.com/bpowers/stratum/internal/layout"
	"github.com/bpowers/stratum/internal/memfile"
	"github.com/bpowers/stratum/internal/remap"
)

// Open reads the file at path and every library it links to.  Problems
// confined to single records or libraries are collected in the Report;
// if any record had to be dropped the Database is still returned, along
// with ErrInvalidDatabase.
func Open(reg *Registry, path string, opts ...ReadOption) (*Database, *Report, error) {
	options := newReadOptions(opts)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, &IOError{Op: "abs", Path: path, Err: err}
	}
	o, err := blockio.Open(abs, blockio.WithMmap(options.mmap), blockio.WithCacheFrames(options.cacheFrames))
	if err != nil {
		return nil, nil, &IOError{Op: "open", Path: path, Err: err}
	}
	s := newSession(reg, NewArena(), options)
	defer s.close()
	s.closers = append(s.closers, o.Close)
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "opening",
		slog.String("path", abs),
		slog.String("compression", o.Compression.String()),
		slog.String("size", humanize.Bytes(uint64(o.Size))),
	)
	return s.load(o.Source, abs)
}

// OpenBytes reads a file held in memory.  Relative library paths are
// resolved against the working directory.
func OpenBytes(reg *Registry, data []byte, opts ...ReadOption) (*Database, *Report, error) {
	s := newSession(reg, NewArena(), newReadOptions(opts))
	defer s.close()
	return s.load(blockio.NewBytesSource(data), "")
}

// ReadSnapshot loads an undo snapshot taken of prev's lineage.  Records
// whose bytes are shared with the snapshot prev matches (see
// WithBaseSnapshot) are reused as they are; changed records are read into
// the slots of their previous versions, so handles stay valid.  prev must
// not be used afterwards.
func ReadSnapshot(mf *memfile.MemFile, prev *Database, opts ...ReadOption) (*Database, *Report, error) {
	if mf == nil || prev == nil {
		return nil, nil, errors.New("stratum.ReadSnapshot: snapshot and previous database are required")
	}
	options := newReadOptions(opts)
	s := newSession(prev.reg, prev.arena, options)
	defer s.close()
	s.undo = true
	s.prev = prev
	s.prevUID = make(map[uint32]*Record, prev.Len())
	for _, r := range prev.All() {
		s.prevUID[r.UID] = r
	}
	s.seen = make(map[uint32]bool, len(s.prevUID))
	src := memfile.NewReader(mf)
	if options.base != nil {
		src.CompareWith(options.base)
	}
	return s.load(src, prev.Path)
}

// session is the state of one load: the root file plus every library file
// opened on its behalf.
type session struct {
	reg    *Registry
	arena  *Arena
	opts   readOptions
	report *Report
	logger *slog.Logger

	root   *fileState
	files  []*fileState // libraries, in discovery order
	byPath map[string]*fileState

	datamap *remap.Table[*blockio.Block]
	globmap *remap.Table[*blockio.Block]

	expand  []expandItem
	closers []func() error

	undo    bool
	prev    *Database
	prevUID map[uint32]*Record
	seen    map[uint32]bool
}

// fileState is one opened file.
type fileState struct {
	path string
	lib  *Library // nil for the root file
	db   *Database

	r      *blockio.Reader
	table  *layout.Table
	rec    *layout.Reconciler
	fv     fileVersion
	failed bool

	libmap *remap.Table[Handle]
	// libraries seen in this file, for duplicate detection
	libsSeen stringSet

	// library files only
	names    *index.Table
	byOld    *remap.Table[*blockio.Block]
	blockLib map[int]*fileState
	read     *bitset.Bitset

	// records decoded from this file, to be linked through libmap
	records []*Record
}

func newSession(reg *Registry, arena *Arena, options readOptions) *session {
	return &session{
		reg:     reg,
		arena:   arena,
		opts:    options,
		report:  newReport(options.logger),
		logger:  options.logger,
		byPath:  make(map[string]*fileState),
		datamap: remap.New[*blockio.Block](64),
		globmap: remap.New[*blockio.Block](8),
	}
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

func (s *session) newFile(path string, lib *Library) *fileState {
	fs := &fileState{
		path:     path,
		lib:      lib,
		db:       newDatabase(s.reg, s.arena),
		libmap:   remap.New[Handle](256),
		libsSeen: make(stringSet),
	}
	fs.db.Path = path
	if lib != nil {
		fs.db.Libraries = []*Library{lib}
	}
	return fs
}

// load reads the root file from src, resolves its libraries and links
// everything into one Database.
func (s *session) load(src blockio.Source, path string) (*Database, *Report, error) {
	start := time.Now()
	if err := s.readRoot(src, path); err != nil {
		return nil, s.report, err
	}
	if !s.undo {
		s.resolve()
	}
	db := s.finish()
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "loaded",
		slog.String("path", path),
		slog.Int("records", db.Len()),
		slog.Int("libraries", len(db.Libraries)),
		slog.Int("reused", s.report.RecordsReused),
		slog.Duration("elapsed", time.Since(start)),
	)
	if db.invalid {
		return db, s.report, ErrInvalidDatabase
	}
	return db, s.report, nil
}

// scan decodes the struct table and the file-global blocks of fs.
func (s *session) scan(fs *fileState) error {
	s.globmap.Reset()
	h := fs.r.Header()
	for _, b := range fs.r.Blocks() {
		switch {
		case b.Code == blockio.DNA1:
			if fs.table != nil {
				continue
			}
			data, err := fs.r.Data(b)
			if err != nil {
				return err
			}
			t, err := layout.Decode(data, h.PointerSize, h.Order)
			if err != nil {
				return fmt.Errorf("layout.Decode: %w", err)
			}
			fs.table = t
			fs.rec = layout.NewReconciler(t, s.reg.Layout, s.reg.Aliases)
		case b.Code == blockio.GLOB || b.Code == blockio.USER || b.Code == blockio.REND || b.Code == blockio.TEST:
			s.globmap.Insert(uint64(b.Code), b, uint32(b.Code))
		case b.Code == blockio.Placeholder || b.Code.IsKind():
			if fs.table == nil {
				return ErrMissingStructTable
			}
		}
	}
	if fs.table == nil {
		return ErrMissingStructTable
	}

	fs.fv = fileVersion{version: h.Version}
	if b, ok := s.globmap.Lookup(uint64(blockio.GLOB)); ok {
		data, err := fs.r.Data(b)
		if err != nil {
			return err
		}
		var g FileGlobal
		if err := decodeDoc(data, &g); err != nil {
			return err
		}
		fs.fv = fileVersion{g.Version, g.Subversion}
		fs.db.Global = g
	}
	if fs.lib != nil {
		fs.lib.Version, fs.lib.Subversion = fs.fv.version, fs.fv.subversion
		return nil
	}

	if b, ok := s.globmap.Lookup(uint64(blockio.USER)); ok && s.opts.prefs {
		data, err := fs.r.Data(b)
		if err != nil {
			return err
		}
		if err := decodeDoc(data, &fs.db.Preferences); err != nil {
			s.report.add(Info, fs.path, "", "preferences ignored: %v", err)
		}
	}
	if b, ok := s.globmap.Lookup(uint64(blockio.REND)); ok {
		data, err := fs.r.Data(b)
		if err != nil {
			return err
		}
		if err := decodeDoc(data, &fs.db.RenderInfo); err != nil {
			s.report.add(Info, fs.path, "", "render info ignored: %v", err)
		}
	}
	if b, ok := s.globmap.Lookup(uint64(blockio.TEST)); ok {
		data, err := fs.r.Data(b)
		if err != nil {
			return err
		}
		t, err := unmarshalThumbnail(data, h.Order)
		if err != nil {
			s.report.add(Info, fs.path, "", "thumbnail ignored: %v", err)
		} else {
			fs.db.Thumbnail = t
		}
	}
	return nil
}

// readRoot reads every block of the root file.
func (s *session) readRoot(src blockio.Source, path string) error {
	r, err := blockio.NewReader(src)
	if err != nil {
		return &FormatError{Path: path, Err: err}
	}
	fs := s.newFile(path, nil)
	fs.r = r
	s.root = fs
	if err := s.scan(fs); err != nil {
		return &FormatError{Path: path, Err: err}
	}
	if s.undo {
		fs.db.Libraries = nil
	}

	var cur *fileState
	skipping := false
	for _, b := range r.Blocks() {
		switch {
		case b.Code == blockio.ENDB:
			return nil
		case b.Code == CodeLibrary.block():
			cur = s.readLibraryBlock(fs, b)
			skipping = cur == nil
		case b.Code == blockio.Placeholder:
			if skipping {
				continue
			}
			if cur == nil {
				s.report.add(RecordError, path, "", "placeholder block %d outside any library", b.Index)
				fs.db.invalid = true
				continue
			}
			s.readPlaceholder(fs, cur, b, FlagDirect)
		case b.Code.IsKind():
			if skipping {
				continue
			}
			target := fs
			if cur != nil {
				target = cur
			}
			if err := s.readTopLevel(fs, target, b); err != nil {
				return &FormatError{Path: path, Err: err}
			}
		}
	}
	return nil
}

// readTopLevel reads a full record of the root file into target's
// database.  Linked records are only written in full by undo snapshots.
func (s *session) readTopLevel(fs, target *fileState, b *blockio.Block) error {
	if r, ok, err := s.reuse(fs, target, b); err != nil || ok {
		if ok {
			fs.libmap.Insert(b.Old, r.handle, uint32(r.Code))
		}
		return err
	}
	r, uid, err := s.decodeRecord(fs, b, target.lib)
	if err != nil || r == nil {
		return err
	}
	if target.lib != nil && r.Flags&FlagIndirect == 0 {
		r.Flags |= FlagDirect
	}
	s.place(r, uid)
	if target.lib == nil {
		if taken := target.db.lookupName(r.Code, nil, r.Name); taken != nil {
			old := r.Name
			r.Name = target.db.uniqueName(r.Code, nil, r.Name)
			s.report.add(Info, fs.path, r.ID(), "renamed duplicate %s", old)
		}
	} else if p := target.db.lookupName(r.Code, target.lib, r.Name); p != nil {
		// a placeholder for the same record came first
		s.promote(p, r)
		fs.libmap.Insert(b.Old, r.handle, uint32(r.Code))
		fs.records = append(fs.records, r)
		return nil
	}
	target.db.insert(r)
	fs.libmap.Insert(b.Old, r.handle, uint32(r.Code))
	fs.records = append(fs.records, r)
	return nil
}

// reuse keeps the previous snapshot's record for b when none of its
// bytes changed.
func (s *session) reuse(fs, target *fileState, b *blockio.Block) (*Record, bool, error) {
	if !s.undo || !b.Identical {
		return nil, false, nil
	}
	blocks := fs.r.Blocks()
	for i := b.Index + 1; i < len(blocks) && blocks[i].Code == blockio.DATA; i++ {
		if !blocks[i].Identical {
			return nil, false, nil
		}
	}
	raw, err := fs.r.Data(b)
	if err != nil {
		return nil, false, err
	}
	if len(raw) < s.reg.id.uid+4 {
		return nil, false, nil
	}
	uid := binary.LittleEndian.Uint32(raw[s.reg.id.uid:])
	old, ok := s.prevUID[uid]
	if !ok || old.State != FullyLinked || old.Code.block() != b.Code || old.Lib != target.lib || s.seen[uid] {
		return nil, false, nil
	}
	s.seen[uid] = true
	target.db.insert(old)
	s.report.RecordsReused++
	return old, true, nil
}

// place gives a decoded record its arena slot.  Undo snapshots keep the
// record's previous slot and UID.
func (s *session) place(r *Record, uid uint32) {
	if s.undo && uid != 0 {
		r.UID = uid
		s.seen[uid] = true
		if old, ok := s.prevUID[uid]; ok && old.handle != 0 {
			s.arena.install(old.handle, r)
			old.handle, old.db = 0, nil
			return
		}
	}
	s.arena.alloc(r)
}

// decodeRecord converts record block b and its payloads to the current
// layout.  A record that cannot be decoded is reported and dropped: the
// returned record is nil and so is the error.  Errors are returned only
// for problems with the file as a whole.
func (s *session) decodeRecord(fs *fileState, b *blockio.Block, lib *Library) (*Record, uint32, error) {
	raw, err := fs.r.Data(b)
	if err != nil {
		return nil, 0, err
	}
	code := Code(b.Code)
	drop := func(format string, args ...any) (*Record, uint32, error) {
		s.report.add(RecordError, fs.path, fmt.Sprintf("%s block %d", code, b.Index), format, args...)
		s.report.DroppedRecords++
		fs.db.invalid = true
		s.root.db.invalid = true
		return nil, 0, nil
	}
	// records of kinds or structs this program no longer has carry no data
	skip := func(what string) (*Record, uint32, error) {
		s.report.add(Info, fs.path, fmt.Sprintf("%s block %d", code, b.Index), "skipped: %s", what)
		return nil, 0, nil
	}
	if b.SDNA < 0 || b.SDNA >= len(fs.table.Structs) {
		return drop("struct index %d out of range", b.SDNA)
	}
	k, ok := s.reg.Kind(code)
	if !ok {
		return skip("unknown kind")
	}
	mem, si, err := fs.rec.Reconcile(b.SDNA, 1, raw)
	if err != nil {
		return drop("%v", err)
	}
	if mem == nil {
		return skip(fmt.Sprintf("struct %s is not in the current layout", fs.table.StructName(b.SDNA)))
	}
	if si != k.si {
		return drop("struct %d does not hold a %s", b.SDNA, k.Struct)
	}
	id := s.reg.id
	r := &Record{
		Code:   code,
		Name:   cstring(mem[id.name+2 : id.name+idNameLen]),
		Lib:    lib,
		State:  FullyLinked,
		Data:   mem,
		Pinned: binary.LittleEndian.Uint16(mem[id.flag:])&idFlagPinned != 0,
	}
	if lib != nil && binary.LittleEndian.Uint16(mem[id.flag:])&idFlagIndirect != 0 {
		r.Flags |= FlagIndirect
	}
	uid := binary.LittleEndian.Uint32(mem[id.uid:])
	if err := s.readPayloads(fs, r, k, b); err != nil {
		if errors.Is(err, blockio.ErrTruncated) {
			return nil, 0, err
		}
		return drop("%v", err)
	}
	s.report.RecordsRead++
	return r, uid, nil
}

// payloadRef is a payload slot waiting for its payload's final index.
type payloadRef struct {
	buf []byte
	off int
	p   *pendingPayload
}

type pendingPayload struct {
	b       *blockio.Block
	payload *Payload
}

type walkItem struct {
	si    int
	count int
	buf   []byte
	// pointer arrays
	elemType  string
	elemDepth int
}

// readPayloads collects the DATA blocks that follow b and walks r's
// pointers breadth first, converting each payload the first time it is
// referenced.  Record pointers keep their file address for the link
// phase.  Payloads nothing refers to are dropped.
func (s *session) readPayloads(fs *fileState, r *Record, k *Kind, b *blockio.Block) error {
	blocks := fs.r.Blocks()
	s.datamap.Reset()
	n := 0
	for i := b.Index + 1; i < len(blocks) && blocks[i].Code == blockio.DATA; i++ {
		s.datamap.Insert(blocks[i].Old, blocks[i], 0)
		n++
	}

	found := make(map[*blockio.Block]*pendingPayload)
	var refs []payloadRef
	queue := []walkItem{{si: k.si, count: 1, buf: r.Data}}

	resolve := func(buf []byte, off int, target string, depth int) error {
		old := binary.LittleEndian.Uint64(buf[off:])
		binary.LittleEndian.PutUint64(buf[off:], 0)
		if old == 0 {
			return nil
		}
		db, ok := s.datamap.LookupAndUse(old)
		if !ok {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "dangling payload pointer",
				slog.String("record", r.ID()), slog.Uint64("old", old))
			return nil
		}
		if p, ok := found[db]; ok {
			refs = append(refs, payloadRef{buf, off, p})
			return nil
		}
		pl, item, err := s.convertPayload(fs, db, target, depth)
		if err != nil {
			return fmt.Errorf("payload block %d: %w", db.Index, err)
		}
		p := &pendingPayload{b: db, payload: pl}
		found[db] = p
		refs = append(refs, payloadRef{buf, off, p})
		if item != nil {
			queue = append(queue, *item)
		}
		return nil
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.elemType != "" {
			slot := layout.Slot{Target: item.elemType, Depth: item.elemDepth}
			kind := s.reg.classify(slot)
			for off := 0; off+8 <= len(item.buf); off += 8 {
				if kind == slotPayload {
					if err := resolve(item.buf, off, item.elemType, item.elemDepth-1); err != nil {
						return err
					}
				}
			}
			continue
		}
		err := s.reg.Layout.Walk(item.si, item.count, item.buf, func(slot layout.Slot, off int) error {
			switch s.reg.classify(slot) {
			case slotNone:
				binary.LittleEndian.PutUint64(item.buf[off:], 0)
			case slotPayload:
				return resolve(item.buf, off, slot.Target, slot.Depth-1)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	order := make([]*pendingPayload, 0, len(found))
	for _, p := range found {
		order = append(order, p)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].b.Index < order[j].b.Index })
	idx := make(map[*pendingPayload]int, len(order))
	r.Payloads = make([]*Payload, len(order))
	for i, p := range order {
		idx[p] = i
		r.Payloads[i] = p.payload
	}
	for _, ref := range refs {
		binary.LittleEndian.PutUint64(ref.buf[ref.off:], uint64(idx[ref.p]+1))
	}
	s.report.PayloadsRead += len(order)
	s.report.PayloadsDropped += n - len(order)
	return nil
}

// convertPayload converts one DATA block to the current layout.  typ and
// depth come from the referencing field; a block that names its own
// struct overrides them.  The returned walk item, if any, visits the
// payload's own pointers.
func (s *session) convertPayload(fs *fileState, b *blockio.Block, typ string, depth int) (*Payload, *walkItem, error) {
	raw, err := fs.r.Data(b)
	if err != nil {
		return nil, nil, err
	}
	h := fs.r.Header()
	switch {
	case depth > 0:
		ptrs := fs.r.Pointers(raw)
		data := make([]byte, 8*len(ptrs))
		for i, v := range ptrs {
			binary.LittleEndian.PutUint64(data[8*i:], v)
		}
		p := &Payload{Type: typ, Depth: depth, Count: len(ptrs), Data: data}
		return p, &walkItem{buf: data, elemType: typ, elemDepth: depth}, nil

	case b.SDNA != layout.RawDataIndex || s.reg.Layout.IsStruct(typ):
		fsi := b.SDNA
		count := b.Count
		if fsi == layout.RawDataIndex {
			var ok bool
			if fsi, ok = fs.table.StructIndex(typ); !ok {
				return nil, nil, fmt.Errorf("struct %s is not in the file: %w", typ, ErrCorruptRecord)
			}
			size := fs.table.Structs[fsi].Size
			if size == 0 {
				return nil, nil, fmt.Errorf("struct %s is empty: %w", typ, ErrCorruptRecord)
			}
			count = len(raw) / size
		}
		data, msi, err := fs.rec.Reconcile(fsi, count, raw)
		if err != nil {
			return nil, nil, err
		}
		if data == nil {
			// the struct no longer exists; keep nothing
			return &Payload{Type: "char"}, nil, nil
		}
		name := s.reg.Layout.StructName(msi)
		return &Payload{Type: name, Count: count, Data: data}, &walkItem{si: msi, count: count, buf: data}, nil

	default:
		data := append([]byte(nil), raw...)
		_, size := s.reg.Layout.PrimOf(typ)
		if size == 0 {
			typ, size = "char", 1
		}
		if size > 1 && h.Order != binary.LittleEndian {
			layout.SwapPrim(size, data)
		}
		return &Payload{Type: typ, Count: len(data) / size, Data: data}, nil, nil
	}
}
