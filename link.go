// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/bpowers/stratum/internal/bitset"
	"github.com/bpowers/stratum/internal/blockio"
	"github.com/bpowers/stratum/internal/index"
	"github.com/bpowers/stratum/internal/remap"
)

type expandItem struct {
	fs *fileState
	r  *Record
}

// readLibraryBlock handles an LI block of fs.  It returns the library the
// placeholders that follow belong to, or nil when they must be skipped.
func (s *session) readLibraryBlock(fs *fileState, b *blockio.Block) *fileState {
	raw, err := fs.r.Data(b)
	if err != nil {
		s.report.add(RecordError, fs.path, "", "library block %d: %v", b.Index, err)
		return nil
	}
	mem, si, err := fs.rec.Reconcile(b.SDNA, 1, raw)
	if err != nil || mem == nil || si != s.reg.libStruct {
		s.report.add(RecordError, fs.path, "", "library block %d cannot be decoded: %v", b.Index, err)
		fs.db.invalid = true
		s.root.db.invalid = true
		return nil
	}
	off, f, _ := s.reg.Layout.FieldAt(s.reg.libStruct, "filepath")
	stored := cstring(mem[off : off+f.Size])
	abs, err := resolvePath(stored, fs.path)
	if err != nil {
		s.report.add(ReferenceError, fs.path, "", "library path %q: %v", stored, err)
		return nil
	}
	if s.root.path != "" && abs == s.root.path {
		s.report.add(Info, fs.path, "", "library %q refers to the main file; its links are skipped", stored)
		return nil
	}

	if fs.libsSeen.Contains(abs) {
		s.report.add(Info, fs.path, "", "library %q is listed twice; merged with the first", stored)
	}
	fs.libsSeen.Add(abs)
	if lf, ok := s.byPath[abs]; ok {
		return lf
	}

	var lib *Library
	if s.prev != nil {
		lib = s.prev.libraryAt(abs)
	}
	if lib == nil {
		lib = &Library{Path: stored, AbsPath: abs, Parent: fs.lib}
	}
	lf := s.newFile(abs, lib)
	s.files = append(s.files, lf)
	s.byPath[abs] = lf
	s.root.db.Libraries = appendLibrary(s.root.db.Libraries, lib)
	return lf
}

func appendLibrary(libs []*Library, lib *Library) []*Library {
	for _, l := range libs {
		if l == lib {
			return libs
		}
	}
	return append(libs, lib)
}

// idHeader decodes the ID struct of a placeholder block.
func (s *session) idHeader(fs *fileState, b *blockio.Block) (Code, string, uint16, uint32, error) {
	raw, err := fs.r.Data(b)
	if err != nil {
		return 0, "", 0, 0, err
	}
	mem, si, err := fs.rec.Reconcile(b.SDNA, 1, raw)
	if err != nil {
		return 0, "", 0, 0, err
	}
	if mem == nil || si != s.reg.idStruct {
		return 0, "", 0, 0, fmt.Errorf("block %d is not an ID: %w", b.Index, ErrCorruptRecord)
	}
	id := s.reg.id
	code := Code(mem[id.name]) | Code(mem[id.name+1])<<8
	name := cstring(mem[id.name+2 : id.name+idNameLen])
	return code, name, binary.LittleEndian.Uint16(mem[id.flag:]), binary.LittleEndian.Uint32(mem[id.uid:]), nil
}

// readPlaceholder handles an ID block of fs standing in for a record of
// lf's library.
func (s *session) readPlaceholder(fs, lf *fileState, b *blockio.Block, flags Flag) {
	code, name, idFlag, uid, err := s.idHeader(fs, b)
	if err != nil {
		s.report.add(RecordError, fs.path, "", "placeholder block %d: %v", b.Index, err)
		fs.db.invalid = true
		s.root.db.invalid = true
		return
	}
	if _, ok := s.reg.Kind(code); !ok {
		s.report.add(Info, fs.path, code.String()+" "+name, "skipped: placeholder of unknown kind")
		return
	}
	if idFlag&idFlagWeak != 0 {
		flags |= FlagWeak
	}
	if idFlag&idFlagIndirect != 0 && flags&FlagDirect != 0 {
		flags = flags&^FlagDirect | FlagIndirect
	}
	p := s.placeholder(lf, code, name, flags, uid)
	p.Pinned = p.Pinned || idFlag&idFlagPinned != 0
	tag := uint32(blockio.Placeholder)
	if p.State == FullyLinked {
		tag = uint32(p.Code)
	}
	fs.libmap.Insert(b.Old, p.handle, tag)
}

// placeholder finds or creates the record (code, name) of lf's library.
func (s *session) placeholder(lf *fileState, code Code, name string, flags Flag, uid uint32) *Record {
	if r := lf.db.lookupName(code, lf.lib, name); r != nil {
		if flags&FlagWeak == 0 {
			r.Flags &^= FlagWeak
		}
		r.Flags |= flags &^ FlagWeak
		return r
	}
	k, _ := s.reg.Kind(code)
	r := &Record{
		Code:  code,
		Name:  name,
		Lib:   lf.lib,
		Flags: flags,
		State: PlaceholderOnly,
		Data:  make([]byte, s.reg.Layout.Structs[k.si].Size),
	}
	if s.undo {
		if old, ok := s.prevUID[uid]; ok && !s.seen[uid] && old.State == PlaceholderOnly && old.Lib == lf.lib && old.Code == code && old.Name == name {
			s.seen[uid] = true
			lf.db.insert(old)
			return old
		}
	}
	s.place(r, uid)
	lf.db.insert(r)
	return r
}

// promote replaces placeholder p with the fully read record r.  r takes
// over p's arena slot, so every pointer and libmap entry that named p now
// names r.
func (s *session) promote(p, r *Record) {
	d := p.db
	r.Flags |= p.Flags &^ FlagMissing
	if p.Flags&FlagWeak == 0 {
		r.Flags &^= FlagWeak
	}
	r.Pinned = r.Pinned || p.Pinned
	if r.handle != 0 && r.handle != p.handle {
		s.arena.release(r.handle)
	}
	s.arena.install(p.handle, r)
	if p.UID != 0 {
		r.UID = p.UID
	}
	k, _ := s.reg.Kind(r.Code)
	for i, x := range d.lists[k.index] {
		if x == p {
			d.lists[k.index][i] = r
		}
	}
	d.addName(r)
	r.db = d
	p.db, p.handle = nil, 0

	for _, f := range s.allFiles() {
		f.libmap.Replace(r.handle, r.handle, uint32(r.Code))
	}
}

func (s *session) allFiles() []*fileState {
	return append([]*fileState{s.root}, s.files...)
}

// openLibrary opens lf's file and indexes its records by name.  Failure
// marks the library missing; it is not an error for the load as a whole.
func (s *session) openLibrary(lf *fileState) {
	fail := func(format string, args ...any) {
		lf.failed = true
		lf.lib.Missing = true
		s.report.MissingLibraries++
		s.report.add(ReferenceError, lf.path, "", format, args...)
	}
	o, err := blockio.Open(lf.path, blockio.WithMmap(s.opts.mmap), blockio.WithCacheFrames(s.opts.cacheFrames))
	if err != nil {
		fail("library cannot be opened: %v", err)
		return
	}
	s.closers = append(s.closers, o.Close)
	r, err := blockio.NewReader(o.Source)
	if err != nil {
		fail("library cannot be read: %v", err)
		return
	}
	lf.r = r
	if err := s.scan(lf); err != nil {
		fail("library cannot be decoded: %v", err)
		return
	}

	blocks := r.Blocks()
	lf.byOld = remap.New[*blockio.Block](len(blocks))
	lf.blockLib = make(map[int]*fileState)
	lf.read = bitset.New(len(blocks))
	var entries []index.Entry
	var cur *fileState
	skipping := false
	nameOff := map[int]int{}
	for _, b := range blocks {
		switch {
		case b.Code == CodeLibrary.block():
			cur = s.readLibraryBlock(lf, b)
			skipping = cur == nil
		case b.Code == blockio.Placeholder:
			lf.byOld.Insert(b.Old, b, uint32(b.Code))
			if !skipping && cur != nil {
				lf.blockLib[b.Index] = cur
			}
		case b.Code.IsKind():
			lf.byOld.Insert(b.Old, b, uint32(b.Code))
			off, ok := nameOff[b.SDNA]
			if !ok {
				off = -1
				if b.SDNA < len(lf.table.Structs) {
					if o, _, found := lf.table.FieldAt(b.SDNA, "id.name"); found {
						off = o
					}
				}
				nameOff[b.SDNA] = off
			}
			raw, err := r.Data(b)
			if off < 0 || err != nil || off+idNameLen > len(raw) {
				continue
			}
			name := cstring(raw[off+2 : off+idNameLen])
			entries = append(entries, index.Entry{Key: index.Key(b.Code.String(), name), Block: b.Index})
		}
	}
	lf.names = index.Build(entries)
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "opened library",
		slog.String("path", lf.path),
		slog.Int("records", lf.names.Len()),
		slog.Int("version", lf.fv.version),
	)
}

// loadLinked reads record block b of library file lf.  A placeholder
// already standing in for it is promoted.
func (s *session) loadLinked(lf *fileState, b *blockio.Block, flags Flag) *Record {
	lf.read.Set(b.Index)
	r, _, err := s.decodeRecord(lf, b, lf.lib)
	if err != nil {
		s.report.add(RecordError, lf.path, "", "block %d: %v", b.Index, err)
		s.root.db.invalid = true
		return nil
	}
	if r == nil {
		return nil
	}
	r.Flags |= flags
	if p := lf.db.lookupName(r.Code, lf.lib, r.Name); p != nil {
		if p.State == FullyLinked {
			lf.libmap.Insert(b.Old, p.handle, uint32(p.Code))
			return p
		}
		s.promote(p, r)
	} else {
		s.arena.alloc(r)
		lf.db.insert(r)
	}
	lf.libmap.Insert(b.Old, r.handle, uint32(r.Code))
	lf.records = append(lf.records, r)
	s.expand = append(s.expand, expandItem{lf, r})
	return r
}

// expandRecord pulls in what a freshly read linked record points at:
// records of the same file are read now, placeholders of that file become
// placeholders in their library.
func (s *session) expandRecord(lf *fileState, r *Record) {
	k, _ := s.reg.Kind(r.Code)
	_ = eachPointer(s.reg, k, r.Data, r.Payloads, nil, func(p pointer) error {
		if p.kind != slotRecord || k.back[p.field] {
			return nil
		}
		old := p.get()
		if old == 0 {
			return nil
		}
		if _, ok := lf.libmap.Lookup(old); ok {
			return nil
		}
		b, ok := lf.byOld.Lookup(old)
		if !ok {
			return nil
		}
		var flags Flag = FlagIndirect
		if k.weak[p.field] {
			flags |= FlagWeak
		}
		switch {
		case b.Code == blockio.Placeholder:
			owner := lf.blockLib[b.Index]
			if owner == nil {
				return nil
			}
			s.readPlaceholder(lf, owner, b, flags)
		case lf.read.IsSet(b.Index):
		default:
			s.loadLinked(lf, b, flags)
		}
		return nil
	})
}

func (s *session) drainExpand() {
	for len(s.expand) > 0 {
		item := s.expand[0]
		s.expand = s.expand[1:]
		s.expandRecord(item.fs, item.r)
	}
}

// pending returns lf's placeholders that still need reading.
func (lf *fileState) pending() []*Record {
	var out []*Record
	for _, l := range lf.db.lists {
		for _, r := range l {
			if r.State == PlaceholderOnly && r.Flags&(FlagWeak|FlagMissing) == 0 {
				out = append(out, r)
			}
		}
	}
	return out
}

// resolve reads placeholders from their libraries until no library has
// any left.  Reading a record can create placeholders in libraries that
// were already visited, so the pass repeats until nothing changes.
func (s *session) resolve() {
	for {
		progress := false
		for i := 0; i < len(s.files); i++ {
			lf := s.files[i]
			pending := lf.pending()
			if len(pending) == 0 {
				continue
			}
			progress = true
			if lf.r == nil && !lf.failed {
				s.openLibrary(lf)
			}
			for _, p := range pending {
				if lf.failed {
					p.State, p.Flags = Unread, p.Flags|FlagMissing
					continue
				}
				bi, ok := lf.names.Lookup(index.Key(p.Code.String(), p.Name))
				if !ok || lf.r.Blocks()[bi].Code != p.Code.block() {
					p.State, p.Flags = Unread, p.Flags|FlagMissing
					s.report.MissingRecords++
					s.report.add(ReferenceError, lf.path, p.ID(), "record not found in library")
					continue
				}
				if s.loadLinked(lf, lf.r.Blocks()[bi], 0) == nil && p.State == PlaceholderOnly {
					p.State, p.Flags = Unread, p.Flags|FlagMissing
				}
			}
			s.drainExpand()
		}
		if !progress {
			return
		}
	}
}

// link rewrites every record pointer of freshly read records from its
// file address to a handle.  Pointers to records that did not end up
// fully loaded become null.
func (s *session) link() {
	for _, fs := range s.allFiles() {
		for _, r := range fs.records {
			if r.handle == 0 {
				continue
			}
			k, _ := s.reg.Kind(r.Code)
			_ = eachPointer(s.reg, k, r.Data, r.Payloads, nil, func(p pointer) error {
				if p.kind != slotRecord {
					return nil
				}
				old := p.get()
				if old == 0 {
					return nil
				}
				h, ok := fs.libmap.LookupIf(old, func(h Handle) bool {
					t := s.arena.Get(h)
					return t != nil && (t.State == FullyLinked || s.undo)
				})
				if !ok {
					p.set(0)
					return nil
				}
				p.set(uint64(h))
				return nil
			})
		}
	}
}

// dropUnresolved removes placeholders that were never read.
func (s *session) dropUnresolved() {
	for _, fs := range s.files {
		for _, r := range fs.db.All() {
			if r.State == FullyLinked {
				continue
			}
			if r.Flags&FlagWeak != 0 && r.Flags&FlagMissing == 0 {
				s.report.WeakLinksDropped++
			}
			fs.db.remove(r)
			s.arena.release(r.handle)
		}
	}
}

// finish runs everything after reading: versioning, linking, merging,
// post-load hooks and override re-application.
func (s *session) finish() *Database {
	for _, fs := range s.allFiles() {
		s.reg.versionBefore(fs.records, fs.fv, s.report, fs.path)
	}
	s.link()
	if !s.undo {
		s.dropUnresolved()
	}

	db := s.root.db
	for _, lf := range s.files {
		db.Libraries = appendLibrary(db.Libraries, lf.lib)
		if err := db.Join(lf.db); err != nil {
			s.report.add(RecordError, lf.path, "", "%v", err)
			db.invalid = true
		}
	}

	var versions []fileVersion
	groups := make(map[fileVersion][]*Record)
	var fresh []*Record
	for _, fs := range s.allFiles() {
		for _, r := range fs.records {
			if r.handle == 0 {
				continue
			}
			if _, ok := groups[fs.fv]; !ok {
				versions = append(versions, fs.fv)
			}
			groups[fs.fv] = append(groups[fs.fv], r)
			fresh = append(fresh, r)
		}
	}
	for _, fv := range versions {
		s.reg.versionAfter(db, groups[fv], fv, s.report)
	}
	for _, r := range fresh {
		k, _ := s.reg.Kind(r.Code)
		if k.PostLoad == nil {
			continue
		}
		if err := k.PostLoad(db, r); err != nil {
			s.report.add(RecordError, "", r.ID(), "post-load: %v", err)
		}
	}
	if s.opts.comparator != nil {
		s.applyOverrides(fresh)
	}

	if s.undo {
		for uid, r := range s.prevUID {
			if !s.seen[uid] && r.handle != 0 && s.arena.Get(r.handle) == r {
				s.arena.release(r.handle)
				r.db = nil
			}
		}
		db.Path = s.prev.Path
		db.Preferences = s.prev.Preferences
	}
	db.recomputeOwners()
	return db
}
