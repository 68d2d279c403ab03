// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"fmt"
	"path/filepath"

	"github.com/google/btree"
)

// Database is a set of records plus the libraries they link to.  Records
// are kept per kind in registry order and in insertion order within a
// kind.  A Database is not safe for concurrent use.
type Database struct {
	// Path is the file the database was read from or last written to.
	Path        string
	Global      FileGlobal
	Preferences Preferences
	Thumbnail   *Thumbnail
	RenderInfo  []RenderInfo
	Libraries   []*Library

	reg     *Registry
	arena   *Arena
	lists   [][]*Record
	names   map[nameScope]*btree.BTreeG[nameItem]
	invalid bool
}

// NewDatabase returns an empty database with its own arena.
func NewDatabase(reg *Registry) *Database {
	return newDatabase(reg, NewArena())
}

func newDatabase(reg *Registry, arena *Arena) *Database {
	return &Database{
		Global: FileGlobal{Version: reg.Version, Subversion: reg.Subversion},
		reg:    reg,
		arena:  arena,
		lists:  make([][]*Record, len(reg.kinds)),
		names:  make(map[nameScope]*btree.BTreeG[nameItem]),
	}
}

// Registry returns the registry the database was built with.
func (d *Database) Registry() *Registry {
	return d.reg
}

// Arena returns the arena holding the database's records.
func (d *Database) Arena() *Arena {
	return d.arena
}

// Invalid reports whether the database was loaded with dropped records.
func (d *Database) Invalid() bool {
	return d.invalid
}

// Get returns the record at h if it belongs to this database.
func (d *Database) Get(h Handle) *Record {
	r := d.arena.Get(h)
	if r == nil || r.db != d {
		return nil
	}
	return r
}

// Len is the number of records.
func (d *Database) Len() int {
	n := 0
	for _, l := range d.lists {
		n += len(l)
	}
	return n
}

// Records returns the records of one kind.
func (d *Database) Records(code Code) []*Record {
	k, ok := d.reg.Kind(code)
	if !ok {
		return nil
	}
	return append([]*Record(nil), d.lists[k.index]...)
}

// All returns every record, kind by kind.
func (d *Database) All() []*Record {
	out := make([]*Record, 0, d.Len())
	for _, l := range d.lists {
		out = append(out, l...)
	}
	return out
}

// Find looks a record up by kind, name and library (nil for local).
func (d *Database) Find(code Code, name string, lib *Library) *Record {
	return d.lookupName(code, lib, name)
}

// NewRecord creates a local record with a zeroed struct.  The name is
// made unique among local records of the kind.
func (d *Database) NewRecord(code Code, name string) (*Record, error) {
	k, ok := d.reg.Kind(code)
	if !ok {
		return nil, fmt.Errorf("Database.NewRecord(%s): %w", code, ErrUnknownKind)
	}
	r := &Record{
		Code:  code,
		Name:  d.uniqueName(code, nil, name),
		State: FullyLinked,
		Data:  make([]byte, d.reg.Layout.Structs[k.si].Size),
	}
	d.arena.alloc(r)
	d.insert(r)
	return r, nil
}

// AddLibrary returns the library at path, adding it if needed.  Relative
// paths are relative to the database's file, or to the working directory
// when it has none.
func (d *Database) AddLibrary(path string) (*Library, error) {
	abs, err := resolvePath(path, d.Path)
	if err != nil {
		return nil, fmt.Errorf("resolvePath: %w", err)
	}
	if lib := d.libraryAt(abs); lib != nil {
		return lib, nil
	}
	lib := &Library{Path: filepath.ToSlash(path), AbsPath: abs}
	d.Libraries = append(d.Libraries, lib)
	return lib, nil
}

func (d *Database) libraryAt(abs string) *Library {
	for _, lib := range d.Libraries {
		if lib.AbsPath == abs {
			return lib
		}
	}
	return nil
}

// Link returns the record name of kind code in lib, creating a
// placeholder that is resolved when the database is written and read
// back.
func (d *Database) Link(lib *Library, code Code, name string) (*Record, error) {
	k, ok := d.reg.Kind(code)
	if !ok {
		return nil, fmt.Errorf("Database.Link(%s): %w", code, ErrUnknownKind)
	}
	found := false
	for _, l := range d.Libraries {
		found = found || l == lib
	}
	if !found {
		return nil, fmt.Errorf("Database.Link: library %s is not part of the database", lib)
	}
	name = truncateName(name, MaxNameLen)
	if r := d.lookupName(code, lib, name); r != nil {
		return r, nil
	}
	r := &Record{
		Code:  code,
		Name:  name,
		Lib:   lib,
		Flags: FlagDirect,
		State: PlaceholderOnly,
		Data:  make([]byte, d.reg.Layout.Structs[k.si].Size),
	}
	d.arena.alloc(r)
	d.insert(r)
	return r, nil
}

// Rename gives a local record a new name, disambiguated within its kind.
// It returns the name the record ended up with.
func (d *Database) Rename(r *Record, name string) (string, error) {
	if r.db != d {
		return "", fmt.Errorf("Database.Rename(%s): %w", r.ID(), ErrNotInDatabase)
	}
	if r.Lib != nil {
		return "", fmt.Errorf("Database.Rename(%s): %w", r.ID(), ErrLinkedRecord)
	}
	d.removeName(r)
	r.Name = d.uniqueName(r.Code, nil, name)
	d.addName(r)
	return r.Name, nil
}

// Delete removes r.  Records that are owned or pinned cannot be deleted.
func (d *Database) Delete(r *Record) error {
	if r.db != d {
		return fmt.Errorf("Database.Delete(%s): %w", r.ID(), ErrNotInDatabase)
	}
	if !r.Deletable() {
		return fmt.Errorf("Database.Delete(%s): %w", r.ID(), ErrNotDeletable)
	}
	for h := range d.references(r) {
		if t := d.arena.Get(h); t != nil {
			t.owners.remove(r.handle)
		}
	}
	d.clearBackRefs(r)
	d.remove(r)
	d.arena.release(r.handle)
	return nil
}

// clearBackRefs nulls back-reference fields that point at r.  They do not
// own r, so r may be deleted while they still hold its handle.
func (d *Database) clearBackRefs(r *Record) {
	for _, l := range d.lists {
		for _, o := range l {
			k, ok := d.reg.Kind(o.Code)
			if !ok || len(k.back) == 0 || o == r {
				continue
			}
			_ = eachPointer(d.reg, k, o.Data, o.Payloads, nil, func(p pointer) error {
				if p.kind == slotRecord && k.back[p.field] && Handle(p.get()) == r.handle {
					p.set(0)
				}
				return nil
			})
		}
	}
}

func (d *Database) insert(r *Record) {
	k, _ := d.reg.Kind(r.Code)
	d.lists[k.index] = append(d.lists[k.index], r)
	d.addName(r)
	r.db = d
}

func (d *Database) remove(r *Record) {
	k, _ := d.reg.Kind(r.Code)
	l := d.lists[k.index]
	for i, x := range l {
		if x == r {
			d.lists[k.index] = append(l[:i], l[i+1:]...)
			break
		}
	}
	d.removeName(r)
	r.db = nil
}

// Split moves linked records into one new database per library, in
// Libraries order, and returns them.  Local records stay in d.
func (d *Database) Split() []*Database {
	out := make([]*Database, len(d.Libraries))
	byLib := make(map[*Library]*Database, len(d.Libraries))
	for i, lib := range d.Libraries {
		out[i] = newDatabase(d.reg, d.arena)
		out[i].Libraries = []*Library{lib}
		out[i].Path = lib.AbsPath
		byLib[lib] = out[i]
	}
	for ki, l := range d.lists {
		kept := l[:0]
		for _, r := range l {
			other, ok := byLib[r.Lib]
			if !ok {
				kept = append(kept, r)
				continue
			}
			d.removeName(r)
			other.lists[ki] = append(other.lists[ki], r)
			other.addName(r)
			r.db = other
		}
		clear(l[len(kept):])
		d.lists[ki] = kept
	}
	return out
}

// Join moves every record of others into d, after d's own records of the
// same kind.  Libraries not yet known to d are appended.  Nothing is moved
// if a name would collide.
func (d *Database) Join(others ...*Database) error {
	for _, o := range others {
		if o.arena != d.arena {
			return fmt.Errorf("Database.Join: databases do not share an arena")
		}
		for _, l := range o.lists {
			for _, r := range l {
				if x := d.lookupName(r.Code, r.Lib, r.Name); x != nil && x != r {
					return fmt.Errorf("Database.Join(%s): %w", r.ID(), ErrNameTaken)
				}
			}
		}
	}
	for _, o := range others {
		for _, lib := range o.Libraries {
			known := false
			for _, l := range d.Libraries {
				known = known || l == lib
			}
			if !known {
				d.Libraries = append(d.Libraries, lib)
			}
		}
		for ki, l := range o.lists {
			for _, r := range l {
				d.lists[ki] = append(d.lists[ki], r)
				d.addName(r)
				r.db = d
			}
			o.lists[ki] = nil
		}
		o.names = make(map[nameScope]*btree.BTreeG[nameItem])
		d.invalid = d.invalid || o.invalid
	}
	return nil
}

// references returns the records r points at, ignoring back-references
// and r itself.
func (d *Database) references(r *Record) map[Handle]struct{} {
	out := make(map[Handle]struct{})
	k, ok := d.reg.Kind(r.Code)
	if !ok {
		return out
	}
	_ = eachPointer(d.reg, k, r.Data, r.Payloads, nil, func(p pointer) error {
		if p.kind != slotRecord || k.back[p.field] {
			return nil
		}
		if h := Handle(p.get()); h != 0 && h != r.handle {
			out[h] = struct{}{}
		}
		return nil
	})
	return out
}

// retarget updates owner sets after r's pointers changed.  olds are
// handles r may have stopped pointing at.
func (d *Database) retarget(r *Record, olds []Handle) {
	cur := d.references(r)
	for h := range cur {
		if t := d.arena.Get(h); t != nil {
			t.owners.add(r.handle)
		}
	}
	for _, h := range olds {
		if _, still := cur[h]; still {
			continue
		}
		if t := d.arena.Get(h); t != nil {
			t.owners.remove(r.handle)
		}
	}
}

// recomputeOwners rebuilds every record's owner set from scratch.
func (d *Database) recomputeOwners() {
	for _, l := range d.lists {
		for _, r := range l {
			r.owners = r.owners[:0]
		}
	}
	for _, l := range d.lists {
		for _, r := range l {
			for h := range d.references(r) {
				if t := d.arena.Get(h); t != nil {
					t.owners.add(r.handle)
				}
			}
		}
	}
}
