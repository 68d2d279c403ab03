// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"sort"
)

// State is how far a record has been loaded.
type State uint8

const (
	// Unread records were requested from a library but could not be read.
	Unread State = iota
	// PlaceholderOnly records stand in for a record of a library that has
	// not been read yet.
	PlaceholderOnly
	// FullyLinked records hold their data and resolved pointers.
	FullyLinked
)

func (s State) String() string {
	switch s {
	case Unread:
		return "unread"
	case PlaceholderOnly:
		return "placeholder"
	case FullyLinked:
		return "linked"
	}
	return "?"
}

// Flag bits of a record.
type Flag uint16

const (
	// FlagDirect marks linked records the root file asked for by name.
	FlagDirect Flag = 1 << iota
	// FlagIndirect marks linked records pulled in by another linked record.
	FlagIndirect
	// FlagWeak marks linked records only referenced through weak fields.
	FlagWeak
	// FlagMissing marks records whose library or block could not be found.
	FlagMissing
)

// Record is one top-level object of a Database.
type Record struct {
	Code Code
	Name string
	UID  uint32
	// Lib is the library the record belongs to, nil for local records.
	Lib    *Library
	Pinned bool
	Flags  Flag
	State  State

	// Data holds the kind's struct in the current layout.  Pointer fields
	// hold a Handle for records and payload index + 1 for payloads, as
	// 8-byte little-endian integers.
	Data     []byte
	Payloads []*Payload

	handle Handle
	db     *Database
	owners ownerSet
}

// Handle returns the record's arena handle.
func (r *Record) Handle() Handle {
	return r.handle
}

// Database returns the database the record currently belongs to.
func (r *Record) Database() *Database {
	return r.db
}

// IsLinked reports whether the record belongs to a library.
func (r *Record) IsLinked() bool {
	return r.Lib != nil
}

// Owners returns the handles of the records that point at r.
func (r *Record) Owners() []Handle {
	return append([]Handle(nil), r.owners...)
}

// Deletable reports whether nothing owns r and it is not pinned.
func (r *Record) Deletable() bool {
	return len(r.owners) == 0 && !r.Pinned
}

// ID returns "CODE name", as records are named in diagnostics.
func (r *Record) ID() string {
	return r.Code.String() + " " + r.Name
}

func (r *Record) String() string {
	if r.Lib != nil {
		return r.ID() + " [" + r.Lib.Path + "]"
	}
	return r.ID()
}

// ownerSet is a sorted set of handles.  Most records have very few owners.
type ownerSet []Handle

func (s ownerSet) search(h Handle) (int, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= h })
	return i, i < len(s) && s[i] == h
}

func (s *ownerSet) add(h Handle) {
	i, found := s.search(h)
	if found {
		return
	}
	*s = append(*s, 0)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = h
}

func (s *ownerSet) remove(h Handle) {
	i, found := s.search(h)
	if !found {
		return
	}
	*s = append((*s)[:i], (*s)[i+1:]...)
}

func (s ownerSet) contains(h Handle) bool {
	_, found := s.search(h)
	return found
}
