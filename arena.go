// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

// Handle refers to a record by arena slot.  The zero Handle is null.
type Handle uint32

// Arena owns every record of a session.  Pointer fields hold Handles into
// it, so reloading a record in place never invalidates references to it.
type Arena struct {
	slots   []*Record
	free    []Handle
	nextUID uint32
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Get returns the record at h, or nil.
func (a *Arena) Get(h Handle) *Record {
	if h == 0 || int(h) > len(a.slots) {
		return nil
	}
	return a.slots[h-1]
}

// Len is the number of live records.
func (a *Arena) Len() int {
	return len(a.slots) - len(a.free)
}

func (a *Arena) alloc(r *Record) Handle {
	var h Handle
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[h-1] = r
	} else {
		a.slots = append(a.slots, r)
		h = Handle(len(a.slots))
	}
	r.handle = h
	if r.UID == 0 {
		r.UID = a.newUID()
	} else if r.UID >= a.nextUID {
		a.nextUID = r.UID
	}
	return h
}

// install puts r into the slot h, replacing whatever was there.
func (a *Arena) install(h Handle, r *Record) {
	a.slots[h-1] = r
	r.handle = h
	if r.UID >= a.nextUID {
		a.nextUID = r.UID
	}
}

func (a *Arena) release(h Handle) {
	if a.Get(h) == nil {
		return
	}
	a.slots[h-1].handle = 0
	a.slots[h-1] = nil
	a.free = append(a.free, h)
}

func (a *Arena) newUID() uint32 {
	a.nextUID++
	return a.nextUID
}
