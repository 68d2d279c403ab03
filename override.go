// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"fmt"
)

// OverrideComparator produces and replays the operations that turn a
// linked reference record into a local record overriding it.  The
// operations are opaque to the database.
type OverrideComparator interface {
	// Storage returns fresh operations for r.  It is called before r is
	// written; nil leaves the stored operations as they are.
	Storage(r *Record) ([]byte, error)
	// Apply replays ops onto r once reference is loaded and linked.
	Apply(r, reference *Record, ops []byte) error
}

type overrideDoc struct {
	Ops []byte `msgpack:"ops"`
}

func (r *Record) overrideOffsets() (ref, storage int) {
	reg := r.db.reg
	ref, _, _ = reg.Layout.FieldAt(reg.overrideStruct, "reference")
	storage, _, _ = reg.Layout.FieldAt(reg.overrideStruct, "storage")
	return ref, storage
}

func (r *Record) overridePayload() *Payload {
	p := r.payloadAt(binary.LittleEndian.Uint64(r.Data[r.db.reg.id.override:]))
	if p == nil || p.Type != "IDOverride" || p.Depth != 0 || len(p.Data) < r.db.reg.Layout.Structs[r.db.reg.overrideStruct].Size {
		return nil
	}
	return p
}

// SetOverride marks r as overriding reference, storing ops with it.  A nil
// reference clears the override.
func (r *Record) SetOverride(reference *Record, ops []byte) error {
	if _, err := r.kind(); err != nil {
		return err
	}
	if reference == nil {
		return r.ClearOverride()
	}
	if reference.handle == 0 || r.db.arena.Get(reference.handle) != reference {
		return fmt.Errorf("Record.SetOverride(%s): reference %s: %w", r.ID(), reference.ID(), ErrNotInDatabase)
	}
	doc, err := encodeDoc(&overrideDoc{Ops: ops})
	if err != nil {
		return fmt.Errorf("Record.SetOverride(%s): %w", r.ID(), err)
	}
	reg := r.db.reg
	refOff, stOff := r.overrideOffsets()

	var olds []Handle
	ov := r.overridePayload()
	if ov == nil {
		ov = &Payload{Type: "IDOverride", Count: 1, Data: make([]byte, reg.Layout.Structs[reg.overrideStruct].Size)}
		r.Payloads = append(r.Payloads, ov)
		binary.LittleEndian.PutUint64(r.Data[reg.id.override:], uint64(len(r.Payloads)))
	} else {
		olds = append(olds, Handle(binary.LittleEndian.Uint64(ov.Data[refOff:])))
	}
	binary.LittleEndian.PutUint64(ov.Data[refOff:], uint64(reference.handle))

	storage := &Payload{Type: "char", Count: len(doc), Data: doc}
	if v := binary.LittleEndian.Uint64(ov.Data[stOff:]); r.payloadAt(v) != nil {
		r.Payloads[v-1] = storage
	} else {
		r.Payloads = append(r.Payloads, storage)
		binary.LittleEndian.PutUint64(ov.Data[stOff:], uint64(len(r.Payloads)))
	}
	r.db.retarget(r, olds)
	return nil
}

// Override returns the record r overrides and the stored operations.  The
// reference is nil when r overrides nothing or its reference was not
// loaded.
func (r *Record) Override() (*Record, []byte, error) {
	if _, err := r.kind(); err != nil {
		return nil, nil, err
	}
	ov := r.overridePayload()
	if ov == nil {
		return nil, nil, nil
	}
	refOff, stOff := r.overrideOffsets()
	ref := r.db.arena.Get(Handle(binary.LittleEndian.Uint64(ov.Data[refOff:])))
	st := r.payloadAt(binary.LittleEndian.Uint64(ov.Data[stOff:]))
	if st == nil {
		return ref, nil, nil
	}
	var doc overrideDoc
	if err := decodeDoc(st.Data, &doc); err != nil {
		return ref, nil, fmt.Errorf("Record.Override(%s): %w", r.ID(), err)
	}
	return ref, doc.Ops, nil
}

// ClearOverride removes r's override.
func (r *Record) ClearOverride() error {
	k, err := r.kind()
	if err != nil {
		return err
	}
	ov := r.overridePayload()
	if ov == nil {
		return nil
	}
	refOff, _ := r.overrideOffsets()
	olds := []Handle{Handle(binary.LittleEndian.Uint64(ov.Data[refOff:]))}
	binary.LittleEndian.PutUint64(r.Data[r.db.reg.id.override:], 0)
	r.compactPayloads(k)
	r.db.retarget(r, olds)
	return nil
}

// refreshOverride asks the comparator for r's current operations.
func (w *writer) refreshOverride(r *Record) error {
	ref, _, err := r.Override()
	if err != nil || ref == nil {
		return err
	}
	ops, err := w.opts.comparator.Storage(r)
	if err != nil {
		return fmt.Errorf("OverrideComparator.Storage(%s): %w", r.ID(), err)
	}
	if ops == nil {
		return nil
	}
	return r.SetOverride(ref, ops)
}

// applyOverrides replays stored operations on freshly read records.
// Failures are reported but leave the database valid.
func (s *session) applyOverrides(recs []*Record) {
	for _, r := range recs {
		if r.db == nil {
			continue
		}
		ref, ops, err := r.Override()
		if err != nil {
			s.report.add(RecordError, "", r.ID(), "override: %v", err)
			continue
		}
		if ref == nil {
			if r.overridePayload() != nil {
				s.report.add(ReferenceError, "", r.ID(), "override reference is missing")
			}
			continue
		}
		if err := s.opts.comparator.Apply(r, ref, ops); err != nil {
			s.report.add(RecordError, "", r.ID(), "override: %v", err)
		}
	}
}
