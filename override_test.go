// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// locComparator copies the reference's location onto the override and
// records what it was asked to do.
type locComparator struct {
	ops     []byte
	applied [][]byte
	fail    bool
}

func (c *locComparator) Storage(r *Record) ([]byte, error) {
	return c.ops, nil
}

func (c *locComparator) Apply(r, reference *Record, ops []byte) error {
	if c.fail {
		return errors.New("cannot apply")
	}
	c.applied = append(c.applied, ops)
	loc, err := reference.Float32s("loc")
	if err != nil {
		return err
	}
	return r.SetFloat32s("loc", loc)
}

func TestSetOverride(t *testing.T) {
	db := NewDatabase(DefaultRegistry())
	lib := addLibrary(t, db, "/tmp/lib.bin")
	ref := link(t, db, lib, CodeObject, "Base")
	local := newRecord(t, db, CodeObject, "Base.override")

	got, ops, err := local.Override()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, ops)

	require.NoError(t, local.SetOverride(ref, []byte("first")))
	got, ops, err = local.Override()
	require.NoError(t, err)
	assert.Same(t, ref, got)
	assert.Equal(t, []byte("first"), ops)
	assert.Equal(t, []Handle{local.Handle()}, ref.Owners())

	n := len(local.Payloads)
	require.NoError(t, local.SetOverride(ref, []byte("second")))
	assert.Len(t, local.Payloads, n)
	_, ops, err = local.Override()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), ops)

	require.NoError(t, local.ClearOverride())
	got, ops, err = local.Override()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, ops)
	assert.Empty(t, ref.Owners())

	// set and clear cycles leave no payloads behind
	for i := 0; i < 3; i++ {
		require.NoError(t, local.SetOverride(ref, []byte("again")))
		require.NoError(t, local.ClearOverride())
	}
	assert.Empty(t, local.Payloads)

	other := NewDatabase(DefaultRegistry())
	stranger := newRecord(t, other, CodeObject, "Stranger")
	assert.ErrorIs(t, local.SetOverride(stranger, nil), ErrNotInDatabase)
}

func TestClearOverrideKeepsOtherPayloads(t *testing.T) {
	db := NewDatabase(DefaultRegistry())
	lib := addLibrary(t, db, "/tmp/lib.bin")
	ref := link(t, db, lib, CodeObject, "Base")
	mat := newRecord(t, db, CodeMaterial, "Mat")
	local := newRecord(t, db, CodeObject, "Local")

	require.NoError(t, local.SetOverride(ref, []byte("ops")))
	require.NoError(t, local.SetRefs("mat", []*Record{mat}))
	require.Len(t, local.Payloads, 3)
	require.NoError(t, local.ClearOverride())

	assert.Len(t, local.Payloads, 1)
	mats, err := local.Refs("mat")
	require.NoError(t, err)
	assert.Equal(t, []*Record{mat}, mats)
	assert.Equal(t, []Handle{local.Handle()}, mat.Owners())
}

func overrideFiles(t *testing.T, writeLib bool) string {
	t.Helper()
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	if writeLib {
		lib := fileDB(reg, libPath)
		base := newRecord(t, lib, CodeObject, "Base")
		require.NoError(t, base.SetFloat32s("loc", []float32{1, 2, 3}))
		require.NoError(t, Write(lib, libPath))
	}

	main := fileDB(reg, mainPath)
	ref := link(t, main, addLibrary(t, main, "lib.bin"), CodeObject, "Base")
	local := newRecord(t, main, CodeObject, "Base.override")
	require.NoError(t, local.SetOverride(ref, []byte("stale")))
	c := &locComparator{ops: []byte("fresh")}
	require.NoError(t, Write(main, mainPath, WithOverrideComparator(c)))
	return mainPath
}

func TestOverrideAppliedOnLoad(t *testing.T) {
	mainPath := overrideFiles(t, true)
	c := &locComparator{}
	db, report, err := Open(DefaultRegistry(), mainPath, WithComparator(c))
	require.NoError(t, err)
	assert.Empty(t, report.Errors())

	// the writer stored what the comparator produced
	assert.Equal(t, [][]byte{[]byte("fresh")}, c.applied)

	local := db.Find(CodeObject, "Base.override", nil)
	require.NotNil(t, local)
	ref, ops, err := local.Override()
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, FullyLinked, ref.State)
	assert.Equal(t, []byte("fresh"), ops)
	loc, err := local.Float32s("loc")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, loc)
}

func TestOverrideNotAppliedWithoutComparator(t *testing.T) {
	mainPath := overrideFiles(t, true)
	db, _, err := Open(DefaultRegistry(), mainPath)
	require.NoError(t, err)
	loc, err := db.Find(CodeObject, "Base.override", nil).Float32s("loc")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, loc)
}

func TestOverrideMissingReference(t *testing.T) {
	mainPath := overrideFiles(t, false)
	c := &locComparator{}
	db, report, err := Open(DefaultRegistry(), mainPath, WithComparator(c))
	require.NoError(t, err)
	assert.Empty(t, c.applied)
	// one for the library, one for the override
	assert.Equal(t, 2, report.Count(ReferenceError))
	assert.False(t, db.Invalid())
}

func TestOverrideApplyFailureIsReported(t *testing.T) {
	mainPath := overrideFiles(t, true)
	db, report, err := Open(DefaultRegistry(), mainPath, WithComparator(&locComparator{fail: true}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(RecordError))
	assert.NotNil(t, db.Find(CodeObject, "Base.override", nil))
}
