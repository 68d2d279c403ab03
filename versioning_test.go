// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versionedScene(t *testing.T, reg *Registry) []byte {
	t.Helper()
	db := NewDatabase(reg)
	m1 := newRecord(t, db, CodeMaterial, "A")
	m2 := newRecord(t, db, CodeMaterial, "B")
	ob := newRecord(t, db, CodeObject, "Object")
	require.NoError(t, ob.SetRefs("mat", []*Record{m1, m2}))
	sc := newRecord(t, db, CodeScene, "Scene")
	require.NoError(t, sc.SetRef("camera", ob))
	return writeBytes(t, db)
}

func TestVersioningUpgradesOldFiles(t *testing.T) {
	old, err := NewRegistry(DefaultDecls, DefaultKinds(), WithVersion(101, 0))
	require.NoError(t, err)
	data := versionedScene(t, old)

	db, report, err := OpenBytes(DefaultRegistry(), data)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 101, db.Global.Version)

	end, err := db.Find(CodeScene, "Scene", nil).Int32("frame_end")
	require.NoError(t, err)
	assert.Equal(t, int32(defaultFrameEnd), end)
	totcol, err := db.Find(CodeObject, "Object", nil).Int16("totcol")
	require.NoError(t, err)
	assert.Equal(t, int16(2), totcol)
}

func TestVersioningSkipsCurrentFiles(t *testing.T) {
	reg := DefaultRegistry()
	db, _, err := OpenBytes(reg, versionedScene(t, reg))
	require.NoError(t, err)

	end, err := db.Find(CodeScene, "Scene", nil).Int32("frame_end")
	require.NoError(t, err)
	assert.Equal(t, int32(0), end)
	totcol, err := db.Find(CodeObject, "Object", nil).Int16("totcol")
	require.NoError(t, err)
	assert.Equal(t, int16(0), totcol)
}

func TestVersionersRunInOrder(t *testing.T) {
	var ran []string
	step := func(name string) func(*Record) error {
		return func(r *Record) error {
			if r.Code == CodeScene {
				ran = append(ran, name)
			}
			return nil
		}
	}
	var postLoad int
	kinds := DefaultKinds()
	for i := range kinds {
		if kinds[i].Code == CodeScene {
			kinds[i].PostLoad = func(db *Database, r *Record) error {
				postLoad++
				return nil
			}
		}
	}
	reg, err := NewRegistry(DefaultDecls, kinds,
		WithVersion(5, 0),
		WithVersioners(
			Versioner{Version: 4, Subversion: 2, Name: "second", Before: step("second")},
			Versioner{Version: 4, Subversion: 1, Name: "first", Before: step("first")},
			Versioner{Version: 5, Name: "broken", After: func(db *Database, r *Record) error {
				if r.Code == CodeScene {
					return errors.New("cannot upgrade")
				}
				return nil
			}},
		),
	)
	require.NoError(t, err)

	old, err := NewRegistry(DefaultDecls, DefaultKinds(), WithVersion(3, 0))
	require.NoError(t, err)
	db, report, err := OpenBytes(reg, versionedScene(t, old))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, ran)
	assert.Equal(t, 1, report.Count(RecordError))
	assert.Equal(t, 1, postLoad)
	assert.False(t, db.Invalid())
}

func TestRegistryRejectsBadKinds(t *testing.T) {
	_, err := NewRegistry(DefaultDecls, append(DefaultKinds(), Kind{Code: CodeScene, Struct: "Scene"}))
	assert.Error(t, err)
	_, err = NewRegistry(DefaultDecls, []Kind{{Code: MakeCode("XX"), Struct: "Nope"}})
	assert.Error(t, err)
	_, err = NewRegistry(DefaultDecls, []Kind{{Code: CodeLibrary, Struct: "Library"}})
	assert.Error(t, err)
	_, err = NewRegistry(DefaultDecls, nil, WithVersion(1000, 0))
	assert.Error(t, err)
}
