// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileDB returns an empty database that will be written to path, so that
// relative library paths resolve next to it.
func fileDB(reg *Registry, path string) *Database {
	db := NewDatabase(reg)
	db.Path = path
	return db
}

func addLibrary(t *testing.T, db *Database, path string) *Library {
	t.Helper()
	lib, err := db.AddLibrary(path)
	require.NoError(t, err)
	return lib
}

func link(t *testing.T, db *Database, lib *Library, code Code, name string) *Record {
	t.Helper()
	r, err := db.Link(lib, code, name)
	require.NoError(t, err)
	return r
}

func TestLibraryPlaceholderPromotion(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	lib := fileDB(reg, libPath)
	me := newRecord(t, lib, CodeMesh, "Mesh")
	require.NoError(t, me.SetPayload("verts", Float32s([]float32{1, 2, 3})))
	obj := newRecord(t, lib, CodeObject, "Obj")
	require.NoError(t, obj.SetRef("data", me))
	newRecord(t, lib, CodeImage, "Unused")
	require.NoError(t, Write(lib, libPath))

	main := fileDB(reg, mainPath)
	l := addLibrary(t, main, "lib.bin")
	assert.Equal(t, libPath, l.AbsPath)
	placeholder := link(t, main, l, CodeObject, "Obj")
	assert.Equal(t, PlaceholderOnly, placeholder.State)
	sc := newRecord(t, main, CodeScene, "Scene")
	require.NoError(t, sc.SetRef("camera", placeholder))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	require.Len(t, db.Libraries, 1)
	loadedLib := db.Libraries[0]
	assert.Equal(t, "lib.bin", loadedLib.Path)
	assert.Equal(t, libPath, loadedLib.AbsPath)
	assert.Equal(t, DefaultVersion, loadedLib.Version)
	assert.False(t, loadedLib.Missing)
	assert.Equal(t, 3, db.Len())

	sc = db.Find(CodeScene, "Scene", nil)
	require.NotNil(t, sc)
	ob, err := sc.Ref("camera")
	require.NoError(t, err)
	require.NotNil(t, ob)
	assert.Same(t, ob, db.Find(CodeObject, "Obj", loadedLib))
	assert.Equal(t, FullyLinked, ob.State)
	assert.True(t, ob.IsLinked())
	assert.NotZero(t, ob.Flags&FlagDirect)

	data, err := ob.Ref("data")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "Mesh", data.Name)
	assert.Same(t, loadedLib, data.Lib)
	assert.NotZero(t, data.Flags&FlagIndirect)
	verts, err := data.Payload("verts")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, verts.Float32s())

	// only what is referenced is loaded
	assert.Nil(t, db.Find(CodeImage, "Unused", loadedLib))

	// linked records are written back as placeholders and load again
	require.NoError(t, Write(db, mainPath))
	again, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 3, again.Len())
	againLib := again.Libraries[0]
	assert.NotZero(t, again.Find(CodeObject, "Obj", againLib).Flags&FlagDirect)
	mesh := again.Find(CodeMesh, "Mesh", againLib)
	require.NotNil(t, mesh)
	assert.Equal(t, FlagIndirect, mesh.Flags&(FlagDirect|FlagIndirect))

	// undo snapshots keep how linked records were pulled in
	mf, err := Snapshot(again, nil)
	require.NoError(t, err)
	restored, _, err := ReadSnapshot(mf, again)
	require.NoError(t, err)
	mesh = restored.Find(CodeMesh, "Mesh", againLib)
	require.NotNil(t, mesh)
	assert.Equal(t, FlagIndirect, mesh.Flags&(FlagDirect|FlagIndirect))
	assert.NotZero(t, restored.Find(CodeObject, "Obj", againLib).Flags&FlagDirect)
}

func TestLibraryCycle(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.bin")
	bPath := filepath.Join(dir, "b.bin")
	mainPath := filepath.Join(dir, "main.bin")

	a := fileDB(reg, aPath)
	mb := link(t, a, addLibrary(t, a, "b.bin"), CodeMesh, "Mb")
	newRecord(t, a, CodeMaterial, "Ma")
	x := newRecord(t, a, CodeObject, "X")
	require.NoError(t, x.SetRef("data", mb))
	require.NoError(t, Write(a, aPath))

	b := fileDB(reg, bPath)
	ma := link(t, b, addLibrary(t, b, "a.bin"), CodeMaterial, "Ma")
	mesh := newRecord(t, b, CodeMesh, "Mb")
	require.NoError(t, mesh.SetRefs("mat", []*Record{ma}))
	require.NoError(t, Write(b, bPath))

	main := fileDB(reg, mainPath)
	xl := link(t, main, addLibrary(t, main, "a.bin"), CodeObject, "X")
	sc := newRecord(t, main, CodeScene, "Scene")
	require.NoError(t, sc.SetRef("camera", xl))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 4, db.Len())
	require.Len(t, db.Libraries, 2)
	libA, libB := db.Libraries[0], db.Libraries[1]
	assert.Equal(t, aPath, libA.AbsPath)
	assert.Equal(t, bPath, libB.AbsPath)
	assert.Nil(t, libA.Parent)
	assert.Same(t, libA, libB.Parent)

	x = db.Find(CodeObject, "X", libA)
	require.NotNil(t, x)
	data, err := x.Ref("data")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Same(t, libB, data.Lib)
	mats, err := data.Refs("mat")
	require.NoError(t, err)
	require.Len(t, mats, 1)
	require.NotNil(t, mats[0])
	assert.Same(t, db.Find(CodeMaterial, "Ma", libA), mats[0])
	assert.Equal(t, FullyLinked, mats[0].State)
}

func TestMissingLibrary(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.bin")

	main := fileDB(reg, mainPath)
	red := link(t, main, addLibrary(t, main, "missing.bin"), CodeMaterial, "Red")
	ob := newRecord(t, main, CodeObject, "Object")
	require.NoError(t, ob.SetRefs("mat", []*Record{red}))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ReferenceError))
	assert.Len(t, report.Errors(), 1)
	assert.Equal(t, 1, report.MissingLibraries)
	require.Len(t, db.Libraries, 1)
	assert.True(t, db.Libraries[0].Missing)
	assert.False(t, db.Invalid())

	ob = db.Find(CodeObject, "Object", nil)
	require.NotNil(t, ob)
	mats, err := ob.Refs("mat")
	require.NoError(t, err)
	assert.Equal(t, []*Record{nil}, mats)
	assert.Nil(t, db.Find(CodeMaterial, "Red", db.Libraries[0]))
	assert.Equal(t, 1, db.Len())
}

func TestMissingRecord(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	lib := fileDB(reg, libPath)
	newRecord(t, lib, CodeMaterial, "Present")
	require.NoError(t, Write(lib, libPath))

	main := fileDB(reg, mainPath)
	l := addLibrary(t, main, "lib.bin")
	ghost := link(t, main, l, CodeMaterial, "Ghost")
	present := link(t, main, l, CodeMaterial, "Present")
	ob := newRecord(t, main, CodeObject, "Object")
	require.NoError(t, ob.SetRefs("mat", []*Record{ghost, present}))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(ReferenceError))
	assert.Equal(t, 1, report.MissingRecords)
	assert.Equal(t, 0, report.MissingLibraries)

	mats, err := db.Find(CodeObject, "Object", nil).Refs("mat")
	require.NoError(t, err)
	require.Len(t, mats, 2)
	assert.Nil(t, mats[0])
	require.NotNil(t, mats[1])
	assert.Equal(t, "Present", mats[1].Name)
}

func TestDuplicateLibraryPaths(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	lib := fileDB(reg, libPath)
	newRecord(t, lib, CodeObject, "Obj")
	newRecord(t, lib, CodeImage, "Img")
	require.NoError(t, Write(lib, libPath))

	main := fileDB(reg, mainPath)
	first := addLibrary(t, main, "lib.bin")
	// a second entry for the same file, as older writers produced
	second := &Library{Path: "./lib.bin", AbsPath: libPath}
	main.Libraries = append(main.Libraries, second)
	obj := link(t, main, first, CodeObject, "Obj")
	img := link(t, main, second, CodeImage, "Img")
	sc := newRecord(t, main, CodeScene, "Scene")
	require.NoError(t, sc.SetRef("camera", obj))
	mat := newRecord(t, main, CodeMaterial, "Mat")
	require.NoError(t, mat.SetRef("image", img))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 1, report.Count(Info))
	require.Len(t, db.Libraries, 1)

	image, err := db.Find(CodeMaterial, "Mat", nil).Ref("image")
	require.NoError(t, err)
	require.NotNil(t, image)
	camera, err := db.Find(CodeScene, "Scene", nil).Ref("camera")
	require.NoError(t, err)
	require.NotNil(t, camera)
	assert.Same(t, camera.Lib, image.Lib)
}

func TestWeakLinksDropped(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	lib1Path := filepath.Join(dir, "lib1.bin")
	mainPath := filepath.Join(dir, "main.bin")

	// lib2.bin is never written: a weak reference must not open it
	lib1 := fileDB(reg, lib1Path)
	img := link(t, lib1, addLibrary(t, lib1, "lib2.bin"), CodeImage, "Img")
	m := newRecord(t, lib1, CodeMaterial, "M")
	require.NoError(t, m.SetRef("image", img))
	require.NoError(t, Write(lib1, lib1Path))

	main := fileDB(reg, mainPath)
	ml := link(t, main, addLibrary(t, main, "lib1.bin"), CodeMaterial, "M")
	ob := newRecord(t, main, CodeObject, "Object")
	require.NoError(t, ob.SetRefs("mat", []*Record{ml}))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 1, report.WeakLinksDropped)

	m = db.Find(CodeMaterial, "M", db.Libraries[0])
	require.NotNil(t, m)
	image, err := m.Ref("image")
	require.NoError(t, err)
	assert.Nil(t, image)
	assert.Equal(t, 2, db.Len())
}

func TestLibraryReferencingMainFile(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	lib := fileDB(reg, libPath)
	back := link(t, lib, addLibrary(t, lib, "main.bin"), CodeScene, "Scene")
	obj := newRecord(t, lib, CodeObject, "Obj")
	require.NoError(t, obj.SetRef("data", back))
	require.NoError(t, Write(lib, libPath))

	main := fileDB(reg, mainPath)
	ol := link(t, main, addLibrary(t, main, "lib.bin"), CodeObject, "Obj")
	sc := newRecord(t, main, CodeScene, "Scene")
	require.NoError(t, sc.SetRef("camera", ol))
	require.NoError(t, Write(main, mainPath))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	assert.Equal(t, 1, report.Count(Info))

	obj = db.Find(CodeObject, "Obj", db.Libraries[0])
	require.NotNil(t, obj)
	data, err := obj.Ref("data")
	require.NoError(t, err)
	assert.Nil(t, data)
}
