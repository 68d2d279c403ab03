// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	abs, err := resolvePath("lib/../shared.bin", "/projects/a/main.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/projects/a/shared.bin"), abs)

	abs, err = resolvePath("/elsewhere/x.bin", "/projects/a/main.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/elsewhere/x.bin"), abs)
}

func TestStoredPath(t *testing.T) {
	lib := &Library{Path: "old/lib.bin", AbsPath: filepath.FromSlash("/projects/assets/lib.bin")}
	dest := filepath.FromSlash("/projects/shots/main.bin")
	assert.Equal(t, "old/lib.bin", storedPath(lib, dest, RemapNone))
	assert.Equal(t, "/projects/assets/lib.bin", storedPath(lib, dest, RemapAbsolute))
	assert.Equal(t, "../assets/lib.bin", storedPath(lib, dest, RemapRelative))
	assert.Equal(t, "old/lib.bin", storedPath(lib, "", RemapRelative))
}

func TestPathRemapOnWrite(t *testing.T) {
	reg := DefaultRegistry()
	dir := t.TempDir()
	libPath := filepath.Join(dir, "lib.bin")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "shots"), 0o755))
	mainPath := filepath.Join(dir, "shots", "main.bin")

	lib := fileDB(reg, libPath)
	newRecord(t, lib, CodeMaterial, "Red")
	require.NoError(t, Write(lib, libPath))

	// a database without a path of its own stores what it was given
	main := NewDatabase(reg)
	l := addLibrary(t, main, libPath)
	red := link(t, main, l, CodeMaterial, "Red")
	ob := newRecord(t, main, CodeObject, "Object")
	require.NoError(t, ob.SetRefs("mat", []*Record{red}))
	require.NoError(t, Write(main, mainPath, WithPathRemap(RemapRelative)))

	db, report, err := Open(reg, mainPath)
	require.NoError(t, err)
	assert.Empty(t, report.Errors())
	require.Len(t, db.Libraries, 1)
	assert.Equal(t, "../lib.bin", db.Libraries[0].Path)
	assert.Equal(t, libPath, db.Libraries[0].AbsPath)
	assert.NotNil(t, db.Find(CodeMaterial, "Red", db.Libraries[0]))
}
