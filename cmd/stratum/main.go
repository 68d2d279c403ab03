// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command stratum inspects and generates stratum files.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/bpowers/stratum"
	"github.com/bpowers/stratum/internal/blockio"
)

func main() {
	app := kingpin.New("stratum", "Inspect and generate stratum files.")
	app.HelpFlag.Short('h')
	verbose := app.Flag("verbose", "log progress to stderr").Short('v').Bool()

	blocks := app.Command("blocks", "list the blocks of a file")
	blocksPath := blocks.Arg("file", "file to read").Required().ExistingFile()

	dump := app.Command("dump", "load a file with its libraries and list its records")
	dumpPath := dump.Arg("file", "file to read").Required().ExistingFile()
	dumpMmap := dump.Flag("mmap", "map uncompressed files into memory").Default("true").Bool()

	gen := app.Command("gen", "write a sample file and a library it links to")
	genDir := gen.Arg("dir", "output directory").Required().String()
	genCompress := gen.Flag("compress", "zstd worker count, 0 to write uncompressed").Default("0").Int()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var err error
	switch cmd {
	case blocks.FullCommand():
		err = listBlocks(os.Stdout, *blocksPath)
	case dump.FullCommand():
		err = dumpRecords(os.Stdout, *dumpPath, stratum.WithLogger(logger), stratum.WithMmap(*dumpMmap))
	case gen.FullCommand():
		err = generate(*genDir, stratum.WithWriteLogger(logger), stratum.WithCompression(*genCompress))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratum: %s\n", err)
		os.Exit(1)
	}
}

func listBlocks(w io.Writer, path string) error {
	o, err := blockio.Open(path)
	if err != nil {
		return err
	}
	defer o.Close()
	r, err := blockio.NewReader(o.Source)
	if err != nil {
		return err
	}
	h := r.Header()
	fmt.Fprintf(w, "%s: version %d, %d-byte pointers, %s, %s on disk\n",
		path, h.Version, h.PointerSize, h.Order, humanize.Bytes(uint64(o.Size)))

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "#\tcode\tsize\told\tsdna\tcount")
	for _, b := range r.Blocks() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%#x\t%d\t%d\n", b.Index, b.Code, humanize.Bytes(uint64(b.Len)), b.Old, b.SDNA, b.Count)
	}
	return tw.Flush()
}

func dumpRecords(w io.Writer, path string, opts ...stratum.ReadOption) error {
	db, report, err := stratum.Open(stratum.DefaultRegistry(), path, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: version %d.%d, %d records, %d libraries\n",
		path, db.Global.Version, db.Global.Subversion, db.Len(), len(db.Libraries))
	for _, lib := range db.Libraries {
		state := ""
		if lib.Missing {
			state = " (missing)"
		}
		fmt.Fprintf(w, "library %s -> %s%s\n", lib.Path, lib.AbsPath, state)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "handle\trecord\tstate\towners\tpayloads")
	for _, r := range db.All() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", r.Handle(), r, r.State, len(r.Owners()), len(r.Payloads))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, d := range report.Diagnostics {
		fmt.Fprintln(w, d)
	}
	return nil
}

// generate writes lib.bin, holding a material and a mesh, and main.bin,
// whose object links to them.
func generate(dir string, opts ...stratum.WriteOption) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	reg := stratum.DefaultRegistry()
	libPath := filepath.Join(dir, "lib.bin")
	mainPath := filepath.Join(dir, "main.bin")

	lib := stratum.NewDatabase(reg)
	lib.Path = libPath
	mat, err := lib.NewRecord(stratum.CodeMaterial, "Red")
	if err != nil {
		return err
	}
	if err := mat.SetFloat32s("color", []float32{1, 0, 0, 1}); err != nil {
		return err
	}
	me, err := lib.NewRecord(stratum.CodeMesh, "Cube")
	if err != nil {
		return err
	}
	verts := []float32{
		-1, -1, -1, 1, -1, -1, 1, 1, -1, -1, 1, -1,
		-1, -1, 1, 1, -1, 1, 1, 1, 1, -1, 1, 1,
	}
	if err := me.SetPayload("verts", stratum.Float32s(verts)); err != nil {
		return err
	}
	if err := me.SetInt32("totvert", int32(len(verts)/3)); err != nil {
		return err
	}
	if err := me.SetRefs("mat", []*stratum.Record{mat}); err != nil {
		return err
	}
	if err := stratum.Write(lib, libPath, opts...); err != nil {
		return err
	}

	db := stratum.NewDatabase(reg)
	db.Path = mainPath
	l, err := db.AddLibrary("lib.bin")
	if err != nil {
		return err
	}
	mesh, err := db.Link(l, stratum.CodeMesh, "Cube")
	if err != nil {
		return err
	}
	ob, err := db.NewRecord(stratum.CodeObject, "Cube")
	if err != nil {
		return err
	}
	if err := ob.SetRef("data", mesh); err != nil {
		return err
	}
	if err := ob.SetFloat32s("loc", []float32{0, 0, 2}); err != nil {
		return err
	}
	sc, err := db.NewRecord(stratum.CodeScene, "Scene")
	if err != nil {
		return err
	}
	if err := sc.SetRef("camera", ob); err != nil {
		return err
	}
	db.Global.Scene = sc.Name
	return stratum.Write(db, mainPath, append(opts, stratum.WithPathRemap(stratum.RemapRelative))...)
}
