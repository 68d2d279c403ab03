// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/google/btree"
)

const (
	nameDegree    = 16
	maxNameSuffix = 999
)

// nameScope is the namespace records must be unique in.
type nameScope struct {
	code Code
	lib  *Library
}

type nameItem struct {
	name string
	rec  *Record
}

func nameLess(a, b nameItem) bool {
	return a.name < b.name
}

func (d *Database) nameTree(code Code, lib *Library, create bool) *btree.BTreeG[nameItem] {
	scope := nameScope{code, lib}
	t, ok := d.names[scope]
	if !ok && create {
		t = btree.NewG[nameItem](nameDegree, nameLess)
		d.names[scope] = t
	}
	return t
}

func (d *Database) lookupName(code Code, lib *Library, name string) *Record {
	t := d.nameTree(code, lib, false)
	if t == nil {
		return nil
	}
	item, ok := t.Get(nameItem{name: name})
	if !ok {
		return nil
	}
	return item.rec
}

func (d *Database) addName(r *Record) {
	d.nameTree(r.Code, r.Lib, true).ReplaceOrInsert(nameItem{name: r.Name, rec: r})
}

func (d *Database) removeName(r *Record) {
	t := d.nameTree(r.Code, r.Lib, false)
	if t == nil {
		return
	}
	if item, ok := t.Get(nameItem{name: r.Name}); ok && item.rec == r {
		t.Delete(item)
	}
}

// uniqueName returns name, or the first "root.NNN" variant of it that is
// free in the scope.  Numbers 1 to 999 are tried in order; past that the
// largest number in use plus one is taken.  Names longer than MaxNameLen
// lose runes from the end of the root until the result fits.
func (d *Database) uniqueName(code Code, lib *Library, name string) string {
	name = truncateName(name, MaxNameLen)
	if d.lookupName(code, lib, name) == nil {
		return name
	}
	root, _, _ := splitNumber(name)
	t := d.nameTree(code, lib, true)
	for {
		used := make(map[int]bool)
		highest := 0
		prefix := root + "."
		t.AscendRange(nameItem{name: prefix}, nameItem{name: root + "/"}, func(item nameItem) bool {
			r, n, ok := splitNumber(item.name)
			if ok && r == root {
				used[n] = true
				highest = max(highest, n)
			}
			return true
		})
		n := 1
		for n <= maxNameSuffix && used[n] {
			n++
		}
		if n > maxNameSuffix {
			n = highest + 1
		}
		candidate := fmt.Sprintf("%s.%03d", root, n)
		if len(candidate) <= MaxNameLen {
			return candidate
		}
		if root == "" {
			return truncateName(candidate, MaxNameLen)
		}
		_, size := utf8.DecodeLastRuneInString(root)
		root = root[:len(root)-size]
	}
}

// splitNumber splits "Cube.012" into "Cube" and 12.  Names without a
// numeric suffix are returned whole.
func splitNumber(name string) (string, int, bool) {
	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		c := name[i]
		if c == '.' {
			dot = i
			break
		}
		if c < '0' || c > '9' {
			return name, 0, false
		}
	}
	if dot < 0 || dot == len(name)-1 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[dot+1:])
	if err != nil {
		return name, 0, false
	}
	return name[:dot], n, true
}

// truncateName cuts name to at most n bytes on a rune boundary.
func truncateName(name string, n int) string {
	if len(name) <= n {
		return name
	}
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
