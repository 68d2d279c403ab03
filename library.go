// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"path/filepath"
)

// Library is another file whose records this database links to.
type Library struct {
	// Path is the path as stored in the file that references the library.
	Path string
	// AbsPath is Path resolved against the referencing file's directory.
	AbsPath string
	// Version and Subversion are those of the library file, once read.
	Version    int
	Subversion int
	// Missing is set when the file could not be opened or decoded.
	Missing bool
	// Parent is the library whose file first referenced this one, nil when
	// the root file did.
	Parent *Library
}

// Name is the library's record name: its file name.
func (l *Library) Name() string {
	return truncateName(filepath.Base(l.Path), MaxNameLen)
}

func (l *Library) String() string {
	return l.Path
}

// resolvePath makes a stored library path absolute.  Relative paths are
// relative to the directory of the file that stores them.
func resolvePath(stored, referencingFile string) (string, error) {
	p := filepath.FromSlash(stored)
	if !filepath.IsAbs(p) && referencingFile != "" {
		p = filepath.Join(filepath.Dir(referencingFile), p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// storedPath renders a library path for a file written to dest.
func storedPath(l *Library, dest string, remap PathRemap) string {
	switch remap {
	case RemapAbsolute:
		if l.AbsPath != "" {
			return filepath.ToSlash(l.AbsPath)
		}
	case RemapRelative:
		if dest == "" || l.AbsPath == "" {
			break
		}
		destAbs, err := filepath.Abs(dest)
		if err != nil {
			break
		}
		rel, err := filepath.Rel(filepath.Dir(destAbs), l.AbsPath)
		if err != nil {
			break
		}
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(l.Path)
}
