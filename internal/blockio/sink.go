// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockio

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes to a temporary file next to its destination and renames
// it into place on Commit.  Until then the destination is untouched.
type FileSink struct {
	f          *os.File
	resultPath string
	done       bool
}

// CreateFile starts writing a file that will replace path.
func CreateFile(path string) (*FileSink, error) {
	resultPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	dir := filepath.Dir(resultPath)
	f, err := os.CreateTemp(dir, "stratum-write.*.tmp")
	if err != nil {
		return nil, fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", dir, err)
	}
	return &FileSink{f: f, resultPath: resultPath}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Path is the destination path.
func (s *FileSink) Path() string {
	return s.resultPath
}

// Commit syncs the temporary file and renames it over the destination.
func (s *FileSink) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.f.Sync(); err != nil {
		s.remove()
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := s.f.Chmod(0o644); err != nil {
		s.remove()
		return fmt.Errorf("f.Chmod: %w", err)
	}
	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(s.f.Name(), s.resultPath); err != nil {
		_ = os.Remove(s.f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// Abort discards the temporary file.  It is a no-op after Commit.
func (s *FileSink) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.remove()
}

func (s *FileSink) remove() {
	_ = s.f.Close()
	_ = os.Remove(s.f.Name())
}
