// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"errors"
	"fmt"

	"github.com/bpowers/stratum/internal/blockio"
	"github.com/bpowers/stratum/internal/layout"
)

var (
	ErrBadSignature       = blockio.ErrBadSignature
	ErrTruncated          = blockio.ErrTruncated
	ErrCorruptRecord      = layout.ErrCorruptRecord
	ErrMissingStructTable = errors.New("file has no struct table before its first record")
	ErrInvalidDatabase    = errors.New("database was loaded with errors")
	ErrNotDeletable       = errors.New("record is still owned or pinned")
	ErrNameTaken          = errors.New("name already used in this scope")
	ErrUnknownKind        = errors.New("unknown record kind")
	ErrUnknownField       = errors.New("no such field")
	ErrFieldType          = errors.New("field has a different type")
	ErrLinkedRecord       = errors.New("linked records cannot be renamed")
	ErrNotInDatabase      = errors.New("record is not in a database")
)

// FormatError reports a file that cannot be decoded at all.
type FormatError struct {
	Path string
	Err  error
}

func formatErrf(path string, err error, format string, args ...any) error {
	return &FormatError{Path: path, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("stratum: %v", e.Err)
	}
	return fmt.Sprintf("stratum: %s: %v", e.Path, e.Err)
}

// IOError reports a failed operating system call.  On reads it aborts the
// load the way a FormatError does; on writes it aborts the write and the
// target file is left untouched.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stratum: %s %s: %v", e.Op, e.Path, e.Err)
}
