// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"context"
	"fmt"
	"log/slog"
)

// DiagKind classifies a recoverable problem found while loading.
type DiagKind int

const (
	// RecordError is a record that could not be decoded and was dropped.
	RecordError DiagKind = iota
	// ReferenceError is a missing library file or a missing linked record.
	ReferenceError
	// Info is a note that needs no action.
	Info
)

func (k DiagKind) String() string {
	switch k {
	case RecordError:
		return "record"
	case ReferenceError:
		return "reference"
	case Info:
		return "info"
	}
	return fmt.Sprintf("DiagKind(%d)", int(k))
}

// Diagnostic is one entry of a Report.
type Diagnostic struct {
	Kind    DiagKind
	Level   slog.Level
	Message string
	// Path is the file the problem was found in, if any.
	Path string
	// Record is "CODE name" of the record concerned, if any.
	Record string
}

func (d Diagnostic) String() string {
	s := d.Kind.String() + ": " + d.Message
	if d.Record != "" {
		s += " (" + d.Record + ")"
	}
	if d.Path != "" {
		s += " in " + d.Path
	}
	return s
}

// Report collects what went wrong, recoverably, during one load.
type Report struct {
	Diagnostics []Diagnostic

	MissingLibraries int
	MissingRecords   int
	DroppedRecords   int
	WeakLinksDropped int

	RecordsRead   int
	RecordsReused int
	PayloadsRead  int
	// PayloadsDropped counts payload blocks no pointer referred to.
	PayloadsDropped int

	logger *slog.Logger
}

func newReport(logger *slog.Logger) *Report {
	return &Report{logger: logger}
}

// Count returns the number of diagnostics of kind k.
func (r *Report) Count(k DiagKind) int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.Kind == k {
			n++
		}
	}
	return n
}

// Errors returns the diagnostics that are not Info.
func (r *Report) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Kind != Info {
			out = append(out, d)
		}
	}
	return out
}

func (r *Report) add(kind DiagKind, path, record, format string, args ...any) {
	level := slog.LevelWarn
	if kind == Info {
		level = slog.LevelInfo
	}
	d := Diagnostic{
		Kind:    kind,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
		Record:  record,
	}
	r.Diagnostics = append(r.Diagnostics, d)
	if r.logger != nil {
		attrs := []slog.Attr{slog.String("kind", kind.String())}
		if path != "" {
			attrs = append(attrs, slog.String("path", path))
		}
		if record != "" {
			attrs = append(attrs, slog.String("record", record))
		}
		r.logger.LogAttrs(context.Background(), level, d.Message, attrs...)
	}
}
