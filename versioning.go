// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import "fmt"

// Versioner upgrades records written by an older program.  It runs on
// records read from files whose version is older than its own.
type Versioner struct {
	Version    int
	Subversion int
	Name       string
	// Before runs per file, before pointers are linked.  Record pointers
	// still hold file addresses and must not be followed.
	Before func(r *Record) error
	// After runs on the merged database once every pointer is resolved.
	After func(db *Database, r *Record) error
}

func (v Versioner) before(o Versioner) bool {
	if v.Version != o.Version {
		return v.Version < o.Version
	}
	return v.Subversion < o.Subversion
}

// newerThan reports whether v postdates a file of the given version.
func (v Versioner) newerThan(version, subversion int) bool {
	return version < v.Version || version == v.Version && subversion < v.Subversion
}

type fileVersion struct {
	version, subversion int
}

func (reg *Registry) versionBefore(recs []*Record, fv fileVersion, report *Report, path string) {
	for _, v := range reg.versioners {
		if v.Before == nil || !v.newerThan(fv.version, fv.subversion) {
			continue
		}
		for _, r := range recs {
			if err := v.Before(r); err != nil {
				report.add(RecordError, path, r.ID(), "versioning %s: %v", v.Name, err)
			}
		}
	}
}

func (reg *Registry) versionAfter(db *Database, recs []*Record, fv fileVersion, report *Report) {
	for _, v := range reg.versioners {
		if v.After == nil || !v.newerThan(fv.version, fv.subversion) {
			continue
		}
		for _, r := range recs {
			if err := v.After(db, r); err != nil {
				report.add(RecordError, "", r.ID(), "versioning %s: %v", v.Name, err)
			}
		}
	}
}

const defaultFrameEnd = 250

func defaultVersioners() []Versioner {
	return []Versioner{
		{
			Version:    101,
			Subversion: 1,
			Name:       "scene frame range",
			Before: func(r *Record) error {
				if r.Code != CodeScene {
					return nil
				}
				end, err := r.Int32("frame_end")
				if err != nil || end != 0 {
					return err
				}
				return r.SetInt32("frame_end", defaultFrameEnd)
			},
		},
		{
			Version:    102,
			Subversion: 0,
			Name:       "object material count",
			After: func(db *Database, r *Record) error {
				if r.Code != CodeObject {
					return nil
				}
				mats, err := r.Refs("mat")
				if err != nil {
					return err
				}
				if len(mats) > 1<<15-1 {
					return fmt.Errorf("%d materials", len(mats))
				}
				return r.SetInt16("totcol", int16(len(mats)))
			},
		},
	}
}
