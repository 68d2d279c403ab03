// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/bpowers/stratum/internal/blockio"
	"github.com/bpowers/stratum/internal/layout"
)

// Code is a record kind: two ASCII characters, first character in the low
// byte.  It is the block tag of the kind's record blocks.
type Code uint16

// MakeCode builds a Code from the first two bytes of s.
func MakeCode(s string) Code {
	var c Code
	if len(s) > 0 {
		c = Code(s[0])
	}
	if len(s) > 1 {
		c |= Code(s[1]) << 8
	}
	return c
}

func (c Code) String() string {
	return blockio.Code(c).String()
}

func (c Code) block() blockio.Code {
	return blockio.Code(c)
}

const (
	CodeLibrary    Code = 'L' | 'I'<<8
	CodeScene      Code = 'S' | 'C'<<8
	CodeObject     Code = 'O' | 'B'<<8
	CodeMesh       Code = 'M' | 'E'<<8
	CodeMaterial   Code = 'M' | 'A'<<8
	CodeCollection Code = 'G' | 'R'<<8
	CodeImage      Code = 'I' | 'M'<<8
	CodeTexture    Code = 'T' | 'X'<<8
)

// Kind describes one record kind.
type Kind struct {
	Code Code
	// Struct is the layout struct of the kind's records.  Its first field
	// must be "ID id".
	Struct string
	Name   string
	// Weak lists pointer fields whose targets are optional: a weakly
	// referenced linked record that cannot be found is dropped silently.
	Weak []string
	// Back lists back-reference fields.  They are not followed when a
	// linked record pulls in its dependencies and do not make their target
	// owned.
	Back []string
	// PostLoad runs on every record of the kind after linking.
	PostLoad func(db *Database, r *Record) error

	index    int
	si       int
	weak     map[string]bool
	back     map[string]bool
	fieldMap map[string]fieldInfo
}

type slotKind uint8

const (
	slotNone slotKind = iota
	slotRecord
	slotPayload
)

// fieldInfo caches what an accessor needs to know about a field path.
type fieldInfo struct {
	off   int
	field *layout.Field
	prim  layout.Prim
	slot  layout.Slot
	kind  slotKind
}

// Registry is everything the program knows about its own records: their
// layouts, kinds, renames and versioning steps.  It is built once and
// passed to every load and save.
type Registry struct {
	Layout  *layout.Table
	Aliases *layout.Aliases

	// Version and Subversion are written to every file.
	Version    int
	Subversion int

	kinds      []Kind
	byCode     map[Code]int
	byStruct   map[int]int
	versioners []Versioner

	idStruct       int
	libStruct      int
	overrideStruct int
	id             struct {
		name, flag, uid, override int
	}
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*Registry)

// WithAliases applies struct and field renames to tables read from older
// files.
func WithAliases(a *layout.Aliases) RegistryOption {
	return func(r *Registry) {
		r.Aliases = a
	}
}

// WithVersion sets the version written to files.
func WithVersion(version, subversion int) RegistryOption {
	return func(r *Registry) {
		r.Version, r.Subversion = version, subversion
	}
}

// WithVersioners adds versioning steps.
func WithVersioners(v ...Versioner) RegistryOption {
	return func(r *Registry) {
		r.versioners = append(r.versioners, v...)
	}
}

const (
	idNameLen = 66
	// MaxNameLen is the longest record name, in bytes.
	MaxNameLen = idNameLen - 3
)

// ID flag bits.
const (
	idFlagPinned   = 1 << 0
	idFlagWeak     = 1 << 1
	idFlagIndirect = 1 << 2
)

// NewRegistry parses decls and builds a registry for kinds.  decls must
// declare ID, IDOverride and Library next to the kinds' structs.
func NewRegistry(decls string, kinds []Kind, opts ...RegistryOption) (*Registry, error) {
	t, err := layout.Parse(decls, 8, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("layout.Parse: %w", err)
	}
	r := &Registry{
		Layout:   t,
		Version:  1,
		byCode:   make(map[Code]int, len(kinds)),
		byStruct: make(map[int]int, len(kinds)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Version < 0 || r.Version > blockio.MaxVersion {
		return nil, fmt.Errorf("version %d does not fit the file header", r.Version)
	}

	var ok bool
	for _, s := range []struct {
		name string
		dst  *int
	}{{"ID", &r.idStruct}, {"Library", &r.libStruct}, {"IDOverride", &r.overrideStruct}} {
		if *s.dst, ok = t.StructIndex(s.name); !ok {
			return nil, fmt.Errorf("struct %s is not declared", s.name)
		}
	}
	for _, f := range []struct {
		path string
		dst  *int
	}{{"name", &r.id.name}, {"flag", &r.id.flag}, {"uid", &r.id.uid}, {"override", &r.id.override}} {
		off, _, ok := t.FieldAt(r.idStruct, f.path)
		if !ok {
			return nil, fmt.Errorf("struct ID has no field %s", f.path)
		}
		*f.dst = off
	}
	if err := r.checkHeader(r.libStruct); err != nil {
		return nil, err
	}

	for i, k := range kinds {
		if k.Code == CodeLibrary || !k.Code.block().IsKind() {
			return nil, fmt.Errorf("kind %q: reserved or invalid code", k.Code)
		}
		if _, dup := r.byCode[k.Code]; dup {
			return nil, fmt.Errorf("kind %s registered twice", k.Code)
		}
		si, ok := t.StructIndex(k.Struct)
		if !ok {
			return nil, fmt.Errorf("kind %s: struct %s is not declared", k.Code, k.Struct)
		}
		if err := r.checkHeader(si); err != nil {
			return nil, err
		}
		k.index, k.si = i, si
		k.weak = make(map[string]bool, len(k.Weak))
		for _, f := range k.Weak {
			k.weak[f] = true
		}
		k.back = make(map[string]bool, len(k.Back))
		for _, f := range k.Back {
			k.back[f] = true
		}
		k.fieldMap = make(map[string]fieldInfo)
		r.kinds = append(r.kinds, k)
		r.byCode[k.Code] = i
		r.byStruct[si] = i
	}
	sort.SliceStable(r.versioners, func(i, j int) bool {
		return r.versioners[i].before(r.versioners[j])
	})
	return r, nil
}

func (r *Registry) checkHeader(si int) error {
	s := &r.Layout.Structs[si]
	if len(s.Fields) == 0 || s.Fields[0].Ident != "id" || r.Layout.Types[s.Fields[0].Type].Struct != r.idStruct || s.Fields[0].Ptr != 0 {
		return fmt.Errorf("struct %s must start with \"ID id\"", r.Layout.StructName(si))
	}
	return nil
}

// Kinds returns the registered kinds in registry order.
func (r *Registry) Kinds() []Kind {
	return r.kinds
}

// Kind returns the kind registered for c.
func (r *Registry) Kind(c Code) (*Kind, bool) {
	i, ok := r.byCode[c]
	if !ok {
		return nil, false
	}
	return &r.kinds[i], true
}

func (r *Registry) kindOfStruct(si int) (*Kind, bool) {
	i, ok := r.byStruct[si]
	if !ok {
		return nil, false
	}
	return &r.kinds[i], true
}

// Fingerprint is the structural hash of a kind's current layout.
func (r *Registry) Fingerprint(c Code) (uint64, bool) {
	k, ok := r.Kind(c)
	if !ok {
		return 0, false
	}
	return r.Layout.Fingerprint(k.si), true
}

// isRecordTarget reports whether a pointer to typeName refers to a record
// rather than to a payload.
func (r *Registry) isRecordTarget(typeName string) bool {
	si, ok := r.Layout.StructIndex(typeName)
	if !ok {
		return false
	}
	if si == r.idStruct {
		return true
	}
	_, ok = r.byStruct[si]
	return ok
}

// classify decides what a pointer slot holds in memory.
func (r *Registry) classify(s layout.Slot) slotKind {
	switch {
	case s.Func:
		return slotNone
	case s.Depth == 1 && r.isRecordTarget(s.Target):
		return slotRecord
	default:
		return slotPayload
	}
}

// field resolves a field path of kind k.
func (r *Registry) field(k *Kind, path string) (fieldInfo, error) {
	if fi, ok := k.fieldMap[path]; ok {
		return fi, nil
	}
	off, f, ok := r.Layout.FieldAt(k.si, path)
	if !ok {
		return fieldInfo{}, fmt.Errorf("%s.%s: %w", k.Struct, path, ErrUnknownField)
	}
	fi := fieldInfo{off: off, field: f}
	ft := r.Layout.Types[f.Type]
	fi.prim = ft.Prim
	if f.Ptr > 0 {
		fi.slot = layout.Slot{
			Offset: off,
			Path:   path,
			Target: ft.Name,
			Depth:  f.Ptr,
			Func:   strings.HasPrefix(f.Name, "(*"),
		}
		fi.kind = r.classify(fi.slot)
	}
	k.fieldMap[path] = fi
	return fi, nil
}

// DefaultDecls declares the sample kinds of DefaultRegistry.
const DefaultDecls = `
struct ID { char name[66]; short flag; int uid; int _pad; IDOverride *override; };
struct IDOverride { ID *reference; char *storage; int flag; int _pad; };
struct ListBase { void *first; void *last; };
struct Library { ID id; char filepath[1024]; };

struct Scene {
	ID id;
	Object *camera;
	Collection *master;
	int frame_start;
	int frame_end;
	float fps;
	int _pad;
};
struct Object {
	ID id;
	Object *parent;
	ID *data;
	Material **mat;
	float loc[3];
	float scale[3];
	short totcol;
	short _pad0;
	int _pad1;
};
struct Mesh {
	ID id;
	Material **mat;
	int *indices;
	float *verts;
	int totindex;
	int totvert;
	short totcol;
	short _pad0;
	int _pad1;
};
struct Material { ID id; Image *image; float color[4]; float roughness; int _pad; };
struct CollectionObject { CollectionObject *next; CollectionObject *prev; Object *ob; };
struct Collection { ID id; ListBase objects; Collection *parent; int flag; int _pad; };
struct Image { ID id; char filepath[1024]; int width; int height; };
struct Texture { ID id; Image *image; int type; int _pad; void (*evaluate)(); };
`

// DefaultKinds are the sample kinds of DefaultRegistry.
func DefaultKinds() []Kind {
	return []Kind{
		{Code: CodeScene, Struct: "Scene", Name: "Scene"},
		{Code: CodeObject, Struct: "Object", Name: "Object"},
		{Code: CodeMesh, Struct: "Mesh", Name: "Mesh"},
		{Code: CodeMaterial, Struct: "Material", Name: "Material", Weak: []string{"image"}},
		{Code: CodeCollection, Struct: "Collection", Name: "Collection", Back: []string{"parent"}},
		{Code: CodeImage, Struct: "Image", Name: "Image"},
		{Code: CodeTexture, Struct: "Texture", Name: "Texture"},
	}
}

const (
	DefaultVersion    = 102
	DefaultSubversion = 3
)

// DefaultRegistry returns a registry of the sample kinds with their
// versioning steps.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDecls, DefaultKinds(),
		WithVersion(DefaultVersion, DefaultSubversion),
		WithVersioners(defaultVersioners()...),
	)
	if err != nil {
		panic(err)
	}
	return r
}
