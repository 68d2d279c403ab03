// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package layout

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

// Parse builds a Table from C-like struct declarations:
//
//	struct ListBase { void *first; void *last; };
//	struct Object { ID id; Object *parent; float loc[3]; Material **mat; };
//
// Pointer targets may be declared later in the source (or never, for opaque
// types); embedded structs must be declared somewhere in the source.  The
// trailing semicolon after a struct's closing brace is optional.
func Parse(src string, pointerSize int, order binary.ByteOrder) (*Table, error) {
	if pointerSize != 4 && pointerSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", pointerSize)
	}
	p := &parser{toks: tokenize(src)}
	t := &Table{PointerSize: pointerSize, Order: order}
	typeIdx := make(map[string]int)
	typeOf := func(name string) int {
		if i, ok := typeIdx[name]; ok {
			return i
		}
		prim, size, _ := primByName(name)
		t.Types = append(t.Types, Type{Name: name, Size: size, Prim: prim, Struct: -1})
		typeIdx[name] = len(t.Types) - 1
		return len(t.Types) - 1
	}
	for _, prim := range primitives {
		typeOf(prim.name)
	}

	t.Structs = append(t.Structs, Struct{
		Type:   typeOf(rawDataName),
		Fields: []Field{{Type: typeOf("char"), Name: "data"}},
	})

	seen := map[string]bool{rawDataName: true}
	for !p.done() {
		if err := p.expect("struct"); err != nil {
			return nil, err
		}
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("struct %s declared twice: %w", name, ErrBadTable)
		}
		if _, _, isPrim := primByName(name); isPrim {
			return nil, fmt.Errorf("struct %s shadows a primitive: %w", name, ErrBadTable)
		}
		seen[name] = true
		if err := p.expect("{"); err != nil {
			return nil, err
		}
		s := Struct{Type: typeOf(name)}
		for p.peek() != "}" {
			typeName, err := p.ident()
			if err != nil {
				return nil, err
			}
			for {
				decl, err := p.declarator()
				if err != nil {
					return nil, fmt.Errorf("struct %s: %w", name, err)
				}
				if _, dup := fieldIndex(s.Fields, decl); dup {
					return nil, fmt.Errorf("struct %s: duplicate field %q: %w", name, decl, ErrBadTable)
				}
				s.Fields = append(s.Fields, Field{Type: typeOf(typeName), Name: decl})
				if p.peek() == "," {
					p.next()
					continue
				}
				break
			}
			if err := p.expect(";"); err != nil {
				return nil, fmt.Errorf("struct %s: %w", name, err)
			}
		}
		p.next() // }
		if p.peek() == ";" {
			p.next()
		}
		t.Structs = append(t.Structs, s)
	}

	// every embedded (non-pointer) struct field must resolve to a declaration
	for _, s := range t.Structs {
		for _, f := range s.Fields {
			ident, ptr, _, err := parseFieldName(f.Name)
			if err != nil {
				return nil, err
			}
			ft := t.Types[f.Type]
			if ptr == 0 && ft.Prim == PrimStruct && !seen[ft.Name] {
				return nil, fmt.Errorf("field %s embeds undeclared struct %s: %w", ident, ft.Name, ErrBadTable)
			}
			if ptr == 0 && ft.Prim == PrimVoid {
				return nil, fmt.Errorf("field %s has type void: %w", ident, ErrBadTable)
			}
		}
	}

	if err := t.finish(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustParse is Parse for declarations compiled into the program.
func MustParse(src string, pointerSize int, order binary.ByteOrder) *Table {
	t, err := Parse(src, pointerSize, order)
	if err != nil {
		panic(err)
	}
	return t
}

func fieldIndex(fields []Field, decl string) (int, bool) {
	ident, _, _, err := parseFieldName(decl)
	if err != nil {
		return -1, false
	}
	for i, f := range fields {
		other, _, _, _ := parseFieldName(f.Name)
		if other == ident {
			return i, true
		}
	}
	return -1, false
}

type parser struct {
	toks []string
	off  int
}

func (p *parser) done() bool { return p.off >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.off]
}

func (p *parser) next() string {
	tok := p.peek()
	p.off++
	return tok
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q: %w", tok, got, ErrBadTable)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	tok := p.next()
	if tok == "" || !isIdentStart(rune(tok[0])) {
		return "", fmt.Errorf("expected identifier, got %q: %w", tok, ErrBadTable)
	}
	return tok, nil
}

// declarator reads `*...ident[N]...` or `(*ident)()` and returns it in
// canonical form.
func (p *parser) declarator() (string, error) {
	if p.peek() == "(" {
		p.next()
		if err := p.expect("*"); err != nil {
			return "", err
		}
		ident, err := p.ident()
		if err != nil {
			return "", err
		}
		for _, tok := range []string{")", "(", ")"} {
			if err := p.expect(tok); err != nil {
				return "", err
			}
		}
		return "(*" + ident + ")()", nil
	}
	var sb strings.Builder
	for p.peek() == "*" {
		sb.WriteString(p.next())
	}
	ident, err := p.ident()
	if err != nil {
		return "", err
	}
	sb.WriteString(ident)
	for p.peek() == "[" {
		p.next()
		n := p.next()
		if n == "" || !unicode.IsDigit(rune(n[0])) {
			return "", fmt.Errorf("bad array dimension %q: %w", n, ErrBadTable)
		}
		if err := p.expect("]"); err != nil {
			return "", err
		}
		sb.WriteString("[" + n + "]")
	}
	return sb.String(), nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func tokenize(src string) []string {
	var toks []string
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case isIdentStart(c) || unicode.IsDigit(c):
			j := i
			for j < len(src) && (isIdentStart(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			toks = append(toks, string(c))
			i++
		}
	}
	return toks
}
