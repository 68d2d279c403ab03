// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package stratum

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FileGlobal is the GLOB block: facts about the file as a whole.
type FileGlobal struct {
	Version    int    `msgpack:"version"`
	Subversion int    `msgpack:"subversion"`
	Filename   string `msgpack:"filename"`
	// Scene is the name of the scene the file was saved with active.
	Scene string `msgpack:"scene,omitempty"`
	Build string `msgpack:"build,omitempty"`
}

// Preferences are the USER block, read and written only on request.
type Preferences map[string]any

// RenderInfo is one entry of the REND block, readable without decoding
// any record.
type RenderInfo struct {
	Scene string `msgpack:"scene"`
	Start int    `msgpack:"start"`
	End   int    `msgpack:"end"`
}

// Thumbnail is the TEST block: a small RGBA preview image.
type Thumbnail struct {
	Width  int
	Height int
	RGBA   []byte
}

func encodeDoc(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("msgpack.Encode(%T): %w", v, err)
	}
	return buf.Bytes(), nil
}

func decodeDoc(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("msgpack.Decode(%T): %w", v, err)
	}
	return nil
}

func (t *Thumbnail) marshal(order binary.ByteOrder) ([]byte, error) {
	if t.Width < 0 || t.Height < 0 || len(t.RGBA) != 4*t.Width*t.Height {
		return nil, fmt.Errorf("thumbnail %dx%d with %d bytes of pixels", t.Width, t.Height, len(t.RGBA))
	}
	out := make([]byte, 8+len(t.RGBA))
	order.PutUint32(out[0:], uint32(t.Width))
	order.PutUint32(out[4:], uint32(t.Height))
	copy(out[8:], t.RGBA)
	return out, nil
}

func unmarshalThumbnail(data []byte, order binary.ByteOrder) (*Thumbnail, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("thumbnail block of %d bytes: %w", len(data), ErrCorruptRecord)
	}
	w, h := int(int32(order.Uint32(data[0:]))), int(int32(order.Uint32(data[4:])))
	if w < 0 || h < 0 || len(data)-8 != 4*w*h {
		return nil, fmt.Errorf("thumbnail %dx%d in %d bytes: %w", w, h, len(data), ErrCorruptRecord)
	}
	return &Thumbnail{Width: w, Height: h, RGBA: append([]byte(nil), data[8:]...)}, nil
}
