// Copyright 2026 The stratum Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package zero

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	for _, input := range [][]byte{
		{},
		{'a', 'b', 'c'},
	} {
		initialLen := len(input)
		initialCap := cap(input)
		// slices are zero'd by default
		expected := make([]byte, len(input))
		Bytes(input)
		require.Equal(t, expected, input)
		// len and cap should be unchanged
		require.Equal(t, initialLen, len(input))
		require.Equal(t, initialCap, cap(input))
	}
}

func TestUint64s(t *testing.T) {
	for _, input := range [][]uint64{
		{},
		{1, 2, 3},
	} {
		initialLen := len(input)
		expected := make([]uint64, len(input))
		Uint64s(input)
		require.Equal(t, expected, input)
		require.Equal(t, initialLen, len(input))
	}
}
