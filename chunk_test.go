// go-fwflash
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-fwflash.
//
// go-fwflash is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-fwflash is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-fwflash; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package fwflash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sizes     []int
		addrs     []uint32
		dataLen   int
		chunkSize int
		overhead  int
		base      uint32
	}{
		{name: "empty", dataLen: 0, chunkSize: 16},
		{name: "exact", dataLen: 32, chunkSize: 16, sizes: []int{16, 16}, addrs: []uint32{0, 16}},
		{name: "remainder", dataLen: 20, chunkSize: 16, sizes: []int{16, 4}, addrs: []uint32{0, 16}},
		{name: "smaller than chunk", dataLen: 5, chunkSize: 16, sizes: []int{5}, addrs: []uint32{0}},
		{
			name: "fits first chunk payload", dataLen: 3, chunkSize: 4, overhead: 1, base: 0x100,
			sizes: []int{3}, addrs: []uint32{0x100},
		},
		{
			// Smaller than one chunk but larger than the first chunk's
			// payload: the overhead pushes the tail into a second chunk.
			name: "exceeds first chunk payload", dataLen: 3, chunkSize: 4, overhead: 3, base: 0x100,
			sizes: []int{1, 2}, addrs: []uint32{0x100, 0x101},
		},
		{
			name: "first chunk overhead", dataLen: 30, chunkSize: 16, overhead: 4,
			sizes: []int{12, 16, 2}, addrs: []uint32{0, 12, 28},
		},
		{
			name: "base address", dataLen: 20, chunkSize: 8, base: 0x08000000,
			sizes: []int{8, 8, 4}, addrs: []uint32{0x08000000, 0x08000008, 0x08000010},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := make([]byte, tt.dataLen)
			seq, err := Split(data, tt.base, tt.chunkSize, tt.overhead)
			require.NoError(t, err)
			chunks := Collect(seq)

			require.Len(t, chunks, len(tt.sizes))
			assert.Equal(t, len(tt.sizes), ChunkCount(tt.dataLen, tt.chunkSize, tt.overhead))
			for i, c := range chunks {
				assert.Equal(t, uint32(i), c.Index)
				assert.Len(t, c.Data, tt.sizes[i])
				assert.Equal(t, tt.addrs[i], c.Address)
				assert.Equal(t, i == len(chunks)-1, c.IsLast)
			}
		})
	}
}

func TestSplit_InvalidLayout(t *testing.T) {
	t.Parallel()

	_, err := Split([]byte{1}, 0, 0, 0)
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Split([]byte{1}, 0, 8, 8)
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = SplitPages([]byte{1}, 0, 0, 8)
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = Split(make([]byte, 16), 0xFFFFFFF8, 8, 0)
	require.ErrorIs(t, err, ErrRegionBounds)

	assert.Zero(t, ChunkCount(10, 0, 0))
}

func TestSplit_ChunksDoNotAlias(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4, 5, 6}
	seq, err := Split(data, 0, 2, 0)
	require.NoError(t, err)
	chunks := Collect(seq)

	grown := append(chunks[0].Data, 0xEE)
	assert.Equal(t, []byte{1, 2, 0xEE}, grown)
	assert.Equal(t, []byte{3, 4}, chunks[1].Data)
}

func TestSplitPages(t *testing.T) {
	t.Parallel()

	seq, err := SplitPages(make([]byte, 40), 0x100C, 16, 12)
	require.NoError(t, err)
	chunks := Collect(seq)

	var got [][2]uint32
	for _, c := range chunks {
		got = append(got, [2]uint32{c.Address, uint32(len(c.Data))})
		assert.Equal(t, c.Address/16, c.Page)
		assert.Equal(t, c.Address%16, c.PageOffset)
	}
	assert.Equal(t, [][2]uint32{
		{0x100C, 4},
		{0x1010, 12},
		{0x101C, 4},
		{0x1020, 12},
		{0x102C, 4},
		{0x1030, 4},
	}, got)
}

func TestLayout_Count(t *testing.T) {
	t.Parallel()

	l := Layout{ChunkSize: 12, PageSize: 16}
	seq, err := l.Split(make([]byte, 40), 0x100C)
	require.NoError(t, err)
	assert.Equal(t, len(Collect(seq)), l.Count(0x100C, 40))
}

func TestSplit_Properties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "data")
		chunkSize := rapid.IntRange(1, 300).Draw(t, "chunkSize")
		overhead := rapid.IntRange(0, chunkSize-1).Draw(t, "overhead")
		pageSize := rapid.SampledFrom([]int{0, 64, 128, 256}).Draw(t, "pageSize")
		base := rapid.Uint32Range(0, 1<<20).Draw(t, "base")

		l := Layout{ChunkSize: chunkSize, FirstChunkOverhead: overhead, PageSize: pageSize}
		seq, err := l.Split(data, base)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		chunks := Collect(seq)

		var joined []byte
		next := base
		for i, c := range chunks {
			if c.Address != next {
				t.Fatalf("chunk %d at 0x%X, want 0x%X", i, c.Address, next)
			}
			limit := chunkSize
			if i == 0 {
				limit -= overhead
			}
			if len(c.Data) == 0 || len(c.Data) > limit {
				t.Fatalf("chunk %d has %d bytes, limit %d", i, len(c.Data), limit)
			}
			if pageSize > 0 && int(c.PageOffset)+len(c.Data) > pageSize {
				t.Fatalf("chunk %d crosses a page boundary", i)
			}
			if c.IsLast != (i == len(chunks)-1) {
				t.Fatalf("chunk %d IsLast=%v", i, c.IsLast)
			}
			joined = append(joined, c.Data...)
			next += uint32(len(c.Data))
		}
		if !bytes.Equal(joined, data) {
			t.Fatalf("reassembled %d bytes, want %d", len(joined), len(data))
		}

		again := Collect(seq)
		if len(again) != len(chunks) {
			t.Fatalf("second pass yielded %d chunks, first %d", len(again), len(chunks))
		}
	})
}
