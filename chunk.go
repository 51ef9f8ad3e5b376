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
	"fmt"
	"iter"
)

// Chunk is one device-sized piece of a region. Data aliases the image
// buffer and is capacity-limited so appending to it never touches the
// following chunk.
type Chunk struct {
	Data       []byte
	Index      uint32
	Address    uint32
	Page       uint32
	PageOffset uint32
	IsLast     bool
}

// Layout controls how a region is cut into chunks.
type Layout struct {
	// ChunkSize is the maximum payload per chunk.
	ChunkSize int
	// FirstChunkOverhead shrinks only the first chunk, for devices that
	// prefix the first transfer with a header.
	FirstChunkOverhead int
	// PageSize, when non-zero, keeps every chunk inside one flash page.
	PageSize int
}

func (l Layout) validate() error {
	if l.ChunkSize <= 0 {
		return fmt.Errorf("chunk size %d: %w", l.ChunkSize, ErrInvalidParameter)
	}
	if l.FirstChunkOverhead < 0 || l.FirstChunkOverhead >= l.ChunkSize {
		return fmt.Errorf("first chunk overhead %d with chunk size %d: %w",
			l.FirstChunkOverhead, l.ChunkSize, ErrInvalidParameter)
	}
	if l.PageSize < 0 {
		return fmt.Errorf("page size %d: %w", l.PageSize, ErrInvalidParameter)
	}
	return nil
}

// Count returns how many chunks Split would yield for n bytes starting at
// address base.
func (l Layout) Count(base uint32, n int) int {
	count := 0
	for range l.chunks(make([]byte, 0), base, n) {
		count++
	}
	return count
}

// ChunkCount returns how many chunks Split yields for n bytes.
func ChunkCount(n, chunkSize, firstChunkOverhead int) int {
	l := Layout{ChunkSize: chunkSize, FirstChunkOverhead: firstChunkOverhead}
	if l.validate() != nil || n <= 0 {
		return 0
	}
	return l.Count(0, n)
}

// Split cuts data into chunks whose addresses start at base. Empty input
// yields nothing. The first chunk carries at most chunkSize minus
// firstChunkOverhead bytes, so data shorter than chunkSize can still take
// two chunks. The sequence is lazy and may be ranged over repeatedly.
func Split(data []byte, base uint32, chunkSize, firstChunkOverhead int) (iter.Seq[Chunk], error) {
	return Layout{ChunkSize: chunkSize, FirstChunkOverhead: firstChunkOverhead}.Split(data, base)
}

// SplitPages cuts data into chunks of at most chunkSize bytes that never
// cross a pageSize boundary.
func SplitPages(data []byte, base uint32, pageSize, chunkSize int) (iter.Seq[Chunk], error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size %d: %w", pageSize, ErrInvalidParameter)
	}
	return Layout{ChunkSize: chunkSize, PageSize: pageSize}.Split(data, base)
}

// Split cuts data according to the layout.
func (l Layout) Split(data []byte, base uint32) (iter.Seq[Chunk], error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	if uint64(base)+uint64(len(data)) > 1<<32 {
		return nil, fmt.Errorf("%d bytes at 0x%08X: %w", len(data), base, ErrRegionBounds)
	}
	return l.chunks(data, base, len(data)), nil
}

// chunks walks n bytes. When data is shorter than n (Count passes an empty
// slice) chunks carry no payload.
func (l Layout) chunks(data []byte, base uint32, n int) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		offset := 0
		var idx uint32
		for offset < n {
			size := l.ChunkSize
			if idx == 0 {
				size -= l.FirstChunkOverhead
			}
			addr := base + uint32(offset)
			var page, pageOffset uint32
			if l.PageSize > 0 {
				ps := uint32(l.PageSize)
				page = addr / ps
				pageOffset = addr % ps
				if room := int(ps - pageOffset); room < size {
					size = room
				}
			}
			end := min(offset+size, n)

			c := Chunk{
				Index:      idx,
				Address:    addr,
				Page:       page,
				PageOffset: pageOffset,
				IsLast:     end == n,
			}
			if end <= len(data) {
				c.Data = data[offset:end:end]
			}
			if !yield(c) {
				return
			}
			offset = end
			idx++
		}
	}
}

// Collect drains a chunk sequence into a slice.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}
