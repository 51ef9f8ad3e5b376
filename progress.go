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

import "time"

// Progress is emitted on every state change and after every chunk.
type Progress struct {
	Region     string
	State      SessionState
	BytesDone  uint64
	BytesTotal uint64
	Elapsed    time.Duration
}

// Percentage returns completion in the range 0-100. An empty update is
// reported complete once it reaches Done.
func (p Progress) Percentage() float64 {
	if p.BytesTotal == 0 {
		if p.State == StateDone {
			return 100
		}
		return 0
	}
	return float64(p.BytesDone) * 100 / float64(p.BytesTotal)
}

// ProgressFunc receives progress events synchronously on the updating
// goroutine. It must not block for long.
type ProgressFunc func(Progress)
