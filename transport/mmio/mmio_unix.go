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

//go:build unix

package mmio

import (
	"fmt"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"golang.org/x/sys/unix"
)

// Open maps the mailbox at offset in path, typically a PCI resource file
// such as /sys/bus/pci/devices/0000:03:00.0/resource2.
func Open(path string, offset int64) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, fwflash.ErrDeviceNotFound, err)
	}
	// The mapping outlives the descriptor.
	defer func() { _ = unix.Close(fd) }()

	buf, err := unix.Mmap(fd, offset, WindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at 0x%X: %w", path, offset, err)
	}
	win, err := NewMemory(buf, unix.Munmap)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return NewWithWindow(win, path), nil
}
