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

//go:build linux

package i2c

import (
	"context"
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// i2c-dev ioctls from linux/i2c-dev.h
const (
	ioctlSlave = 0x0703
	ioctlFuncs = 0x0705
	funcI2C    = 0x00000001
)

// findBuses returns /dev/i2c-N nodes whose adapter supports plain I2C.
func findBuses() ([]string, error) {
	matches, err := filepath.Glob("/dev/i2c-*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan for I2C devices: %w", err)
	}

	buses := make([]string, 0, len(matches))
	for _, path := range matches {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(path), "i2c-%d", &n); err != nil {
			continue
		}
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		var funcs uint32
		// #nosec G103 -- unsafe pointer required for ioctl system call
		err = ioctl(fd, ioctlFuncs, uintptr(unsafe.Pointer(&funcs)))
		_ = unix.Close(fd)
		if err != nil || funcs&funcI2C == 0 {
			continue
		}
		buses = append(buses, path)
	}
	return buses, nil
}

// scanBus addresses every non-reserved slave and reads one byte.
func scanBus(ctx context.Context, busPath string) ([]uint8, error) {
	fd, err := unix.Open(busPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", busPath, err)
	}
	defer func() { _ = unix.Close(fd) }()

	var found []uint8
	buf := make([]byte, 1)
	for addr := uint8(firstAddress); addr <= lastAddress; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if ioctl(fd, ioctlSlave, uintptr(addr)) != nil {
			continue
		}
		if _, err := unix.Read(fd, buf); err == nil {
			found = append(found, addr)
		}
	}
	return found, nil
}

func ioctl(fd int, request uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
