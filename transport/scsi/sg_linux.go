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

package scsi

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"golang.org/x/sys/unix"
)

const (
	sgIO           = 0x2285
	sgInterfaceID  = 'S'
	sgDxferNone    = -1
	sgDxferToDev   = -2
	sgDxferFromDev = -3
	sgFlagDirectIO = 0x01
	senseLen       = 32

	// DID_TIME_OUT
	hostTimeout = 0x03
)

// sgIOHdr mirrors struct sg_io_hdr from <scsi/sg.h>.
type sgIOHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         unsafe.Pointer
	cmdp           unsafe.Pointer
	sbp            unsafe.Pointer
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         unsafe.Pointer
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

type sgDevice struct {
	path string
	fd   int
}

// Open opens a SCSI generic node such as /dev/sg2.
func Open(path string, cfg Config) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, fwflash.ErrDeviceNotFound, err)
	}
	return NewWithExecutor(&sgDevice{fd: fd, path: path}, path, cfg), nil
}

func (d *sgDevice) Exec(cdb []byte, dir Direction, data []byte, timeout time.Duration) (int, error) {
	sense := make([]byte, senseLen)
	hdr := sgIOHdr{
		interfaceID: sgInterfaceID,
		cmdLen:      uint8(len(cdb)),
		mxSbLen:     senseLen,
		cmdp:        unsafe.Pointer(&cdb[0]),
		sbp:         unsafe.Pointer(&sense[0]),
		timeout:     uint32(timeout / time.Millisecond),
		flags:       sgFlagDirectIO,
	}
	switch {
	case dir == DirNone || len(data) == 0:
		hdr.dxferDirection = sgDxferNone
	case dir == DirToDevice:
		hdr.dxferDirection = sgDxferToDev
	default:
		hdr.dxferDirection = sgDxferFromDev
	}
	if hdr.dxferDirection != sgDxferNone {
		hdr.dxferLen = uint32(len(data))
		hdr.dxferp = unsafe.Pointer(&data[0])
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), sgIO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(cdb)
	runtime.KeepAlive(data)
	runtime.KeepAlive(sense)
	if errno != 0 {
		if errno == unix.ENODEV || errno == unix.ENXIO {
			return 0, fwflash.ErrDeviceDisconnected
		}
		return 0, fmt.Errorf("SG_IO ioctl: %w", errno)
	}
	if hdr.hostStatus == hostTimeout {
		return 0, fwflash.ErrTransportTimeout
	}
	if hdr.status != StatusGood {
		return 0, &SenseError{Op: fmt.Sprintf("opcode 0x%02X", cdb[0]), Sense: ParseSense(hdr.status, sense[:hdr.sbLenWr])}
	}
	if hdr.hostStatus != 0 || hdr.driverStatus&0x0F != 0 {
		return 0, fmt.Errorf("SG_IO host status 0x%X driver status 0x%X", hdr.hostStatus, hdr.driverStatus)
	}
	return int(hdr.dxferLen) - int(hdr.resid), nil
}

func (d *sgDevice) Close() error {
	return unix.Close(d.fd)
}
