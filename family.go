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
	"context"
	"fmt"
)

// Mode is the firmware a device is currently running.
type Mode int

const (
	// ModeUnknown is reported before the first probe.
	ModeUnknown Mode = iota
	// ModeApplication means the main firmware is running.
	ModeApplication
	// ModeBootloader means the device accepts erase and write commands.
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeApplication:
		return "application"
	case ModeBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// DeviceInfo is what a probe learns about a device.
type DeviceInfo struct {
	Version   string
	Serial    string
	Mode      Mode
	VendorID  uint16
	ProductID uint16
	// FlashSize is the writable flash size in bytes, 0 when unknown.
	FlashSize uint32
	// BootloaderRequired is set when writes are only accepted in
	// ModeBootloader.
	BootloaderRequired bool
}

// Key returns the registry key for the device.
func (i *DeviceInfo) Key() Key {
	return Key{VendorID: i.VendorID, ProductID: i.ProductID}
}

func (i *DeviceInfo) String() string {
	return fmt.Sprintf("%04X:%04X %s %s", i.VendorID, i.ProductID, i.Mode, i.Version)
}

// Status is a decoded device status word.
type Status struct {
	Raw           uint32
	Busy          bool
	ChecksumError bool
	Failed        bool
}

// Ready reports a status with no pending work and no error.
func (s Status) Ready() bool {
	return !s.Busy && !s.ChecksumError && !s.Failed
}

// Family is the vendor protocol driver for one kind of device. Every method
// performs its I/O through the transport it is given and returns transport
// failures unwrapped so the session can retry them.
type Family interface {
	// Name identifies the family in logs and history.
	Name() string

	// Probe identifies the device and its current mode.
	Probe(ctx context.Context, t TransportContext) (*DeviceInfo, error)

	// Detach asks a device in application mode to reboot into its
	// bootloader.
	Detach(ctx context.Context, t TransportContext) error

	// Erase starts erasing the flash range of region. Completion is
	// observed through ReadStatus.
	Erase(ctx context.Context, t TransportContext, region Region) error

	// WriteChunk sends one chunk of region. Completion is observed through
	// ReadStatus.
	WriteChunk(ctx context.Context, t TransportContext, region Region, chunk Chunk) error

	// ReadStatus returns the device status word.
	ReadStatus(ctx context.Context, t TransportContext) (Status, error)

	// Attach leaves the bootloader and starts the new firmware.
	Attach(ctx context.Context, t TransportContext) error
}

// ChecksumReader is implemented by families whose device can compute a
// checksum over a flash range itself. The result must use the region's
// checksum algorithm.
type ChecksumReader interface {
	ReadChecksum(ctx context.Context, t TransportContext, address, length uint32, alg Algorithm) (Value, error)
}

// FlashReader is implemented by families that can read flash back.
type FlashReader interface {
	// ReadFlash reads at most MaxReadSize bytes starting at address.
	ReadFlash(ctx context.Context, t TransportContext, address uint32, length int) ([]byte, error)
	MaxReadSize() int
}

// Recoverer is implemented by families that can resynchronize a device
// between retry attempts, for example by draining a stale response.
// Returning an error aborts the retry loop.
type Recoverer interface {
	Recover(ctx context.Context, t TransportContext, cause error) error
}

// LayoutProvider is implemented by families with fixed chunking needs.
// Device options override individual non-zero fields.
type LayoutProvider interface {
	Layout() Layout
}
