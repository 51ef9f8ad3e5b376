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

// Package i2c detects bootloaders listening on I2C buses.
package i2c

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ZaparooProject/go-fwflash/detection"
	i2ctransport "github.com/ZaparooProject/go-fwflash/transport/i2c"
)

// Addresses scanned in Safe mode; 0x00-0x07 and 0x78-0x7F are reserved.
const (
	firstAddress = 0x08
	lastAddress  = 0x77
)

type detector struct {
	// buses lists bus device paths.
	buses func() ([]string, error)
	// scan returns the addresses that acknowledged a read.
	scan func(ctx context.Context, busPath string) ([]uint8, error)
}

// New creates an I2C detector.
func New() detection.Detector {
	return &detector{buses: findBuses, scan: scanBus}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "i2c"
}

// Detect lists candidates on every bus. Passive mode reports the default
// bootloader address on each bus without touching it; Safe mode scans.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	buses, err := d.buses()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, bus := range buses {
		if ctx.Err() != nil {
			return devices, detection.ErrDetectionTimeout
		}
		if opts.Mode == detection.Passive {
			devices = append(devices, candidate(bus, i2ctransport.DefaultAddress, detection.Low))
			continue
		}
		found, err := d.scan(ctx, bus)
		if err != nil {
			detection.Log().WithError(err).WithField("bus", bus).Debug("i2c scan failed")
			continue
		}
		devices = append(devices, candidates(bus, found)...)
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// candidates turns acknowledged addresses into results. The default
// address is a strong hint; anything else might be any peripheral.
func candidates(bus string, found []uint8) []detection.DeviceInfo {
	out := make([]detection.DeviceInfo, 0, len(found))
	for _, addr := range found {
		conf := detection.Low
		if uint16(addr) == i2ctransport.DefaultAddress {
			conf = detection.High
		}
		out = append(out, candidate(bus, uint16(addr), conf))
	}
	slices.SortStableFunc(out, func(a, b detection.DeviceInfo) int { return int(b.Confidence) - int(a.Confidence) })
	return out
}

func candidate(bus string, addr uint16, conf detection.Confidence) detection.DeviceInfo {
	return detection.DeviceInfo{
		Transport: "i2c",
		Path:      fmt.Sprintf("%s:0x%02X", bus, addr),
		Name:      fmt.Sprintf("I2C device at %s address 0x%02X", filepath.Base(bus), addr),
		Metadata: map[string]string{
			"bus":     bus,
			"address": fmt.Sprintf("0x%02X", addr),
		},
		Confidence: conf,
	}
}
