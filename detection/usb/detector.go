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

// Package usb detects updatable devices on the USB bus through libusb.
package usb

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-fwflash/detection"
	"github.com/google/gousb"
)

// Descriptor is the part of a USB device descriptor detection needs.
type Descriptor struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
	Class     uint8
}

type detector struct {
	list func() ([]Descriptor, error)
}

// New creates a USB detector.
func New() detection.Detector {
	return &detector{list: listDescriptors}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "usb"
}

// listDescriptors walks the bus without opening any device.
func listDescriptors() ([]Descriptor, error) {
	ctx := gousb.NewContext()
	defer func() { _ = ctx.Close() }()

	var out []Descriptor
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		out = append(out, Descriptor{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Class:     uint8(desc.Class),
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate USB devices: %w", err)
	}
	return out, nil
}

// Detect reports known models. Hubs are always skipped; other unknown
// devices appear in Safe mode only.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	descs, err := d.list()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, detection.ErrDetectionTimeout
	}

	var devices []detection.DeviceInfo
	for _, desc := range descs {
		if gousb.Class(desc.Class) == gousb.ClassHub {
			continue
		}
		vidpid := fmt.Sprintf("%04X:%04X", desc.VendorID, desc.ProductID)
		conf := detection.Low
		if opts.IsKnown(vidpid) {
			conf = detection.High
		} else if opts.Mode == detection.Passive {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport: "usb",
			Path:      vidpid,
			Name:      fmt.Sprintf("USB device %s on bus %d address %d", vidpid, desc.Bus, desc.Address),
			VIDPID:    vidpid,
			Metadata: map[string]string{
				"bus":     fmt.Sprint(desc.Bus),
				"address": fmt.Sprint(desc.Address),
			},
			Confidence: conf,
		})
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
