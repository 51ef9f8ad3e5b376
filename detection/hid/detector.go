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

// Package hid detects HID interfaces of updatable devices.
package hid

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-fwflash/detection"
	hidtransport "github.com/ZaparooProject/go-fwflash/transport/hid"
)

type detector struct {
	enumerate func(vid, pid uint16) ([]hidtransport.DeviceInfo, error)
}

// New creates a HID detector backed by hidapi.
func New() detection.Detector {
	return &detector{enumerate: hidtransport.Enumerate}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "hid"
}

// Detect enumerates HID interfaces without opening them. Interfaces of
// unknown models are only reported in Safe mode, at Low confidence.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	infos, err := d.enumerate(0, 0)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, detection.ErrDetectionTimeout
	}

	var devices []detection.DeviceInfo
	for _, info := range infos {
		vidpid := fmt.Sprintf("%04X:%04X", info.VendorID, info.ProductID)
		conf := detection.Low
		if opts.IsKnown(vidpid) {
			conf = detection.High
		} else if opts.Mode == detection.Passive {
			continue
		}

		dev := detection.DeviceInfo{
			Transport:  "hid",
			Path:       info.Path,
			Name:       info.Product,
			VIDPID:     vidpid,
			Metadata:   map[string]string{},
			Confidence: conf,
		}
		if dev.Name == "" {
			dev.Name = "HID device " + vidpid
		}
		if info.Serial != "" {
			dev.Metadata["serial"] = info.Serial
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
