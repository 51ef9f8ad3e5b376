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

// Package uart detects serial ports that may lead to a bootloader.
package uart

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-fwflash/detection"
	"go.bug.st/serial/enumerator"
)

// Serial ports that are never USB bridges to a target.
var skipPrefixes = []string{"/dev/ttyS", "/dev/cu.Bluetooth", "/dev/tty.Bluetooth", "/dev/cu.debug-console"}

type detector struct {
	list func() ([]*enumerator.PortDetails, error)
}

// New creates a serial port detector backed by the OS port enumerator.
func New() detection.Detector {
	return &detector{list: enumerator.GetDetailedPortsList}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "uart"
}

// Detect lists serial ports. USB bridges carry their identity; in Passive
// mode ports without one are left out.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, detection.ErrDetectionTimeout
	}

	devices := make([]detection.DeviceInfo, 0, len(ports))
	for _, port := range ports {
		dev, ok := describe(port, opts)
		if ok {
			devices = append(devices, dev)
		}
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func describe(port *enumerator.PortDetails, opts *detection.Options) (detection.DeviceInfo, bool) {
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(port.Name, prefix) {
			return detection.DeviceInfo{}, false
		}
	}

	dev := detection.DeviceInfo{
		Transport:  "uart",
		Path:       port.Name,
		Name:       port.Name,
		Metadata:   map[string]string{},
		Confidence: detection.Low,
	}
	if !port.IsUSB {
		return dev, opts.Mode != detection.Passive
	}

	dev.VIDPID = detection.ParseVIDPID(port.VID + ":" + port.PID)
	dev.Confidence = detection.Medium
	if opts.IsKnown(dev.VIDPID) {
		dev.Confidence = detection.High
	}
	if port.Product != "" {
		dev.Name = port.Product
		dev.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		dev.Metadata["serial"] = port.SerialNumber
	}
	return dev, true
}
