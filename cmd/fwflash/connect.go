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

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/detection"
	virt "github.com/ZaparooProject/go-fwflash/internal/testing"
	"github.com/ZaparooProject/go-fwflash/transport/hid"
	"github.com/ZaparooProject/go-fwflash/transport/i2c"
	"github.com/ZaparooProject/go-fwflash/transport/mmio"
	"github.com/ZaparooProject/go-fwflash/transport/scsi"
	"github.com/ZaparooProject/go-fwflash/transport/uart"
	"github.com/ZaparooProject/go-fwflash/transport/usb"
)

// target is a parsed -transport value.
type target struct {
	kind string
	path string
	// key is set for targets addressed by USB identity.
	key *fwflash.Key
	// addr is the I2C slave address or the mmio window offset.
	addr uint64
}

func (t target) String() string {
	if t.path == "" {
		return t.kind
	}
	return t.kind + ":" + t.path
}

// parseTarget understands
//
//	uart:/dev/ttyUSB0   hid:/dev/hidraw0   hid:1209:B007
//	usb:1209:B007       i2c:/dev/i2c-1[:0x42]
//	scsi:/dev/sg2       mmio:/sys/.../resource0[@0x1000]
//	sim[:bootloader]
//
// A bare path is treated as a serial port.
func parseTarget(s string) (target, error) {
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		switch s {
		case "":
			return target{}, fmt.Errorf("empty transport: %w", errUsage)
		case "sim":
			return target{kind: "sim"}, nil
		}
		return target{kind: "uart", path: s}, nil
	}
	if rest == "" {
		return target{}, fmt.Errorf("transport %q has no address: %w", s, errUsage)
	}

	t := target{kind: strings.ToLower(kind), path: rest}
	switch t.kind {
	case "uart", "scsi":
	case "sim":
		if rest != "bootloader" {
			return target{}, fmt.Errorf("simulator mode %q: %w", rest, errUsage)
		}
	case "usb":
		key, err := fwflash.ParseKey(rest)
		if err != nil {
			return target{}, err
		}
		t.key = &key
	case "hid":
		if key, err := fwflash.ParseKey(rest); err == nil && !strings.Contains(rest, "/") {
			t.key = &key
		}
	case "i2c":
		t.addr = i2c.DefaultAddress
		if bus, addr, ok := strings.Cut(rest, ":"); ok {
			n, err := strconv.ParseUint(addr, 0, 7)
			if err != nil {
				return target{}, fmt.Errorf("i2c address %q: %w", addr, errUsage)
			}
			t.path, t.addr = bus, n
		}
	case "mmio":
		if path, off, ok := strings.Cut(rest, "@"); ok {
			n, err := strconv.ParseUint(off, 0, 63)
			if err != nil {
				return target{}, fmt.Errorf("mmio offset %q: %w", off, errUsage)
			}
			t.path, t.addr = path, n
		}
	default:
		return target{}, fmt.Errorf("unknown transport %q: %w", kind, errUsage)
	}
	return t, nil
}

// fromDetected converts a detection result into a target.
func fromDetected(d detection.DeviceInfo) (target, error) {
	return parseTarget(d.String())
}

// open creates the transport for t.
func (a *app) open(t target) (fwflash.Transport, error) {
	switch t.kind {
	case "uart":
		return asTransport(uart.New(t.path, a.cfg.Baud))
	case "hid":
		if t.key != nil {
			return asTransport(hid.Open(t.key.VendorID, t.key.ProductID, "", hid.Config{}))
		}
		return asTransport(hid.OpenPath(t.path, hid.Config{}))
	case "usb":
		return asTransport(usb.Open(t.key.VendorID, t.key.ProductID, usb.Config{}))
	case "i2c":
		return asTransport(i2c.New(t.path, uint16(t.addr)))
	case "scsi":
		return asTransport(scsi.Open(t.path, scsi.Config{}))
	case "mmio":
		return asTransport(mmio.Open(t.path, int64(t.addr)))
	case "sim":
		cfg := virt.DefaultConfig()
		cfg.StartInBootloader = t.path == "bootloader"
		return virt.NewDevice(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q: %w", t.kind, errUsage)
	}
}

// asTransport keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func asTransport[T fwflash.Transport](t T, err error) (fwflash.Transport, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}

// resolve picks the target: the explicit flag, then the configured port,
// then the best detected candidate.
func (a *app) resolve(ctx context.Context, explicit string) (target, *detection.DeviceInfo, error) {
	if explicit == "" {
		explicit = a.cfg.Port
	}
	if explicit != "" {
		t, err := parseTarget(explicit)
		return t, nil, err
	}

	devices, err := a.detect(ctx, detection.Passive)
	if len(devices) == 0 {
		if err == nil || errors.Is(err, detection.ErrNoDevicesFound) {
			return target{}, nil, errors.New("no device found; pass -transport")
		}
		return target{}, nil, fmt.Errorf("device detection failed: %w", err)
	}
	best := devices[0]
	if best.Confidence < detection.High {
		return target{}, nil, fmt.Errorf("no known device found (best candidate %s); pass -transport", best)
	}
	a.log.WithField("device", best.String()).Info("using detected device")
	t, err := fromDetected(best)
	return t, &best, err
}

func (a *app) detect(ctx context.Context, mode detection.Mode) ([]detection.DeviceInfo, error) {
	opts := detection.DefaultOptions()
	opts.Mode = mode
	for _, k := range fwflash.DefaultRegistry.Keys() {
		opts.KnownIDs = append(opts.KnownIDs, k.String())
	}
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		a.log.WithError(err).Debug("detection reported errors")
	}
	return devices, err
}
