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

/*
Package fwflash provides a pure Go library for updating the firmware of
microcontrollers and peripherals that are reachable over a byte transport.

An update is driven by a Device, which pairs a Transport with a Family (the
vendor protocol driver) and walks a small state machine:

	Idle -> Probing -> [Detaching] -> Erasing -> Writing -> Verifying -> [Attaching] -> Done

Any step may end in Failed. Every device call runs under a retry supervisor
that separates retryable transport glitches from fatal protocol errors, and
every region is verified against its checksum before the device is told to
boot the new firmware.

Features:
  - Multiple transport support: UART, I2C, HID, USB bulk, SCSI pass-through, MMIO
  - Checksum engine with CRC-32 and CRC-16 variants, additive sums and digests
  - Chunking with first-chunk overhead and page-boundary alignment
  - Busy polling and per-chunk re-send on device checksum errors
  - Cancellation at state boundaries only, never mid-exchange
  - Update history and blocklists through pluggable recorders

Basic Usage:

	import (
	    "github.com/ZaparooProject/go-fwflash"
	    "github.com/ZaparooProject/go-fwflash/container"
	    "github.com/ZaparooProject/go-fwflash/family/genericbl"
	    "github.com/ZaparooProject/go-fwflash/transport/uart"
	)

	transport, err := uart.New("/dev/ttyUSB0", 115200)
	if err != nil {
	    log.Fatal(err)
	}
	defer transport.Close()

	device, err := fwflash.New(transport, genericbl.New(),
	    fwflash.WithTimeout(2*time.Second),
	    fwflash.WithProgress(func(p fwflash.Progress) {
	        fmt.Printf("%s %.0f%%\n", p.State, p.Percentage())
	    }),
	)
	if err != nil {
	    log.Fatal(err)
	}

	img, err := container.ParseFile("app.fwfl")
	if err != nil {
	    log.Fatal(err)
	}

	if err := device.WriteFirmware(ctx, img); err != nil {
	    var ue *fwflash.UpdateError
	    if errors.As(err, &ue) {
	        fmt.Println("failed while", ue.State, "kind", ue.Kind)
	    }
	}

Error Handling:

Errors fall into transport, protocol, parse and policy categories
(*TransportError, *ProtocolError, *ParseError, *PolicyError). Sentinel
errors can be matched with errors.Is:

	if errors.Is(err, fwflash.ErrBusy) {
	    // another update is running on this device
	}

Thread Safety:

A Device runs at most one update at a time. A second concurrent
WriteFirmware returns ErrBusy without touching the device.
*/
package fwflash
