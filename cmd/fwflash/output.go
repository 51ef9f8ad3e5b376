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
	"fmt"
	"io"
	"strings"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/container"
	"github.com/ZaparooProject/go-fwflash/detection"
	"github.com/ZaparooProject/go-fwflash/history"
)

// Output handles consistent formatting of messages
type Output struct {
	w         io.Writer
	lastState fwflash.SessionState
	verbose   bool
}

// NewOutput creates a new output handler
func NewOutput(w io.Writer, verbose bool) *Output {
	return &Output{w: w, verbose: verbose, lastState: fwflash.StateIdle}
}

func (o *Output) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(o.w, format, args...)
}

// Container prints a container header and region table
func (o *Output) Container(path string, hdr *container.Header, img *fwflash.FirmwareImage) {
	o.printf("File:       %s\n", path)
	o.printf("Device:     %04X:%04X\n", hdr.VendorID, hdr.ProductID)
	o.printf("Version:    %s\n", hdr.Version)
	o.printf("Compressed: %t\n", hdr.Compressed())
	o.printf("Size:       %d bytes\n", img.Size())
	if digest, err := img.Digest(fwflash.SHA256); err == nil {
		o.printf("SHA-256:    %s\n", digest.Hex())
	}
	o.printf("Regions:\n")
	for _, r := range img.Regions() {
		check := string(r.Checksum.Algorithm)
		if r.Checksum.Embedded {
			check += " (embedded)"
		}
		o.printf("  %-12s 0x%08X +%-8d offset %-8d %s\n", r.Name, r.FlashBase, r.Length, r.StartOffset, check)
	}
}

// Progress prints state changes, and every chunk in verbose mode
func (o *Output) Progress(p fwflash.Progress) {
	if p.State == o.lastState && !o.verbose {
		return
	}
	o.lastState = p.State
	region := ""
	if p.Region != "" {
		region = " " + p.Region
	}
	o.printf("%-10s%s %5.1f%% (%d/%d bytes)\n", p.State, region, p.Percentage(), p.BytesDone, p.BytesTotal)
}

// Probed prints what a probe learnt
func (o *Output) Probed(info *fwflash.DeviceInfo) {
	o.printf("Found %s\n", info)
}

// Flashed prints the final summary
func (o *Output) Flashed(session fwflash.TransferSession) {
	o.printf("Update complete: %d bytes in %s\n", session.BytesTransferred,
		time.Since(session.StartedAt).Round(time.Millisecond))
}

// Devices prints a detection result table
func (o *Output) Devices(devices []detection.DeviceInfo) {
	if len(devices) == 0 {
		o.printf("No devices found\n")
		return
	}
	for _, d := range devices {
		id := d.VIDPID
		if id == "" {
			id = "-"
		}
		o.printf("%-28s %-9s %-6s %s\n", d.String(), id, d.Confidence, d.Name)
	}
}

// History prints stored updates
func (o *Output) History(entries []history.Entry) {
	if len(entries) == 0 {
		o.printf("No updates recorded\n")
		return
	}
	for _, e := range entries {
		result := "ok"
		if !e.Succeeded() {
			result = fmt.Sprintf("failed in %s: %s", e.State, e.Kind)
		}
		o.printf("%s  %-16s %s -> %s  %s\n", e.FinishedAt.Local().Format(time.DateTime), e.DeviceID,
			orDash(e.VersionOld), orDash(e.VersionNew), result)
		if o.verbose {
			o.printf("    family %s, %d/%d bytes, sha256 %s\n", e.Family, e.BytesTransferred, e.TotalBytes, e.Digest)
			if e.Error != "" {
				o.printf("    %s\n", e.Error)
			}
		}
	}
}

// Blocked prints the firmware blocklist
func (o *Output) Blocked(list []history.BlockedFirmware) {
	for _, b := range list {
		o.printf("%s  %s  %s\n", b.CreatedAt.Local().Format(time.DateTime), b.Digest, b.Reason)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
