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

package detection

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultBlocklist returns USB identities that are never reported, in
// "VVVV:PPPP" form. Entries are devices that share an identity with an
// updatable target but misbehave when opened.
func DefaultBlocklist() []string {
	return []string{
		// "1234:5678", // example: composite device that resets on open
	}
}

// IsBlocked reports whether vidpid is in blocklist. Both sides are
// normalised, so "vid:0483 pid:df11" matches "0483:DF11".
func IsBlocked(vidpid string, blocklist []string) bool {
	id := ParseVIDPID(vidpid)
	if id == "" {
		return false
	}
	for _, blocked := range blocklist {
		if ParseVIDPID(blocked) == id {
			return true
		}
	}
	return false
}

// ParseVIDPID extracts a USB identity from the descriptor formats seen in
// port listings and configuration files and returns it as "VVVV:PPPP",
// or "" when none is found:
//
//	1209:B007
//	0x1209:0xb007
//	VID:1209 PID:B007
//	vendor=1209 product=b007
//	USB VID:PID=1209:B007 SER=...
//	usb:v1209pB007d0100...
func ParseVIDPID(descriptor string) string {
	s := strings.ToUpper(strings.TrimSpace(descriptor))
	if s == "" {
		return ""
	}

	// modalias fields are fixed width
	if rest, ok := strings.CutPrefix(s, "USB:V"); ok {
		if len(rest) < 9 || rest[4] != 'P' {
			return ""
		}
		return format(rest[:4], rest[5:9])
	}

	if _, rest, ok := strings.Cut(s, "VID:PID="); ok {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ""
		}
		vid, pid, _ := strings.Cut(fields[0], ":")
		return format(trimHexPrefix(vid), trimHexPrefix(pid))
	}

	vid := valueAfter(s, "VID:", "VID=", "VENDOR=", "IDVENDOR=")
	pid := valueAfter(s, "PID:", "PID=", "PRODUCT=", "IDPRODUCT=")
	if vid != "" || pid != "" {
		return format(vid, pid)
	}

	if a, b, ok := strings.Cut(s, ":"); ok && !strings.Contains(b, ":") {
		return format(trimHexPrefix(a), trimHexPrefix(b))
	}
	return ""
}

func valueAfter(s string, keys ...string) string {
	for _, key := range keys {
		if idx := strings.Index(s, key); idx >= 0 {
			v, _ := leadingHex(trimHexPrefix(strings.TrimLeft(s[idx+len(key):], " ")))
			return v
		}
	}
	return ""
}

func trimHexPrefix(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0X")
}

// leadingHex splits s after its leading run of hex digits.
func leadingHex(s string) (hex, rest string) {
	i := 0
	for i < len(s) && isHexDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

// format accepts only 1 to 4 hex digits per half.
func format(vid, pid string) string {
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil || len(vid) > 4 {
		return ""
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil || len(pid) > 4 {
		return ""
	}
	return fmt.Sprintf("%04X:%04X", v, p)
}

// IsPathIgnored checks if a device path should be ignored.
// Paths are compared cleaned and case-insensitively.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" || len(ignorePaths) == 0 {
		return false
	}

	normalizedDevice := normalizedPath(devicePath)
	for _, ignorePath := range ignorePaths {
		if ignorePath == "" {
			continue
		}
		if devicePath == ignorePath || normalizedDevice == normalizedPath(ignorePath) {
			return true
		}
	}
	return false
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
