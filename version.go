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
	"fmt"
	"strings"

	version "github.com/hashicorp/go-version"
)

// CompareVersions orders candidate against installed: negative when the
// candidate is older, zero when equal, positive when newer. ok is false
// when the two cannot be ordered, either because one is empty or because
// one is not a dotted numeric version. Identical strings always compare
// equal.
func CompareVersions(installed, candidate string) (cmp int, ok bool) {
	installed = strings.TrimSpace(installed)
	candidate = strings.TrimSpace(candidate)
	if installed == "" || candidate == "" {
		return 0, false
	}
	if installed == candidate {
		return 0, true
	}
	a, err := version.NewVersion(installed)
	if err != nil {
		return 0, false
	}
	b, err := version.NewVersion(candidate)
	if err != nil {
		return 0, false
	}
	return b.Compare(a), true
}

// checkVersion refuses downgrades and reinstalls unless the configuration
// allows them.
func (c *DeviceConfig) checkVersion(installed, candidate string) error {
	cmp, ok := CompareVersions(installed, candidate)
	switch {
	case !ok:
		return nil
	case cmp == 0 && !c.AllowReinstall:
		return &PolicyError{Op: "version check", Err: fmt.Errorf("%w: %s", ErrVersionSame, candidate)}
	case cmp < 0 && !c.AllowOlder:
		return &PolicyError{Op: "version check", Err: fmt.Errorf("%w: %s < %s", ErrVersionNewer, candidate, installed)}
	}
	return nil
}
