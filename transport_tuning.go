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

import "time"

// TransportTuning holds the polling delays suited to a link. Zero fields
// keep the DeviceConfig defaults.
type TransportTuning struct {
	// BusyPoll is the delay between status polls while a write completes.
	BusyPoll time.Duration
	// DetachPoll is the delay between re-probes while the device reboots
	// into its bootloader. Links that re-enumerate need longer.
	DetachPoll time.Duration
}

// TransportTuner is implemented by transports that know their own tuning.
type TransportTuner interface {
	Tuning() TransportTuning
}

// tuningFor returns the tuning for t, asking t first.
func tuningFor(t Transport) TransportTuning {
	if tuner, ok := t.(TransportTuner); ok {
		return tuner.Tuning()
	}

	switch t.Type() {
	case TransportUART:
		// CDC-ACM bridges vanish and come back on reboot
		return TransportTuning{BusyPoll: 2 * time.Millisecond, DetachPoll: 250 * time.Millisecond}
	case TransportI2C:
		return TransportTuning{BusyPoll: time.Millisecond, DetachPoll: 50 * time.Millisecond}
	case TransportHID, TransportUSB:
		return TransportTuning{BusyPoll: time.Millisecond, DetachPoll: 500 * time.Millisecond}
	case TransportSCSI:
		return TransportTuning{BusyPoll: 5 * time.Millisecond, DetachPoll: 500 * time.Millisecond}
	case TransportMMIO:
		return TransportTuning{BusyPoll: 100 * time.Microsecond, DetachPoll: 10 * time.Millisecond}
	default:
		return TransportTuning{}
	}
}

// apply sets the busy and detach delays from tuning. It runs before
// options, so explicit options win.
func (tuning TransportTuning) apply(config *DeviceConfig) {
	if tuning.BusyPoll > 0 {
		config.BusyRetry.Delay = ConstantDelay(tuning.BusyPoll)
	}
	if tuning.DetachPoll > 0 {
		config.DetachRetry.Delay = ConstantDelay(tuning.DetachPoll)
	}
}
