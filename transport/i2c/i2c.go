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

// Package i2c provides an I2C transport for bootloaders that sit on a
// board's I2C bus.
package i2c

import (
	"context"
	"fmt"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/transport"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// DefaultAddress is the 7-bit address the generic bootloader answers on.
	DefaultAddress = 0x42

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	// A target with no reply ready clocks out idle bytes.
	idleLow  = 0x00
	idleHigh = 0xFF

	pollInterval = time.Millisecond
)

// Transport implements fwflash.Transport over an I2C bus
type Transport struct {
	dev     *i2c.Dev
	closer  func() error
	busName string
	mu      sync.Mutex
}

// New opens busName ("" for the first bus) and addresses the target at
// addr. A zero addr selects DefaultAddress.
func New(busName string, addr uint16) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	// Ignore error, continue with default speed
	_ = bus.SetSpeed(maxClockFreq)

	t := NewWithBus(bus, addr, busName)
	t.closer = bus.Close
	return t, nil
}

// NewWithBus addresses addr on an already open bus. Closing the transport
// does not close the bus.
func NewWithBus(bus i2c.Bus, addr uint16, busName string) *Transport {
	if addr == 0 {
		addr = DefaultAddress
	}
	return &Transport{
		dev:     &i2c.Dev{Addr: addr, Bus: bus},
		busName: busName,
	}
}

// Send writes data in one bus transaction.
func (t *Transport) Send(data []byte, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return fwflash.NewTransportError("send", t.busName, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.write(data)
}

// SendAndReceive writes data, then reads responseLen bytes once the target
// stops clocking out idle bytes. The reply may carry trailing padding.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.busName, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}
	if err := t.write(data); err != nil {
		return nil, err
	}

	buf := make([]byte, responseLen)
	resp, err := transport.TimeoutRetry(context.Background(), timeout, pollInterval, func() ([]byte, bool, error) {
		if err := t.dev.Tx(nil, buf); err != nil {
			return nil, false, fwflash.NewTransportError("read", t.busName,
				fmt.Errorf("%w: %w", fwflash.ErrTransportRead, err), fwflash.ErrorTypeTransient)
		}
		if buf[0] == idleLow || buf[0] == idleHigh {
			return nil, true, nil
		}
		return buf, false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("I2C reply from 0x%02X: %w", t.dev.Addr, err)
	}
	return resp, nil
}

func (t *Transport) write(data []byte) error {
	if err := t.dev.Tx(data, nil); err != nil {
		return fwflash.NewTransportError("write", t.busName,
			fmt.Errorf("%w: %w", fwflash.ErrTransportWrite, err), fwflash.ErrorTypeTransient)
	}
	return nil
}

// Close releases the bus if the transport opened it
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dev = nil
	if t.closer == nil {
		return nil
	}
	closer := t.closer
	t.closer = nil
	if err := closer(); err != nil {
		return fmt.Errorf("failed to close I2C bus %s: %w", t.busName, err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportI2C
}

// Ensure Transport implements fwflash.Transport
var _ fwflash.Transport = (*Transport)(nil)
