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

// Package uart provides a serial port transport for bootloaders reached
// over a UART or a USB CDC-ACM bridge.
package uart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/transport"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is used when New is given a zero baud rate.
	DefaultBaudRate = 115200

	// interByteGap ends a reply once the line has been idle this long after
	// the first byte.
	interByteGap = 20 * time.Millisecond
)

// Port is the subset of serial.Port the transport uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Transport implements fwflash.Transport over a serial port.
type Transport struct {
	port     Port
	portName string
	mu       sync.Mutex
}

// New opens portName at baud, 8N1.
func New(portName string, baud int) (*Transport, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("open %s: %w", portName, fwflash.ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	return NewWithPort(port, portName), nil
}

// NewWithPort wraps an already open port.
func NewWithPort(port Port, portName string) *Transport {
	return &Transport{port: port, portName: portName}
}

// Send writes data and expects no reply.
func (t *Transport) Send(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return fwflash.NewTransportError("send", t.portName, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.write(data, timeout)
}

// SendAndReceive writes data and reads the reply. Reading stops once
// responseLen bytes arrived, the line went idle after the first byte, or
// timeout elapsed with nothing received.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.portName, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}

	// Stale bytes from an earlier timed-out exchange would be read as this
	// reply.
	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, fwflash.NewTransportError("resetInput", t.portName, err, fwflash.ErrorTypeTransient)
	}
	if err := t.write(data, timeout); err != nil {
		return nil, err
	}
	return t.read(responseLen, timeout)
}

func (t *Transport) write(data []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for written := 0; written < len(data); {
		if timeout > 0 && time.Now().After(deadline) {
			return fwflash.NewTimeoutError("write", t.portName)
		}
		n, err := t.port.Write(data[written:])
		if err != nil {
			return fwflash.NewTransportError("write", t.portName,
				fmt.Errorf("%w: %w", fwflash.ErrTransportWrite, err), fwflash.ErrorTypeTransient)
		}
		written += n
	}
	return nil
}

func (t *Transport) read(responseLen int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, responseLen)

	// The first byte may take the whole timeout; later bytes only the gap.
	got, err := transport.TimeoutRetry(context.Background(), timeout, 0, func() (int, bool, error) {
		if err := t.port.SetReadTimeout(min(timeout, 50*time.Millisecond)); err != nil {
			return 0, false, fwflash.NewTransportError("setReadTimeout", t.portName, err, fwflash.ErrorTypeTransient)
		}
		n, err := t.port.Read(buf)
		if err != nil {
			return 0, false, fwflash.NewTransportError("read", t.portName,
				fmt.Errorf("%w: %w", fwflash.ErrTransportRead, err), fwflash.ErrorTypeTransient)
		}
		return n, n == 0, nil
	})
	if err != nil {
		if errors.Is(err, fwflash.ErrTransportTimeout) {
			return nil, fwflash.NewTimeoutError("read", t.portName)
		}
		return nil, err
	}

	if err := t.port.SetReadTimeout(interByteGap); err != nil {
		return nil, fwflash.NewTransportError("setReadTimeout", t.portName, err, fwflash.ErrorTypeTransient)
	}
	for got < responseLen {
		n, err := t.port.Read(buf[got:])
		if err != nil {
			return nil, fwflash.NewTransportError("read", t.portName,
				fmt.Errorf("%w: %w", fwflash.ErrTransportRead, err), fwflash.ErrorTypeTransient)
		}
		if n == 0 {
			break
		}
		got += n
	}
	return buf[:got], nil
}

// Close closes the port. Closing twice is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("failed to close UART port %s: %w", t.portName, err)
	}
	return nil
}

// IsConnected returns true while the port is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportUART
}

// PortName returns the device path the transport was opened on
func (t *Transport) PortName() string {
	return t.portName
}

var _ fwflash.Transport = (*Transport)(nil)
