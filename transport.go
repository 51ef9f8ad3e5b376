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
	"context"
	"fmt"
	"time"
)

// Transport defines the byte-level link to a device. It can be implemented
// by UART, I2C, HID, USB bulk, SCSI pass-through or memory-mapped backends.
// Framing is the family's business; a transport moves opaque bytes.
type Transport interface {
	// Send writes data and expects no reply
	Send(data []byte, timeout time.Duration) error

	// SendAndReceive writes data and reads a reply of at most responseLen bytes
	SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error)

	// Close closes the transport connection
	Close() error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents UART/serial transport.
	TransportUART TransportType = "uart"
	// TransportI2C represents I2C bus transport.
	TransportI2C TransportType = "i2c"
	// TransportHID represents USB HID reports.
	TransportHID TransportType = "hid"
	// TransportUSB represents raw USB bulk endpoints.
	TransportUSB TransportType = "usb"
	// TransportSCSI represents SCSI pass-through to a mass storage bridge.
	TransportSCSI TransportType = "scsi"
	// TransportMMIO represents a memory-mapped register window.
	TransportMMIO TransportType = "mmio"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// TransportWithRetry wraps a Transport with retry capabilities. Only
// idempotent exchanges should go through it.
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

func (t *TransportWithRetry) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{
		Op:        op,
		Err:       err,
		Type:      GetErrorType(err),
		Retryable: IsRetryable(err),
	}
}

// Send sends data with retry logic
func (t *TransportWithRetry) Send(data []byte, timeout time.Duration) error {
	return RetryWithConfig(context.Background(), t.config, func() error {
		return t.wrap("Send", t.transport.Send(data, timeout))
	})
}

// SendAndReceive performs the exchange with retry logic
func (t *TransportWithRetry) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	var result []byte
	err := RetryWithConfig(context.Background(), t.config, func() error {
		var err error
		result, err = t.transport.SendAndReceive(data, responseLen, timeout)
		return t.wrap("SendAndReceive", err)
	})
	return result, err
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *TransportWithRetry) IsConnected() bool {
	return t.transport.IsConnected()
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}

// Unwrap returns the underlying transport
func (t *TransportWithRetry) Unwrap() Transport {
	return t.transport
}
