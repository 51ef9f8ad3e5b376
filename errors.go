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
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportRead       = errors.New("transport read failed")
	ErrTransportWrite      = errors.New("transport write failed")
	ErrTransportClosed     = errors.New("transport closed")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceDisconnected  = errors.New("device disconnected")
	ErrCommunicationFailed = errors.New("communication failed")
	ErrShortResponse       = errors.New("response shorter than expected")
	ErrFrameCorrupted      = errors.New("frame corrupted")
	ErrNotReady            = errors.New("device not ready")
)

// Protocol errors
var (
	ErrDeviceBusy       = errors.New("device busy")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrChunkChecksum    = errors.New("device rejected chunk checksum")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrDetachTimeout    = errors.New("device did not enter bootloader mode")
	ErrFlashOperation   = errors.New("flash operation failed")
)

// Parse errors
var (
	ErrBadMagic           = errors.New("bad magic")
	ErrUnsupportedVersion = errors.New("unsupported container version")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrRegionOverlap      = errors.New("regions overlap")
	ErrRegionBounds       = errors.New("region out of bounds")
	ErrDuplicateRegion    = errors.New("duplicate region name")
)

// Policy errors
var (
	ErrBusy                 = errors.New("update already in progress")
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
	ErrVerifyUnsupported    = errors.New("device can neither report checksums nor read back flash")
	ErrFirmwareBlocked      = errors.New("firmware is blocked")
	ErrDeviceMismatch       = errors.New("firmware does not match device")
	ErrVersionNewer         = errors.New("installed firmware is newer")
	ErrVersionSame          = errors.New("firmware version already installed")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrCancelled            = errors.New("update cancelled")
	ErrRetryExhausted       = errors.New("retry attempts exhausted")
	ErrNoFamily             = errors.New("no family registered for device")
)

// ErrorType represents the category of transport error
type ErrorType int

const (
	// ErrorTypeTransient indicates a temporary error that may succeed on retry
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a permanent error that won't succeed on retry
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// TransportError is an I/O failure talking to the device. Retryable
// transport errors are absorbed by the retry supervisor.
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a transport error. Only permanent errors are
// marked non-retryable.
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a retryable frame corruption error
func NewFrameCorruptedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewShortResponseError reports a response that carried fewer bytes than the
// protocol requires.
func NewShortResponseError(op, port string, got, want int) *TransportError {
	return NewTransportError(op, port,
		fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, got, want), ErrorTypeTransient)
}

// NewDisconnectedError creates a permanent error for a vanished device
func NewDisconnectedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDeviceDisconnected, ErrorTypePermanent)
}

// ParseError reports a malformed firmware container or image description.
type ParseError struct {
	Err    error
	Field  string
	Offset int
}

func (e *ParseError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("parse %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an unexpected response or status from the device.
type ProtocolError struct {
	Err    error
	Op     string
	Status uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: status 0x%02X: %v", e.Op, e.Status, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a protocol error for the given operation
func NewProtocolError(op string, status uint32, err error) *ProtocolError {
	return &ProtocolError{Op: op, Status: status, Err: err}
}

// PolicyError reports a request refused before any device I/O took place,
// or a device lacking a capability the update requires.
type PolicyError struct {
	Err error
	Op  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned by the retry supervisor when every attempt
// ended in a retryable failure. It matches both ErrRetryExhausted and the
// last attempt's error.
type RetryExhaustedError struct {
	Last     error
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.Last}
}

// IsRetryable returns true if the error is transient and the operation
// may succeed when repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	if errors.Is(err, ErrRetryExhausted) {
		return false
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrShortResponse),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrDeviceBusy):
		return true
	default:
		return false
	}
}

// GetErrorType returns the type of error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}

	if errors.Is(err, ErrTransportTimeout) {
		return ErrorTypeTimeout
	}
	if IsRetryable(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
