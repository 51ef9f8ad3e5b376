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

// Package scsi provides a transport that tunnels requests through vendor
// SCSI commands, as used by card readers and USB-to-SATA bridges.
package scsi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/transport"
)

// Direction is the data phase direction of a command.
type Direction int

// Data phase directions
const (
	DirNone Direction = iota
	DirToDevice
	DirFromDevice
)

// SCSI status and sense keys the transport interprets.
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
	StatusBusy           = 0x08

	SenseNotReady       = 0x02
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
)

// Default vendor opcodes of the generic bootloader bridge.
const (
	DefaultWriteOpcode = 0xE5
	DefaultReadOpcode  = 0xE4
	CDBLength          = 10
)

// ErrUnsupported is returned by Open where SCSI generic is unavailable.
var ErrUnsupported = errors.New("SCSI generic pass-through is not supported on this platform")

// Sense is the decoded part of a fixed-format sense buffer.
type Sense struct {
	Status byte
	Key    byte
	ASC    byte
	ASCQ   byte
}

// ParseSense decodes fixed-format sense data.
func ParseSense(status byte, sb []byte) Sense {
	s := Sense{Status: status}
	if len(sb) > 2 {
		s.Key = sb[2] & 0x0F
	}
	if len(sb) > 13 {
		s.ASC, s.ASCQ = sb[12], sb[13]
	}
	return s
}

// SenseError reports a command that completed with a non-good status.
type SenseError struct {
	Op    string
	Sense Sense
}

func (e *SenseError) Error() string {
	return fmt.Sprintf("%s: status 0x%02X, sense key 0x%02X, asc 0x%02X, ascq 0x%02X",
		e.Op, e.Sense.Status, e.Sense.Key, e.Sense.ASC, e.Sense.ASCQ)
}

// NotReady reports whether the device asked to be polled again.
func (e *SenseError) NotReady() bool {
	return e.Sense.Status == StatusBusy ||
		(e.Sense.Status == StatusCheckCondition &&
			(e.Sense.Key == SenseNotReady || e.Sense.Key == SenseUnitAttention))
}

// Executor runs one SCSI command. It returns the number of bytes moved in
// the data phase. A non-good status is reported as a *SenseError.
type Executor interface {
	Exec(cdb []byte, dir Direction, data []byte, timeout time.Duration) (int, error)
	Close() error
}

// Config selects the vendor opcodes.
type Config struct {
	WriteOpcode byte
	ReadOpcode  byte
}

// Transport implements fwflash.Transport over vendor SCSI commands.
type Transport struct {
	exec Executor
	path string
	cfg  Config
	mu   sync.Mutex
}

// NewWithExecutor wraps an open command executor.
func NewWithExecutor(exec Executor, path string, cfg Config) *Transport {
	if cfg.WriteOpcode == 0 {
		cfg.WriteOpcode = DefaultWriteOpcode
	}
	if cfg.ReadOpcode == 0 {
		cfg.ReadOpcode = DefaultReadOpcode
	}
	return &Transport{exec: exec, path: path, cfg: cfg}
}

// cdb builds a 10-byte vendor command carrying the transfer length.
func cdb(opcode byte, n int) []byte {
	c := make([]byte, CDBLength)
	c[0] = opcode
	binary.BigEndian.PutUint32(c[2:6], uint32(n))
	return c
}

// Send issues the write command with data in its data-out phase.
func (t *Transport) Send(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec == nil {
		return fwflash.NewTransportError("send", t.path, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.write(data, timeout)
}

// SendAndReceive issues the write command, then polls the read command
// while the device reports not ready.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.path, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}
	if err := t.write(data, timeout); err != nil {
		return nil, err
	}

	buf := make([]byte, responseLen)
	resp, err := transport.TimeoutRetry(context.Background(), timeout, time.Millisecond, func() ([]byte, bool, error) {
		n, err := t.exec.Exec(cdb(t.cfg.ReadOpcode, responseLen), DirFromDevice, buf, timeout)
		var se *SenseError
		switch {
		case errors.As(err, &se) && se.NotReady():
			return nil, true, nil
		case err != nil:
			return nil, false, t.classify("read", fwflash.ErrTransportRead, err)
		}
		return buf[:n], false, nil
	})
	if errors.Is(err, fwflash.ErrTransportTimeout) {
		return nil, fwflash.NewTimeoutError("read", t.path)
	}
	return resp, err
}

func (t *Transport) write(data []byte, timeout time.Duration) error {
	dir := DirToDevice
	if len(data) == 0 {
		dir = DirNone
	}
	if _, err := t.exec.Exec(cdb(t.cfg.WriteOpcode, len(data)), dir, data, timeout); err != nil {
		return t.classify("write", fwflash.ErrTransportWrite, err)
	}
	return nil
}

func (t *Transport) classify(op string, sentinel, err error) error {
	var se *SenseError
	if errors.As(err, &se) {
		errType := fwflash.ErrorTypeTransient
		if se.Sense.Key == SenseIllegalRequest {
			errType = fwflash.ErrorTypePermanent
		}
		return fwflash.NewTransportError(op, t.path, fmt.Errorf("%w: %w", sentinel, err), errType)
	}
	if errors.Is(err, fwflash.ErrTransportTimeout) {
		return fwflash.NewTimeoutError(op, t.path)
	}
	return fwflash.NewTransportError(op, t.path, fmt.Errorf("%w: %w", sentinel, err), fwflash.ErrorTypeTransient)
}

// Close closes the device node
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec == nil {
		return nil
	}
	err := t.exec.Close()
	t.exec = nil
	if err != nil {
		return fmt.Errorf("failed to close SCSI device %s: %w", t.path, err)
	}
	return nil
}

// IsConnected returns true while the device node is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exec != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportSCSI
}

var _ fwflash.Transport = (*Transport)(nil)
