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

// Package mmio provides a transport over a memory-mapped mailbox, such as
// a PCI BAR exposed through sysfs.
//
// The mailbox layout, in 32-bit little-endian registers:
//
//	0x000 DOORBELL  host writes 1 after posting a request
//	0x004 STATUS    bit 0 reply ready, bit 1 busy, bit 2 error
//	0x008 REQ_LEN   request length in bytes
//	0x00C RESP_LEN  reply length in bytes
//	0x100 request buffer
//	0x900 reply buffer
package mmio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/transport"
)

// Register offsets
const (
	RegDoorbell = 0x000
	RegStatus   = 0x004
	RegReqLen   = 0x008
	RegRespLen  = 0x00C
	ReqBuffer   = 0x100
	RespBuffer  = 0x900
	BufferSize  = 0x800
	WindowSize  = RespBuffer + BufferSize
)

// STATUS bits
const (
	StatusReady uint32 = 1 << iota
	StatusBusy
	StatusError
)

const pollInterval = 100 * time.Microsecond

// ErrUnsupported is returned by Open where mmap is unavailable.
var ErrUnsupported = errors.New("memory-mapped windows are not supported on this platform")

// Window is a mapped register window.
type Window interface {
	Load32(off int) uint32
	Store32(off int, v uint32)
	ReadAt(p []byte, off int)
	WriteAt(p []byte, off int)
	Close() error
}

// Memory is a Window over a byte slice, normally an mmap'd region.
// Registers are accessed atomically and must be 4-byte aligned.
type Memory struct {
	buf     []byte
	release func([]byte) error
}

// NewMemory wraps buf. release, when not nil, is called by Close.
func NewMemory(buf []byte, release func([]byte) error) (*Memory, error) {
	if len(buf) < WindowSize {
		return nil, fmt.Errorf("mailbox window %d bytes, need %d: %w", len(buf), WindowSize, fwflash.ErrInvalidParameter)
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return nil, fmt.Errorf("mailbox window unaligned: %w", fwflash.ErrInvalidParameter)
	}
	return &Memory{buf: buf, release: release}, nil
}

func (m *Memory) reg(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.buf[off]))
}

// Load32 atomically reads the register at off.
func (m *Memory) Load32(off int) uint32 { return atomic.LoadUint32(m.reg(off)) }

// Store32 atomically writes the register at off.
func (m *Memory) Store32(off int, v uint32) { atomic.StoreUint32(m.reg(off), v) }

// ReadAt copies len(p) bytes at off into p.
func (m *Memory) ReadAt(p []byte, off int) { copy(p, m.buf[off:off+len(p)]) }

// WriteAt copies p to off.
func (m *Memory) WriteAt(p []byte, off int) { copy(m.buf[off:off+len(p)], p) }

// Close unmaps the window.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	return release(m.buf)
}

// Transport implements fwflash.Transport over a mailbox window.
type Transport struct {
	win  Window
	path string
	mu   sync.Mutex
}

// NewWithWindow wraps an open window.
func NewWithWindow(win Window, path string) *Transport {
	return &Transport{win: win, path: path}
}

// Send posts a request without waiting for the reply.
func (t *Transport) Send(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.win == nil {
		return fwflash.NewTransportError("send", t.path, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.post(data, timeout)
}

// SendAndReceive posts a request and waits for STATUS to report a reply.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.win == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.path, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}
	if err := t.post(data, timeout); err != nil {
		return nil, err
	}

	status, err := t.wait(timeout, func() (uint32, bool) {
		s := t.win.Load32(RegStatus)
		return s, s&(StatusReady|StatusError) != 0
	})
	if err != nil {
		return nil, err
	}
	if status&StatusError != 0 {
		t.win.Store32(RegStatus, 0)
		return nil, fwflash.NewTransportError("receive", t.path,
			fmt.Errorf("%w: mailbox error", fwflash.ErrTransportRead), fwflash.ErrorTypeTransient)
	}

	n := min(int(t.win.Load32(RegRespLen)), BufferSize, responseLen)
	resp := make([]byte, n)
	t.win.ReadAt(resp, RespBuffer)
	t.win.Store32(RegStatus, 0)
	return resp, nil
}

// post waits until the previous request was consumed and the mailbox is
// idle, then writes the request and rings the doorbell.
func (t *Transport) post(data []byte, timeout time.Duration) error {
	if len(data) > BufferSize {
		return fwflash.NewTransportError("post", t.path,
			fmt.Errorf("%w: request of %d bytes exceeds mailbox", fwflash.ErrTransportWrite, len(data)),
			fwflash.ErrorTypePermanent)
	}
	_, err := t.wait(timeout, func() (uint32, bool) {
		return 0, t.win.Load32(RegDoorbell) == 0 && t.win.Load32(RegStatus)&StatusBusy == 0
	})
	if err != nil {
		return err
	}
	t.win.Store32(RegStatus, 0)
	t.win.WriteAt(data, ReqBuffer)
	t.win.Store32(RegReqLen, uint32(len(data)))
	t.win.Store32(RegDoorbell, 1)
	return nil
}

func (t *Transport) wait(timeout time.Duration, cond func() (uint32, bool)) (uint32, error) {
	status, err := transport.TimeoutRetry(context.Background(), timeout, pollInterval, func() (uint32, bool, error) {
		s, done := cond()
		return s, !done, nil
	})
	if err != nil {
		return 0, fwflash.NewTimeoutError("poll", t.path)
	}
	return status, nil
}

// Close unmaps the window
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.win == nil {
		return nil
	}
	err := t.win.Close()
	t.win = nil
	if err != nil {
		return fmt.Errorf("failed to unmap %s: %w", t.path, err)
	}
	return nil
}

// IsConnected returns true while the window is mapped
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.win != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportMMIO
}

var _ fwflash.Transport = (*Transport)(nil)
