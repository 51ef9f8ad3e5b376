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

// Package usb provides a raw USB transport over a pair of bulk or
// interrupt endpoints.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/google/gousb"
)

// Endpoint layout of the generic bootloader interface.
const (
	DefaultConfig      = 1
	DefaultInterface   = 0
	DefaultOutEndpoint = 0x01
	DefaultInEndpoint  = 0x81
)

// Config selects the interface and endpoints to use. Zero values select
// the defaults above.
type Config struct {
	Config      int
	Interface   int
	AltSetting  int
	OutEndpoint int
	InEndpoint  int
}

func (c Config) withDefaults() Config {
	if c.Config == 0 {
		c.Config = DefaultConfig
	}
	if c.OutEndpoint == 0 {
		c.OutEndpoint = DefaultOutEndpoint
	}
	if c.InEndpoint == 0 {
		c.InEndpoint = DefaultInEndpoint
	}
	return c
}

// OutEndpoint is the subset of *gousb.OutEndpoint the transport uses.
type OutEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// InEndpoint is the subset of *gousb.InEndpoint the transport uses.
type InEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Transport implements fwflash.Transport over USB endpoints.
type Transport struct {
	out       OutEndpoint
	in        InEndpoint
	closer    func() error
	name      string
	maxPacket int
	mu        sync.Mutex
}

// Open claims the configured interface of the first device matching
// vid:pid. The kernel driver is detached while the transport is open.
func Open(vid, pid uint16, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	name := fmt.Sprintf("%04X:%04X", vid, pid)

	usbctx := gousb.NewContext()
	dev, err := usbctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil || dev == nil {
		_ = usbctx.Close()
		if err == nil {
			err = fwflash.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("open USB %s: %w", name, err)
	}
	cleanup := []func() error{dev.Close, usbctx.Close}
	fail := func(err error) (*Transport, error) {
		for _, fn := range cleanup {
			_ = fn()
		}
		return nil, err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		return fail(fmt.Errorf("USB %s auto detach: %w", name, err))
	}
	usbcfg, err := dev.Config(cfg.Config)
	if err != nil {
		return fail(fmt.Errorf("USB %s config %d: %w", name, cfg.Config, err))
	}
	cleanup = append([]func() error{usbcfg.Close}, cleanup...)

	intf, err := usbcfg.Interface(cfg.Interface, cfg.AltSetting)
	if err != nil {
		return fail(fmt.Errorf("USB %s interface %d: %w", name, cfg.Interface, err))
	}
	cleanup = append([]func() error{func() error { intf.Close(); return nil }}, cleanup...)

	out, err := intf.OutEndpoint(cfg.OutEndpoint & 0x7F)
	if err != nil {
		return fail(fmt.Errorf("USB %s out endpoint: %w", name, err))
	}
	in, err := intf.InEndpoint(cfg.InEndpoint & 0x7F)
	if err != nil {
		return fail(fmt.Errorf("USB %s in endpoint: %w", name, err))
	}

	t := NewWithEndpoints(out, in, in.Desc.MaxPacketSize, name)
	t.closer = func() error {
		var errs []error
		for _, fn := range cleanup {
			errs = append(errs, fn())
		}
		return errors.Join(errs...)
	}
	return t, nil
}

// NewWithEndpoints wraps already claimed endpoints.
func NewWithEndpoints(out OutEndpoint, in InEndpoint, maxPacket int, name string) *Transport {
	if maxPacket <= 0 {
		maxPacket = 64
	}
	return &Transport{out: out, in: in, maxPacket: maxPacket, name: name}
}

// Send writes data in one transfer.
func (t *Transport) Send(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return fwflash.NewTransportError("send", t.name, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.write(data, timeout)
}

// SendAndReceive writes data and reads one reply transfer.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.name, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}
	if err := t.write(data, timeout); err != nil {
		return nil, err
	}

	// A buffer shorter than the packet the device sends overflows.
	size := (responseLen + t.maxPacket - 1) / t.maxPacket * t.maxPacket
	buf := make([]byte, size)
	ctx, cancel := deadline(timeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, t.classify("read", fwflash.ErrTransportRead, err)
	}
	return buf[:min(n, responseLen)], nil
}

func (t *Transport) write(data []byte, timeout time.Duration) error {
	ctx, cancel := deadline(timeout)
	defer cancel()
	n, err := t.out.WriteContext(ctx, data)
	if err != nil {
		return t.classify("write", fwflash.ErrTransportWrite, err)
	}
	if n != len(data) {
		return fwflash.NewTransportError("write", t.name,
			fmt.Errorf("%w: wrote %d of %d bytes", fwflash.ErrTransportWrite, n, len(data)), fwflash.ErrorTypeTransient)
	}
	return nil
}

func (t *Transport) classify(op string, sentinel, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, gousb.ErrorTimeout):
		return fwflash.NewTimeoutError(op, t.name)
	case errors.Is(err, gousb.ErrorNoDevice):
		return fwflash.NewDisconnectedError(op, t.name)
	default:
		return fwflash.NewTransportError(op, t.name, fmt.Errorf("%w: %w", sentinel, err), fwflash.ErrorTypeTransient)
	}
}

func deadline(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = fwflash.DefaultTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Close releases the interface and the device
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out, t.in = nil, nil
	if t.closer == nil {
		return nil
	}
	closer := t.closer
	t.closer = nil
	if err := closer(); err != nil {
		return fmt.Errorf("failed to close USB device %s: %w", t.name, err)
	}
	return nil
}

// IsConnected returns true while the endpoints are claimed
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportUSB
}

var _ fwflash.Transport = (*Transport)(nil)
