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

// Package hid provides a USB HID transport. Requests travel as output or
// feature reports; replies come back as input or feature reports.
package hid

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/sstallion/go-hid"
)

// Mode selects the report type used for an exchange.
type Mode int

const (
	// Interrupt writes output reports and reads input reports.
	Interrupt Mode = iota
	// Feature uses SET_FEATURE and GET_FEATURE reports.
	Feature
)

// DefaultReportSize is the full-speed interrupt report length, excluding
// the report ID.
const DefaultReportSize = 64

const interReportGap = 20 * time.Millisecond

// Device is the subset of *hid.Device the transport uses.
type Device interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	SendFeatureReport(p []byte) (int, error)
	GetFeatureReport(p []byte) (int, error)
	Close() error
}

// Config describes the report layout.
type Config struct {
	Mode       Mode
	ReportSize int
	ReportID   byte
}

// Transport implements fwflash.Transport over HID reports.
type Transport struct {
	dev  Device
	path string
	cfg  Config
	mu   sync.Mutex
}

var initOnce = sync.OnceValue(hid.Init)

// Open opens the first HID device matching vid:pid, or the one with the
// given serial number when serial is not empty.
func Open(vid, pid uint16, serial string, cfg Config) (*Transport, error) {
	if err := initOnce(); err != nil {
		return nil, fmt.Errorf("failed to initialize hidapi: %w", err)
	}
	var (
		dev *hid.Device
		err error
	)
	if serial == "" {
		dev, err = hid.OpenFirst(vid, pid)
	} else {
		dev, err = hid.Open(vid, pid, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("open HID %04X:%04X: %w: %w", vid, pid, fwflash.ErrDeviceNotFound, err)
	}
	return NewWithDevice(dev, fmt.Sprintf("%04X:%04X", vid, pid), cfg), nil
}

// OpenPath opens the HID device at a platform path as returned by
// Enumerate.
func OpenPath(path string, cfg Config) (*Transport, error) {
	if err := initOnce(); err != nil {
		return nil, fmt.Errorf("failed to initialize hidapi: %w", err)
	}
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("open HID %s: %w: %w", path, fwflash.ErrDeviceNotFound, err)
	}
	return NewWithDevice(dev, path, cfg), nil
}

// DeviceInfo describes one enumerated HID interface.
type DeviceInfo struct {
	Path      string
	Serial    string
	Product   string
	VendorID  uint16
	ProductID uint16
}

// Enumerate lists HID interfaces. Zero IDs match any device.
func Enumerate(vid, pid uint16) ([]DeviceInfo, error) {
	if err := initOnce(); err != nil {
		return nil, fmt.Errorf("failed to initialize hidapi: %w", err)
	}
	var out []DeviceInfo
	err := hid.Enumerate(vid, pid, func(info *hid.DeviceInfo) error {
		out = append(out, DeviceInfo{
			Path:      info.Path,
			Serial:    info.SerialNbr,
			Product:   info.ProductStr,
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate HID devices: %w", err)
	}
	return out, nil
}

// NewWithDevice wraps an open device.
func NewWithDevice(dev Device, path string, cfg Config) *Transport {
	if cfg.ReportSize <= 0 {
		cfg.ReportSize = DefaultReportSize
	}
	return &Transport{dev: dev, path: path, cfg: cfg}
}

// Send writes data as one or more zero-padded reports.
func (t *Transport) Send(data []byte, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return fwflash.NewTransportError("send", t.path, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	}
	return t.send(data)
}

// SendAndReceive writes data and collects reply reports until responseLen
// bytes arrived or no further report follows.
func (t *Transport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return nil, fwflash.NewTransportError("sendAndReceive", t.path, fwflash.ErrTransportClosed,
			fwflash.ErrorTypePermanent)
	}
	if responseLen <= 0 {
		return nil, fmt.Errorf("response length %d: %w", responseLen, fwflash.ErrInvalidParameter)
	}
	if err := t.send(data); err != nil {
		return nil, err
	}

	out := make([]byte, 0, responseLen)
	wait := timeout
	for len(out) < responseLen {
		payload, err := t.receive(wait)
		if errors.Is(err, hid.ErrTimeout) {
			if len(out) == 0 {
				return nil, fwflash.NewTimeoutError("receive", t.path)
			}
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, payload[:min(len(payload), responseLen-len(out))]...)
		wait = interReportGap
	}
	return out, nil
}

func (t *Transport) send(data []byte) error {
	size := t.cfg.ReportSize
	report := make([]byte, size+1)
	for off := 0; off == 0 || off < len(data); off += size {
		clear(report)
		report[0] = t.cfg.ReportID
		copy(report[1:], data[off:min(off+size, len(data))])

		var err error
		if t.cfg.Mode == Feature {
			_, err = t.dev.SendFeatureReport(report)
		} else {
			_, err = t.dev.Write(report)
		}
		if err != nil {
			return fwflash.NewTransportError("send", t.path,
				fmt.Errorf("%w: %w", fwflash.ErrTransportWrite, err), fwflash.ErrorTypeTransient)
		}
	}
	return nil
}

// receive returns one report payload. Feature reports are polled until the
// device fills one.
func (t *Transport) receive(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, t.cfg.ReportSize+1)
	if t.cfg.Mode != Feature {
		n, err := t.dev.ReadWithTimeout(buf, timeout)
		if err != nil {
			return nil, t.readError(err)
		}
		if n == 0 {
			return nil, hid.ErrTimeout
		}
		return t.stripID(buf[:n]), nil
	}

	deadline := time.Now().Add(timeout)
	for {
		buf[0] = t.cfg.ReportID
		n, err := t.dev.GetFeatureReport(buf)
		if err != nil {
			return nil, t.readError(err)
		}
		if n > 1 {
			return buf[1:n], nil
		}
		if time.Now().After(deadline) {
			return nil, hid.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *Transport) readError(err error) error {
	if errors.Is(err, hid.ErrTimeout) {
		return err
	}
	return fwflash.NewTransportError("receive", t.path,
		fmt.Errorf("%w: %w", fwflash.ErrTransportRead, err), fwflash.ErrorTypeTransient)
}

// stripID drops the report ID byte that numbered reports carry.
func (t *Transport) stripID(b []byte) []byte {
	if t.cfg.ReportID != 0 && len(b) > 0 && b[0] == t.cfg.ReportID {
		return b[1:]
	}
	return b
}

// Close closes the device
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return nil
	}
	err := t.dev.Close()
	t.dev = nil
	if err != nil {
		return fmt.Errorf("failed to close HID device %s: %w", t.path, err)
	}
	return nil
}

// IsConnected returns true while the device is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev != nil
}

// Type returns the transport type
func (*Transport) Type() fwflash.TransportType {
	return fwflash.TransportHID
}

var _ fwflash.Transport = (*Transport)(nil)
