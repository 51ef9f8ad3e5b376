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

// Package testing provides a simulated bootloader device for tests and the
// CLI's simulator transport.
package testing

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/frame"
)

const portName = "virtual"

// Config describes the simulated device.
type Config struct {
	Version            string
	FlashSize          int
	VendorID           uint16
	ProductID          uint16
	WriteBusyPolls     int
	EraseBusyPolls     int
	RebootCalls        int
	FailRate           float64
	Seed               uint64
	StartInBootloader  bool
	BootloaderRequired bool
	// NoChecksum makes CmdChecksum unsupported, forcing read-back.
	NoChecksum bool
}

// DefaultConfig is a 128 KiB device in application mode that needs its
// bootloader for writes.
func DefaultConfig() Config {
	return Config{
		Version:            "1.0.0",
		FlashSize:          128 * 1024,
		VendorID:           0x1209,
		ProductID:          0xB007,
		WriteBusyPolls:     1,
		EraseBusyPolls:     2,
		RebootCalls:        1,
		BootloaderRequired: true,
	}
}

// Device is a simulated flash device that implements fwflash.Transport.
// Injected faults drop a request before the device sees it.
type Device struct {
	rng         *rand.Rand
	chunkErrors map[uint32]int
	flips       map[uint32]struct{}
	commands    map[byte]int
	flash       []byte
	cfg         Config
	calls       int
	failures    int
	rebooting   int
	busy        int
	mu          sync.Mutex
	mode        byte
	status      byte
	closed      bool
	attached    bool
	failAll     bool
}

// NewDevice creates a device with erased flash.
func NewDevice(cfg Config) *Device {
	if cfg.FlashSize <= 0 {
		cfg.FlashSize = DefaultConfig().FlashSize
	}
	d := &Device{
		cfg:         cfg,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)), //nolint:gosec // reproducible faults
		flash:       make([]byte, cfg.FlashSize),
		chunkErrors: make(map[uint32]int),
		flips:       make(map[uint32]struct{}),
		commands:    make(map[byte]int),
		mode:        frame.ModeApplication,
	}
	for i := range d.flash {
		d.flash[i] = 0xFF
	}
	if cfg.StartInBootloader {
		d.mode = frame.ModeBootloader
	}
	return d
}

// RejectChunkChecksum makes the chunk written at addr report a checksum
// error the next n times it arrives.
func (d *Device) RejectChunkChecksum(addr uint32, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunkErrors[addr] = n
}

// FlipOnWrite inverts the byte at addr whenever a write covers it.
func (d *Device) FlipOnWrite(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flips[addr] = struct{}{}
}

// FailAll makes every call fail with a permanent disconnect.
func (d *Device) FailAll(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = fail
}

// Calls returns how many transport calls were made, including failed ones.
func (d *Device) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Failures returns how many calls were dropped by fault injection.
func (d *Device) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

// CommandCount returns how many frames with the given code were handled.
func (d *Device) CommandCount(code byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[code]
}

// Flash returns a copy of n bytes of flash at addr.
func (d *Device) Flash(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.flash[addr:int(addr)+n]...)
}

// InBootloader reports the current mode.
func (d *Device) InBootloader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode == frame.ModeBootloader
}

// Attached reports whether an attach command was received.
func (d *Device) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// Send implements fwflash.Transport
func (d *Device) Send(data []byte, _ time.Duration) error {
	_, err := d.call("Send", data)
	return err
}

// SendAndReceive implements fwflash.Transport
func (d *Device) SendAndReceive(data []byte, responseLen int, _ time.Duration) ([]byte, error) {
	resp, err := d.call("SendAndReceive", data)
	if err != nil {
		return nil, err
	}
	if len(resp) > responseLen {
		resp = resp[:responseLen]
	}
	return resp, nil
}

// Close implements fwflash.Transport
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// IsConnected implements fwflash.Transport
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

// Type implements fwflash.Transport
func (*Device) Type() fwflash.TransportType {
	return fwflash.TransportMock
}

func (d *Device) call(op string, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	switch {
	case d.closed:
		return nil, fwflash.NewTransportError(op, portName, fwflash.ErrTransportClosed, fwflash.ErrorTypePermanent)
	case d.failAll:
		return nil, fwflash.NewDisconnectedError(op, portName)
	case d.cfg.FailRate > 0 && d.rng.Float64() < d.cfg.FailRate:
		d.failures++
		return nil, fwflash.NewTimeoutError(op, portName)
	case d.rebooting > 0:
		d.rebooting--
		if d.rebooting == 0 {
			d.mode = frame.ModeBootloader
		}
		return nil, fwflash.NewTimeoutError(op, portName)
	}

	code, payload, err := frame.Parse(data)
	if err != nil {
		return d.reply(frame.StatusBadFrame, nil), nil
	}
	d.commands[code]++
	status, out := d.handle(code, payload)
	return d.reply(status, out), nil
}

func (*Device) reply(status byte, data []byte) []byte {
	resp, err := frame.Build(nil, status, data)
	if err != nil {
		resp, _ = frame.Build(nil, frame.StatusBadLength, nil)
	}
	return resp
}

func (d *Device) needsBootloader() bool {
	return d.cfg.BootloaderRequired && d.mode != frame.ModeBootloader
}

func (d *Device) inFlash(addr, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(len(d.flash))
}

func (d *Device) handle(code byte, p []byte) (byte, []byte) {
	switch code {
	case frame.CmdGetInfo:
		return d.info()
	case frame.CmdSync:
		return frame.StatusOK, nil
	case frame.CmdDetach:
		if d.mode == frame.ModeApplication {
			d.rebooting = d.cfg.RebootCalls
			if d.rebooting == 0 {
				d.mode = frame.ModeBootloader
			}
		}
		return frame.StatusOK, nil
	case frame.CmdAttach:
		d.mode = frame.ModeApplication
		d.attached = true
		return frame.StatusOK, nil
	case frame.CmdStatus:
		return frame.StatusOK, []byte{d.readStatus()}
	case frame.CmdErase:
		return d.erase(p)
	case frame.CmdWrite, frame.CmdWriteStart:
		return d.write(code, p)
	case frame.CmdChecksum:
		return d.checksum(p)
	case frame.CmdRead:
		return d.read(p)
	default:
		return frame.StatusBadCommand, nil
	}
}

func (d *Device) info() (byte, []byte) {
	info := frame.Info{
		Mode:      d.mode,
		VendorID:  d.cfg.VendorID,
		ProductID: d.cfg.ProductID,
		FlashSize: uint32(len(d.flash)),
		Version:   d.cfg.Version,
	}
	if d.cfg.BootloaderRequired {
		info.Flags |= frame.InfoFlagBootloaderRequired
	}
	out, _ := info.MarshalBinary()
	return frame.StatusOK, out
}

func (d *Device) readStatus() byte {
	if d.busy > 0 {
		d.busy--
		return frame.StatusBitBusy
	}
	return d.status
}

func (d *Device) erase(p []byte) (byte, []byte) {
	if d.needsBootloader() {
		return frame.StatusWrongMode, nil
	}
	if len(p) != 8 {
		return frame.StatusBadLength, nil
	}
	addr := binary.LittleEndian.Uint32(p)
	n := binary.LittleEndian.Uint32(p[4:])
	if !d.inFlash(addr, n) {
		return frame.StatusBadAddress, nil
	}
	for i := addr; i < addr+n; i++ {
		d.flash[i] = 0xFF
	}
	d.status = 0
	d.busy = d.cfg.EraseBusyPolls
	return frame.StatusOK, nil
}

func (d *Device) write(code byte, p []byte) (byte, []byte) {
	if d.needsBootloader() {
		return frame.StatusWrongMode, nil
	}
	fixed := frame.AddressLength + frame.SumLength
	if code == frame.CmdWriteStart {
		fixed += frame.TotalLength
	}
	if len(p) < fixed {
		return frame.StatusBadLength, nil
	}
	addr := binary.LittleEndian.Uint32(p)
	data := p[fixed-frame.SumLength : len(p)-frame.SumLength]
	sum := binary.LittleEndian.Uint16(p[len(p)-frame.SumLength:])
	if !d.inFlash(addr, uint32(len(data))) {
		return frame.StatusBadAddress, nil
	}

	d.busy = d.cfg.WriteBusyPolls
	if n := d.chunkErrors[addr]; n > 0 || fwflash.TupleChecksum16(addr, data) != sum {
		if n > 0 {
			d.chunkErrors[addr] = n - 1
		}
		d.status = frame.StatusBitChunkChecksum
		return frame.StatusOK, nil
	}

	for i, b := range data {
		a := addr + uint32(i)
		d.flash[a] &= b
		if _, flip := d.flips[a]; flip {
			d.flash[a] = ^d.flash[a]
		}
	}
	d.status = 0
	return frame.StatusOK, nil
}

func (d *Device) checksum(p []byte) (byte, []byte) {
	if d.cfg.NoChecksum {
		return frame.StatusBadCommand, nil
	}
	if len(p) != 9 {
		return frame.StatusBadLength, nil
	}
	addr := binary.LittleEndian.Uint32(p)
	n := binary.LittleEndian.Uint32(p[4:])
	alg, ok := frame.Algorithms[p[8]]
	if !ok {
		return frame.StatusBadAlg, nil
	}
	if !d.inFlash(addr, n) {
		return frame.StatusBadAddress, nil
	}
	v, err := fwflash.Compute(alg, d.flash[addr:addr+n])
	if err != nil {
		return frame.StatusBadAlg, nil
	}
	return frame.StatusOK, v
}

func (d *Device) read(p []byte) (byte, []byte) {
	if len(p) != 6 {
		return frame.StatusBadLength, nil
	}
	addr := binary.LittleEndian.Uint32(p)
	n := uint32(binary.LittleEndian.Uint16(p[4:]))
	if !d.inFlash(addr, n) || n > frame.MaxPayload {
		return frame.StatusBadAddress, nil
	}
	return frame.StatusOK, append([]byte(nil), d.flash[addr:addr+n]...)
}
