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

// Package genericbl implements the framed serial bootloader protocol used
// by the reference firmware family. Requests and responses share one frame
// layout, see internal/frame.
package genericbl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/internal/frame"
)

// Name identifies the family in the registry
const Name = "genericbl"

// Default USB IDs claimed by the family (pid.codes test range).
var (
	KeyBootloader  = fwflash.Key{VendorID: 0x1209, ProductID: 0xB007}
	KeyApplication = fwflash.Key{VendorID: 0x1209, ProductID: 0xB008}
)

const (
	defaultChunkSize = 256
	defaultReadSize  = 256
	eraseTimeoutMult = 4
)

func init() {
	fwflash.Register(Name, func() fwflash.Family { return New() }, KeyBootloader, KeyApplication)
}

// Family speaks the generic bootloader protocol. It is stateless and may be
// shared between devices.
type Family struct {
	chunkSize  int
	packetSize int
	readSize   int
}

// Option configures a Family
type Option func(*Family)

// WithChunkSize sets the payload bytes per write
func WithChunkSize(n int) Option {
	return func(f *Family) { f.chunkSize = n }
}

// WithPacketSize limits whole request frames to n bytes, as on HID links
// with fixed report sizes. The chunk size is derived from it.
func WithPacketSize(n int) Option {
	return func(f *Family) { f.packetSize = n }
}

// WithReadSize sets the bytes per read-back request
func WithReadSize(n int) Option {
	return func(f *Family) { f.readSize = n }
}

// New creates the family
func New(opts ...Option) *Family {
	f := &Family{chunkSize: defaultChunkSize, readSize: defaultReadSize}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements fwflash.Family
func (*Family) Name() string {
	return Name
}

// Layout implements fwflash.LayoutProvider. With a packet limit the first
// write also carries the region length and so holds fewer data bytes.
func (f *Family) Layout() fwflash.Layout {
	if f.packetSize > 0 {
		return fwflash.Layout{
			ChunkSize:          f.packetSize - frame.Overhead - frame.AddressLength - frame.SumLength,
			FirstChunkOverhead: frame.TotalLength,
		}
	}
	return fwflash.Layout{ChunkSize: f.chunkSize}
}

// MaxReadSize implements fwflash.FlashReader
func (f *Family) MaxReadSize() int {
	return f.readSize
}

func (*Family) request(code byte, payload []byte) ([]byte, error) {
	req, err := frame.Build(nil, code, payload)
	if err != nil {
		return nil, fmt.Errorf("build 0x%02X frame: %w", code, err)
	}
	return req, nil
}

// command sends a request and returns the response payload. Corrupt
// responses are retryable; a non-OK status is not.
func (f *Family) command(
	ctx context.Context, t fwflash.TransportContext, op string, code byte, payload []byte, dataLen int,
	timeout time.Duration,
) ([]byte, error) {
	buf := frame.GetBuffer()
	defer frame.PutBuffer(buf)

	req, err := frame.Build(buf, code, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := t.SendAndReceiveContext(ctx, req, dataLen+frame.Overhead, timeout)
	if err != nil {
		return nil, err
	}

	status, data, err := frame.Parse(resp)
	if err != nil {
		if errors.Is(err, frame.ErrShortFrame) || errors.Is(err, frame.ErrLengthMismatch) {
			return nil, fwflash.NewShortResponseError(op, "", len(resp), dataLen+frame.Overhead)
		}
		return nil, fwflash.NewTransportError(op, "", fmt.Errorf("%w: %w", fwflash.ErrFrameCorrupted, err),
			fwflash.ErrorTypeTransient)
	}
	if status != frame.StatusOK {
		return nil, fwflash.NewProtocolError(op, uint32(status),
			fmt.Errorf("%w: %s", fwflash.ErrUnexpectedStatus, frame.StatusText(status)))
	}
	return append([]byte(nil), data...), nil
}

// Probe implements fwflash.Family
func (f *Family) Probe(ctx context.Context, t fwflash.TransportContext) (*fwflash.DeviceInfo, error) {
	data, err := f.command(ctx, t, "get info", frame.CmdGetInfo, nil, 64, 0)
	if err != nil {
		return nil, err
	}
	var info frame.Info
	if err := info.UnmarshalBinary(data); err != nil {
		return nil, fwflash.NewProtocolError("get info", 0, err)
	}

	mode := fwflash.ModeApplication
	if info.Mode == frame.ModeBootloader {
		mode = fwflash.ModeBootloader
	}
	return &fwflash.DeviceInfo{
		Mode:               mode,
		VendorID:           info.VendorID,
		ProductID:          info.ProductID,
		Version:            info.Version,
		FlashSize:          info.FlashSize,
		BootloaderRequired: info.Flags&frame.InfoFlagBootloaderRequired != 0,
	}, nil
}

// Detach implements fwflash.Family. The device reboots without replying.
func (f *Family) Detach(ctx context.Context, t fwflash.TransportContext) error {
	req, err := f.request(frame.CmdDetach, nil)
	if err != nil {
		return err
	}
	return t.SendContext(ctx, req, 0)
}

// Attach implements fwflash.Family. The device reboots without replying.
func (f *Family) Attach(ctx context.Context, t fwflash.TransportContext) error {
	req, err := f.request(frame.CmdAttach, nil)
	if err != nil {
		return err
	}
	return t.SendContext(ctx, req, 0)
}

// Erase implements fwflash.Family
func (f *Family) Erase(ctx context.Context, t fwflash.TransportContext, region fwflash.Region) error {
	payload := binary.LittleEndian.AppendUint32(nil, region.FlashBase)
	payload = binary.LittleEndian.AppendUint32(payload, region.Length)
	_, err := f.command(ctx, t, "erase", frame.CmdErase, payload, 0, eraseTimeoutMult*t.Timeout())
	return err
}

// WriteChunk implements fwflash.Family. The first chunk of a region also
// announces the region length.
func (f *Family) WriteChunk(
	ctx context.Context, t fwflash.TransportContext, region fwflash.Region, chunk fwflash.Chunk,
) error {
	code := byte(frame.CmdWrite)
	payload := make([]byte, 0, frame.AddressLength+frame.TotalLength+len(chunk.Data)+frame.SumLength)
	payload = binary.LittleEndian.AppendUint32(payload, chunk.Address)
	if chunk.Index == 0 {
		code = frame.CmdWriteStart
		payload = binary.LittleEndian.AppendUint32(payload, region.Length)
	}
	payload = append(payload, chunk.Data...)
	payload = binary.LittleEndian.AppendUint16(payload, fwflash.TupleChecksum16(chunk.Address, chunk.Data))

	_, err := f.command(ctx, t, "write", code, payload, 0, 0)
	return err
}

// ReadStatus implements fwflash.Family
func (f *Family) ReadStatus(ctx context.Context, t fwflash.TransportContext) (fwflash.Status, error) {
	data, err := f.command(ctx, t, "status", frame.CmdStatus, nil, 1, 0)
	if err != nil {
		return fwflash.Status{}, err
	}
	if len(data) != 1 {
		return fwflash.Status{}, fwflash.NewShortResponseError("status", "", len(data), 1)
	}
	reg := data[0]
	return fwflash.Status{
		Raw:           uint32(reg),
		Busy:          reg&frame.StatusBitBusy != 0,
		ChecksumError: reg&frame.StatusBitChunkChecksum != 0,
		Failed:        reg&frame.StatusBitError != 0,
	}, nil
}

// ReadChecksum implements fwflash.ChecksumReader
func (f *Family) ReadChecksum(
	ctx context.Context, t fwflash.TransportContext, address, length uint32, alg fwflash.Algorithm,
) (fwflash.Value, error) {
	id, ok := frame.AlgorithmID(alg)
	if !ok {
		return nil, &fwflash.PolicyError{Op: "device checksum " + string(alg), Err: fwflash.ErrUnsupportedAlgorithm}
	}
	size, err := fwflash.DefaultEngine.Size(alg)
	if err != nil {
		return nil, err
	}

	payload := binary.LittleEndian.AppendUint32(nil, address)
	payload = binary.LittleEndian.AppendUint32(payload, length)
	payload = append(payload, id)
	data, err := f.command(ctx, t, "checksum", frame.CmdChecksum, payload, size, eraseTimeoutMult*t.Timeout())
	var pe *fwflash.ProtocolError
	if errors.As(err, &pe) && (pe.Status == frame.StatusBadCommand || pe.Status == frame.StatusBadAlg) {
		return nil, &fwflash.PolicyError{Op: "device checksum " + string(alg), Err: fwflash.ErrUnsupportedAlgorithm}
	}
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fwflash.NewShortResponseError("checksum", "", len(data), size)
	}
	return fwflash.Value(data), nil
}

// ReadFlash implements fwflash.FlashReader
func (f *Family) ReadFlash(
	ctx context.Context, t fwflash.TransportContext, address uint32, length int,
) ([]byte, error) {
	if length <= 0 || length > frame.MaxPayload {
		return nil, fmt.Errorf("read length %d: %w", length, fwflash.ErrInvalidParameter)
	}
	payload := binary.LittleEndian.AppendUint32(nil, address)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(length))
	return f.command(ctx, t, "read", frame.CmdRead, payload, length, 0)
}

// Recover resynchronizes the framing after a failed exchange. It gives up
// only when the link itself is gone.
func (f *Family) Recover(ctx context.Context, t fwflash.TransportContext, _ error) error {
	_, err := f.command(ctx, t, "sync", frame.CmdSync, nil, 0, 0)
	if err == nil || fwflash.IsRetryable(err) {
		return nil
	}
	var pe *fwflash.ProtocolError
	if errors.As(err, &pe) {
		return nil
	}
	return err
}
