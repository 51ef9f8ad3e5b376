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

// Package frame builds and parses the framed bootloader protocol spoken by
// the generic bootloader family.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Frame markers
const (
	StartOfPacket = 0x01
	EndOfPacket   = 0x17
)

// Frame layout: SOP CODE LEN(2) PAYLOAD SUM(2) EOP
const (
	HeaderLength  = 4
	TrailerLength = 3
	Overhead      = HeaderLength + TrailerLength
	MaxPayload    = 1024
)

// Frame errors
var (
	ErrShortFrame      = errors.New("frame too short")
	ErrBadStart        = errors.New("missing start of packet")
	ErrBadEnd          = errors.New("missing end of packet")
	ErrBadChecksum     = errors.New("frame checksum mismatch")
	ErrLengthMismatch  = errors.New("frame length mismatch")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// CalculateChecksum returns the 16-bit two's complement of the byte sum.
func CalculateChecksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return ^sum + 1
}

// ValidateChecksum reports whether data plus its checksum sums to zero.
func ValidateChecksum(data []byte, checksum uint16) bool {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum+checksum == 0
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, MaxPayload+Overhead)
		return &b
	},
}

// GetBuffer returns an empty buffer from the pool
func GetBuffer() []byte {
	bp, _ := bufferPool.Get().(*[]byte)
	if bp == nil {
		return make([]byte, 0, MaxPayload+Overhead)
	}
	return (*bp)[:0]
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped.
func PutBuffer(b []byte) {
	if cap(b) > 4*(MaxPayload+Overhead) {
		return
	}
	b = b[:0]
	bufferPool.Put(&b)
}

// Build appends a complete frame to dst and returns it.
func Build(dst []byte, code byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	start := len(dst)
	dst = append(dst, StartOfPacket, code)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	sum := CalculateChecksum(dst[start+1:])
	dst = binary.LittleEndian.AppendUint16(dst, sum)
	return append(dst, EndOfPacket), nil
}

// Parse validates raw and returns its code and payload. The payload aliases
// raw. Bytes after the end marker are ignored.
func Parse(raw []byte) (code byte, payload []byte, err error) {
	if len(raw) < Overhead {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if raw[0] != StartOfPacket {
		return 0, nil, fmt.Errorf("%w: got 0x%02X", ErrBadStart, raw[0])
	}
	n := int(binary.LittleEndian.Uint16(raw[2:4]))
	total := n + Overhead
	if len(raw) < total {
		return 0, nil, fmt.Errorf("%w: header says %d payload bytes, have %d", ErrLengthMismatch, n, len(raw)-Overhead)
	}
	body := raw[1 : HeaderLength+n]
	sum := binary.LittleEndian.Uint16(raw[HeaderLength+n:])
	if !ValidateChecksum(body, sum) {
		return 0, nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrBadChecksum, sum, CalculateChecksum(body))
	}
	if raw[total-1] != EndOfPacket {
		return 0, nil, fmt.Errorf("%w: got 0x%02X", ErrBadEnd, raw[total-1])
	}
	return raw[1], raw[HeaderLength : HeaderLength+n], nil
}
