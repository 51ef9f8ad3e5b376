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

package frame

import (
	"encoding/binary"
	"fmt"

	fwflash "github.com/ZaparooProject/go-fwflash"
)

// Command codes
const (
	CmdGetInfo    = 0x01
	CmdDetach     = 0x02
	CmdErase      = 0x03
	CmdWrite      = 0x04
	CmdStatus     = 0x05
	CmdChecksum   = 0x06
	CmdRead       = 0x07
	CmdAttach     = 0x08
	CmdWriteStart = 0x09
	CmdSync       = 0x0A
)

// Response status codes
const (
	StatusOK         = 0x00
	StatusBadFrame   = 0x01
	StatusBadCommand = 0x02
	StatusBadAddress = 0x03
	StatusWrongMode  = 0x04
	StatusBadLength  = 0x05
	StatusBadAlg     = 0x06
)

// Status register bits returned by CmdStatus
const (
	StatusBitBusy          = 0x01
	StatusBitChunkChecksum = 0x02
	StatusBitError         = 0x80
)

// Device modes reported by CmdGetInfo
const (
	ModeApplication = 0x00
	ModeBootloader  = 0x01
)

// InfoFlagBootloaderRequired is set when writes need bootloader mode.
const InfoFlagBootloaderRequired = 0x01

// Fixed payload sizes
const (
	AddressLength  = 4
	TotalLength    = 4
	SumLength      = 2
	infoFixedBytes = 10
)

// Checksum algorithm identifiers understood by CmdChecksum
var Algorithms = map[byte]fwflash.Algorithm{
	0x00: fwflash.CRC32,
	0x01: fwflash.Sum16LE,
	0x02: fwflash.CRC16XMODEM,
	0x03: fwflash.Sum32,
}

// AlgorithmID returns the wire identifier for alg.
func AlgorithmID(alg fwflash.Algorithm) (byte, bool) {
	for id, a := range Algorithms {
		if a == alg {
			return id, true
		}
	}
	return 0, false
}

// Info is the CmdGetInfo payload: mode, flags, vid, pid, flash size, version.
type Info struct {
	Version   string
	FlashSize uint32
	VendorID  uint16
	ProductID uint16
	Mode      byte
	Flags     byte
}

// MarshalBinary encodes the info payload.
func (i *Info) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, infoFixedBytes+len(i.Version))
	b = append(b, i.Mode, i.Flags)
	b = binary.LittleEndian.AppendUint16(b, i.VendorID)
	b = binary.LittleEndian.AppendUint16(b, i.ProductID)
	b = binary.LittleEndian.AppendUint32(b, i.FlashSize)
	return append(b, i.Version...), nil
}

// UnmarshalBinary decodes the info payload.
func (i *Info) UnmarshalBinary(b []byte) error {
	if len(b) < infoFixedBytes {
		return fmt.Errorf("%w: info payload %d bytes", ErrShortFrame, len(b))
	}
	i.Mode = b[0]
	i.Flags = b[1]
	i.VendorID = binary.LittleEndian.Uint16(b[2:])
	i.ProductID = binary.LittleEndian.Uint16(b[4:])
	i.FlashSize = binary.LittleEndian.Uint32(b[6:])
	i.Version = string(b[infoFixedBytes:])
	return nil
}

// StatusText names a response status code.
func StatusText(code byte) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusBadFrame:
		return "bad frame"
	case StatusBadCommand:
		return "bad command"
	case StatusBadAddress:
		return "bad address"
	case StatusWrongMode:
		return "wrong mode"
	case StatusBadLength:
		return "bad length"
	case StatusBadAlg:
		return "unsupported algorithm"
	default:
		return fmt.Sprintf("status 0x%02X", code)
	}
}
