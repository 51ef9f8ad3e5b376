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

// Package container reads and writes FWFL firmware containers.
//
// A container is a fixed 32 byte header, a table of 48 byte region entries
// and the payload the regions point into:
//
//	offset  size  field
//	0       4     magic "FWFL"
//	4       2     format version (1)
//	6       2     header size
//	8       2     USB vendor ID
//	10      2     USB product ID
//	12      2     region count
//	14      2     flags (bit 0: payload is an xz stream)
//	16      16    firmware version, NUL padded
//
// Region entry:
//
//	0       16    name, NUL padded
//	16      4     flash base address
//	20      4     offset into the payload
//	24      4     length
//	28      1     checksum algorithm code
//	29      1     flags (bit 0: checksum is embedded in the region trailer)
//	30      1     checksum length
//	31      1     reserved
//	32      16    expected checksum, zero when embedded
//
// All integers are little-endian. A whole container may itself be wrapped
// in an xz stream.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ulikunitz/xz"
)

// Format constants
const (
	Magic       = "FWFL"
	Version     = 1
	HeaderSize  = 32
	EntrySize   = 48
	NameSize    = 16
	VersionSize = 16
	// MaxExpectedSize is the largest checksum a region entry can carry
	// inline. Longer digests must be embedded in the region.
	MaxExpectedSize = 16
	// MaxPayloadSize bounds decompressed payloads.
	MaxPayloadSize = 64 << 20
)

// Header flags
const (
	FlagCompressed uint16 = 1 << 0
)

// Region entry flags
const (
	regionEmbedded = 1 << 0
)

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// ErrUnknownAlgorithm is returned for a checksum code or algorithm the
// container format has no mapping for.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm code")

var algorithmCodes = map[fwflash.Algorithm]byte{
	fwflash.CRC32:           0x01,
	fwflash.CRC32BZIP2:      0x02,
	fwflash.CRC32MPEG2:      0x03,
	fwflash.CRC32JAMCRC:     0x04,
	fwflash.CRC32C:          0x05,
	fwflash.CRC16XMODEM:     0x10,
	fwflash.CRC16MODBUS:     0x11,
	fwflash.CRC16CCITTFalse: 0x12,
	fwflash.Sum8:            0x20,
	fwflash.Sum16:           0x21,
	fwflash.Sum16LE:         0x22,
	fwflash.Sum16Twos:       0x23,
	fwflash.Sum32:           0x24,
	fwflash.SHA1:            0x30,
	fwflash.SHA256:          0x31,
	fwflash.SHA384:          0x32,
}

func algorithmByCode(code byte) (fwflash.Algorithm, bool) {
	for alg, c := range algorithmCodes {
		if c == code {
			return alg, true
		}
	}
	return "", false
}

// Header is the decoded container header.
type Header struct {
	Version       string
	FormatVersion uint16
	HeaderSize    uint16
	VendorID      uint16
	ProductID     uint16
	RegionCount   uint16
	Flags         uint16
}

// Compressed reports whether the payload is an xz stream.
func (h *Header) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

func parseError(field string, offset int, err error) error {
	return &fwflash.ParseError{Field: field, Offset: offset, Err: err}
}

// ReadHeader decodes and validates the container header.
func ReadHeader(data []byte) (*Header, error) {
	data, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	return readHeader(data)
}

func readHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, parseError("header", 0, fmt.Errorf("%w: %d bytes, need %d", fwflash.ErrSizeMismatch, len(data), HeaderSize))
	}
	if string(data[0:4]) != Magic {
		return nil, parseError("magic", 0, fmt.Errorf("%w: % X", fwflash.ErrBadMagic, data[0:4]))
	}

	h := &Header{
		FormatVersion: binary.LittleEndian.Uint16(data[4:6]),
		HeaderSize:    binary.LittleEndian.Uint16(data[6:8]),
		VendorID:      binary.LittleEndian.Uint16(data[8:10]),
		ProductID:     binary.LittleEndian.Uint16(data[10:12]),
		RegionCount:   binary.LittleEndian.Uint16(data[12:14]),
		Flags:         binary.LittleEndian.Uint16(data[14:16]),
		Version:       cstring(data[16 : 16+VersionSize]),
	}
	if h.FormatVersion != Version {
		return nil, parseError("version", 4, fmt.Errorf("%w: %d", fwflash.ErrUnsupportedVersion, h.FormatVersion))
	}
	if h.HeaderSize < HeaderSize || int(h.HeaderSize) > len(data) {
		return nil, parseError("header size", 6, fmt.Errorf("%w: %d", fwflash.ErrSizeMismatch, h.HeaderSize))
	}
	return h, nil
}

// Parse decodes a container into a validated firmware image. Regions are
// checked for bounds, overlap and checksum trailer size; checksums are not
// recomputed, use FirmwareImage.Validate for that.
func Parse(data []byte) (*fwflash.FirmwareImage, error) {
	data, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	h, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	tableEnd := int(h.HeaderSize) + int(h.RegionCount)*EntrySize
	if tableEnd > len(data) {
		return nil, parseError("region table", int(h.HeaderSize), fmt.Errorf(
			"%w: %d regions need %d bytes, have %d", fwflash.ErrSizeMismatch, h.RegionCount, tableEnd, len(data)))
	}

	regions := make([]fwflash.Region, 0, h.RegionCount)
	for i := range int(h.RegionCount) {
		off := int(h.HeaderSize) + i*EntrySize
		r, err := readRegion(data[off:off+EntrySize], off)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}

	payload := data[tableEnd:]
	if h.Compressed() {
		payload, err = decompress(payload, tableEnd)
		if err != nil {
			return nil, err
		}
	}

	info := fwflash.ImageInfo{Version: h.Version, VendorID: h.VendorID, ProductID: h.ProductID}
	img, err := fwflash.NewFirmwareImage(payload, info, regions...)
	if err != nil {
		return nil, fmt.Errorf("container regions: %w", err)
	}
	return img, nil
}

func readRegion(entry []byte, off int) (fwflash.Region, error) {
	name := cstring(entry[0:NameSize])
	field := fmt.Sprintf("region %q", name)

	code := entry[28]
	alg, ok := algorithmByCode(code)
	if !ok {
		return fwflash.Region{}, parseError(field+" algorithm", off+28, fmt.Errorf("%w: 0x%02X", ErrUnknownAlgorithm, code))
	}

	r := fwflash.Region{
		Name:        name,
		FlashBase:   binary.LittleEndian.Uint32(entry[16:20]),
		StartOffset: binary.LittleEndian.Uint32(entry[20:24]),
		Length:      binary.LittleEndian.Uint32(entry[24:28]),
		Checksum: fwflash.ChecksumSpec{
			Algorithm: alg,
			Embedded:  entry[29]&regionEmbedded != 0,
		},
	}
	if !r.Checksum.Embedded {
		n := int(entry[30])
		if n == 0 || n > MaxExpectedSize {
			return fwflash.Region{}, parseError(field+" checksum length", off+30, fmt.Errorf("%w: %d", fwflash.ErrSizeMismatch, n))
		}
		r.Checksum.Expected = append(fwflash.Value(nil), entry[32:32+n]...)
	}
	return r, nil
}

// ParseFile reads and parses a container file.
func ParseFile(path string) (*fwflash.FirmwareImage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	return Parse(data)
}

// Build encodes img as a container. With compress set the payload is
// stored as an xz stream.
func Build(img *fwflash.FirmwareImage, compress bool) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("build container: %w", fwflash.ErrInvalidParameter)
	}
	info := img.Info()
	if len(info.Version) > VersionSize {
		return nil, fmt.Errorf("version %q longer than %d bytes: %w", info.Version, VersionSize, fwflash.ErrInvalidParameter)
	}
	regions := img.Regions()
	if len(regions) > 0xFFFF {
		return nil, fmt.Errorf("%d regions: %w", len(regions), fwflash.ErrInvalidParameter)
	}

	var flags uint16
	if compress {
		flags |= FlagCompressed
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(regions)*EntrySize+img.Size()))
	hdr := make([]byte, HeaderSize)
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint16(hdr[6:8], HeaderSize)
	binary.LittleEndian.PutUint16(hdr[8:10], info.VendorID)
	binary.LittleEndian.PutUint16(hdr[10:12], info.ProductID)
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(len(regions)))
	binary.LittleEndian.PutUint16(hdr[14:16], flags)
	copy(hdr[16:], info.Version)
	buf.Write(hdr)

	for _, r := range regions {
		entry, err := encodeRegion(r)
		if err != nil {
			return nil, err
		}
		buf.Write(entry)
	}

	if !compress {
		buf.Write(img.Data())
		return buf.Bytes(), nil
	}

	w, err := xz.NewWriter(buf)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	if _, err := w.Write(img.Data()); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish xz stream: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeRegion(r fwflash.Region) ([]byte, error) {
	if len(r.Name) > NameSize {
		return nil, fmt.Errorf("region name %q longer than %d bytes: %w", r.Name, NameSize, fwflash.ErrInvalidParameter)
	}
	code, ok := algorithmCodes[r.Checksum.Algorithm]
	if !ok {
		return nil, fmt.Errorf("region %q: %w: %s", r.Name, ErrUnknownAlgorithm, r.Checksum.Algorithm)
	}

	entry := make([]byte, EntrySize)
	copy(entry[0:NameSize], r.Name)
	binary.LittleEndian.PutUint32(entry[16:20], r.FlashBase)
	binary.LittleEndian.PutUint32(entry[20:24], r.StartOffset)
	binary.LittleEndian.PutUint32(entry[24:28], r.Length)
	entry[28] = code

	if r.Checksum.Embedded {
		entry[29] |= regionEmbedded
		return entry, nil
	}
	if len(r.Checksum.Expected) > MaxExpectedSize {
		return nil, fmt.Errorf("region %q: %d byte %s does not fit the entry, embed it: %w",
			r.Name, len(r.Checksum.Expected), r.Checksum.Algorithm, fwflash.ErrInvalidParameter)
	}
	entry[30] = byte(len(r.Checksum.Expected))
	copy(entry[32:], r.Checksum.Expected)
	return entry, nil
}

// unwrap decompresses a container that was xz'd as a whole.
func unwrap(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, xzMagic) {
		return data, nil
	}
	return decompress(data, 0)
}

func decompress(data []byte, offset int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, parseError("xz stream", offset, err)
	}
	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, parseError("xz stream", offset, err)
	}
	if len(out) > MaxPayloadSize {
		return nil, parseError("xz stream", offset, fmt.Errorf("%w: payload exceeds %d bytes", fwflash.ErrSizeMismatch, MaxPayloadSize))
	}
	return out, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
