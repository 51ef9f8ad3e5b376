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
	"fmt"
	"sort"
)

// ChecksumSpec describes how a region's integrity is checked.
type ChecksumSpec struct {
	Algorithm Algorithm
	// Expected is the checksum over the region. When Embedded is set it is
	// filled from the region's trailing bytes.
	Expected Value
	// Embedded marks the last Size(Algorithm) bytes of the region as the
	// checksum of the bytes before them.
	Embedded bool
}

// Region is a contiguous slice of the image destined for one flash range.
type Region struct {
	Name        string
	Checksum    ChecksumSpec
	FlashBase   uint32
	StartOffset uint32
	Length      uint32
}

// FlashEnd returns one past the last flash address the region covers.
func (r Region) FlashEnd() uint64 {
	return uint64(r.FlashBase) + uint64(r.Length)
}

func (r Region) overlaps(o Region) bool {
	if r.Length == 0 || o.Length == 0 {
		return false
	}
	return uint64(r.FlashBase) < o.FlashEnd() && uint64(o.FlashBase) < r.FlashEnd()
}

// ImageInfo carries the metadata that travels with an image.
type ImageInfo struct {
	Version   string
	VendorID  uint16
	ProductID uint16
}

// FirmwareImage is an immutable byte image plus its region table. Regions
// are validated once at construction and never change afterwards.
type FirmwareImage struct {
	info    ImageInfo
	data    []byte
	regions []Region
}

// NewFirmwareImage copies data and validates every region against it.
// Invalid regions yield a *ParseError.
func NewFirmwareImage(data []byte, info ImageInfo, regions ...Region) (*FirmwareImage, error) {
	img := &FirmwareImage{
		info: info,
		data: append([]byte(nil), data...),
	}

	names := make(map[string]struct{}, len(regions))
	for i, r := range regions {
		field := fmt.Sprintf("region[%d] %q", i, r.Name)
		if r.Name == "" {
			return nil, &ParseError{Field: field, Offset: -1, Err: fmt.Errorf("empty name: %w", ErrInvalidParameter)}
		}
		if _, dup := names[r.Name]; dup {
			return nil, &ParseError{Field: field, Offset: -1, Err: ErrDuplicateRegion}
		}
		names[r.Name] = struct{}{}

		if uint64(r.StartOffset)+uint64(r.Length) > uint64(len(img.data)) {
			return nil, &ParseError{Field: field, Offset: int(r.StartOffset), Err: fmt.Errorf(
				"%w: %d bytes at offset %d exceed image size %d", ErrRegionBounds, r.Length, r.StartOffset, len(img.data))}
		}
		if r.FlashEnd() > 1<<32 {
			return nil, &ParseError{Field: field, Offset: -1, Err: fmt.Errorf(
				"%w: flash range 0x%08X+%d exceeds address space", ErrRegionBounds, r.FlashBase, r.Length)}
		}

		spec, err := img.resolveChecksum(r)
		if err != nil {
			return nil, &ParseError{Field: field + " checksum", Offset: int(r.StartOffset), Err: err}
		}
		r.Checksum = spec
		img.regions = append(img.regions, r)
	}

	sorted := append([]Region(nil), img.regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FlashBase < sorted[j].FlashBase })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].overlaps(sorted[i]) {
			return nil, &ParseError{
				Field:  fmt.Sprintf("regions %q and %q", sorted[i-1].Name, sorted[i].Name),
				Offset: -1,
				Err:    ErrRegionOverlap,
			}
		}
	}
	return img, nil
}

func (f *FirmwareImage) resolveChecksum(r Region) (ChecksumSpec, error) {
	spec := r.Checksum
	size, err := DefaultEngine.Size(spec.Algorithm)
	if err != nil {
		return spec, err
	}

	if !spec.Embedded {
		if len(spec.Expected) != size {
			return spec, fmt.Errorf("%w: expected checksum is %d bytes, %s needs %d",
				ErrSizeMismatch, len(spec.Expected), spec.Algorithm, size)
		}
		spec.Expected = append(Value(nil), spec.Expected...)
		return spec, nil
	}

	if int(r.Length) < size {
		return spec, fmt.Errorf("%w: region of %d bytes cannot hold a %d byte %s trailer",
			ErrSizeMismatch, r.Length, size, spec.Algorithm)
	}
	end := r.StartOffset + r.Length
	trailer := Value(append([]byte(nil), f.data[end-uint32(size):end]...))
	if spec.Expected != nil && !spec.Expected.Equal(trailer) {
		return spec, fmt.Errorf("%w: declared %s, trailer holds %s", ErrChecksumMismatch, spec.Expected, trailer)
	}
	spec.Expected = trailer
	return spec, nil
}

// Info returns the image metadata.
func (f *FirmwareImage) Info() ImageInfo {
	return f.info
}

// Size returns the length of the raw image.
func (f *FirmwareImage) Size() int {
	return len(f.data)
}

// Data returns a copy of the raw image.
func (f *FirmwareImage) Data() []byte {
	return append([]byte(nil), f.data...)
}

// Regions returns a copy of the region table in declaration order.
func (f *FirmwareImage) Regions() []Region {
	out := make([]Region, len(f.regions))
	for i, r := range f.regions {
		r.Checksum.Expected = append(Value(nil), r.Checksum.Expected...)
		out[i] = r
	}
	return out
}

// Region looks a region up by name.
func (f *FirmwareImage) Region(name string) (Region, bool) {
	for _, r := range f.Regions() {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// TotalBytes is the number of bytes an update writes.
func (f *FirmwareImage) TotalBytes() uint64 {
	var total uint64
	for _, r := range f.regions {
		total += uint64(r.Length)
	}
	return total
}

// Bytes returns the region's payload. The slice aliases the image and must
// not be modified.
func (f *FirmwareImage) Bytes(r Region) []byte {
	end := r.StartOffset + r.Length
	return f.data[r.StartOffset:end:end]
}

// ChecksumLength returns how many leading bytes of the region the checksum
// covers.
func (f *FirmwareImage) ChecksumLength(r Region) uint32 {
	if !r.Checksum.Embedded {
		return r.Length
	}
	size, err := DefaultEngine.Size(r.Checksum.Algorithm)
	if err != nil {
		return r.Length
	}
	return r.Length - uint32(size)
}

// ChecksumData returns the bytes the region checksum is computed over.
func (f *FirmwareImage) ChecksumData(r Region) []byte {
	return f.Bytes(r)[:f.ChecksumLength(r)]
}

// Validate recomputes every region checksum from the image bytes. A region
// whose payload does not match its expected checksum yields a *ParseError.
func (f *FirmwareImage) Validate() error {
	for _, r := range f.regions {
		ok, err := DefaultEngine.Verify(r.Checksum.Algorithm, f.ChecksumData(r), r.Checksum.Expected)
		if err != nil {
			return err
		}
		if !ok {
			got, _ := DefaultEngine.Compute(r.Checksum.Algorithm, f.ChecksumData(r))
			return &ParseError{
				Field:  fmt.Sprintf("region %q checksum", r.Name),
				Offset: int(r.StartOffset),
				Err:    fmt.Errorf("%w: expected %s, computed %s", ErrChecksumMismatch, r.Checksum.Expected, got),
			}
		}
	}
	return nil
}

// Digest returns a checksum over the whole raw image, used as its identity
// in update history and blocklists.
func (f *FirmwareImage) Digest(alg Algorithm) (Value, error) {
	return DefaultEngine.Compute(alg, f.data)
}
