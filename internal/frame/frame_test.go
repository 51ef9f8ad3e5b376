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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCalculateChecksum(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "empty data",
			data: []byte{},
			want: 0,
		},
		{
			name: "single byte",
			data: []byte{0x01},
			want: 0xFFFF,
		},
		{
			name: "two bytes",
			data: []byte{0x10, 0x20},
			want: 0xFFD0,
		},
		{
			name: "sum above one byte",
			data: []byte{0xFF, 0xFF, 0x02},
			want: 0xFE00,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CalculateChecksum(tt.data))
			assert.True(t, ValidateChecksum(tt.data, tt.want))
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	got, err := Build(nil, 0x01, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0x17}, got)

	got, err = Build(nil, 0x05, []byte{0xAA})
	require.NoError(t, err)
	// 0x05 + 0x01 + 0x00 + 0xAA = 0xB0 -> 0xFF50
	assert.Equal(t, []byte{0x01, 0x05, 0x01, 0x00, 0xAA, 0x50, 0xFF, 0x17}, got)

	_, err = Build(nil, 0x04, make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	good, err := Build(nil, 0x06, []byte{1, 2, 3})
	require.NoError(t, err)

	corrupt := func(i int, v byte) []byte {
		b := append([]byte(nil), good...)
		b[i] = v
		return b
	}

	tests := []struct {
		want error
		name string
		raw  []byte
	}{
		{name: "short", raw: good[:5], want: ErrShortFrame},
		{name: "bad start", raw: corrupt(0, 0x02), want: ErrBadStart},
		{name: "truncated payload", raw: good[:len(good)-1], want: ErrLengthMismatch},
		{name: "flipped payload byte", raw: corrupt(5, 0x7F), want: ErrBadChecksum},
		{name: "bad end", raw: corrupt(len(good)-1, 0x00), want: ErrBadEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Parse(tt.raw)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseIgnoresTrailingBytes(t *testing.T) {
	t.Parallel()

	raw, err := Build(nil, 0x80, []byte{9, 8})
	require.NoError(t, err)
	raw = append(raw, 0, 0, 0)

	code, payload, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), code)
	assert.Equal(t, []byte{9, 8}, payload)
}

func TestBuildParseProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		code := rapid.Byte().Draw(t, "code")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")

		buf := GetBuffer()
		defer PutBuffer(buf)

		raw, err := Build(buf, code, payload)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		gotCode, gotPayload, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if gotCode != code || string(gotPayload) != string(payload) {
			t.Fatalf("round trip mismatch: %x %x", gotCode, gotPayload)
		}
	})
}
