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

package mmio

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/family/genericbl"
	virt "github.com/ZaparooProject/go-fwflash/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	// uint32 backing keeps the registers aligned.
	words := make([]uint32, WindowSize/4)
	buf := unsafeBytes(words)
	m, err := NewMemory(buf, nil)
	require.NoError(t, err)
	return m
}

// firmware services the mailbox from its own goroutine until ctx ends.
func firmware(ctx context.Context, m *Memory, handle func([]byte) ([]byte, error)) {
	for ctx.Err() == nil {
		if m.Load32(RegDoorbell) == 0 {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		m.Store32(RegStatus, StatusBusy)
		m.Store32(RegDoorbell, 0)

		req := make([]byte, m.Load32(RegReqLen))
		m.ReadAt(req, ReqBuffer)
		resp, err := handle(req)
		if err != nil {
			// Dropped requests never complete.
			m.Store32(RegStatus, 0)
			continue
		}
		if resp == nil {
			m.Store32(RegStatus, StatusError)
			continue
		}
		m.WriteAt(resp, RespBuffer)
		m.Store32(RegRespLen, uint32(len(resp)))
		m.Store32(RegStatus, StatusReady)
	}
}

func TestNewMemory(t *testing.T) {
	t.Parallel()

	_, err := NewMemory(make([]byte, 16), nil)
	require.ErrorIs(t, err, fwflash.ErrInvalidParameter)

	released := false
	m, err := NewMemory(unsafeBytes(make([]uint32, WindowSize/4)), func([]byte) error {
		released = true
		return nil
	})
	require.NoError(t, err)

	m.Store32(RegRespLen, 0xA1B2C3D4)
	raw := make([]byte, 4)
	m.ReadAt(raw, RegRespLen)
	assert.Equal(t, uint32(0xA1B2C3D4), binary.LittleEndian.Uint32(raw), "registers are little-endian")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, released)
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()

	m := newMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go firmware(ctx, m, func(req []byte) ([]byte, error) {
		if bytes.Equal(req, []byte("fail")) {
			return nil, nil
		}
		return append([]byte("re:"), req...), nil
	})

	transport := NewWithWindow(m, "resource0")
	got, err := transport.SendAndReceive([]byte("ping"), 64, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("re:ping"), got)

	got, err = transport.SendAndReceive([]byte("ping"), 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("re:p"), got, "reply is capped at the response length")

	_, err = transport.SendAndReceive([]byte("fail"), 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportRead)
	assert.True(t, fwflash.IsRetryable(err))
}

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	m := newMemory(t)
	transport := NewWithWindow(m, "resource0")

	_, err := transport.SendAndReceive([]byte{1}, 4, 10*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout, "nobody answers the doorbell")

	m.Store32(RegDoorbell, 0)
	m.Store32(RegStatus, StatusBusy)
	err = transport.Send([]byte{1}, 10*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout, "a busy mailbox is not overwritten")

	err = transport.Send(make([]byte, BufferSize+1), time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportWrite)
	assert.False(t, fwflash.IsRetryable(err))

	_, err = transport.SendAndReceive([]byte{1}, 0, time.Second)
	require.ErrorIs(t, err, fwflash.ErrInvalidParameter)

	require.NoError(t, transport.Close())
	assert.False(t, transport.IsConnected())
	require.ErrorIs(t, transport.Send([]byte{1}, time.Second), fwflash.ErrTransportClosed)
	assert.Equal(t, fwflash.TransportMMIO, transport.Type())
}

func TestFlashOverMMIO(t *testing.T) {
	t.Parallel()

	sim := virt.NewDevice(virt.DefaultConfig())
	m := newMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go firmware(ctx, m, func(req []byte) ([]byte, error) {
		return sim.SendAndReceive(req, BufferSize, 0)
	})

	dev, err := fwflash.New(NewWithWindow(m, "resource0"), genericbl.New(),
		fwflash.WithTimeout(50*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x0F, 0xF0, 0x55}, 900)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "7.0.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, dev.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
}
