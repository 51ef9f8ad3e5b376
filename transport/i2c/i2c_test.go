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

package i2c

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/family/genericbl"
	virt "github.com/ZaparooProject/go-fwflash/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

func TestTransportCreation(t *testing.T) {
	t.Parallel()

	transport := &Transport{busName: "/dev/i2c-1"}
	assert.Equal(t, fwflash.TransportI2C, transport.Type())
	assert.False(t, transport.IsConnected())

	_, err := transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportClosed)
	require.NoError(t, transport.Close())

	transport = NewWithBus(&i2ctest.Playback{DontPanic: true}, 0, "test")
	assert.Equal(t, uint16(DefaultAddress), transport.dev.Addr)
	assert.True(t, transport.IsConnected())
}

func TestSendAndReceive_Playback(t *testing.T) {
	t.Parallel()

	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x30, W: []byte{0x01, 0x02}},
			{Addr: 0x30, R: []byte{0x00, 0x00, 0x00, 0x00}},
			{Addr: 0x30, R: []byte{0xFF, 0xFF, 0xFF, 0xFF}},
			{Addr: 0x30, R: []byte{0x01, 0xAA, 0xBB, 0x17}},
		},
		DontPanic: true,
	}
	transport := NewWithBus(bus, 0x30, "test")

	got, err := transport.SendAndReceive([]byte{0x01, 0x02}, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xAA, 0xBB, 0x17}, got, "idle bytes are polled past")
}

// flakyBus fails every transaction.
type flakyBus struct{ err error }

func (*flakyBus) String() string { return "flaky" }
func (b *flakyBus) Tx(uint16, []byte, []byte) error { return b.err }
func (*flakyBus) SetSpeed(physic.Frequency) error { return nil }

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	nack := errors.New("nack")
	transport := NewWithBus(&flakyBus{err: nack}, 0x30, "test")

	err := transport.Send([]byte{1}, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportWrite)
	require.ErrorIs(t, err, nack)
	assert.True(t, fwflash.IsRetryable(err))

	_, err = transport.SendAndReceive([]byte{1}, 0, time.Second)
	require.ErrorIs(t, err, fwflash.ErrInvalidParameter)

	idle := NewWithBus(&simBus{}, 0x30, "test")
	_, err = idle.SendAndReceive([]byte{1}, 4, 20*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout)
}

// simBus routes bus transactions to a simulated device. The first read
// after each write finds the target busy.
type simBus struct {
	sim   *virt.Device
	reply []byte
	mu    sync.Mutex
	ready bool
}

func (*simBus) String() string { return "sim" }
func (*simBus) SetSpeed(physic.Frequency) error { return nil }

func (b *simBus) Tx(_ uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(w) > 0 {
		b.reply, b.ready = nil, false
		if b.sim != nil {
			if resp, err := b.sim.SendAndReceive(w, 4096, 0); err == nil {
				b.reply = resp
			}
		}
	}
	if len(r) == 0 {
		return nil
	}
	clear(r)
	if !b.ready || b.reply == nil {
		b.ready = true
		return nil
	}
	copy(r, b.reply)
	return nil
}

func TestFlashOverI2C(t *testing.T) {
	t.Parallel()

	sim := virt.NewDevice(virt.DefaultConfig())
	transport := NewWithBus(&simBus{sim: sim}, 0, "sim")

	dev, err := fwflash.New(transport, genericbl.New(),
		fwflash.WithTimeout(100*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xC3, 0x3C}, 700)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "1.2.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, dev.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
	assert.False(t, sim.InBootloader(), "device rebooted into the new firmware")
}
