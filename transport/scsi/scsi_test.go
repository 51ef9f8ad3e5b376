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

package scsi

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/family/genericbl"
	virt "github.com/ZaparooProject/go-fwflash/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type command struct {
	cdb  []byte
	data []byte
	dir  Direction
}

// bridge emulates a mass-storage bridge. Written requests go to handle;
// reads report not ready notReady times before returning the reply.
type bridge struct {
	handle   func([]byte) ([]byte, error)
	readErr  error
	reply    []byte
	log      []command
	notReady int
	pending  int
	mu       sync.Mutex
	closed   bool
}

func (b *bridge) Exec(cdb []byte, dir Direction, data []byte, _ time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, command{cdb: append([]byte(nil), cdb...), dir: dir, data: append([]byte(nil), data...)})

	switch cdb[0] {
	case DefaultWriteOpcode:
		b.reply, b.pending = nil, b.notReady
		if b.handle != nil {
			if resp, err := b.handle(append([]byte(nil), data...)); err == nil {
				b.reply = resp
			}
		}
		return len(data), nil
	case DefaultReadOpcode:
		if b.readErr != nil {
			return 0, b.readErr
		}
		if b.pending > 0 || b.reply == nil {
			b.pending--
			return 0, &SenseError{Op: "read", Sense: Sense{Status: StatusCheckCondition, Key: SenseNotReady}}
		}
		return copy(data, b.reply), nil
	default:
		return 0, &SenseError{Op: "unknown", Sense: Sense{Status: StatusCheckCondition, Key: SenseIllegalRequest, ASC: 0x20}}
	}
}

func (b *bridge) Close() error {
	b.closed = true
	return nil
}

func TestParseSense(t *testing.T) {
	t.Parallel()

	sb := make([]byte, 18)
	sb[0] = 0x70
	sb[2] = 0xF2
	sb[12], sb[13] = 0x04, 0x01
	assert.Equal(t, Sense{Status: StatusCheckCondition, Key: SenseNotReady, ASC: 0x04, ASCQ: 0x01},
		ParseSense(StatusCheckCondition, sb))
	assert.Equal(t, Sense{Status: StatusBusy}, ParseSense(StatusBusy, nil))

	tests := []struct {
		sense    Sense
		notReady bool
	}{
		{Sense{Status: StatusBusy}, true},
		{Sense{Status: StatusCheckCondition, Key: SenseNotReady}, true},
		{Sense{Status: StatusCheckCondition, Key: SenseUnitAttention}, true},
		{Sense{Status: StatusCheckCondition, Key: SenseIllegalRequest}, false},
	}
	for _, tt := range tests {
		se := &SenseError{Op: "test", Sense: tt.sense}
		assert.Equal(t, tt.notReady, se.NotReady(), se.Error())
	}
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()

	b := &bridge{notReady: 3, handle: func(req []byte) ([]byte, error) {
		return append([]byte{0xAC}, req...), nil
	}}
	transport := NewWithExecutor(b, "/dev/sg9", Config{})

	got, err := transport.SendAndReceive([]byte{1, 2, 3}, 8, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAC, 1, 2, 3}, got)

	require.GreaterOrEqual(t, len(b.log), 5)
	write := b.log[0]
	assert.Equal(t, DirToDevice, write.dir)
	assert.Len(t, write.cdb, CDBLength)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(write.cdb[2:6]))
	read := b.log[len(b.log)-1]
	assert.Equal(t, DirFromDevice, read.dir)
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(read.cdb[2:6]))
}

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	transport := NewWithExecutor(&bridge{}, "/dev/sg9", Config{})
	_, err := transport.SendAndReceive([]byte{1}, 4, 20*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout)

	illegal := &SenseError{Op: "read", Sense: Sense{Status: StatusCheckCondition, Key: SenseIllegalRequest}}
	transport = NewWithExecutor(&bridge{readErr: illegal, reply: []byte{1}}, "/dev/sg9", Config{})
	_, err = transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportRead)
	var se *SenseError
	require.ErrorAs(t, err, &se)
	assert.False(t, fwflash.IsRetryable(err), "illegal request is permanent")

	transport = NewWithExecutor(&bridge{}, "/dev/sg9", Config{WriteOpcode: 0x3B})
	err = transport.Send([]byte{1}, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportWrite)

	transport = NewWithExecutor(&bridge{readErr: errors.New("EIO")}, "/dev/sg9", Config{})
	_, err = transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportRead)
	assert.True(t, fwflash.IsRetryable(err))
}

func TestSend_NoData(t *testing.T) {
	t.Parallel()

	b := &bridge{}
	transport := NewWithExecutor(b, "/dev/sg9", Config{})
	require.NoError(t, transport.Send(nil, time.Second))
	require.Len(t, b.log, 1)
	assert.Equal(t, DirNone, b.log[0].dir)

	require.NoError(t, transport.Close())
	assert.True(t, b.closed)
	assert.False(t, transport.IsConnected())
	assert.Equal(t, fwflash.TransportSCSI, transport.Type())
}

func TestFlashOverSCSI(t *testing.T) {
	t.Parallel()

	sim := virt.NewDevice(virt.DefaultConfig())
	b := &bridge{notReady: 1, handle: func(req []byte) ([]byte, error) {
		return sim.SendAndReceive(req, 4096, 0)
	}}
	transport := NewWithExecutor(b, "/dev/sg9", Config{})

	dev, err := fwflash.New(transport, genericbl.New(),
		fwflash.WithTimeout(50*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte("scsi"), 512)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "6.0.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, dev.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
}
