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

package uart

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
)

// fakePort answers every write with the queued replies, delivered in the
// given pieces.
type fakePort struct {
	readErr  error
	writeErr error
	written  bytes.Buffer
	pending  [][]byte
	replies  [][][]byte
	timeouts []time.Duration
	mu       sync.Mutex
	resets   int
	closed   bool
	short    bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b)
	if p.short && n > 1 {
		n = 1
	}
	p.written.Write(b[:n])
	if len(p.replies) > 0 && n == len(b) {
		p.pending = append(p.pending, p.replies[0]...)
		p.replies = p.replies[1:]
	}
	return n, nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending[0])
	if n < len(p.pending[0]) {
		p.pending[0] = p.pending[0][n:]
	} else {
		p.pending = p.pending[1:]
	}
	return n, nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.pending = nil
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// TestTransportCreation verifies basic transport creation and properties
func TestTransportCreation(t *testing.T) {
	t.Parallel()

	transport := &Transport{portName: "/dev/ttyUSB0"}
	assert.Equal(t, "/dev/ttyUSB0", transport.PortName())
	assert.Equal(t, fwflash.TransportUART, transport.Type())
	assert.False(t, transport.IsConnected(), "an unopened transport is not connected")

	err := transport.Send([]byte{1}, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportClosed)
	_, err = transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportClosed)
	require.NoError(t, transport.Close())
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pieces  [][]byte
		want    []byte
		respLen int
	}{
		{name: "single read", pieces: [][]byte{{0x01, 0x02, 0x03}}, respLen: 8, want: []byte{1, 2, 3}},
		{name: "split reply", pieces: [][]byte{{0x01}, {0x02, 0x03}, {0x04}}, respLen: 8, want: []byte{1, 2, 3, 4}},
		{name: "capped at response length", pieces: [][]byte{{1, 2, 3, 4, 5, 6}}, respLen: 4, want: []byte{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			port := &fakePort{pending: [][]byte{{0xEE}}, replies: [][][]byte{tt.pieces}}
			transport := NewWithPort(port, "/dev/ttyTEST")

			got, err := transport.SendAndReceive([]byte{0xAA, 0xBB}, tt.respLen, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []byte{0xAA, 0xBB}, port.written.Bytes())
			assert.Equal(t, 1, port.resets, "stale input is discarded before writing")
			assert.Contains(t, port.timeouts, interByteGap)
		})
	}
}

func TestSendAndReceive_Timeout(t *testing.T) {
	t.Parallel()

	transport := NewWithPort(&fakePort{}, "/dev/ttyTEST")

	start := time.Now()
	_, err := transport.SendAndReceive([]byte{0x01}, 4, 30*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout)
	assert.True(t, fwflash.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)

	var te *fwflash.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/dev/ttyTEST", te.Port)
}

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	ioErr := errors.New("input/output error")

	transport := NewWithPort(&fakePort{writeErr: ioErr}, "/dev/ttyTEST")
	_, err := transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportWrite)
	require.ErrorIs(t, err, ioErr)

	transport = NewWithPort(&fakePort{readErr: ioErr}, "/dev/ttyTEST")
	_, err = transport.SendAndReceive([]byte{1}, 4, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportRead)

	_, err = transport.SendAndReceive([]byte{1}, 0, time.Second)
	require.ErrorIs(t, err, fwflash.ErrInvalidParameter)
}

func TestSend_ShortWrites(t *testing.T) {
	t.Parallel()

	port := &fakePort{short: true}
	transport := NewWithPort(port, "/dev/ttyTEST")

	require.NoError(t, transport.Send([]byte("bootloader"), time.Second))
	assert.Equal(t, "bootloader", port.written.String())
}

func TestClose(t *testing.T) {
	t.Parallel()

	port := &fakePort{}
	transport := NewWithPort(port, "/dev/ttyTEST")
	assert.True(t, transport.IsConnected())

	require.NoError(t, transport.Close())
	assert.True(t, port.closed)
	assert.False(t, transport.IsConnected())
	require.NoError(t, transport.Close(), "second close is a no-op")
}

// simPort delivers the simulated device's replies over the fake line.
type simPort struct {
	fakePort
	sim *virt.Device
}

func (p *simPort) Write(b []byte) (int, error) {
	resp, err := p.sim.SendAndReceive(b, 4096, 0)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	if err == nil {
		// Split the reply to exercise reassembly.
		half := len(resp) / 2
		p.pending = append(p.pending, resp[:half], resp[half:])
	}
	return len(b), nil
}

func TestFlashOverUART(t *testing.T) {
	t.Parallel()

	cfg := virt.DefaultConfig()
	cfg.StartInBootloader = true
	sim := virt.NewDevice(cfg)
	transport := NewWithPort(&simPort{sim: sim}, "/dev/ttyTEST")

	dev, err := fwflash.New(transport, genericbl.New(),
		fwflash.WithTimeout(200*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x12, 0x34, 0x56, 0x78}, 300)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "1.1.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, dev.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
	assert.True(t, sim.Attached())
}
