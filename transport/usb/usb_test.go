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

package usb

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
	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback answers each OUT transfer with the reply its handler returns.
type loopback struct {
	handle   func(req []byte) ([]byte, error)
	writeErr error
	readErr  error
	replies  [][]byte
	readLens []int
	mu       sync.Mutex
}

func (l *loopback) WriteContext(_ context.Context, buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return 0, l.writeErr
	}
	if l.handle != nil {
		// A new request replaces any unread reply.
		l.replies = nil
		if resp, err := l.handle(append([]byte(nil), buf...)); err == nil {
			l.replies = append(l.replies, resp)
		}
	}
	return len(buf), nil
}

func (l *loopback) ReadContext(ctx context.Context, buf []byte) (int, error) {
	l.mu.Lock()
	l.readLens = append(l.readLens, len(buf))
	if l.readErr != nil {
		defer l.mu.Unlock()
		return 0, l.readErr
	}
	if len(l.replies) == 0 {
		l.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	defer l.mu.Unlock()
	n := copy(buf, l.replies[0])
	l.replies = l.replies[1:]
	return n, nil
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()

	lb := &loopback{handle: func(req []byte) ([]byte, error) {
		return bytes.Repeat(req, 3), nil
	}}
	transport := NewWithEndpoints(lb, lb, 64, "1209:B007")

	got, err := transport.SendAndReceive([]byte{1, 2}, 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 1, 2, 1}, got)

	_, err = transport.SendAndReceive([]byte{1}, 100, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 128}, lb.readLens, "reads are rounded up to whole packets")
}

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr   error
		lb        *loopback
		name      string
		retryable bool
	}{
		{
			name:      "timeout",
			lb:        &loopback{},
			wantErr:   fwflash.ErrTransportTimeout,
			retryable: true,
		},
		{
			name:      "libusb timeout",
			lb:        &loopback{readErr: gousb.ErrorTimeout},
			wantErr:   fwflash.ErrTransportTimeout,
			retryable: true,
		},
		{
			name:    "unplugged",
			lb:      &loopback{writeErr: gousb.ErrorNoDevice},
			wantErr: fwflash.ErrDeviceDisconnected,
		},
		{
			name:      "stall",
			lb:        &loopback{readErr: gousb.ErrorPipe},
			wantErr:   fwflash.ErrTransportRead,
			retryable: true,
		},
		{
			name:      "write failure",
			lb:        &loopback{writeErr: errors.New("io")},
			wantErr:   fwflash.ErrTransportWrite,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport := NewWithEndpoints(tt.lb, tt.lb, 64, "test")
			_, err := transport.SendAndReceive([]byte{1}, 8, 20*time.Millisecond)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retryable, fwflash.IsRetryable(err))
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	closed := 0
	transport := NewWithEndpoints(&loopback{}, &loopback{}, 0, "test")
	transport.closer = func() error { closed++; return nil }
	assert.True(t, transport.IsConnected())
	assert.Equal(t, fwflash.TransportUSB, transport.Type())

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.Equal(t, 1, closed)
	assert.False(t, transport.IsConnected())
	require.ErrorIs(t, transport.Send([]byte{1}, time.Second), fwflash.ErrTransportClosed)
}

func TestFlashOverUSB(t *testing.T) {
	t.Parallel()

	sim := virt.NewDevice(virt.DefaultConfig())
	lb := &loopback{handle: func(req []byte) ([]byte, error) {
		return sim.SendAndReceive(req, 4096, 0)
	}}
	transport := NewWithEndpoints(lb, lb, 64, "1209:B007")

	dev, err := fwflash.New(transport, genericbl.New(),
		fwflash.WithTimeout(50*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xEE, 0x11, 0x22}, 1000)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "5.0.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, dev.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
}
