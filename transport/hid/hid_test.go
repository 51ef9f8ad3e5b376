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

package hid

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
	"github.com/sstallion/go-hid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice collects written reports and plays back queued input reports.
type fakeDevice struct {
	err     error
	sent    [][]byte
	input   [][]byte
	feature [][]byte
	mu      sync.Mutex
	closed  bool
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	d.sent = append(d.sent, append([]byte(nil), p...))
	return len(p), nil
}

func (d *fakeDevice) SendFeatureReport(p []byte) (int, error) {
	return d.Write(p)
}

func (d *fakeDevice) ReadWithTimeout(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.input) == 0 {
		return 0, hid.ErrTimeout
	}
	n := copy(p, d.input[0])
	d.input = d.input[1:]
	return n, nil
}

func (d *fakeDevice) GetFeatureReport(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.feature) == 0 {
		return 1, nil
	}
	n := copy(p, d.feature[0])
	d.feature = d.feature[1:]
	return n, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func TestSend_SplitsReports(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	transport := NewWithDevice(dev, "hid0", Config{ReportSize: 4, ReportID: 0x02})

	require.NoError(t, transport.Send([]byte{1, 2, 3, 4, 5, 6}, time.Second))
	assert.Equal(t, [][]byte{
		{0x02, 1, 2, 3, 4},
		{0x02, 5, 6, 0, 0},
	}, dev.sent)

	dev.sent = nil
	require.NoError(t, transport.Send(nil, time.Second))
	assert.Equal(t, [][]byte{{0x02, 0, 0, 0, 0}}, dev.sent, "an empty request still sends one report")
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   [][]byte
		want    []byte
		cfg     Config
		respLen int
	}{
		{
			name:    "unnumbered single report",
			cfg:     Config{ReportSize: 4},
			input:   [][]byte{{9, 8, 7, 6}},
			respLen: 3,
			want:    []byte{9, 8, 7},
		},
		{
			name:    "numbered reports reassembled",
			cfg:     Config{ReportSize: 4, ReportID: 0x05},
			input:   [][]byte{{0x05, 1, 2, 3, 4}, {0x05, 5, 6, 0, 0}},
			respLen: 16,
			want:    []byte{1, 2, 3, 4, 5, 6, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dev := &fakeDevice{input: tt.input}
			transport := NewWithDevice(dev, "hid0", tt.cfg)
			got, err := transport.SendAndReceive([]byte{0xAA}, tt.respLen, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendAndReceive_Feature(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{feature: [][]byte{{0x01}, {0x01}, {0x01, 0xDE, 0xAD}}}
	transport := NewWithDevice(dev, "hid0", Config{Mode: Feature, ReportSize: 8, ReportID: 0x01})

	got, err := transport.SendAndReceive([]byte{0x10}, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, got)
	require.Len(t, dev.sent, 1)
	assert.Equal(t, byte(0x01), dev.sent[0][0])
}

func TestSendAndReceive_Errors(t *testing.T) {
	t.Parallel()

	transport := NewWithDevice(&fakeDevice{}, "hid0", Config{})
	_, err := transport.SendAndReceive([]byte{1}, 4, 10*time.Millisecond)
	require.ErrorIs(t, err, fwflash.ErrTransportTimeout)

	_, err = transport.SendAndReceive([]byte{1}, -1, time.Second)
	require.ErrorIs(t, err, fwflash.ErrInvalidParameter)

	pipe := errors.New("broken pipe")
	transport = NewWithDevice(&fakeDevice{err: pipe}, "hid0", Config{})
	err = transport.Send([]byte{1}, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportWrite)
	require.ErrorIs(t, err, pipe)

	require.NoError(t, transport.Close())
	assert.False(t, transport.IsConnected())
	err = transport.Send([]byte{1}, time.Second)
	require.ErrorIs(t, err, fwflash.ErrTransportClosed)
	assert.Equal(t, fwflash.TransportHID, transport.Type())
}

// simDevice reassembles reports into frames for the simulated device.
type simDevice struct {
	fakeDevice
	sim     *virt.Device
	pending []byte
	size    int
}

func (d *simDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		// Unread replies are lost once the next request starts.
		d.input = nil
	}
	d.pending = append(d.pending, p[1:]...)
	// The frame length is known once the header arrived.
	if len(d.pending) < 4 {
		return len(p), nil
	}
	want := 4 + (int(d.pending[2]) | int(d.pending[3])<<8) + 3
	if len(d.pending) < want {
		return len(p), nil
	}
	resp, err := d.sim.SendAndReceive(d.pending[:want], 4096, 0)
	d.pending = nil
	if err != nil {
		return len(p), nil
	}
	for off := 0; off < len(resp); off += d.size {
		d.input = append(d.input, resp[off:min(off+d.size, len(resp))])
	}
	return len(p), nil
}

func TestFlashOverHID(t *testing.T) {
	t.Parallel()

	sim := virt.NewDevice(virt.DefaultConfig())
	dev := &simDevice{sim: sim, size: DefaultReportSize}
	transport := NewWithDevice(dev, "hid0", Config{})

	updater, err := fwflash.New(transport, genericbl.New(genericbl.WithChunkSize(256)),
		fwflash.WithTimeout(50*time.Millisecond),
		fwflash.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	data := bytes.Repeat([]byte("hid-firmware-"), 100)
	sum, err := fwflash.Compute(fwflash.CRC32, data)
	require.NoError(t, err)
	img, err := fwflash.NewFirmwareImage(data, fwflash.ImageInfo{Version: "4.0.0"},
		fwflash.Region{Name: "app", Length: uint32(len(data)),
			Checksum: fwflash.ChecksumSpec{Algorithm: fwflash.CRC32, Expected: sum}})
	require.NoError(t, err)

	require.NoError(t, updater.WriteFirmware(context.Background(), img))
	assert.Equal(t, data, sim.Flash(0, len(data)))
}
