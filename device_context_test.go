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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := logrus.New()
	l.SetOutput(buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return l, buf
}

func waitEntered(t *testing.T, m *BlockingMockTransport) {
	t.Helper()
	select {
	case <-m.Entered():
	case <-time.After(2 * time.Second):
		t.Fatal("transport call never started")
	}
}

func TestWriteFirmware_RejectsConcurrentCalls(t *testing.T) {
	t.Parallel()

	mock := NewBlockingMockTransport()
	fam := newFakeFamily()
	dev := newTestDevice(t, mock, checksumFamily{fam})
	img := singleRegionImage(t, testPayload(128), 0)

	done := make(chan error, 1)
	go func() {
		done <- dev.WriteFirmware(context.Background(), img)
	}()
	waitEntered(t, mock)

	err := dev.WriteFirmware(context.Background(), img)
	requireUpdateError(t, err, StateIdle, KindBusy)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = dev.Probe(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	snap, ok := dev.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateProbing, snap.State)

	mock.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first update never finished")
	}

	require.NoError(t, dev.WriteFirmware(context.Background(), img), "device must accept work once idle")
}

func TestWriteFirmware_RejectsConcurrentCallsMidWrite(t *testing.T) {
	t.Parallel()

	const blockOn = 3
	gate := make(chan struct{})
	entered := make(chan struct{})
	var (
		mu     sync.Mutex
		writes int
	)
	mock := NewMockTransportWithFunc(func(request []byte, responseLen int) ([]byte, error) {
		if string(request) == "write" {
			mu.Lock()
			writes++
			n := writes
			mu.Unlock()
			if n == blockOn {
				close(entered)
				<-gate
			}
		}
		return make([]byte, responseLen), nil
	})

	fam := newFakeFamily()
	dev := newTestDevice(t, mock, checksumFamily{fam}, WithChunkSize(32))
	img := singleRegionImage(t, testPayload(256), 0)

	done := make(chan error, 1)
	go func() {
		done <- dev.WriteFirmware(context.Background(), img)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("update never reached the third chunk")
	}

	before, ok := dev.Snapshot()
	require.True(t, ok)
	require.Equal(t, StateWriting, before.State)
	require.Equal(t, uint64(64), before.BytesTransferred, "two chunks acknowledged")

	err := dev.WriteFirmware(context.Background(), img)
	requireUpdateError(t, err, StateIdle, KindBusy)
	callsAfterReject := mock.CallCount()

	after, ok := dev.Snapshot()
	require.True(t, ok)
	assert.Equal(t, before.BytesTransferred, after.BytesTransferred)
	assert.Equal(t, before.TotalBytes, after.TotalBytes)
	assert.Equal(t, StateWriting, after.State)

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first update never finished")
	}

	last, ok := dev.LastSession()
	require.True(t, ok)
	assert.Equal(t, StateDone, last.State)
	assert.Equal(t, uint64(256), last.TotalBytes)
	assert.Equal(t, last.TotalBytes, last.BytesTransferred)
	assert.Greater(t, mock.CallCount(), callsAfterReject, "only the first update kept using the transport")
}

func TestWriteFirmware_CancelCompletesInFlightCall(t *testing.T) {
	t.Parallel()

	mock := NewBlockingMockTransport()
	fam := newFakeFamily()
	var progress recordingProgress
	dev := newTestDevice(t, mock, checksumFamily{fam}, WithProgress(progress.fn))

	img := singleRegionImage(t, testPayload(128), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dev.WriteFirmware(ctx, img)
	}()

	waitEntered(t, mock)
	cancel()
	mock.Release()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("update never finished")
	}

	requireUpdateError(t, err, StateProbing, KindCancelled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fam.count("probe"), "the started probe must complete")
	assert.Zero(t, fam.count("detach"))
	assert.Zero(t, fam.count("erase"))
	assert.NotContains(t, progress.states(), StateAttaching)
}

func TestWriteFirmware_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	dev := newTestDevice(t, mock, checksumFamily{newFakeFamily()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dev.WriteFirmware(ctx, singleRegionImage(t, testPayload(64), 0))
	requireUpdateError(t, err, StateIdle, KindCancelled)
	assert.Zero(t, mock.CallCount())
}

func TestWriteFirmware_CancelBetweenChunks(t *testing.T) {
	t.Parallel()

	fam := newFakeFamily()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newTestDevice(t, NewMockTransport(), checksumFamily{fam}, WithChunkSize(32),
		WithProgress(func(p Progress) {
			if p.State == StateWriting && p.BytesDone >= 64 {
				cancel()
			}
		}))

	err := dev.WriteFirmware(ctx, singleRegionImage(t, testPayload(256), 0))
	requireUpdateError(t, err, StateWriting, KindCancelled)
	assert.Equal(t, 2, fam.count("write"))

	session, ok := dev.LastSession()
	require.True(t, ok)
	assert.Equal(t, uint64(64), session.BytesTransferred)
	assert.Equal(t, StateFailed, session.State)
}

func TestWriteFirmware_DeadlineDoesNotAbandonCalls(t *testing.T) {
	t.Parallel()

	mock := NewBlockingMockTransport()
	fam := newFakeFamily()
	dev := newTestDevice(t, mock, checksumFamily{fam})

	img := singleRegionImage(t, testPayload(64), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- dev.WriteFirmware(ctx, img)
	}()
	waitEntered(t, mock)
	<-ctx.Done()
	mock.Release()

	err := <-done
	requireUpdateError(t, err, StateProbing, KindCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fam.count("probe"))
}
