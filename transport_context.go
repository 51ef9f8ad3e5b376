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
	"context"
	"fmt"
	"time"
)

// DefaultTimeout is the per-call timeout applied when none is configured.
const DefaultTimeout = 2 * time.Second

// TransportContext is a Transport that accepts a context. The context is
// checked before the call and its deadline shortens the call timeout, but a
// call that has started always runs to completion so the device never sees
// a half-written frame.
type TransportContext interface {
	Transport

	// Timeout is the default per-call timeout families should use
	Timeout() time.Duration

	// SendContext performs Send honoring ctx
	SendContext(ctx context.Context, data []byte, timeout time.Duration) error

	// SendAndReceiveContext performs SendAndReceive honoring ctx
	SendAndReceiveContext(ctx context.Context, data []byte, responseLen int, timeout time.Duration) ([]byte, error)
}

// transportContextAdapter wraps a Transport to provide context support
type transportContextAdapter struct {
	Transport
	timeout time.Duration
}

func (t *transportContextAdapter) Timeout() time.Duration {
	return t.timeout
}

// budget returns the timeout to use for a call under ctx
func (t *transportContextAdapter) budget(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("context cancelled before transport call: %w", ctx.Err())
	default:
	}

	if timeout <= 0 {
		timeout = t.timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("context deadline passed before transport call: %w", context.DeadlineExceeded)
		}
		timeout = min(timeout, remaining)
	}
	return timeout, nil
}

// SendContext implements TransportContext by using the context deadline
func (t *transportContextAdapter) SendContext(ctx context.Context, data []byte, timeout time.Duration) error {
	timeout, err := t.budget(ctx, timeout)
	if err != nil {
		return err
	}
	return t.Send(data, timeout)
}

// SendAndReceiveContext implements TransportContext by using the context deadline
func (t *transportContextAdapter) SendAndReceiveContext(
	ctx context.Context, data []byte, responseLen int, timeout time.Duration,
) ([]byte, error) {
	timeout, err := t.budget(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return t.SendAndReceive(data, responseLen, timeout)
}

// AsTransportContext converts a Transport to TransportContext. A
// non-positive timeout selects DefaultTimeout.
func AsTransportContext(t Transport, timeout time.Duration) TransportContext {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tc, ok := t.(TransportContext); ok {
		return tc
	}
	return &transportContextAdapter{Transport: t, timeout: timeout}
}
