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

// Package transport holds polling helpers shared by the concrete transports.
package transport

import (
	"context"
	"fmt"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
)

// RetryOperation is one polling attempt. It returns the result, whether
// another attempt is wanted, and a permanent error that stops polling.
type RetryOperation[T any] func() (T, bool, error)

// RetryConfig configures WithRetry.
type RetryConfig struct {
	// OnRetry runs before every re-attempt, for example to flush a port.
	OnRetry func() error
	// OnRetryFailed runs once when attempts are exhausted. A non-nil error
	// replaces the default exhaustion error.
	OnRetryFailed func() error
	Description   string
	Port          string
	MaxRetries    int
	RetryDelay    time.Duration
}

// WithRetry runs operation up to MaxRetries+1 times. Waiting between
// attempts stops early when ctx ends.
func WithRetry[T any](ctx context.Context, config RetryConfig, operation RetryOperation[T]) (T, error) {
	var zero T

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, shouldRetry, err := operation()
		if err != nil {
			return zero, err
		}
		if !shouldRetry {
			return result, nil
		}
		if attempt >= config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			if err := config.OnRetry(); err != nil {
				return zero, err
			}
		}
		if err := sleep(ctx, config.RetryDelay); err != nil {
			return zero, err
		}
	}

	if config.OnRetryFailed != nil {
		if err := config.OnRetryFailed(); err != nil {
			return zero, err
		}
	}
	return zero, fwflash.NewTransportError(opName(config.Description, "retry"), config.Port,
		fmt.Errorf("%d attempts: %w", config.MaxRetries+1, fwflash.ErrCommunicationFailed), fwflash.ErrorTypeTransient)
}

// TimeoutRetry polls operation every interval until it stops asking for a
// retry or timeout elapses. A zero interval polls every millisecond.
func TimeoutRetry[T any](ctx context.Context, timeout, interval time.Duration, operation RetryOperation[T]) (T, error) {
	var zero T
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		result, shouldRetry, err := operation()
		if err != nil {
			return zero, err
		}
		if !shouldRetry {
			return result, nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return zero, fwflash.NewTimeoutError("timeoutRetry", "")
		}
		if err := sleep(ctx, interval); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}

func opName(desc, fallback string) string {
	if desc == "" {
		return fallback
	}
	return desc
}
