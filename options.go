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

	"github.com/sirupsen/logrus"
)

// Option is a functional option for configuring a Device
type Option func(*Device) error

// WithConfig replaces the whole device configuration
func WithConfig(config *DeviceConfig) Option {
	return func(d *Device) error {
		if config == nil {
			return fmt.Errorf("device config: %w", ErrInvalidParameter)
		}
		cp := *config
		d.config = &cp
		return nil
	}
}

// WithRetryConfig sets the probe retry configuration for the device
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		d.SetRetryConfig(config)
		return nil
	}
}

// WithTimeout sets the per-call transport timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout %v: %w", timeout, ErrInvalidParameter)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithMaxRetries sets the maximum number of attempts for every device call
func WithMaxRetries(maxAttempts int) Option {
	return func(device *Device) error {
		if maxAttempts < 1 {
			return fmt.Errorf("max attempts %d: %w", maxAttempts, ErrInvalidParameter)
		}
		if device.config.RetryConfig == nil {
			device.config.RetryConfig = DefaultRetryConfig()
		}
		device.config.RetryConfig.MaxAttempts = maxAttempts
		device.config.WriteRetry.Attempts = maxAttempts
		return nil
	}
}

// WithRetryBackoff sets the initial backoff duration for probe retries
func WithRetryBackoff(initialBackoff time.Duration) Option {
	return func(device *Device) error {
		if device.config.RetryConfig == nil {
			device.config.RetryConfig = DefaultRetryConfig()
		}
		device.config.RetryConfig.InitialBackoff = initialBackoff
		return nil
	}
}

// WithWriteRetry bounds command sends
func WithWriteRetry(attempts int, delay DelayPolicy) Option {
	return phaseOption(func(c *DeviceConfig) *PhaseRetry { return &c.WriteRetry }, attempts, delay)
}

// WithBusyRetry bounds status polling after each chunk
func WithBusyRetry(attempts int, delay DelayPolicy) Option {
	return phaseOption(func(c *DeviceConfig) *PhaseRetry { return &c.BusyRetry }, attempts, delay)
}

// WithEraseRetry bounds status polling while erasing
func WithEraseRetry(attempts int, delay DelayPolicy) Option {
	return phaseOption(func(c *DeviceConfig) *PhaseRetry { return &c.EraseRetry }, attempts, delay)
}

// WithDetachRetry bounds re-probing after a detach
func WithDetachRetry(attempts int, delay DelayPolicy) Option {
	return phaseOption(func(c *DeviceConfig) *PhaseRetry { return &c.DetachRetry }, attempts, delay)
}

func phaseOption(field func(*DeviceConfig) *PhaseRetry, attempts int, delay DelayPolicy) Option {
	return func(d *Device) error {
		if attempts < 1 {
			return fmt.Errorf("attempts %d: %w", attempts, ErrInvalidParameter)
		}
		if delay == nil {
			delay = NoDelay()
		}
		*field(d.config) = PhaseRetry{Attempts: attempts, Delay: delay}
		return nil
	}
}

// WithChunkSize overrides the family's chunk size
func WithChunkSize(size int) Option {
	return func(d *Device) error {
		if size <= 0 {
			return fmt.Errorf("chunk size %d: %w", size, ErrInvalidParameter)
		}
		d.config.Layout.ChunkSize = size
		return nil
	}
}

// WithFirstChunkOverhead shrinks the first chunk of every region
func WithFirstChunkOverhead(overhead int) Option {
	return func(d *Device) error {
		if overhead < 0 {
			return fmt.Errorf("first chunk overhead %d: %w", overhead, ErrInvalidParameter)
		}
		d.config.Layout.FirstChunkOverhead = overhead
		return nil
	}
}

// WithPageSize keeps chunks from crossing flash pages
func WithPageSize(size int) Option {
	return func(d *Device) error {
		if size < 0 {
			return fmt.Errorf("page size %d: %w", size, ErrInvalidParameter)
		}
		d.config.Layout.PageSize = size
		return nil
	}
}

// WithChunkRetryCeiling sets how often a chunk rejected for its checksum
// is re-sent
func WithChunkRetryCeiling(n int) Option {
	return func(d *Device) error {
		if n < 0 {
			return fmt.Errorf("chunk retry ceiling %d: %w", n, ErrInvalidParameter)
		}
		d.config.ChunkRetryCeiling = n
		return nil
	}
}

// WithAttachPolicy controls whether the device is rebooted after a
// verified update
func WithAttachPolicy(policy AttachPolicy) Option {
	return func(d *Device) error {
		d.config.AttachPolicy = policy
		return nil
	}
}

// WithAllowOlder permits downgrades
func WithAllowOlder() Option {
	return func(d *Device) error {
		d.config.AllowOlder = true
		return nil
	}
}

// WithAllowReinstall permits flashing the version the device already runs
func WithAllowReinstall() Option {
	return func(d *Device) error {
		d.config.AllowReinstall = true
		return nil
	}
}

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(d *Device) error {
		d.progress = fn
		return nil
	}
}

// WithLogger sends device logs to l instead of the package logger
func WithLogger(l *logrus.Logger) Option {
	return func(d *Device) error {
		if l == nil {
			return fmt.Errorf("logger: %w", ErrInvalidParameter)
		}
		d.log = logrus.NewEntry(l).WithFields(d.log.Data)
		return nil
	}
}

// WithRecorder persists a record of every update
func WithRecorder(rec UpdateRecorder) Option {
	return func(d *Device) error {
		d.recorder = rec
		return nil
	}
}

// WithBlocklist refuses images whose digest is blocked
func WithBlocklist(bl Blocklist) Option {
	return func(d *Device) error {
		d.blocklist = bl
		return nil
	}
}

// WithSleep replaces the wait between retry attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Device) error {
		if sleep == nil {
			return fmt.Errorf("sleep: %w", ErrInvalidParameter)
		}
		d.sleep = sleep
		return nil
	}
}
