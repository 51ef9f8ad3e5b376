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
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Outcome classifies the result of one attempt.
type Outcome int

const (
	// OutcomeSuccess stops the supervisor with no error.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable asks for another attempt after the delay.
	OutcomeRetryable
	// OutcomeFatal stops the supervisor and surfaces the error unchanged.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is what an Operation reports for one attempt.
type Result struct {
	Err     error
	Outcome Outcome
}

// Succeed reports a successful attempt.
func Succeed() Result { return Result{Outcome: OutcomeSuccess} }

// RetryAfter reports a retryable failure.
func RetryAfter(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

// Abort reports a fatal failure.
func Abort(err error) Result { return Result{Outcome: OutcomeFatal, Err: err} }

// Classify maps an error to a Result using IsRetryable.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Succeed()
	case IsRetryable(err):
		return RetryAfter(err)
	default:
		return Abort(err)
	}
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) Result

// DelayPolicy returns how long to wait after the given failed attempt.
type DelayPolicy func(attempt int) time.Duration

// NoDelay retries immediately.
func NoDelay() DelayPolicy {
	return func(int) time.Duration { return 0 }
}

// ConstantDelay waits d between attempts.
func ConstantDelay(d time.Duration) DelayPolicy {
	return func(int) time.Duration { return d }
}

// LinearDelay waits step*attempt, capped at maxDelay when maxDelay > 0.
func LinearDelay(step, maxDelay time.Duration) DelayPolicy {
	return func(attempt int) time.Duration {
		d := step * time.Duration(attempt)
		if maxDelay > 0 && d > maxDelay {
			return maxDelay
		}
		return d
	}
}

// ExponentialDelay waits initial*factor^(attempt-1), capped at maxDelay
// when maxDelay > 0.
func ExponentialDelay(initial time.Duration, factor float64, maxDelay time.Duration) DelayPolicy {
	return func(attempt int) time.Duration {
		d := float64(initial) * math.Pow(factor, float64(attempt-1))
		if maxDelay > 0 && d > float64(maxDelay) {
			return maxDelay
		}
		if d > math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	}
}

// Supervisor runs an operation until it succeeds, fails fatally or runs out
// of attempts.
type Supervisor struct {
	// Delay is consulted after every retryable failure except the last.
	Delay DelayPolicy
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, err error)
	// Recover runs between attempts. A recovery error aborts the loop.
	Recover func(ctx context.Context, err error) error
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep       func(ctx context.Context, d time.Duration) error
	MaxAttempts int
}

// Run executes op. It never makes more than MaxAttempts calls. Exhaustion
// yields a *RetryExhaustedError carrying the last failure.
func (s *Supervisor) Run(ctx context.Context, op Operation) error {
	if s.MaxAttempts < 1 {
		return &PolicyError{Op: "retry", Err: fmt.Errorf("max attempts %d: %w", s.MaxAttempts, ErrInvalidParameter)}
	}

	var last error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		res := op(ctx, attempt)
		switch res.Outcome {
		case OutcomeSuccess:
			return nil
		case OutcomeFatal:
			if res.Err == nil {
				return errors.New("operation failed")
			}
			return res.Err
		case OutcomeRetryable:
		}

		last = res.Err
		if attempt == s.MaxAttempts {
			break
		}
		if s.OnRetry != nil {
			s.OnRetry(attempt, last)
		}
		if s.Recover != nil {
			if err := s.Recover(ctx, last); err != nil {
				return fmt.Errorf("recovery after attempt %d: %w", attempt, err)
			}
		}
		if s.Delay != nil {
			if d := s.Delay(attempt); d > 0 {
				sleep := s.Sleep
				if sleep == nil {
					sleep = sleepContext
				}
				if err := sleep(ctx, d); err != nil {
					return err
				}
			}
		}
	}

	return &RetryExhaustedError{Attempts: s.MaxAttempts, Last: last}
}

// RunWithRetry is a shorthand for a Supervisor without hooks.
func RunWithRetry(ctx context.Context, maxAttempts int, delay DelayPolicy, op Operation) error {
	s := &Supervisor{MaxAttempts: maxAttempts, Delay: delay}
	return s.Run(ctx, op)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig configures retry behavior for transport calls
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
	RetryTimeout      time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// Policy converts the backoff fields into a DelayPolicy.
func (c *RetryConfig) Policy() DelayPolicy {
	var base DelayPolicy
	if c.BackoffMultiplier > 1 {
		base = ExponentialDelay(c.InitialBackoff, c.BackoffMultiplier, c.MaxBackoff)
	} else {
		base = ConstantDelay(c.InitialBackoff)
	}
	if c.Jitter <= 0 {
		return base
	}
	jitter := c.Jitter
	return func(attempt int) time.Duration {
		d := base(attempt)
		spread := float64(d) * jitter * (rand.Float64()*2 - 1) //nolint:gosec // backoff jitter
		return max(0, d+time.Duration(spread))
	}
}

// RetryWithConfig calls fn until it succeeds or returns a non-retryable
// error, bounded by MaxAttempts and RetryTimeout.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	s := &Supervisor{MaxAttempts: max(1, config.MaxAttempts), Delay: config.Policy()}
	return s.Run(ctx, func(context.Context, int) Result {
		return Classify(fn())
	})
}
