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

// Package bridge runs firmware updates on a background worker.
//
// A Bridge owns one updater, normally a *fwflash.Device. Jobs are queued in
// a bounded queue and handed to the updater one at a time by a single
// worker goroutine; a second goroutine runs periodic housekeeping such as
// pruning history or re-probing the device. The updater itself is never
// entered concurrently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/sirupsen/logrus"
)

// Bridge errors
var (
	ErrQueueFull      = errors.New("update queue full")
	ErrNotRunning     = errors.New("bridge is not running")
	ErrAlreadyRunning = errors.New("bridge is already running")
	ErrStopped        = errors.New("bridge was stopped")
)

// Updater is the synchronous update core the bridge feeds.
type Updater interface {
	WriteFirmware(ctx context.Context, img *fwflash.FirmwareImage) error
}

// Config holds configuration options for the Bridge
type Config struct {
	// Housekeeping runs every HousekeepingInterval while the bridge is
	// running. Its errors are counted and logged.
	Housekeeping         func(ctx context.Context) error
	Logger               *logrus.Logger
	QueueSize            int
	HousekeepingInterval time.Duration
}

// DefaultConfig returns sensible default configuration values
func DefaultConfig() *Config {
	return &Config{
		QueueSize:            4,
		HousekeepingInterval: time.Minute,
	}
}

// Metrics tracks operational counters of a Bridge
type Metrics struct {
	Submitted          int64
	Completed          int64
	Failed             int64
	Rejected           int64
	HousekeepingRuns   int64
	HousekeepingErrors int64
	QueueDepth         int
	LastDuration       time.Duration
}

// Job is a queued update. Its result is available once Done is closed.
type Job struct {
	ctx      context.Context
	img      *fwflash.FirmwareImage
	done     chan struct{}
	err      error
	queuedAt time.Time
	id       uint64
}

// ID returns the job's submission sequence number, starting at 1.
func (j *Job) ID() uint64 { return j.id }

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job result. It is only meaningful after Done is closed.
func (j *Job) Err() error { return j.err }

// Wait blocks until the job finishes or ctx ends. Giving up on a job does
// not cancel it; cancel the context passed to Submit for that.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return fmt.Errorf("wait for update %d: %w", j.id, ctx.Err())
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// Bridge serializes firmware updates onto one worker goroutine.
type Bridge struct {
	updater    Updater
	config     *Config
	log        *logrus.Entry
	queue      chan *Job
	cancelFunc context.CancelFunc
	// done is closed once every goroutine of the current run has exited.
	done       chan struct{}
	closed     bool
	wg         sync.WaitGroup
	stopMutex  sync.Mutex
	nextID     atomic.Uint64
	// Atomic counters for metrics
	submitted          atomic.Int64
	completed          atomic.Int64
	failed             atomic.Int64
	rejected           atomic.Int64
	housekeepingRuns   atomic.Int64
	housekeepingErrors atomic.Int64
	lastDuration       atomic.Int64
	running            atomic.Bool
}

// New creates a bridge around updater. A nil config selects DefaultConfig.
func New(updater Updater, config *Config) (*Bridge, error) {
	if updater == nil {
		return nil, fmt.Errorf("bridge updater: %w", fwflash.ErrInvalidParameter)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize < 1 {
		return nil, fmt.Errorf("queue size %d: %w", config.QueueSize, fwflash.ErrInvalidParameter)
	}

	logger := config.Logger
	if logger == nil {
		logger = fwflash.Logger()
	}
	return &Bridge{
		updater: updater,
		config:  config,
		log:     logger.WithField("component", "bridge"),
	}, nil
}

// Start launches the worker and housekeeping goroutines. They stop when
// ctx ends or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	queue := make(chan *Job, b.config.QueueSize)
	done := make(chan struct{})

	b.stopMutex.Lock()
	b.cancelFunc = cancel
	b.queue = queue
	b.done = done
	b.closed = false
	b.stopMutex.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.work(runCtx, queue)
	}()

	if b.config.Housekeeping != nil && b.config.HousekeepingInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.housekeep(runCtx)
		}()
	}

	go func() {
		b.wg.Wait()
		cancel()
		b.running.Store(false)
		b.log.Debug("bridge stopped")
		close(done)
	}()

	b.log.WithField("queue_size", b.config.QueueSize).Debug("bridge started")
	return nil
}

// Stop cancels the update in progress at its next state boundary, fails
// queued jobs with ErrStopped and waits for the goroutines to exit. This
// holds even when the context given to Start has already ended.
func (b *Bridge) Stop() error {
	b.stopMutex.Lock()
	cancel, done := b.cancelFunc, b.done
	b.cancelFunc = nil
	b.closed = true
	b.stopMutex.Unlock()

	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-done
	return nil
}

// IsRunning returns whether the bridge goroutines are alive
func (b *Bridge) IsRunning() bool {
	return b.running.Load()
}

// Submit queues img without blocking. It fails with ErrQueueFull when the
// queue is at capacity. Cancelling ctx cancels the job.
func (b *Bridge) Submit(ctx context.Context, img *fwflash.FirmwareImage) (*Job, error) {
	if img == nil {
		return nil, fmt.Errorf("submit: nil image: %w", fwflash.ErrInvalidParameter)
	}

	b.stopMutex.Lock()
	defer b.stopMutex.Unlock()
	if b.closed || b.queue == nil {
		return nil, ErrNotRunning
	}

	job := &Job{
		ctx:      ctx,
		img:      img,
		done:     make(chan struct{}),
		queuedAt: time.Now(),
		id:       b.nextID.Add(1),
	}
	select {
	case b.queue <- job:
		b.submitted.Add(1)
		return job, nil
	default:
		b.rejected.Add(1)
		return nil, fmt.Errorf("submit update %d: %w", job.id, ErrQueueFull)
	}
}

// Update submits img and waits for it to finish.
func (b *Bridge) Update(ctx context.Context, img *fwflash.FirmwareImage) error {
	job, err := b.Submit(ctx, img)
	if err != nil {
		return err
	}
	return job.Wait(ctx)
}

// Metrics returns current operational metrics
func (b *Bridge) Metrics() Metrics {
	b.stopMutex.Lock()
	depth := len(b.queue)
	b.stopMutex.Unlock()

	return Metrics{
		Submitted:          b.submitted.Load(),
		Completed:          b.completed.Load(),
		Failed:             b.failed.Load(),
		Rejected:           b.rejected.Load(),
		HousekeepingRuns:   b.housekeepingRuns.Load(),
		HousekeepingErrors: b.housekeepingErrors.Load(),
		QueueDepth:         depth,
		LastDuration:       time.Duration(b.lastDuration.Load()),
	}
}

func (b *Bridge) work(ctx context.Context, queue chan *Job) {
	for {
		select {
		case <-ctx.Done():
			b.stopMutex.Lock()
			b.closed = true
			b.drain(queue)
			b.stopMutex.Unlock()
			return
		case job := <-queue:
			b.run(ctx, job)
		}
	}
}

// drain fails every job still queued. The caller holds stopMutex so Submit
// cannot add more.
func (b *Bridge) drain(queue chan *Job) {
	for {
		select {
		case job := <-queue:
			b.failed.Add(1)
			job.finish(ErrStopped)
		default:
			return
		}
	}
}

func (b *Bridge) run(ctx context.Context, job *Job) {
	log := b.log.WithField("job", job.id)

	if err := job.ctx.Err(); err != nil {
		b.failed.Add(1)
		log.WithError(err).Debug("update cancelled while queued")
		job.finish(fmt.Errorf("update %d: %w", job.id, err))
		return
	}
	if ctx.Err() != nil {
		b.failed.Add(1)
		job.finish(ErrStopped)
		return
	}

	// The job ends at the first boundary after either its own context or
	// the bridge is cancelled.
	jobCtx, cancel := context.WithCancel(job.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	log.WithField("waited", time.Since(job.queuedAt)).Debug("update started")
	start := time.Now()
	err := b.updater.WriteFirmware(jobCtx, job.img)
	elapsed := time.Since(start)
	b.lastDuration.Store(int64(elapsed))

	if err != nil {
		b.failed.Add(1)
		log.WithError(err).Warn("queued update failed")
	} else {
		b.completed.Add(1)
		log.WithField("elapsed", elapsed).Info("queued update complete")
	}
	job.finish(err)
}

func (b *Bridge) housekeep(ctx context.Context) {
	ticker := time.NewTicker(b.config.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.housekeepingRuns.Add(1)
			if err := b.config.Housekeeping(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.housekeepingErrors.Add(1)
				b.log.WithError(err).Warn("housekeeping failed")
			}
		}
	}
}
