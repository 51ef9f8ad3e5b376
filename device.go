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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is used when neither the family nor the options set one.
const DefaultChunkSize = 64

// AttachPolicy decides whether a verified device is rebooted into the new
// firmware.
type AttachPolicy int

const (
	// AttachAfterUpdate leaves the bootloader once verification passed.
	AttachAfterUpdate AttachPolicy = iota
	// StayInBootloader leaves the device in its bootloader.
	StayInBootloader
)

// PhaseRetry bounds the retry supervisor for one kind of device call.
type PhaseRetry struct {
	Delay    DelayPolicy
	Attempts int
}

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures transport-level retries for probing
	RetryConfig *RetryConfig
	// WriteRetry bounds each command send: erase, chunk write, checksum
	// read, attach.
	WriteRetry PhaseRetry
	// BusyRetry bounds status polling after a chunk write.
	BusyRetry PhaseRetry
	// EraseRetry bounds status polling while an erase completes.
	EraseRetry PhaseRetry
	// DetachRetry bounds re-probing while the device reboots into its
	// bootloader.
	DetachRetry PhaseRetry
	// Layout overrides the family's chunking. Zero fields are inherited.
	Layout Layout
	// Timeout is the per-call transport timeout
	Timeout time.Duration
	// ChunkRetryCeiling is how many times one chunk is re-sent after the
	// device reports a checksum error for it.
	ChunkRetryCeiling int
	AttachPolicy      AttachPolicy
	// AllowOlder permits flashing an image older than the installed
	// firmware.
	AllowOlder bool
	// AllowReinstall permits flashing the version already installed.
	AllowReinstall bool
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig:       DefaultRetryConfig(),
		WriteRetry:        PhaseRetry{Attempts: 5, Delay: ConstantDelay(time.Millisecond)},
		BusyRetry:         PhaseRetry{Attempts: 200, Delay: ConstantDelay(time.Millisecond)},
		EraseRetry:        PhaseRetry{Attempts: 100, Delay: LinearDelay(25*time.Millisecond, 500*time.Millisecond)},
		DetachRetry:       PhaseRetry{Attempts: 20, Delay: ConstantDelay(100 * time.Millisecond)},
		Timeout:           DefaultTimeout,
		ChunkRetryCeiling: 1,
		AttachPolicy:      AttachAfterUpdate,
	}
}

// Blocklist reports firmware images that must never be flashed, keyed by
// the hex SHA-256 of the raw image.
type Blocklist interface {
	IsBlocked(ctx context.Context, digest string) (bool, error)
}

// UpdateRecord summarizes one finished update attempt.
type UpdateRecord struct {
	StartedAt        time.Time
	FinishedAt       time.Time
	DeviceID         string
	Family           string
	VersionOld       string
	VersionNew       string
	Digest           string
	Error            string
	State            SessionState
	Kind             ErrorKind
	BytesTransferred uint64
	TotalBytes       uint64
	VendorID         uint16
	ProductID        uint16
}

// UpdateRecorder persists update records. Recording failures are logged
// and never change the outcome of an update.
type UpdateRecorder interface {
	RecordUpdate(ctx context.Context, rec *UpdateRecord) error
}

// Device drives firmware updates on one physical device through a Family.
//
// Thread Safety: WriteFirmware and Probe may be called from any goroutine.
// Only one of them runs at a time; a concurrent call fails immediately with
// a *PolicyError wrapping ErrBusy. Snapshot is safe at any time.
type Device struct {
	transport Transport
	tc        TransportContext
	probeTC   TransportContext
	family    Family
	config    *DeviceConfig
	progress  ProgressFunc
	recorder  UpdateRecorder
	blocklist Blocklist
	log       *logrus.Entry
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	session   *TransferSession
	last      *TransferSession
	info      *DeviceInfo
	mu        sync.Mutex
	active    atomic.Bool
}

// New creates a device bound to a transport and the family that speaks its
// protocol.
func New(transport Transport, family Family, opts ...Option) (*Device, error) {
	if transport == nil || family == nil {
		return nil, fmt.Errorf("new device: %w", ErrInvalidParameter)
	}

	device := &Device{
		transport: transport,
		family:    family,
		config:    DefaultDeviceConfig(),
		sleep:     sleepContext,
		now:       time.Now,
	}
	device.log = Logger().WithFields(logrus.Fields{
		"family":    family.Name(),
		"transport": transport.Type(),
	})
	tuningFor(transport).apply(device.config)

	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}

	device.bind()
	return device, nil
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}

// Family returns the protocol driver
func (d *Device) Family() Family {
	return d.family
}

// Config returns the device configuration
func (d *Device) Config() *DeviceConfig {
	return d.config
}

// SetTimeout sets the per-call transport timeout
func (d *Device) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("timeout %v: %w", timeout, ErrInvalidParameter)
	}
	d.config.Timeout = timeout
	d.bind()
	return nil
}

// SetRetryConfig updates the probe retry configuration
func (d *Device) SetRetryConfig(config *RetryConfig) {
	d.config.RetryConfig = config
	d.bind()
}

// bind rebuilds the context adapters from the current configuration.
func (d *Device) bind() {
	d.tc = AsTransportContext(d.transport, d.config.Timeout)
	d.probeTC = AsTransportContext(NewTransportWithRetry(d.transport, d.config.RetryConfig), d.config.Timeout)
}

// Close closes the transport
func (d *Device) Close() error {
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Info returns the result of the most recent successful probe.
func (d *Device) Info() (DeviceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info == nil {
		return DeviceInfo{}, false
	}
	return *d.info, true
}

// Snapshot returns a copy of the session of the update in progress.
func (d *Device) Snapshot() (TransferSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return TransferSession{}, false
	}
	return *d.session, true
}

// LastSession returns the final state of the most recent update.
func (d *Device) LastSession() (TransferSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return TransferSession{}, false
	}
	return *d.last, true
}

func (d *Device) acquire(op string) error {
	if !d.active.CompareAndSwap(false, true) {
		return &PolicyError{Op: op, Err: ErrBusy}
	}
	return nil
}

func (d *Device) release() {
	d.active.Store(false)
}

// Probe identifies the device. It retries transient transport failures
// according to the RetryConfig.
func (d *Device) Probe(ctx context.Context) (*DeviceInfo, error) {
	if err := d.acquire("probe"); err != nil {
		return nil, err
	}
	defer d.release()
	return d.probe(ctx)
}

func (d *Device) probe(ctx context.Context) (*DeviceInfo, error) {
	info, err := d.family.Probe(ctx, d.probeTC)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	d.setInfo(info)
	return info, nil
}

func (d *Device) setInfo(info *DeviceInfo) {
	d.mu.Lock()
	cp := *info
	d.info = &cp
	d.mu.Unlock()
}

// logger returns the device entry, tagged with the last probed identity.
// d.log itself is only written while options are applied in New.
func (d *Device) logger() *logrus.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info == nil {
		return d.log
	}
	return d.log.WithField("vid_pid", d.info.Key().String())
}

// WriteFirmware flashes img and blocks until the session reaches Done or
// Failed. Cancelling ctx stops the update at the next state boundary or
// between chunks; a device call that has started always completes. Failures
// are returned as *UpdateError.
func (d *Device) WriteFirmware(ctx context.Context, img *FirmwareImage) error {
	if img == nil {
		return &UpdateError{State: StateIdle, Kind: KindPolicy,
			Err: &PolicyError{Op: "write firmware", Err: fmt.Errorf("nil image: %w", ErrInvalidParameter)}}
	}
	if err := d.acquire("write firmware"); err != nil {
		return &UpdateError{State: StateIdle, Kind: KindBusy, Err: err}
	}
	defer d.release()

	r := newUpdateRun(d, img)
	err := r.execute(ctx)
	d.record(ctx, r, err)
	return err
}

func (d *Device) record(ctx context.Context, r *updateRun, err error) {
	final := r.finish()
	if d.recorder == nil {
		return
	}

	rec := &UpdateRecord{
		DeviceID:         d.family.Name(),
		Family:           d.family.Name(),
		VersionNew:       r.img.Info().Version,
		Digest:           r.digest,
		State:            final.State,
		Kind:             final.LastError,
		BytesTransferred: final.BytesTransferred,
		TotalBytes:       final.TotalBytes,
		StartedAt:        final.StartedAt,
		FinishedAt:       d.now(),
	}
	if r.info != nil {
		rec.DeviceID = fmt.Sprintf("%s/%s", d.family.Name(), r.info.Key())
		if r.info.Serial != "" {
			rec.DeviceID += "/" + r.info.Serial
		}
		rec.VendorID = r.info.VendorID
		rec.ProductID = r.info.ProductID
		rec.VersionOld = r.info.Version
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if recErr := d.recorder.RecordUpdate(context.WithoutCancel(ctx), rec); recErr != nil {
		d.logger().WithError(recErr).Warn("failed to record update history")
	}
}

func (d *Device) checkBlocked(ctx context.Context, digest string) error {
	if d.blocklist == nil {
		return nil
	}
	blocked, err := d.blocklist.IsBlocked(ctx, digest)
	if err != nil {
		return fmt.Errorf("blocklist lookup: %w", err)
	}
	if blocked {
		return &PolicyError{Op: "blocklist " + digest, Err: ErrFirmwareBlocked}
	}
	return nil
}

func (d *Device) layout() Layout {
	var l Layout
	if lp, ok := d.family.(LayoutProvider); ok {
		l = lp.Layout()
	}
	if d.config.Layout.ChunkSize > 0 {
		l.ChunkSize = d.config.Layout.ChunkSize
	}
	if d.config.Layout.FirstChunkOverhead > 0 {
		l.FirstChunkOverhead = d.config.Layout.FirstChunkOverhead
	}
	if d.config.Layout.PageSize > 0 {
		l.PageSize = d.config.Layout.PageSize
	}
	if l.ChunkSize <= 0 {
		l.ChunkSize = DefaultChunkSize
	}
	return l
}

// errSessionCancelled wraps a context error observed at a state boundary.
func errSessionCancelled(err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
