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

// Package detection discovers candidate firmware-update targets across the
// available transports. Detectors for each transport register themselves
// from init; import the detector packages for the transports you need.
package detection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoDevicesFound is returned when a detector found nothing.
	ErrNoDevicesFound = errors.New("no devices found")

	// ErrUnsupportedPlatform is returned by detectors that cannot run on
	// this operating system.
	ErrUnsupportedPlatform = errors.New("detection not supported on this platform")

	// ErrDetectionTimeout is returned when Options.Timeout elapsed before
	// every detector finished.
	ErrDetectionTimeout = errors.New("detection timed out")
)

var logger atomic.Pointer[logrus.Logger]

// SetLogger replaces the logger detectors report skipped devices to.
// A nil logger restores the logrus standard logger.
func SetLogger(l *logrus.Logger) {
	logger.Store(l)
}

// Log returns the detection log entry.
func Log() *logrus.Entry {
	l := logger.Load()
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", "detection")
}

// Mode controls how intrusive detection may be.
type Mode int

const (
	// Passive only enumerates; nothing is opened.
	Passive Mode = iota
	// Safe may open a device and issue reads that do not change its state.
	Safe
)

// Confidence ranks how likely a candidate is an updatable device.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Confidence(%d)", int(c))
	}
}

// DeviceInfo describes one candidate.
type DeviceInfo struct {
	Metadata map[string]string
	// Transport names the transport, matching the prefix accepted by the
	// command line ("uart", "hid", "usb", "i2c").
	Transport string
	// Path is the transport address: a port name, a hidraw path,
	// "VVVV:PPPP" for raw USB, "/dev/i2c-N:0xAA" for I2C.
	Path string
	Name string
	// VIDPID is "VVVV:PPPP" when the device exposes USB identity.
	VIDPID     string
	Confidence Confidence
}

// String returns "transport:path"
func (d DeviceInfo) String() string {
	return d.Transport + ":" + d.Path
}

// Options configures DetectAll.
type Options struct {
	// KnownIDs lists "VVVV:PPPP" identities with a registered family;
	// matching candidates are reported with High confidence.
	KnownIDs []string
	// Blocklist lists "VVVV:PPPP" identities that are never reported.
	Blocklist []string
	// IgnorePaths lists paths that are never reported or opened.
	IgnorePaths []string
	Timeout     time.Duration
	Mode        Mode
	// MinConfidence drops candidates below this level.
	MinConfidence Confidence
}

// DefaultOptions returns Passive detection with a five second budget.
func DefaultOptions() Options {
	return Options{
		Mode:      Passive,
		Timeout:   5 * time.Second,
		Blocklist: DefaultBlocklist(),
	}
}

// IsKnown reports whether vidpid is in KnownIDs.
func (o *Options) IsKnown(vidpid string) bool {
	if vidpid == "" {
		return false
	}
	return slices.ContainsFunc(o.KnownIDs, func(k string) bool {
		return strings.EqualFold(strings.TrimSpace(k), vidpid)
	})
}

// Skip reports whether a candidate must be left out of the results.
func (o *Options) Skip(d DeviceInfo) bool {
	if IsPathIgnored(d.Path, o.IgnorePaths) {
		return true
	}
	if d.VIDPID != "" && IsBlocked(d.VIDPID, o.Blocklist) {
		return true
	}
	return d.Confidence < o.MinConfidence
}

// Detector finds candidates on one transport.
type Detector interface {
	Transport() string
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
}

var (
	detectorsMu sync.RWMutex
	detectors   = map[string]Detector{}
)

// RegisterDetector installs d, replacing any detector for the same
// transport.
func RegisterDetector(d Detector) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	detectors[d.Transport()] = d
}

// Detectors returns the registered detectors sorted by transport name.
func Detectors() []Detector {
	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	out := make([]Detector, 0, len(detectors))
	for _, d := range detectors {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Detector) int { return strings.Compare(a.Transport(), b.Transport()) })
	return out
}

// DetectAll runs every registered detector concurrently and merges the
// results, best candidates first. Detectors reporting ErrNoDevicesFound or
// ErrUnsupportedPlatform are ignored; other failures are joined into the
// returned error alongside whatever was found.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	return detectWith(ctx, opts, Detectors())
}

func detectWith(ctx context.Context, opts *Options, list []Detector) ([]DeviceInfo, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	type result struct {
		err     error
		devices []DeviceInfo
	}
	results := make([]result, len(list))
	var wg sync.WaitGroup
	for i, d := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			devices, err := d.Detect(ctx, opts)
			if err != nil {
				err = fmt.Errorf("%s: %w", d.Transport(), err)
			}
			results[i] = result{devices: devices, err: err}
		}()
	}
	wg.Wait()

	var (
		all  []DeviceInfo
		errs []error
	)
	for _, r := range results {
		for _, d := range r.devices {
			if !opts.Skip(d) {
				all = append(all, d)
			}
		}
		if r.err != nil && !errors.Is(r.err, ErrNoDevicesFound) && !errors.Is(r.err, ErrUnsupportedPlatform) {
			errs = append(errs, r.err)
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		errs = append(errs, ErrDetectionTimeout)
	}

	slices.SortStableFunc(all, func(a, b DeviceInfo) int {
		if a.Confidence != b.Confidence {
			return int(b.Confidence) - int(a.Confidence)
		}
		return strings.Compare(a.String(), b.String())
	})
	if len(all) == 0 && len(errs) == 0 {
		return nil, ErrNoDevicesFound
	}
	return all, errors.Join(errs...)
}
