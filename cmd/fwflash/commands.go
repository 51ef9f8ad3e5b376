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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/bridge"
	"github.com/ZaparooProject/go-fwflash/container"
	"github.com/ZaparooProject/go-fwflash/detection"
	"github.com/ZaparooProject/go-fwflash/history"
	"github.com/sirupsen/logrus"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%s: %w: %w", fs.Name(), errUsage, err)
	}
	return nil
}

func (a *app) info(args []string) error {
	fs := newFlagSet("info")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("info needs one file: %w", errUsage)
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read container: %w", err)
	}
	hdr, err := container.ReadHeader(data)
	if err != nil {
		return err
	}
	img, err := container.Parse(data)
	if err != nil {
		return err
	}
	a.out.Container(path, hdr, img)
	return nil
}

func (a *app) pack(args []string) error {
	fs := newFlagSet("pack")
	out := fs.String("o", "", "output container file")
	vid := fs.String("vid", "", "USB vendor ID, hex")
	pid := fs.String("pid", "", "USB product ID, hex")
	base := fs.Uint("base", 0, "flash address of the image")
	version := fs.String("version", "", "firmware version")
	name := fs.String("name", "app", "region name")
	alg := fs.String("checksum", string(fwflash.CRC32), "region checksum algorithm")
	compress := fs.Bool("xz", false, "compress the payload")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" || *vid == "" || *pid == "" {
		return fmt.Errorf("pack needs -o, -vid, -pid and one input file: %w", errUsage)
	}
	if *base > 0xFFFFFFFF {
		return fmt.Errorf("base 0x%X exceeds 32 bits: %w", *base, errUsage)
	}
	key, err := fwflash.ParseKey(*vid + ":" + *pid)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Clean(fs.Arg(0)))
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	sum, err := fwflash.Compute(fwflash.Algorithm(*alg), data)
	if err != nil {
		return err
	}
	img, err := fwflash.NewFirmwareImage(data,
		fwflash.ImageInfo{Version: *version, VendorID: key.VendorID, ProductID: key.ProductID},
		fwflash.Region{
			Name:      *name,
			FlashBase: uint32(*base),
			Length:    uint32(len(data)),
			Checksum:  fwflash.ChecksumSpec{Algorithm: fwflash.Algorithm(*alg), Expected: sum},
		})
	if err != nil {
		return err
	}
	packed, err := container.Build(img, *compress)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, packed, 0o644); err != nil { //nolint:gosec // firmware files are not secret
		return fmt.Errorf("write container: %w", err)
	}
	a.log.WithFields(logrus.Fields{"file": *out, "bytes": len(packed)}).Info("container written")
	return nil
}

func (a *app) openHistory() (*history.Store, error) {
	if a.cfg.History.Disable || a.cfg.History.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.History.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return history.Open(a.cfg.History.Path)
}

func (a *app) flash(ctx context.Context, args []string) error {
	fs := newFlagSet("flash")
	transportFlag := fs.String("transport", "", "device address, e.g. uart:/dev/ttyACM0, usb:1209:B007, sim")
	familyFlag := fs.String("family", "", "protocol family (default: chosen by device ID)")
	stay := fs.Bool("stay", false, "leave the device in its bootloader")
	allowOlder := fs.Bool("allow-older", false, "allow downgrading the firmware")
	allowReinstall := fs.Bool("allow-reinstall", false, "allow flashing the installed version again")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("flash needs one container file: %w", errUsage)
	}

	img, err := container.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}
	key := fwflash.Key{VendorID: img.Info().VendorID, ProductID: img.Info().ProductID}

	tgt, detected, err := a.resolve(ctx, *transportFlag)
	if err != nil {
		return err
	}
	family, err := a.family(*familyFlag, key, detected)
	if err != nil {
		return err
	}

	opts, err := a.cfg.DeviceOptions(key)
	if err != nil {
		return err
	}
	opts = append(opts, fwflash.WithLogger(a.log), fwflash.WithProgress(a.out.Progress))
	if *stay {
		opts = append(opts, fwflash.WithAttachPolicy(fwflash.StayInBootloader))
	}
	if *allowOlder {
		opts = append(opts, fwflash.WithAllowOlder())
	}
	if *allowReinstall {
		opts = append(opts, fwflash.WithAllowReinstall())
	}
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		opts = append(opts, fwflash.WithRecorder(store), fwflash.WithBlocklist(store))
	}

	transport, err := a.open(tgt)
	if err != nil {
		return fmt.Errorf("open %s: %w", tgt, err)
	}
	dev, err := fwflash.New(transport, family, opts...)
	if err != nil {
		_ = transport.Close()
		return err
	}
	defer func() { _ = dev.Close() }()

	info, err := dev.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe %s: %w", tgt, err)
	}
	a.out.Probed(info)

	b, err := bridge.New(dev, &bridge.Config{
		QueueSize:            1,
		HousekeepingInterval: 5 * time.Second,
		Housekeeping:         a.reportSnapshot(dev),
		Logger:               a.log,
	})
	if err != nil {
		return err
	}
	// The bridge outlives ctx so a cancelled update can reach its next
	// safe point before the process exits.
	if err := b.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer func() { _ = b.Stop() }()

	job, err := b.Submit(ctx, img)
	if err != nil {
		return err
	}
	<-job.Done()
	if err := job.Err(); err != nil {
		var uerr *fwflash.UpdateError
		if errors.As(err, &uerr) && uerr.Kind == fwflash.KindCancelled {
			return fmt.Errorf("update cancelled in %s", uerr.State)
		}
		return err
	}
	if session, ok := dev.LastSession(); ok {
		a.out.Flashed(session)
	}
	return nil
}

// family picks the protocol driver: by name, by the image's device ID, or
// by the detected device's ID.
func (a *app) family(name string, key fwflash.Key, detected *detection.DeviceInfo) (fwflash.Family, error) {
	if name != "" {
		return fwflash.DefaultRegistry.ByName(name)
	}
	fam, err := fwflash.DefaultRegistry.Lookup(key)
	if err == nil || detected == nil || detected.VIDPID == "" {
		return fam, err
	}
	dkey, perr := fwflash.ParseKey(detected.VIDPID)
	if perr != nil {
		return nil, err
	}
	a.log.WithField("vid_pid", dkey).Debug("image ID unknown, using detected device ID")
	return fwflash.DefaultRegistry.Lookup(dkey)
}

func (a *app) reportSnapshot(dev *fwflash.Device) func(context.Context) error {
	return func(context.Context) error {
		if s, ok := dev.Snapshot(); ok {
			a.log.WithFields(logrus.Fields{
				"state":    s.State,
				"region":   s.Region,
				"bytes":    s.BytesTransferred,
				"total":    s.TotalBytes,
				"attempts": s.AttemptCount,
			}).Debug("update in progress")
		}
		return nil
	}
}

func (a *app) history(ctx context.Context, args []string) error {
	if a.cfg.History.Disable || a.cfg.History.Path == "" {
		return errors.New("history is disabled in the configuration")
	}
	sub := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	switch sub {
	case "", "list":
		fs := newFlagSet("history")
		device := fs.String("device", "", "only list updates of this device ID")
		if err := parseFlags(fs, args); err != nil {
			return err
		}
		entries, err := store.List(ctx, *device)
		if err != nil {
			return err
		}
		a.out.History(entries)
	case "block":
		if len(args) < 1 {
			return fmt.Errorf("history block needs a digest: %w", errUsage)
		}
		return store.Block(ctx, args[0], strings.Join(args[1:], " "))
	case "unblock":
		if len(args) != 1 {
			return fmt.Errorf("history unblock needs a digest: %w", errUsage)
		}
		return store.Unblock(ctx, args[0])
	case "blocked":
		list, err := store.Blocked(ctx)
		if err != nil {
			return err
		}
		a.out.Blocked(list)
	default:
		return fmt.Errorf("unknown history command %q: %w", sub, errUsage)
	}
	return nil
}

func (a *app) ports(ctx context.Context, args []string) error {
	fs := newFlagSet("ports")
	safe := fs.Bool("safe", false, "also list devices of unknown models")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mode := detection.Passive
	if *safe {
		mode = detection.Safe
	}
	devices, err := a.detect(ctx, mode)
	a.out.Devices(devices)
	if err != nil && !errors.Is(err, detection.ErrNoDevicesFound) && len(devices) == 0 {
		return err
	}
	return nil
}
