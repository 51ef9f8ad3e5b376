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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ZaparooProject/go-fwflash/container"
	"github.com/ZaparooProject/go-fwflash/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fwflash.yaml")
	doc := fmt.Sprintf("history:\n  path: %q\ndevice:\n  chunk_size: 128\n", filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return &cli{t: t, config: path}
}

func (c *cli) run(args ...string) (code int, stdout, stderr string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), append([]string{"-config", c.config}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeFirmware(t *testing.T, n int) string {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	path := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	key := fwflash.Key{VendorID: 0x1209, ProductID: 0xB007}
	tests := []struct {
		input   string
		want    target
		wantErr bool
	}{
		{input: "/dev/ttyACM0", want: target{kind: "uart", path: "/dev/ttyACM0"}},
		{input: "COM3", want: target{kind: "uart", path: "COM3"}},
		{input: "uart:/dev/ttyUSB1", want: target{kind: "uart", path: "/dev/ttyUSB1"}},
		{input: "hid:/dev/hidraw2", want: target{kind: "hid", path: "/dev/hidraw2"}},
		{input: "hid:1209:B007", want: target{kind: "hid", path: "1209:B007", key: &key}},
		{input: "usb:1209:b007", want: target{kind: "usb", path: "1209:b007", key: &key}},
		{input: "i2c:/dev/i2c-1", want: target{kind: "i2c", path: "/dev/i2c-1", addr: 0x42}},
		{input: "i2c:/dev/i2c-1:0x24", want: target{kind: "i2c", path: "/dev/i2c-1", addr: 0x24}},
		{input: "scsi:/dev/sg2", want: target{kind: "scsi", path: "/dev/sg2"}},
		{input: "mmio:/sys/bus/pci/devices/0000:03:00.0/resource2@0x1000",
			want: target{kind: "mmio", path: "/sys/bus/pci/devices/0000:03:00.0/resource2", addr: 0x1000}},
		{input: "sim", want: target{kind: "sim"}},
		{input: "sim:bootloader", want: target{kind: "sim", path: "bootloader"}},
		{input: "", wantErr: true},
		{input: "usb:", wantErr: true},
		{input: "usb:bogus", wantErr: true},
		{input: "i2c:/dev/i2c-1:0x99", wantErr: true},
		{input: "mmio:/dev/mem@nope", wantErr: true},
		{input: "sim:sideways", wantErr: true},
		{input: "spi:/dev/spidev0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := parseTarget(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromDetected(t *testing.T) {
	t.Parallel()

	got, err := fromDetected(detection.DeviceInfo{Transport: "i2c", Path: "/dev/i2c-3:0x42"})
	require.NoError(t, err)
	assert.Equal(t, target{kind: "i2c", path: "/dev/i2c-3", addr: 0x42}, got)

	got, err = fromDetected(detection.DeviceInfo{Transport: "usb", Path: "1209:B007"})
	require.NoError(t, err)
	assert.Equal(t, "usb:1209:B007", got.String())
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	code, _, stderr := c.run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: fwflash")

	code, _, stderr = c.run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, _, _ = c.run("pack", "-o", "x.fw")
	assert.Equal(t, 2, code)

	code, _, stderr = c.run("info", filepath.Join(t.TempDir(), "missing.fw"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "read container")
}

func TestRun_PackAndInfo(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	bin := writeFirmware(t, 3000)
	out := filepath.Join(t.TempDir(), "app.fw")

	code, _, stderr := c.run("pack", "-o", out, "-vid", "1209", "-pid", "B007", "-base", "0x800",
		"-version", "2.1.0", "-xz", bin)
	require.Equal(t, 0, code, stderr)

	img, err := container.ParseFile(out)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", img.Info().Version)
	region, ok := img.Region("app")
	require.True(t, ok)
	assert.Equal(t, uint32(0x800), region.FlashBase)
	assert.Equal(t, uint32(3000), region.Length)

	code, stdout, stderr := c.run("info", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "1209:B007")
	assert.Contains(t, stdout, "Compressed: true")
	assert.Contains(t, stdout, "0x00000800")
}

func TestRun_FlashSimulator(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out := filepath.Join(t.TempDir(), "app.fw")
	code, _, stderr := c.run("pack", "-o", out, "-vid", "1209", "-pid", "B007", "-version", "2.0.0",
		writeFirmware(t, 1500))
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := c.run("flash", "-transport", "sim", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Found 1209:B007 application 1.0.0")
	assert.Contains(t, stdout, "Update complete: 1500 bytes")
	assert.Contains(t, stdout, "done")

	code, stdout, stderr = c.run("history")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "1.0.0 -> 2.0.0  ok")

	img, err := container.ParseFile(out)
	require.NoError(t, err)
	digest, err := img.Digest(fwflash.SHA256)
	require.NoError(t, err)

	code, _, stderr = c.run("history", "block", digest.Hex(), "bricks", "rev", "B")
	require.Equal(t, 0, code, stderr)
	code, stdout, _ = c.run("history", "blocked")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "bricks rev B")

	code, _, stderr = c.run("flash", "-transport", "sim:bootloader", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, strings.ToLower(stderr), "blocked")

	code, _, stderr = c.run("history", "unblock", digest.Hex())
	require.Equal(t, 0, code, stderr)
	code, _, stderr = c.run("flash", "-transport", "sim:bootloader", "-stay", out)
	require.Equal(t, 0, code, stderr)

	code, stdout, _ = c.run("history", "-verbose-not-a-flag")
	assert.Equal(t, 2, code, stdout)
}

func TestRun_FlashVersionPolicy(t *testing.T) {
	t.Parallel()

	// The simulator runs 1.0.0.
	tests := []struct {
		name    string
		version string
		allow   string
		wantErr error
	}{
		{name: "older", version: "0.9.0", allow: "-allow-older", wantErr: fwflash.ErrVersionNewer},
		{name: "same", version: "1.0.0", allow: "-allow-reinstall", wantErr: fwflash.ErrVersionSame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newCLI(t)
			out := filepath.Join(t.TempDir(), "app.fw")
			code, _, stderr := c.run("pack", "-o", out, "-vid", "1209", "-pid", "B007", "-version", tt.version,
				writeFirmware(t, 256))
			require.Equal(t, 0, code, stderr)

			code, _, stderr = c.run("flash", "-transport", "sim", out)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.wantErr.Error())

			code, stdout, stderr := c.run("flash", "-transport", "sim", tt.allow, out)
			require.Equal(t, 0, code, stderr)
			assert.Contains(t, stdout, "Update complete: 256 bytes")
		})
	}
}

func TestRun_FlashUnknownFamily(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	out := filepath.Join(t.TempDir(), "other.fw")
	code, _, stderr := c.run("pack", "-o", out, "-vid", "dead", "-pid", "beef", writeFirmware(t, 64))
	require.Equal(t, 0, code, stderr)

	code, _, stderr = c.run("flash", "-transport", "sim", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, fwflash.ErrNoFamily.Error())

	code, _, stderr = c.run("flash", "-transport", "sim:bootloader", "-family", "genericbl", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, fwflash.ErrDeviceMismatch.Error(), "an explicit family does not bypass the ID check")
}
