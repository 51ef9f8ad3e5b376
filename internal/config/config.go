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

// Package config loads the fwflash tool configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file name looked up in the user config
// directory.
const DefaultFile = "fwflash.yaml"

// Delay kinds accepted in a Retry block.
const (
	DelayNone        = "none"
	DelayConstant    = "constant"
	DelayLinear      = "linear"
	DelayExponential = "exponential"
)

// Retry configures one retry supervisor phase.
type Retry struct {
	Kind     string        `yaml:"kind"`
	Step     time.Duration `yaml:"step"`
	Max      time.Duration `yaml:"max"`
	Factor   float64       `yaml:"factor"`
	Attempts int           `yaml:"attempts"`
}

// Policy builds the delay policy described by r.
func (r Retry) Policy() (fwflash.DelayPolicy, error) {
	switch r.Kind {
	case "", DelayNone:
		return fwflash.NoDelay(), nil
	case DelayConstant:
		return fwflash.ConstantDelay(r.Step), nil
	case DelayLinear:
		return fwflash.LinearDelay(r.Step, r.Max), nil
	case DelayExponential:
		factor := r.Factor
		if factor == 0 {
			factor = 2
		}
		return fwflash.ExponentialDelay(r.Step, factor, r.Max), nil
	default:
		return nil, fmt.Errorf("delay kind %q: %w", r.Kind, fwflash.ErrInvalidParameter)
	}
}

func (r Retry) validate(name string) error {
	if r.Attempts < 0 {
		return fmt.Errorf("%s attempts %d: %w", name, r.Attempts, fwflash.ErrInvalidParameter)
	}
	if r.Step < 0 || r.Max < 0 || r.Factor < 0 {
		return fmt.Errorf("%s delay: %w", name, fwflash.ErrInvalidParameter)
	}
	if _, err := r.Policy(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Device holds the device settings. Zero values leave the library default
// in place.
type Device struct {
	ChunkRetryCeiling  *int          `yaml:"chunk_retry_ceiling"`
	Write              *Retry        `yaml:"write_retry"`
	Busy               *Retry        `yaml:"busy_retry"`
	Erase              *Retry        `yaml:"erase_retry"`
	Detach             *Retry        `yaml:"detach_retry"`
	Timeout            time.Duration `yaml:"timeout"`
	ChunkSize          int           `yaml:"chunk_size"`
	FirstChunkOverhead int           `yaml:"first_chunk_overhead"`
	PageSize           int           `yaml:"page_size"`
	StayInBootloader   bool          `yaml:"stay_in_bootloader"`
	AllowOlder         bool          `yaml:"allow_older"`
	AllowReinstall     bool          `yaml:"allow_reinstall"`
}

// merge returns d with every field set in o taking precedence.
func (d Device) merge(o Device) Device {
	if o.ChunkRetryCeiling != nil {
		d.ChunkRetryCeiling = o.ChunkRetryCeiling
	}
	if o.Write != nil {
		d.Write = o.Write
	}
	if o.Busy != nil {
		d.Busy = o.Busy
	}
	if o.Erase != nil {
		d.Erase = o.Erase
	}
	if o.Detach != nil {
		d.Detach = o.Detach
	}
	if o.Timeout != 0 {
		d.Timeout = o.Timeout
	}
	if o.ChunkSize != 0 {
		d.ChunkSize = o.ChunkSize
	}
	if o.FirstChunkOverhead != 0 {
		d.FirstChunkOverhead = o.FirstChunkOverhead
	}
	if o.PageSize != 0 {
		d.PageSize = o.PageSize
	}
	d.StayInBootloader = d.StayInBootloader || o.StayInBootloader
	d.AllowOlder = d.AllowOlder || o.AllowOlder
	d.AllowReinstall = d.AllowReinstall || o.AllowReinstall
	return d
}

func (d Device) validate(name string) error {
	if d.Timeout < 0 {
		return fmt.Errorf("%s timeout %v: %w", name, d.Timeout, fwflash.ErrInvalidParameter)
	}
	if d.ChunkSize < 0 || d.FirstChunkOverhead < 0 || d.PageSize < 0 {
		return fmt.Errorf("%s layout: %w", name, fwflash.ErrInvalidParameter)
	}
	if d.ChunkSize > 0 && d.FirstChunkOverhead >= d.ChunkSize {
		return fmt.Errorf("%s first chunk overhead %d exceeds chunk size %d: %w",
			name, d.FirstChunkOverhead, d.ChunkSize, fwflash.ErrInvalidParameter)
	}
	if d.ChunkRetryCeiling != nil && *d.ChunkRetryCeiling < 0 {
		return fmt.Errorf("%s chunk retry ceiling %d: %w", name, *d.ChunkRetryCeiling, fwflash.ErrInvalidParameter)
	}
	for phase, r := range map[string]*Retry{
		"write_retry": d.Write, "busy_retry": d.Busy, "erase_retry": d.Erase, "detach_retry": d.Detach,
	} {
		if r == nil {
			continue
		}
		if err := r.validate(name + " " + phase); err != nil {
			return err
		}
	}
	return nil
}

// Options converts d into device options.
func (d Device) Options() ([]fwflash.Option, error) {
	var opts []fwflash.Option
	if d.Timeout > 0 {
		opts = append(opts, fwflash.WithTimeout(d.Timeout))
	}
	if d.ChunkSize > 0 {
		opts = append(opts, fwflash.WithChunkSize(d.ChunkSize))
	}
	if d.FirstChunkOverhead > 0 {
		opts = append(opts, fwflash.WithFirstChunkOverhead(d.FirstChunkOverhead))
	}
	if d.PageSize > 0 {
		opts = append(opts, fwflash.WithPageSize(d.PageSize))
	}
	if d.ChunkRetryCeiling != nil {
		opts = append(opts, fwflash.WithChunkRetryCeiling(*d.ChunkRetryCeiling))
	}
	if d.StayInBootloader {
		opts = append(opts, fwflash.WithAttachPolicy(fwflash.StayInBootloader))
	}
	if d.AllowOlder {
		opts = append(opts, fwflash.WithAllowOlder())
	}
	if d.AllowReinstall {
		opts = append(opts, fwflash.WithAllowReinstall())
	}

	phases := []struct {
		retry *Retry
		opt   func(int, fwflash.DelayPolicy) fwflash.Option
	}{
		{d.Write, fwflash.WithWriteRetry},
		{d.Busy, fwflash.WithBusyRetry},
		{d.Erase, fwflash.WithEraseRetry},
		{d.Detach, fwflash.WithDetachRetry},
	}
	for _, p := range phases {
		if p.retry == nil || p.retry.Attempts == 0 {
			continue
		}
		policy, err := p.retry.Policy()
		if err != nil {
			return nil, err
		}
		opts = append(opts, p.opt(p.retry.Attempts, policy))
	}
	return opts, nil
}

// History configures the update history database.
type History struct {
	Path    string `yaml:"path"`
	Disable bool   `yaml:"disable"`
}

// Config is the root of the configuration file.
type Config struct {
	// Families overrides Device per model, keyed by "VVVV:PPPP".
	Families map[string]Device `yaml:"families"`
	History  History           `yaml:"history"`
	Port     string            `yaml:"port"`
	Device   Device            `yaml:"device"`
	Baud     int               `yaml:"baud"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	ceiling := 1
	return &Config{
		Baud: 115200,
		Device: Device{
			Timeout:           fwflash.DefaultTimeout,
			ChunkRetryCeiling: &ceiling,
		},
		History: History{Path: defaultHistoryPath()},
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "fwflash-history.db"
	}
	return filepath.Join(dir, "fwflash", "history.db")
}

// DefaultPath returns the configuration file location in the user config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "fwflash", DefaultFile), nil
}

// Load reads path on top of Default. A missing file is not an error when
// path is the default location.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Default(), nil //nolint:nilerr // no config dir means no config file
		}
		path = p
	}

	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return Default(), nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of Default. Unknown keys are
// rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and family keys.
func (c *Config) Validate() error {
	if c.Baud < 0 {
		return fmt.Errorf("baud %d: %w", c.Baud, fwflash.ErrInvalidParameter)
	}
	if err := c.Device.validate("device"); err != nil {
		return err
	}
	for key, fam := range c.Families {
		if _, err := fwflash.ParseKey(key); err != nil {
			return fmt.Errorf("families: %w", err)
		}
		if err := fam.validate("families " + key); err != nil {
			return err
		}
	}
	return nil
}

// For returns the device settings for key: the global section with any
// matching family override applied.
func (c *Config) For(key fwflash.Key) Device {
	d := c.Device
	for k, fam := range c.Families {
		if parsed, err := fwflash.ParseKey(k); err == nil && parsed == key {
			d = d.merge(fam)
		}
	}
	return d
}

// DeviceOptions returns the device options for key.
func (c *Config) DeviceOptions(key fwflash.Key) ([]fwflash.Option, error) {
	return c.For(key).Options()
}
