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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ZaparooProject/go-fwflash/detection"
)

// Key identifies a device model by USB vendor and product ID.
type Key struct {
	VendorID  uint16
	ProductID uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%04X:%04X", k.VendorID, k.ProductID)
}

// ParseKey accepts "1234:5678", "VID:1234 PID:5678" and
// "vendor=1234 product=5678" forms.
func ParseKey(s string) (Key, error) {
	norm := detection.ParseVIDPID(s)
	if norm == "" {
		return Key{}, fmt.Errorf("parse key %q: %w", s, ErrInvalidParameter)
	}
	vid, pid, _ := strings.Cut(norm, ":")
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return Key{}, fmt.Errorf("parse vendor id %q: %w", vid, err)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return Key{}, fmt.Errorf("parse product id %q: %w", pid, err)
	}
	return Key{VendorID: uint16(v), ProductID: uint16(p)}, nil
}

// FamilyFactory creates a fresh protocol driver.
type FamilyFactory func() Family

type registration struct {
	factory FamilyFactory
	name    string
}

// Registry maps device models to the family that updates them.
type Registry struct {
	byKey  map[Key]registration
	byName map[string]FamilyFactory
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[Key]registration),
		byName: make(map[string]FamilyFactory),
	}
}

// DefaultRegistry is populated by family packages from their init functions.
var DefaultRegistry = NewRegistry()

// Register binds name and keys to factory. Registering a key twice fails.
func (r *Registry) Register(name string, factory FamilyFactory, keys ...Key) error {
	if name == "" || factory == nil {
		return fmt.Errorf("register family %q: %w", name, ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if existing, ok := r.byKey[k]; ok {
			return fmt.Errorf("register family %q: %s already bound to %q", name, k, existing.name)
		}
	}
	for _, k := range keys {
		r.byKey[k] = registration{name: name, factory: factory}
	}
	r.byName[name] = factory
	debugf("registered family %s for %d device models", name, len(keys))
	return nil
}

// Lookup returns a new family instance for the device model.
func (r *Registry) Lookup(k Key) (Family, error) {
	r.mu.RLock()
	reg, ok := r.byKey[k]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, ErrNoFamily)
	}
	return reg.factory(), nil
}

// ByName returns a new family instance by family name.
func (r *Registry) ByName(name string) (Family, error) {
	r.mu.RLock()
	factory, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNoFamily)
	}
	return factory(), nil
}

// Keys lists registered device models in ascending order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].VendorID != keys[j].VendorID {
			return keys[i].VendorID < keys[j].VendorID
		}
		return keys[i].ProductID < keys[j].ProductID
	})
	return keys
}

// Names lists registered family names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds a family to DefaultRegistry and panics on conflict. It is
// meant for init functions.
func Register(name string, factory FamilyFactory, keys ...Key) {
	if err := DefaultRegistry.Register(name, factory, keys...); err != nil {
		panic(err)
	}
}
