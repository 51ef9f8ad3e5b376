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
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var pkgLogger atomic.Pointer[logrus.Logger]

func init() {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	pkgLogger.Store(l)
}

// Logger returns the package logger used by devices created without
// WithLogger.
func Logger() *logrus.Logger {
	return pkgLogger.Load()
}

// SetLogger replaces the package logger. A nil logger is ignored.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		pkgLogger.Store(l)
	}
}

// SetDebugEnabled toggles debug output on the package logger
func SetDebugEnabled(enabled bool) {
	if enabled {
		Logger().SetLevel(logrus.DebugLevel)
		return
	}
	Logger().SetLevel(logrus.InfoLevel)
}

func debugf(format string, args ...any) {
	Logger().Debugf(format, args...)
}
