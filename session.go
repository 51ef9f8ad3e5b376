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
	"time"
)

// SessionState is a step of the update state machine.
type SessionState int

const (
	StateIdle SessionState = iota
	StateProbing
	StateDetaching
	StateErasing
	StateWriting
	StateVerifying
	StateAttaching
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateProbing:   "probing",
	StateDetaching: "detaching",
	StateErasing:   "erasing",
	StateWriting:   "writing",
	StateVerifying: "verifying",
	StateAttaching: "attaching",
	StateDone:      "done",
	StateFailed:    "failed",
}

func (s SessionState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the forward edges. Failed is reachable from every
// non-terminal state and is not listed.
var transitions = map[SessionState][]SessionState{
	StateIdle:      {StateProbing},
	StateProbing:   {StateDetaching, StateErasing},
	StateDetaching: {StateErasing},
	StateErasing:   {StateWriting},
	StateWriting:   {StateVerifying},
	StateVerifying: {StateAttaching, StateDone},
	StateAttaching: {StateDone},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SessionState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind is the failure category recorded on a session.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransport
	KindProtocol
	KindParse
	KindPolicy
	KindBusy
	KindBlocked
	KindUnsupportedAlgorithm
	KindDetachTimeout
	KindEraseFailed
	KindWriteFailed
	KindBusyTimeout
	KindVerifyFailed
	KindChecksumMismatch
	KindAttachFailed
	KindCancelled
)

var kindNames = [...]string{
	KindNone:                 "none",
	KindTransport:            "transport",
	KindProtocol:             "protocol",
	KindParse:                "parse",
	KindPolicy:               "policy",
	KindBusy:                 "busy",
	KindBlocked:              "blocked",
	KindUnsupportedAlgorithm: "unsupported-algorithm",
	KindDetachTimeout:        "detach-timeout",
	KindEraseFailed:          "erase-failed",
	KindWriteFailed:          "write-failed",
	KindBusyTimeout:          "busy-timeout",
	KindVerifyFailed:         "verify-failed",
	KindChecksumMismatch:     "checksum-mismatch",
	KindAttachFailed:         "attach-failed",
	KindCancelled:            "cancelled",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// TransferSession is the progress record of one update. Callers only ever
// see copies of it.
type TransferSession struct {
	StartedAt        time.Time
	Region           string
	State            SessionState
	LastError        ErrorKind
	AttemptCount     uint32
	BytesTransferred uint64
	TotalBytes       uint64
}

func newTransferSession(total uint64, now time.Time) *TransferSession {
	return &TransferSession{State: StateIdle, TotalBytes: total, StartedAt: now}
}

// transition moves the session along a legal edge.
func (s *TransferSession) transition(to SessionState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", s.State, to, ErrInvalidParameter)
	}
	s.State = to
	return nil
}

// UpdateError is returned by Device.WriteFirmware. State is the state the
// session was in when it failed.
type UpdateError struct {
	Err   error
	State SessionState
	Kind  ErrorKind
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("firmware update failed while %s (%s): %v", e.State, e.Kind, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// classify maps a failure in the given state to its ErrorKind.
func classify(state SessionState, err error) ErrorKind {
	var (
		parseErr  *ParseError
		policyErr *PolicyError
		te        *TransportError
	)

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrFirmwareBlocked):
		return KindBlocked
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return KindUnsupportedAlgorithm
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &policyErr):
		return KindPolicy
	case errors.Is(err, ErrDetachTimeout):
		return KindDetachTimeout
	}

	switch state {
	case StateErasing:
		return KindEraseFailed
	case StateWriting:
		switch {
		case errors.Is(err, ErrChunkChecksum):
			return KindChecksumMismatch
		case errors.Is(err, ErrRetryExhausted) && errors.Is(err, ErrDeviceBusy):
			return KindBusyTimeout
		}
		return KindWriteFailed
	case StateVerifying:
		if errors.Is(err, ErrChecksumMismatch) {
			return KindChecksumMismatch
		}
		return KindVerifyFailed
	case StateAttaching:
		return KindAttachFailed
	}

	if errors.As(err, &te) || errors.Is(err, ErrRetryExhausted) {
		return KindTransport
	}
	return KindProtocol
}
