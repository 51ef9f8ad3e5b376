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
	"sync"
	"time"
)

// ExchangeFunc produces the response for one call. responseLen is 0 for
// Send; the returned bytes are then discarded.
type ExchangeFunc func(request []byte, responseLen int) ([]byte, error)

// MockTransport is a scriptable in-memory transport. Queued errors are
// returned before the response function is consulted.
type MockTransport struct {
	ResponseFunc ExchangeFunc
	err          error
	queued       []error
	requests     [][]byte
	timeout      time.Duration
	calls        int
	mu           sync.Mutex
	closed       bool
}

// NewMockTransport creates a connected mock that answers every call with
// responseLen zero bytes.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// NewMockTransportWithFunc creates a mock answering through fn
func NewMockTransportWithFunc(fn ExchangeFunc) *MockTransport {
	m := NewMockTransport()
	m.ResponseFunc = fn
	return m
}

// Send records data and returns the scripted error
func (m *MockTransport) Send(data []byte, timeout time.Duration) error {
	_, err := m.exchange(data, 0, timeout)
	return err
}

// SendAndReceive records data and returns the scripted response
func (m *MockTransport) SendAndReceive(data []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	return m.exchange(data, responseLen, timeout)
}

func (m *MockTransport) exchange(request []byte, responseLen int, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	m.timeout = timeout
	m.requests = append(m.requests, append([]byte(nil), request...))
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if len(m.queued) > 0 {
		err := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()
		return nil, err
	}
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	fn := m.ResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(request, responseLen)
	}
	return make([]byte, responseLen), nil
}

// SetError makes every exchange fail with err until cleared with nil
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// QueueErrors makes the next len(errs) exchanges fail in order
func (m *MockTransport) QueueErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, errs...)
}

// CallCount returns how many calls were attempted
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns copies of every request seen so far
func (m *MockTransport) Requests() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.requests))
	copy(out, m.requests)
	return out
}

// Close marks the transport closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LastTimeout returns the timeout passed to the most recent call
func (m *MockTransport) LastTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// IsConnected reports whether Close has not been called
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Type returns TransportMock
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// BlockingMockTransport is a simple mock transport that can block operations on demand
// This is used for testing concurrent access and cancellation at state boundaries
type BlockingMockTransport struct {
	blockChan    chan struct{}
	entered      chan struct{}
	ResponseFunc ExchangeFunc
	timeout      time.Duration
	mu           sync.Mutex
	closed       bool
}

// NewBlockingMockTransport creates a new blocking mock transport
func NewBlockingMockTransport() *BlockingMockTransport {
	return &BlockingMockTransport{
		blockChan: make(chan struct{}),
		entered:   make(chan struct{}, 1),
		timeout:   5 * time.Second,
	}
}

// NewBlockingMockTransportWithFunc creates a mock transport with a response function
func NewBlockingMockTransportWithFunc(fn ExchangeFunc) *BlockingMockTransport {
	mock := NewBlockingMockTransport()
	mock.ResponseFunc = fn
	return mock
}

// Entered receives a value each time an exchange starts blocking
func (m *BlockingMockTransport) Entered() <-chan struct{} {
	return m.entered
}

// Send blocks like SendAndReceive and discards the response
func (m *BlockingMockTransport) Send(data []byte, _ time.Duration) error {
	_, err := m.exchange(data, 0)
	return err
}

// SendAndReceive blocks until Unblock() is called, the block timeout expires, or the transport is closed
func (m *BlockingMockTransport) SendAndReceive(data []byte, responseLen int, _ time.Duration) ([]byte, error) {
	return m.exchange(data, responseLen)
}

func (m *BlockingMockTransport) exchange(request []byte, responseLen int) ([]byte, error) {
	m.mu.Lock()
	blockChan := m.blockChan
	closed := m.closed
	responseFunc := m.ResponseFunc
	timeout := m.timeout
	m.mu.Unlock()

	if closed {
		return nil, ErrTransportClosed
	}

	select {
	case m.entered <- struct{}{}:
	default:
	}

	select {
	case <-blockChan:
	case <-time.After(timeout):
		return nil, NewTimeoutError("SendAndReceive", "mock")
	}

	m.mu.Lock()
	closed = m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}

	if responseFunc != nil {
		return responseFunc(request, responseLen)
	}
	return make([]byte, responseLen), nil
}

// Unblock releases every exchange blocked right now
func (m *BlockingMockTransport) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.blockChan != closedChan {
		close(m.blockChan)
		m.blockChan = make(chan struct{})
	}
}

// Release stops blocking for good
func (m *BlockingMockTransport) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.blockChan != closedChan {
		close(m.blockChan)
		m.blockChan = closedChan
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Close unblocks all operations and marks transport as closed
func (m *BlockingMockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		if m.blockChan != closedChan {
			close(m.blockChan)
		}
	}
	return nil
}

// SetBlockTimeout bounds how long an exchange blocks
func (m *BlockingMockTransport) SetBlockTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// IsConnected always returns true until closed
func (m *BlockingMockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Type returns TransportMock
func (*BlockingMockTransport) Type() TransportType {
	return TransportMock
}
