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
	"bytes"
	"crypto/sha1" //nolint:gosec // device vendors still ship SHA-1 image digests
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"sync"

	"github.com/sigurn/crc16"
	"github.com/snksoft/crc"
)

// Algorithm names a checksum or digest the engine can compute.
type Algorithm string

// Built-in algorithms
const (
	CRC32           Algorithm = "crc32"
	CRC32BZIP2      Algorithm = "crc32-bzip2"
	CRC32MPEG2      Algorithm = "crc32-mpeg2"
	CRC32JAMCRC     Algorithm = "crc32-jamcrc"
	CRC32C          Algorithm = "crc32c"
	CRC16XMODEM     Algorithm = "crc16-xmodem"
	CRC16MODBUS     Algorithm = "crc16-modbus"
	CRC16CCITTFalse Algorithm = "crc16-ccitt-false"
	Sum8            Algorithm = "sum8"
	Sum16           Algorithm = "sum16"
	Sum16LE         Algorithm = "sum16-le"
	Sum16Twos       Algorithm = "sum16-twos"
	Sum32           Algorithm = "sum32"
	SHA1            Algorithm = "sha1"
	SHA256          Algorithm = "sha256"
	SHA384          Algorithm = "sha384"
)

var errAccumulatorDone = errors.New("accumulator already finalized")

// Value is a computed checksum. Integer checksums are stored big-endian in
// exactly their algorithm's width.
type Value []byte

// ValueFromUint32 encodes v big-endian into size bytes (1, 2 or 4).
func ValueFromUint32(v uint32, size int) Value {
	switch size {
	case 1:
		return Value{byte(v)}
	case 2:
		return binary.BigEndian.AppendUint16(nil, uint16(v))
	default:
		return binary.BigEndian.AppendUint32(nil, v)
	}
}

// Uint32 decodes up to the last four bytes of v as a big-endian integer.
func (v Value) Uint32() uint32 {
	var out uint32
	start := 0
	if len(v) > 4 {
		start = len(v) - 4
	}
	for _, b := range v[start:] {
		out = out<<8 | uint32(b)
	}
	return out
}

// Equal reports whether both values have the same width and bytes.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v, other)
}

// Hex returns the lowercase hex encoding of v.
func (v Value) Hex() string {
	return hex.EncodeToString(v)
}

func (v Value) String() string {
	return v.Hex()
}

// CRC32Params describes a 32-bit CRC in normal (non-reflected) polynomial form.
type CRC32Params struct {
	Polynomial uint32
	Init       uint32
	FinalXor   uint32
	Reflected  bool
}

// state is the running computation behind an Accumulator.
type state interface {
	write(p []byte)
	sum() Value
}

type algorithmEntry struct {
	newState func() state
	size     int
}

// Engine computes and verifies checksums by algorithm name. The zero value is
// not usable; create engines with NewEngine.
type Engine struct {
	entries map[Algorithm]algorithmEntry
	mu      sync.RWMutex
}

// DefaultEngine holds every built-in algorithm.
var DefaultEngine = NewEngine()

// NewEngine returns an engine with the built-in algorithms registered.
func NewEngine() *Engine {
	e := &Engine{entries: make(map[Algorithm]algorithmEntry)}

	e.RegisterCRC32(CRC32, CRC32Params{Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF, FinalXor: 0xFFFFFFFF, Reflected: true})
	e.RegisterCRC32(CRC32BZIP2, CRC32Params{Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF, FinalXor: 0xFFFFFFFF})
	e.RegisterCRC32(CRC32MPEG2, CRC32Params{Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF})
	e.RegisterCRC32(CRC32JAMCRC, CRC32Params{Polynomial: 0x04C11DB7, Init: 0xFFFFFFFF, Reflected: true})
	e.RegisterCRC32(CRC32C, CRC32Params{Polynomial: 0x1EDC6F41, Init: 0xFFFFFFFF, FinalXor: 0xFFFFFFFF, Reflected: true})

	e.registerCRC16(CRC16XMODEM, crc16.CRC16_XMODEM)
	e.registerCRC16(CRC16MODBUS, crc16.CRC16_MODBUS)
	e.registerCRC16(CRC16CCITTFalse, crc16.CRC16_CCITT_FALSE)

	e.register(Sum8, 1, func() state { return &sumState{width: 1} })
	e.register(Sum16, 2, func() state { return &sumState{width: 2} })
	e.register(Sum16Twos, 2, func() state { return &sumState{width: 2, twos: true} })
	e.register(Sum16LE, 2, func() state { return &wordSumState{word: 2} })
	e.register(Sum32, 4, func() state { return &wordSumState{word: 4} })

	e.registerHash(SHA1, sha1.New)
	e.registerHash(SHA256, sha256.New)
	e.registerHash(SHA384, sha512.New384)
	return e
}

func (e *Engine) register(alg Algorithm, size int, fn func() state) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[alg] = algorithmEntry{size: size, newState: fn}
}

// RegisterCRC32 adds or replaces a 32-bit CRC variant.
func (e *Engine) RegisterCRC32(alg Algorithm, p CRC32Params) {
	table := crc.NewTable(&crc.Parameters{
		Width:      32,
		Polynomial: uint64(p.Polynomial),
		ReflectIn:  p.Reflected,
		ReflectOut: p.Reflected,
		Init:       uint64(p.Init),
		FinalXor:   uint64(p.FinalXor),
	})
	e.register(alg, 4, func() state {
		return &crc32State{table: table, cur: table.InitCrc()}
	})
}

func (e *Engine) registerCRC16(alg Algorithm, params crc16.Params) {
	table := crc16.MakeTable(params)
	e.register(alg, 2, func() state {
		return &crc16State{table: table, cur: crc16.Init(table)}
	})
}

func (e *Engine) registerHash(alg Algorithm, fn func() hash.Hash) {
	e.register(alg, fn().Size(), func() state {
		return &hashState{h: fn()}
	})
}

// Register adds a custom algorithm computed over the whole input at once.
// Accumulators for such algorithms buffer their input until Sum.
func (e *Engine) Register(alg Algorithm, size int, compute func(data []byte) Value) error {
	if alg == "" || size <= 0 || compute == nil {
		return fmt.Errorf("register %q: %w", alg, ErrInvalidParameter)
	}
	e.register(alg, size, func() state {
		return &bufferedState{compute: compute}
	})
	return nil
}

func (e *Engine) lookup(alg Algorithm) (algorithmEntry, error) {
	e.mu.RLock()
	entry, ok := e.entries[alg]
	e.mu.RUnlock()
	if !ok {
		return algorithmEntry{}, &PolicyError{Op: fmt.Sprintf("checksum %q", alg), Err: ErrUnsupportedAlgorithm}
	}
	return entry, nil
}

// Size returns the width in bytes of the algorithm's output.
func (e *Engine) Size(alg Algorithm) (int, error) {
	entry, err := e.lookup(alg)
	if err != nil {
		return 0, err
	}
	return entry.size, nil
}

// Algorithms lists the registered algorithm names in sorted order.
func (e *Engine) Algorithms() []Algorithm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Algorithm, 0, len(e.entries))
	for alg := range e.entries {
		out = append(out, alg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Compute returns the checksum of data. Unknown algorithms yield a
// PolicyError wrapping ErrUnsupportedAlgorithm.
func (e *Engine) Compute(alg Algorithm, data []byte) (Value, error) {
	entry, err := e.lookup(alg)
	if err != nil {
		return nil, err
	}
	s := entry.newState()
	s.write(data)
	return s.sum(), nil
}

// Verify reports whether data checksums to expected. An expected value of
// the wrong width never matches.
func (e *Engine) Verify(alg Algorithm, data []byte, expected Value) (bool, error) {
	got, err := e.Compute(alg, data)
	if err != nil {
		return false, err
	}
	return got.Equal(expected), nil
}

// NewAccumulator starts an incremental computation. Feeding data in any
// split yields the same result as Compute over the concatenation.
func (e *Engine) NewAccumulator(alg Algorithm) (*Accumulator, error) {
	entry, err := e.lookup(alg)
	if err != nil {
		return nil, err
	}
	return &Accumulator{alg: alg, st: entry.newState()}, nil
}

// Compute uses DefaultEngine.
func Compute(alg Algorithm, data []byte) (Value, error) {
	return DefaultEngine.Compute(alg, data)
}

// Verify uses DefaultEngine.
func Verify(alg Algorithm, data []byte, expected Value) (bool, error) {
	return DefaultEngine.Verify(alg, data, expected)
}

// NewAccumulator uses DefaultEngine.
func NewAccumulator(alg Algorithm) (*Accumulator, error) {
	return DefaultEngine.NewAccumulator(alg)
}

// Accumulator is a single-use incremental checksum. It implements io.Writer.
type Accumulator struct {
	st   state
	alg  Algorithm
	done bool
}

// Algorithm returns the accumulator's algorithm.
func (a *Accumulator) Algorithm() Algorithm {
	return a.alg
}

// Write feeds p into the checksum. It fails after Sum has been called.
func (a *Accumulator) Write(p []byte) (int, error) {
	if a.done {
		return 0, errAccumulatorDone
	}
	a.st.write(p)
	return len(p), nil
}

// Sum finalizes the accumulator. Later calls return the same value.
func (a *Accumulator) Sum() Value {
	if !a.done {
		a.done = true
		v := a.st.sum()
		a.st = &finalState{v: v}
	}
	return a.st.sum()
}

// TupleChecksum16 is the two's-complement 16-bit sum over the little-endian
// address, the little-endian payload length and the payload itself.
func TupleChecksum16(address uint32, payload []byte) uint16 {
	var sum uint16
	var hdr [6]byte
	binary.LittleEndian.PutUint32(hdr[:4], address)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(len(payload)))
	for _, b := range hdr {
		sum += uint16(b)
	}
	for _, b := range payload {
		sum += uint16(b)
	}
	return ^sum + 1
}

type crc32State struct {
	table *crc.Table
	cur   uint64
}

func (s *crc32State) write(p []byte) { s.cur = s.table.UpdateCrc(s.cur, p) }
func (s *crc32State) sum() Value    { return ValueFromUint32(s.table.CRC32(s.cur), 4) }

type crc16State struct {
	table *crc16.Table
	cur   uint16
}

func (s *crc16State) write(p []byte) { s.cur = crc16.Update(s.cur, p, s.table) }
func (s *crc16State) sum() Value {
	return ValueFromUint32(uint32(crc16.Complete(s.cur, s.table)), 2)
}

// sumState adds bytes modulo 2^(8*width).
type sumState struct {
	total uint32
	width int
	twos  bool
}

func (s *sumState) write(p []byte) {
	for _, b := range p {
		s.total += uint32(b)
	}
}

func (s *sumState) sum() Value {
	v := s.total
	if s.twos {
		v = ^v + 1
	}
	if s.width == 1 {
		return ValueFromUint32(v&0xFF, 1)
	}
	return ValueFromUint32(v&0xFFFF, 2)
}

// wordSumState adds little-endian words. A trailing partial word is padded
// with zero bytes.
type wordSumState struct {
	pending []byte
	total   uint32
	word    int
}

func (s *wordSumState) add(w []byte) {
	if s.word == 2 {
		s.total += uint32(binary.LittleEndian.Uint16(w))
		return
	}
	s.total += binary.LittleEndian.Uint32(w)
}

func (s *wordSumState) write(p []byte) {
	if len(s.pending) > 0 {
		need := s.word - len(s.pending)
		if len(p) < need {
			s.pending = append(s.pending, p...)
			return
		}
		s.pending = append(s.pending, p[:need]...)
		s.add(s.pending)
		s.pending = s.pending[:0]
		p = p[need:]
	}
	for len(p) >= s.word {
		s.add(p[:s.word])
		p = p[s.word:]
	}
	s.pending = append(s.pending, p...)
}

func (s *wordSumState) sum() Value {
	total := s.total
	if len(s.pending) > 0 {
		w := make([]byte, s.word)
		copy(w, s.pending)
		if s.word == 2 {
			total += uint32(binary.LittleEndian.Uint16(w))
		} else {
			total += binary.LittleEndian.Uint32(w)
		}
	}
	if s.word == 2 {
		return ValueFromUint32(total&0xFFFF, 2)
	}
	return ValueFromUint32(total, 4)
}

type hashState struct {
	h hash.Hash
}

func (s *hashState) write(p []byte) { _, _ = s.h.Write(p) }
func (s *hashState) sum() Value    { return s.h.Sum(nil) }

type bufferedState struct {
	compute func([]byte) Value
	buf     []byte
}

func (s *bufferedState) write(p []byte) { s.buf = append(s.buf, p...) }
func (s *bufferedState) sum() Value    { return s.compute(s.buf) }

type finalState struct {
	v Value
}

func (*finalState) write([]byte)  {}
func (s *finalState) sum() Value { return s.v }
