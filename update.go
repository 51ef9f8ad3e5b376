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
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// updateRun is the state of one WriteFirmware call.
type updateRun struct {
	dev    *Device
	img    *FirmwareImage
	info   *DeviceInfo
	log    *logrus.Entry
	digest string
	layout Layout
}

func newUpdateRun(d *Device, img *FirmwareImage) *updateRun {
	r := &updateRun{dev: d, img: img, layout: d.layout(), log: d.logger()}
	if sum, err := img.Digest(SHA256); err == nil {
		r.digest = hex.EncodeToString(sum)
		r.log = r.log.WithField("image", r.digest[:12])
	}

	d.mu.Lock()
	d.session = newTransferSession(img.TotalBytes(), d.now())
	d.mu.Unlock()
	return r
}

// update mutates the live session under the device lock.
func (r *updateRun) update(fn func(s *TransferSession)) {
	r.dev.mu.Lock()
	fn(r.dev.session)
	r.dev.mu.Unlock()
}

func (r *updateRun) snapshot() TransferSession {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	return *r.dev.session
}

// finish retires the live session and returns its final copy.
func (r *updateRun) finish() TransferSession {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	final := *r.dev.session
	r.dev.last = &final
	r.dev.session = nil
	return final
}

func (r *updateRun) emit() {
	if r.dev.progress == nil {
		return
	}
	s := r.snapshot()
	r.dev.progress(Progress{
		State:      s.State,
		Region:     s.Region,
		BytesDone:  s.BytesTransferred,
		BytesTotal: s.TotalBytes,
		Elapsed:    r.dev.now().Sub(s.StartedAt),
	})
}

func (r *updateRun) enter(state SessionState) error {
	var err error
	r.update(func(s *TransferSession) { err = s.transition(state) })
	if err != nil {
		return err
	}
	r.log.WithField("state", state).Debug("session state changed")
	r.emit()
	return nil
}

func (r *updateRun) fail(err error) error {
	var state SessionState
	var kind ErrorKind
	r.update(func(s *TransferSession) {
		state = s.State
		kind = classify(state, err)
		s.LastError = kind
		s.State = StateFailed
	})
	r.log.WithError(err).WithFields(logrus.Fields{
		"state": state,
		"kind":  kind,
	}).Warn("firmware update failed")
	r.emit()
	return &UpdateError{State: state, Kind: kind, Err: err}
}

// checkpoint is the only place cancellation is observed.
func (*updateRun) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errSessionCancelled(err)
	}
	return nil
}

// supervise runs fn under a retry supervisor. Device calls get a context
// that ignores cancellation so a started exchange is never abandoned.
func (r *updateRun) supervise(ctx context.Context, phase PhaseRetry, op string, fn func(ctx context.Context) Result) error {
	s := &Supervisor{
		MaxAttempts: phase.Attempts,
		Delay:       phase.Delay,
		Sleep:       r.dev.sleep,
		OnRetry: func(attempt int, err error) {
			r.log.WithError(err).WithField("attempt", attempt).Debugf("%s: retrying", op)
		},
	}
	if rec, ok := r.dev.family.(Recoverer); ok {
		s.Recover = func(ctx context.Context, cause error) error {
			if errors.Is(cause, ErrDeviceBusy) || errors.Is(cause, ErrNotReady) {
				return nil
			}
			return rec.Recover(ctx, r.dev.tc, cause)
		}
	}

	err := s.Run(context.WithoutCancel(ctx), func(ctx context.Context, _ int) Result {
		r.update(func(s *TransferSession) { s.AttemptCount++ })
		return fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// call is supervise for a plain command classified with IsRetryable.
func (r *updateRun) call(ctx context.Context, phase PhaseRetry, op string, fn func(ctx context.Context) error) error {
	return r.supervise(ctx, phase, op, func(ctx context.Context) Result {
		return Classify(fn(ctx))
	})
}

func (r *updateRun) execute(ctx context.Context) error {
	if err := r.checkpoint(ctx); err != nil {
		return r.fail(err)
	}
	if err := r.enter(StateProbing); err != nil {
		return r.fail(err)
	}
	if err := r.preflight(ctx); err != nil {
		return r.fail(err)
	}

	if r.info.Mode != ModeBootloader && r.info.BootloaderRequired {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(err)
		}
		if err := r.enter(StateDetaching); err != nil {
			return r.fail(err)
		}
		if err := r.detach(ctx); err != nil {
			return r.fail(err)
		}
	}

	steps := []struct {
		run   func(context.Context) error
		state SessionState
	}{
		{state: StateErasing, run: r.erase},
		{state: StateWriting, run: r.write},
		{state: StateVerifying, run: r.verify},
	}
	if r.dev.config.AttachPolicy == AttachAfterUpdate {
		steps = append(steps, struct {
			run   func(context.Context) error
			state SessionState
		}{state: StateAttaching, run: r.attach})
	}

	for _, step := range steps {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(err)
		}
		if err := r.enter(step.state); err != nil {
			return r.fail(err)
		}
		if err := step.run(ctx); err != nil {
			return r.fail(err)
		}
	}

	if err := r.enter(StateDone); err != nil {
		return r.fail(err)
	}
	r.log.WithField("bytes", r.img.TotalBytes()).Info("firmware update complete")
	return nil
}

// preflight probes the device and rejects updates that cannot succeed
// before any flash is touched.
func (r *updateRun) preflight(ctx context.Context) error {
	info, err := r.dev.probe(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	r.info = info
	r.log = r.log.WithField("vid_pid", info.Key().String())

	want := r.img.Info()
	if want.VendorID != 0 && (want.VendorID != info.VendorID || want.ProductID != info.ProductID) {
		return &PolicyError{
			Op:  "match image",
			Err: fmt.Errorf("%w: image for %04X:%04X, device is %s", ErrDeviceMismatch, want.VendorID, want.ProductID, info.Key()),
		}
	}
	if err := r.dev.config.checkVersion(info.Version, want.Version); err != nil {
		return err
	}
	if err := r.img.Validate(); err != nil {
		return err
	}

	_, canChecksum := r.dev.family.(ChecksumReader)
	_, canRead := r.dev.family.(FlashReader)
	if !canChecksum && !canRead {
		return &PolicyError{Op: "verify " + r.dev.family.Name(), Err: ErrVerifyUnsupported}
	}

	if err := r.layout.validate(); err != nil {
		return &PolicyError{Op: "chunk layout", Err: err}
	}
	if info.FlashSize > 0 {
		for _, region := range r.img.Regions() {
			if region.FlashEnd() > uint64(info.FlashSize) {
				return &PolicyError{Op: "region " + region.Name, Err: fmt.Errorf(
					"%w: ends at 0x%X, device flash is %d bytes", ErrRegionBounds, region.FlashEnd(), info.FlashSize)}
			}
		}
	}

	return r.dev.checkBlocked(ctx, r.digest)
}

func (r *updateRun) detach(ctx context.Context) error {
	cfg := r.dev.config
	if err := r.call(ctx, cfg.WriteRetry, "detach", func(ctx context.Context) error {
		return r.dev.family.Detach(ctx, r.dev.tc)
	}); err != nil {
		return err
	}

	err := r.supervise(ctx, cfg.DetachRetry, "wait for bootloader", func(ctx context.Context) Result {
		info, err := r.dev.family.Probe(ctx, r.dev.tc)
		if err != nil {
			// A rebooting device is expected to be unreachable for a while.
			return RetryAfter(err)
		}
		if info.Mode != ModeBootloader {
			return RetryAfter(fmt.Errorf("device still in %s mode: %w", info.Mode, ErrNotReady))
		}
		r.info = info
		r.dev.setInfo(info)
		return Succeed()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDetachTimeout, err)
	}
	return nil
}

// waitReady polls status until the device is idle. A set failure bit is
// fatal; a checksum error bit is returned for the caller to act on.
func (r *updateRun) waitReady(ctx context.Context, phase PhaseRetry, op string) (Status, error) {
	var last Status
	err := r.supervise(ctx, phase, op, func(ctx context.Context) Result {
		st, err := r.dev.family.ReadStatus(ctx, r.dev.tc)
		if err != nil {
			return Classify(err)
		}
		last = st
		switch {
		case st.Failed:
			return Abort(NewProtocolError(op, st.Raw, ErrFlashOperation))
		case st.Busy:
			return RetryAfter(ErrDeviceBusy)
		default:
			return Succeed()
		}
	})
	return last, err
}

func (r *updateRun) erase(ctx context.Context) error {
	cfg := r.dev.config
	for _, region := range r.img.Regions() {
		if region.Length == 0 {
			continue
		}
		r.update(func(s *TransferSession) { s.Region = region.Name })
		op := "erase " + region.Name
		if err := r.call(ctx, cfg.WriteRetry, op, func(ctx context.Context) error {
			return r.dev.family.Erase(ctx, r.dev.tc, region)
		}); err != nil {
			return err
		}
		st, err := r.waitReady(ctx, cfg.EraseRetry, op)
		if err != nil {
			return err
		}
		if st.ChecksumError {
			return NewProtocolError(op, st.Raw, ErrFlashOperation)
		}
		r.emit()
	}
	return nil
}

func (r *updateRun) write(ctx context.Context) error {
	for _, region := range r.img.Regions() {
		r.update(func(s *TransferSession) { s.Region = region.Name })
		chunks, err := r.layout.Split(r.img.Bytes(region), region.FlashBase)
		if err != nil {
			return err
		}
		for chunk := range chunks {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
			if err := r.writeChunk(ctx, region, chunk); err != nil {
				return err
			}
			r.update(func(s *TransferSession) { s.BytesTransferred += uint64(len(chunk.Data)) })
			r.emit()
		}
	}
	return nil
}

// writeChunk sends one chunk and waits for it to land. A checksum error
// reported by the device re-sends the chunk up to ChunkRetryCeiling times.
func (r *updateRun) writeChunk(ctx context.Context, region Region, chunk Chunk) error {
	cfg := r.dev.config
	op := fmt.Sprintf("write %s chunk %d at 0x%08X", region.Name, chunk.Index, chunk.Address)

	for resends := 0; ; resends++ {
		if err := r.call(ctx, cfg.WriteRetry, op, func(ctx context.Context) error {
			return r.dev.family.WriteChunk(ctx, r.dev.tc, region, chunk)
		}); err != nil {
			return err
		}
		st, err := r.waitReady(ctx, cfg.BusyRetry, op)
		if err != nil {
			return err
		}
		if !st.ChecksumError {
			return nil
		}
		if resends >= cfg.ChunkRetryCeiling {
			return NewProtocolError(op, st.Raw, ErrChunkChecksum)
		}
		r.log.WithField("chunk", chunk.Index).Warn("device rejected chunk checksum, re-sending")
	}
}

func (r *updateRun) verify(ctx context.Context) error {
	for _, region := range r.img.Regions() {
		r.update(func(s *TransferSession) { s.Region = region.Name })
		got, err := r.deviceChecksum(ctx, region)
		if err != nil {
			return err
		}
		if !got.Equal(region.Checksum.Expected) {
			return NewProtocolError("verify "+region.Name, got.Uint32(), fmt.Errorf(
				"%w: device %s, image %s", ErrChecksumMismatch, got, region.Checksum.Expected))
		}
		r.log.WithFields(logrus.Fields{
			"region":   region.Name,
			"checksum": got.String(),
		}).Debug("region verified")
	}
	return nil
}

// deviceChecksum asks the device for the region checksum, or reads the
// region back and computes it on the host.
func (r *updateRun) deviceChecksum(ctx context.Context, region Region) (Value, error) {
	cfg := r.dev.config
	length := r.img.ChecksumLength(region)
	alg := region.Checksum.Algorithm

	fr, canRead := r.dev.family.(FlashReader)
	if cr, ok := r.dev.family.(ChecksumReader); ok {
		var got Value
		err := r.call(ctx, cfg.WriteRetry, "read checksum "+region.Name, func(ctx context.Context) error {
			v, err := cr.ReadChecksum(ctx, r.dev.tc, region.FlashBase, length, alg)
			got = v
			return err
		})
		if err == nil || !canRead || !errors.Is(err, ErrUnsupportedAlgorithm) {
			return got, err
		}
		r.log.WithField("algorithm", alg).Debug("device cannot compute checksum, reading flash back")
	}

	acc, err := NewAccumulator(alg)
	if err != nil {
		return nil, err
	}
	step := fr.MaxReadSize()
	if step <= 0 {
		step = r.layout.ChunkSize
	}
	for off := uint32(0); off < length; {
		n := min(uint32(step), length-off)
		addr := region.FlashBase + off
		var buf []byte
		err := r.call(ctx, cfg.WriteRetry, fmt.Sprintf("read back 0x%08X", addr), func(ctx context.Context) error {
			data, err := fr.ReadFlash(ctx, r.dev.tc, addr, int(n))
			if err != nil {
				return err
			}
			if len(data) != int(n) {
				return NewShortResponseError("read flash", "", len(data), int(n))
			}
			buf = data
			return nil
		})
		if err != nil {
			return nil, err
		}
		_, _ = acc.Write(buf)
		off += n
	}
	return acc.Sum(), nil
}

func (r *updateRun) attach(ctx context.Context) error {
	return r.call(ctx, r.dev.config.WriteRetry, "attach", func(ctx context.Context) error {
		return r.dev.family.Attach(ctx, r.dev.tc)
	})
}
