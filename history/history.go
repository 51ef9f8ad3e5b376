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

// Package history persists finished firmware updates and the set of
// firmware images that must never be flashed again.
//
// The store is a single SQLite file. It implements fwflash.UpdateRecorder
// and fwflash.Blocklist so it can be handed to a Device directly.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	fwflash "github.com/ZaparooProject/go-fwflash"
	"github.com/ncruces/go-sqlite3/driver"  // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // sqlite WASM binary
	"github.com/sirupsen/logrus"
)

// ErrNotBlocked is returned by Unblock for a digest that was not blocked.
var ErrNotBlocked = errors.New("firmware not blocked")

// Entry is one stored update.
type Entry struct {
	fwflash.UpdateRecord
	ID int64
}

// Succeeded reports whether the update reached Done.
func (e *Entry) Succeeded() bool {
	return e.State == fwflash.StateDone
}

// BlockedFirmware is one blocklist row.
type BlockedFirmware struct {
	CreatedAt time.Time
	Digest    string
	Reason    string
}

// Store is an update history database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

var (
	_ fwflash.UpdateRecorder = (*Store)(nil)
	_ fwflash.Blocklist      = (*Store)(nil)
)

// Open creates or opens the history database at path using a single
// connection.
func Open(path string) (*Store, error) {
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an initialized database.
func New(db *sql.DB) *Store {
	return &Store{db: db, log: fwflash.Logger().WithField("component", "history")}
}

// Init creates the tables if they do not exist. On failure the database
// is closed.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history
			( id INTEGER PRIMARY KEY AUTOINCREMENT
			, device_id TEXT NOT NULL
			, family TEXT NOT NULL
			, vendor_id INTEGER NOT NULL
			, product_id INTEGER NOT NULL
			, version_old TEXT NOT NULL
			, version_new TEXT NOT NULL
			, digest TEXT NOT NULL
			, state INTEGER NOT NULL
			, kind INTEGER NOT NULL
			, error TEXT NOT NULL
			, bytes_transferred INTEGER NOT NULL
			, total_bytes INTEGER NOT NULL
			, started_at INTEGER NOT NULL
			, finished_at INTEGER NOT NULL
			)`,
		`CREATE INDEX IF NOT EXISTS history_device ON history (device_id, finished_at)`,
		`CREATE TABLE IF NOT EXISTS blocked_firmware
			( digest TEXT PRIMARY KEY
			, reason TEXT NOT NULL
			, created_at INTEGER NOT NULL
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("history file is not a database: %w", err)
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordUpdate implements fwflash.UpdateRecorder.
func (s *Store) RecordUpdate(ctx context.Context, rec *fwflash.UpdateRecord) error {
	_, err := s.Record(ctx, rec)
	return err
}

// Record stores rec and returns its row ID.
func (s *Store) Record(ctx context.Context, rec *fwflash.UpdateRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("record update: %w", fwflash.ErrInvalidParameter)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO history
		( device_id, family, vendor_id, product_id, version_old, version_new, digest
		, state, kind, error, bytes_transferred, total_bytes, started_at, finished_at )
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID, rec.Family, int64(rec.VendorID), int64(rec.ProductID), rec.VersionOld, rec.VersionNew,
		rec.Digest, int64(rec.State), int64(rec.Kind), rec.Error,
		int64(rec.BytesTransferred), int64(rec.TotalBytes), unixNano(rec.StartedAt), unixNano(rec.FinishedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("error inserting history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error reading history id: %w", err)
	}
	s.log.WithFields(logrus.Fields{"id": id, "device": rec.DeviceID, "state": rec.State}).Debug("recorded update")
	return id, nil
}

// List returns stored updates newest first. An empty deviceID lists every
// device.
func (s *Store) List(ctx context.Context, deviceID string) ([]Entry, error) {
	query := `SELECT id, device_id, family, vendor_id, product_id, version_old, version_new, digest
		, state, kind, error, bytes_transferred, total_bytes, started_at, finished_at
		FROM history`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY finished_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                     Entry
			vid, pid, state, kind int64
			transferred, total    int64
			startedAt, finishedAt int64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Family, &vid, &pid, &e.VersionOld, &e.VersionNew, &e.Digest,
			&state, &kind, &e.Error, &transferred, &total, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("error scanning history: %w", err)
		}
		e.VendorID = uint16(vid)
		e.ProductID = uint16(pid)
		e.State = fwflash.SessionState(state)
		e.Kind = fwflash.ErrorKind(kind)
		e.BytesTransferred = uint64(transferred)
		e.TotalBytes = uint64(total)
		e.StartedAt = fromUnixNano(startedAt)
		e.FinishedAt = fromUnixNano(finishedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading history: %w", err)
	}
	return entries, nil
}

// Block adds digest to the blocklist. Blocking an already blocked digest
// updates its reason.
func (s *Store) Block(ctx context.Context, digest, reason string) error {
	digest = normalizeDigest(digest)
	if digest == "" {
		return fmt.Errorf("block firmware: %w", fwflash.ErrInvalidParameter)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blocked_firmware (digest, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (digest) DO UPDATE SET reason = excluded.reason`,
		digest, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("error blocking firmware: %w", err)
	}
	s.log.WithField("digest", digest).Info("blocked firmware")
	return nil
}

// Unblock removes digest from the blocklist.
func (s *Store) Unblock(ctx context.Context, digest string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_firmware WHERE digest = ?`, normalizeDigest(digest))
	if err != nil {
		return fmt.Errorf("error unblocking firmware: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", digest, ErrNotBlocked)
	}
	return nil
}

// IsBlocked implements fwflash.Blocklist.
func (s *Store) IsBlocked(ctx context.Context, digest string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blocked_firmware WHERE digest = ?`, normalizeDigest(digest)).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("error querying blocklist: %w", err)
	default:
		return true, nil
	}
}

// Blocked lists the blocklist in insertion order.
func (s *Store) Blocked(ctx context.Context) ([]BlockedFirmware, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest, reason, created_at FROM blocked_firmware ORDER BY created_at, digest`)
	if err != nil {
		return nil, fmt.Errorf("error querying blocklist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BlockedFirmware
	for rows.Next() {
		var (
			b       BlockedFirmware
			created int64
		)
		if err := rows.Scan(&b.Digest, &b.Reason, &created); err != nil {
			return nil, fmt.Errorf("error scanning blocklist: %w", err)
		}
		b.CreatedAt = fromUnixNano(created)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}
	return out, nil
}

func normalizeDigest(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
