// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/choreboard/choreboard-auth/internal/clock"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is an open auth database.
type DB struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// Option configures Open.
type Option func(*DB)

// WithClock substitutes the time source used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(d *DB) {
		if c != nil {
			d.clock = c
		}
	}
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite allows one writer; a single connection also serializes our
	// read-modify-write transactions.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, errors.Wrapf(err, "failed to set %s", pragma)
		}
	}

	d := &DB{db: sqlDB, path: path, clock: clock.System()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Path returns the database location.
func (d *DB) Path() string {
	return d.path
}

// Close releases the connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Accounts returns the account store.
func (d *DB) Accounts() *Accounts { return &Accounts{db: d} }

// Sessions returns the session store.
func (d *DB) Sessions() *Sessions { return &Sessions{db: d} }

// KV returns the key/value store.
func (d *DB) KV() *KV { return &KV{db: d} }

// Audit returns the audit sink.
func (d *DB) Audit() *Audit { return &Audit{db: d} }

// withTx runs fn in a transaction. An error from fn is returned unchanged
// so typed errors survive.
func (d *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
