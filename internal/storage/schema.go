// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	// 1: core tables
	`
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL CHECK (role IN ('admin', 'parent', 'child')),
    phone TEXT UNIQUE,              -- NULL for children
    display_name TEXT NOT NULL DEFAULT '',
    password_hash BLOB,
    pin_hash BLOB,
    created_at INTEGER NOT NULL     -- Unix nanoseconds
);

CREATE TABLE IF NOT EXISTS sessions (
    token TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    role TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    device_fingerprint TEXT NOT NULL DEFAULT '',
    last_active_at INTEGER NOT NULL,
    locked INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_account_id ON sessions(account_id);

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    expires_at INTEGER             -- NULL never expires
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    account_id TEXT,
    action TEXT NOT NULL,
    metadata TEXT,                 -- JSON object
    source_address TEXT,
    ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_account ON audit_log(account_id, ts);
`,
}

// SchemaVersion is the version Migrate brings a database to.
func SchemaVersion() int {
	return len(migrations)
}

// Migrate applies every migration newer than the stored version.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	current, err := d.Version(ctx)
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := d.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return errors.Wrapf(err, "apply migration %d", version)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				version, d.clock.Now().UnixNano())
			return errors.Wrapf(err, "record migration %d", version)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Version returns the highest applied migration.
func (d *DB) Version(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return int(v.Int64), nil
}
