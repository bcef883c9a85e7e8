// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// Sessions implements security.SessionStore over the sessions table.
type Sessions struct {
	db *DB
}

const sessionColumns = `token, account_id, role, created_at, expires_at, device_fingerprint, last_active_at, locked`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Sessions) Create(ctx context.Context, sess *security.Session) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Token, sess.AccountID, sess.Role.String(), toUnix(sess.CreatedAt), toUnix(sess.ExpiresAt),
		sess.DeviceFingerprint, toUnix(sess.LastActiveAt), sess.Locked)
	return errors.Wrap(err, "insert session")
}

func (s *Sessions) Get(ctx context.Context, token string) (*security.Session, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	return scanSession(row)
}

// Update loads, mutates and writes the session inside one transaction.
func (s *Sessions) Update(ctx context.Context, token string, fn func(*security.Session) error) (*security.Session, error) {
	var out *security.Session
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET expires_at = ?, device_fingerprint = ?, last_active_at = ?, locked = ? WHERE token = ?`,
			toUnix(sess.ExpiresAt), sess.DeviceFingerprint, toUnix(sess.LastActiveAt), sess.Locked, token)
		if err != nil {
			return errors.Wrap(err, "update session")
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sessions) Delete(ctx context.Context, token string) error {
	_, err := s.db.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return errors.Wrap(err, "delete session")
}

func (s *Sessions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toUnix(now))
	if err != nil {
		return 0, errors.Wrap(err, "delete expired sessions")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "rows affected")
}

func scanSession(row rowScanner) (*security.Session, error) {
	var (
		sess                         security.Session
		role                         string
		created, expires, lastActive int64
	)
	err := row.Scan(&sess.Token, &sess.AccountID, &role, &created, &expires,
		&sess.DeviceFingerprint, &lastActive, &sess.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, security.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan session")
	}
	if sess.Role, err = security.ParseRole(role); err != nil {
		return nil, errors.Wrap(err, "session role")
	}
	sess.CreatedAt = fromUnix(created)
	sess.ExpiresAt = fromUnix(expires)
	sess.LastActiveAt = fromUnix(lastActive)
	return &sess, nil
}
