// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// Accounts implements security.AccountStore over the accounts table.
type Accounts struct {
	db *DB
}

const accountColumns = `id, role, phone, display_name, password_hash, pin_hash, created_at`

// Create inserts acct. An empty ID is filled with a new UUID and a zero
// CreatedAt with the current time.
func (a *Accounts) Create(ctx context.Context, acct *security.Account) error {
	if !acct.Role.Valid() {
		return errors.Errorf("create account: invalid role %s", acct.Role)
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = a.db.clock.Now().UTC()
	}
	_, err := a.db.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Role.String(), nullString(acct.Phone), acct.DisplayName,
		nullBytes(acct.PasswordHash), nullBytes(acct.PINHash), toUnix(acct.CreatedAt))
	return errors.Wrap(err, "create account")
}

func (a *Accounts) FindByID(ctx context.Context, id string) (*security.Account, error) {
	row := a.db.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (a *Accounts) FindByPhone(ctx context.Context, phone string) (*security.Account, error) {
	if phone == "" {
		return nil, security.ErrNotFound
	}
	row := a.db.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = ?`, phone)
	return scanAccount(row)
}

func (a *Accounts) SetPasswordHash(ctx context.Context, id string, hash []byte) error {
	return a.setColumn(ctx, "password_hash", id, hash)
}

func (a *Accounts) SetPINHash(ctx context.Context, id string, hash []byte) error {
	return a.setColumn(ctx, "pin_hash", id, hash)
}

func (a *Accounts) setColumn(ctx context.Context, column, id string, hash []byte) error {
	res, err := a.db.db.ExecContext(ctx, `UPDATE accounts SET `+column+` = ? WHERE id = ?`, nullBytes(hash), id)
	if err != nil {
		return errors.Wrapf(err, "update %s", column)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return security.ErrNotFound
	}
	return nil
}

// List returns every account ordered by creation time. Hashes are omitted.
func (a *Accounts) List(ctx context.Context) ([]security.Account, error) {
	rows, err := a.db.db.QueryContext(ctx,
		`SELECT id, role, phone, display_name, created_at FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var out []security.Account
	for rows.Next() {
		var (
			acct    security.Account
			role    string
			phone   sql.NullString
			created int64
		)
		if err := rows.Scan(&acct.ID, &role, &phone, &acct.DisplayName, &created); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		if acct.Role, err = security.ParseRole(role); err != nil {
			return nil, errors.Wrapf(err, "account %s", acct.ID)
		}
		acct.Phone = phone.String
		acct.CreatedAt = fromUnix(created)
		out = append(out, acct)
	}
	return out, errors.Wrap(rows.Err(), "iterate accounts")
}

func scanAccount(row *sql.Row) (*security.Account, error) {
	var (
		acct    security.Account
		role    string
		phone   sql.NullString
		created int64
	)
	err := row.Scan(&acct.ID, &role, &phone, &acct.DisplayName, &acct.PasswordHash, &acct.PINHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, security.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan account")
	}
	if acct.Role, err = security.ParseRole(role); err != nil {
		return nil, errors.Wrapf(err, "account %s", acct.ID)
	}
	acct.Phone = phone.String
	acct.CreatedAt = fromUnix(created)
	return &acct, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
