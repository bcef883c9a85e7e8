// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// Audit implements security.AuditSink over the append-only audit_log table.
type Audit struct {
	db *DB
}

func (a *Audit) Record(ctx context.Context, e security.AuditEntry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrap(err, "encode audit metadata")
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := a.db.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, account_id, action, metadata, source_address, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.AccountID), string(e.Action), meta, nullString(e.SourceAddress), toUnix(e.Timestamp))
	return errors.Wrap(err, "append audit entry")
}

// Recent returns the newest limit entries, oldest first. A limit of zero or
// less returns everything.
func (a *Audit) Recent(ctx context.Context, limit int) ([]security.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.db.QueryContext(ctx, `
SELECT id, account_id, action, metadata, source_address, ts FROM (
    SELECT seq, id, account_id, action, metadata, source_address, ts
    FROM audit_log ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query audit log")
	}
	defer rows.Close()

	var out []security.AuditEntry
	for rows.Next() {
		var (
			e               security.AuditEntry
			account, source sql.NullString
			meta            sql.NullString
			action          string
			ts              int64
		)
		if err := rows.Scan(&e.ID, &account, &action, &meta, &source, &ts); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, errors.Wrapf(err, "decode metadata of %s", e.ID)
			}
		}
		e.AccountID = account.String
		e.Action = security.AuditAction(action)
		e.SourceAddress = source.String
		e.Timestamp = fromUnix(ts)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit log")
}
