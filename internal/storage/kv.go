// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// KV implements security.Store over the kv table. Expired rows are invisible
// to reads and removed by Sweep.
type KV struct {
	db *DB
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (k *KV) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: k.db.clock.Now().Add(ttl).UnixNano(), Valid: true}
}

// lookup returns the live value and its raw expiry.
func (k *KV) lookup(ctx context.Context, q querier, key string) ([]byte, sql.NullInt64, bool, error) {
	var (
		value   []byte
		expires sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, k.db.clock.Now().UnixNano()).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.NullInt64{}, false, nil
	}
	if err != nil {
		return nil, sql.NullInt64{}, false, errors.Wrapf(err, "read key %s", key)
	}
	return value, expires, true, nil
}

func (k *KV) put(ctx context.Context, q querier, key string, value []byte, expires sql.NullInt64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	return errors.Wrapf(err, "write key %s", key)
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, found, err := k.lookup(ctx, k.db.db, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, security.ErrNotFound
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return k.put(ctx, k.db.db, key, value, k.expiry(ttl))
}

func (k *KV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created := false
	err := k.db.withTx(ctx, func(tx *sql.Tx) error {
		_, _, found, err := k.lookup(ctx, tx, key)
		if err != nil || found {
			return err
		}
		created = true
		return k.put(ctx, tx, key, value, k.expiry(ttl))
	})
	return created, err
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrapf(err, "delete key %s", key)
}

// Increment keeps the expiry set when the counter was created.
func (k *KV) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := k.db.withTx(ctx, func(tx *sql.Tx) error {
		value, expires, found, err := k.lookup(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			if n, err = strconv.ParseInt(string(value), 10, 64); err != nil {
				return errors.Wrapf(err, "key %s is not a counter", key)
			}
		} else {
			expires = k.expiry(ttl)
		}
		n++
		return k.put(ctx, tx, key, []byte(strconv.FormatInt(n, 10)), expires)
	})
	return n, err
}

func (k *KV) Update(ctx context.Context, key string, ttl time.Duration, fn security.UpdateFunc) error {
	return k.db.withTx(ctx, func(tx *sql.Tx) error {
		current, _, found, err := k.lookup(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		if next == nil {
			_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
			return errors.Wrapf(err, "delete key %s", key)
		}
		return k.put(ctx, tx, key, next, k.expiry(ttl))
	})
}

func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.db.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		likePrefix(prefix), k.db.clock.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "iterate keys")
}

// Sweep deletes expired rows and reports how many went.
func (k *KV) Sweep(ctx context.Context) (int, error) {
	res, err := k.db.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, k.db.clock.Now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "sweep kv")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "rows affected")
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
