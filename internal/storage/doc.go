// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists auth state in SQLite.
//
// One database file holds the four tables the auth core owns: accounts,
// sessions, a key/value table with expiry (lockout counters, one-time codes,
// SMS throttles) and the audit log.
//
// # Key Types
//
//   - DB: the open database; hands out the stores below
//   - Accounts: security.AccountStore plus provisioning
//   - Sessions: security.SessionStore
//   - KV: security.Store and security.Sweeper
//   - Audit: security.AuditSink and security.AuditReader
//
// # Usage
//
//	db, err := storage.Open(ctx, "/var/lib/choreboard/auth.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	limiter := security.NewLoginAttemptLimiter(db.KV(), security.DefaultLimiterConfig())
//
// The pool is limited to a single connection, so every transaction runs
// alone. That is what makes KV.Update and Sessions.Update atomic per key.
package storage
