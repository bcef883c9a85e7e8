// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package maintenance runs the periodic cleanup jobs of the auth service.
//
// Expired entries are already ignored on read; the sweeps only reclaim space.
// Two jobs are scheduled on one interval:
//
//   - sessions: SessionManager.SweepExpired
//   - kv: the Sweep method of the key-value store holding codes, cooldowns,
//     quotas and attempt records
//
// # Usage
//
//	m, err := maintenance.New(sessions, kv, 5*time.Minute)
//	if err != nil {
//	    return err
//	}
//	m.Start(ctx)
//	defer m.Stop()
package maintenance
