// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the authentication gateway over HTTP/JSON.
//
// # Endpoints
//
//   - POST /api/auth/otp/send       - Send an SMS login code
//   - POST /api/auth/login/password - Parent/admin password login
//   - POST /api/auth/login/otp      - Parent/admin SMS code login
//   - POST /api/auth/login/pin      - Child PIN login on a shared device
//   - POST /api/auth/logout         - Revoke the current session
//   - GET  /api/auth/session        - Describe the current session
//   - POST /api/child/touch         - Record child activity (auto-locks when idle)
//   - POST /api/child/lock          - Lock the current child session
//   - GET  /healthz                 - Liveness
//   - GET  /metrics                 - Prometheus metrics
//
// Sessions travel as "Authorization: Bearer <token>" or in the cb_session
// cookie, which is signed (and optionally encrypted) with securecookie.
//
// Failures are returned as
//
//	{"error": {"code": "account_locked", "message": "...", "retry_after": 600}}
//
// with a Retry-After header when a wait is required. Credential failures
// share one message and code so responses do not reveal which accounts exist.
package server
