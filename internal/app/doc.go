// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app assembles the auth service from a config.Config.
//
// Build opens the database and constructs every component in dependency
// order: stores, credential hashing, the attempt limiter, one-time codes,
// sessions, the child guard, SMS delivery, the audit sink and finally the
// AuthGateway. Serve adds the HTTP server, the maintenance sweeps and, when
// a config file is given, hot reload of the lockout policy.
package app
