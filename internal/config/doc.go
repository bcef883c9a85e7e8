// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the choreboard-auth configuration.
//
// # Configuration Precedence
//
// Values are resolved in this order, later sources winning:
//   - Built-in defaults
//   - The TOML file (--config, or CHOREBOARD_CONFIG)
//   - A .env file next to the working directory (never overrides variables
//     already set in the process environment)
//   - CHOREBOARD_* environment variables
//
// After loading, SetDefaults fills zero values and Validate rejects
// inconsistent settings with a ValidateErrors list.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	limiter := security.NewLoginAttemptLimiter(store, cfg.Lockout.LimiterConfig())
//
// Watch reloads the file on change so lockout thresholds can be tuned
// without a restart.
package config
