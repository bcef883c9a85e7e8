// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the choreboard-auth command line.
//
// The same binary runs the API (serve) and the operator tasks around it:
// schema migration, account provisioning, lockout inspection and reset,
// audit review and config scaffolding. Every command accepts --config and
// --json; with --json the result is printed as a JSONResponse envelope.
//
//	os.Exit(cli.Run(ctx, os.Args[1:], cli.StdEnv()))
package cli
