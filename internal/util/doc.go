// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the auth service.
//
// # Key Functions
//
// Masking:
//   - MaskIdentifier: stable, non-reversible tag for phones, IPs and ids in logs
//   - MaskPhone: keeps the carrier prefix and last four digits for operators
//   - MaskToken: first characters of a session token only
//
// Strings:
//   - TruncateRunes: UTF-8 safe truncation for audit metadata
//
// Files:
//   - AtomicWriteFile: crash-safe writes for config and audit files
//
// # Usage
//
//	log.WithField("phone", util.MaskIdentifier(phone)).Info("code sent")
//
//	err := util.AtomicWriteFile(path, data, 0600)
package util
