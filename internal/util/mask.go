// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskIdentifier returns a stable tag for a sensitive identifier so log lines
// can be correlated without exposing the value. Empty input stays empty.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

// MaskPhone keeps the first three and last four digits of a phone number,
// e.g. 138****0100. Short values are fully masked.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-4:]
}

// MaskToken shows only the first 8 characters of a bearer token.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..."
}
