// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

var (
	phonePattern = regexp.MustCompile(`^1[3-9][0-9]{9}$`)
	pinPattern   = regexp.MustCompile(`^[0-9]{4,6}$`)
	codePattern  = regexp.MustCompile(`^[0-9]{6}$`)
)

// bcrypt ignores everything after 72 bytes.
const maxPasswordBytes = 72

// normalizeDigits folds full-width forms (common with CJK input methods) to
// ASCII and drops separators users type into phone fields. Other digit
// look-alikes such as circled or superscript digits are left as they are and
// fail validation.
func normalizeDigits(s string) string {
	s = strings.TrimSpace(width.Narrow.String(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, s)
}

// NormalizePhone returns the canonical 11-digit mainland mobile number or
// a MalformedInput error.
func NormalizePhone(raw string) (string, error) {
	phone := normalizeDigits(raw)
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) == 13 && strings.HasPrefix(phone, "86") {
		phone = phone[2:]
	}
	if !phonePattern.MatchString(phone) {
		return "", newAuthError(KindMalformedInput, "phone format")
	}
	return phone, nil
}

// NormalizePIN validates a child PIN: 4 to 6 digits.
func NormalizePIN(raw string) (string, error) {
	pin := normalizeDigits(raw)
	if !pinPattern.MatchString(pin) {
		return "", newAuthError(KindMalformedInput, "pin format")
	}
	return pin, nil
}

// NormalizeCode validates a 6-digit one-time code.
func NormalizeCode(raw string) (string, error) {
	code := normalizeDigits(raw)
	if !codePattern.MatchString(code) {
		return "", newAuthError(KindMalformedInput, "code format")
	}
	return code, nil
}

// ValidatePassword rejects passwords bcrypt cannot hash faithfully.
func ValidatePassword(password string) error {
	if password == "" {
		return newAuthError(KindMalformedInput, "empty password")
	}
	if len(password) > maxPasswordBytes {
		return newAuthError(KindMalformedInput, "password too long")
	}
	return nil
}
