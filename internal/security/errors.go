// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies an expected authentication failure.
type ErrorKind int

const (
	// KindInvalidCredentials covers wrong passwords, PINs and codes.
	KindInvalidCredentials ErrorKind = iota + 1
	// KindAccountLocked means the limiter refused the attempt.
	KindAccountLocked
	// KindCodeExpired means no live one-time code exists for the phone.
	KindCodeExpired
	// KindCodeAlreadyUsed means the code was consumed earlier.
	KindCodeAlreadyUsed
	// KindMalformedInput is returned before any limiter or hash work.
	KindMalformedInput
	// KindSessionExpired covers unknown, revoked and expired sessions.
	KindSessionExpired
	// KindSessionLocked means a child session was auto-locked.
	KindSessionLocked
	// KindAccountNotFound is returned when an account id does not resolve.
	KindAccountNotFound
	// KindRateLimited is returned when code sending is throttled.
	KindRateLimited
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountLocked:
		return "account_locked"
	case KindCodeExpired:
		return "code_expired"
	case KindCodeAlreadyUsed:
		return "code_already_used"
	case KindMalformedInput:
		return "malformed_input"
	case KindSessionExpired:
		return "session_expired"
	case KindSessionLocked:
		return "session_locked"
	case KindAccountNotFound:
		return "account_not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// AuthError is the error type for every expected authentication failure.
// Infrastructure failures (store, context) are returned as plain errors.
type AuthError struct {
	Kind ErrorKind

	// RetryAfter is set for KindAccountLocked and KindRateLimited.
	RetryAfter time.Duration

	// Reason is an internal detail for audit and logs. Never shown to users.
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

// Is matches any AuthError of the same kind, so errors.Is(err, ErrAccountLocked)
// holds regardless of RetryAfter or Reason.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1 while locked.
func (e *AuthError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// PublicMessage is the user-facing text. Credential failures share one
// message so responses cannot be used to enumerate accounts.
func (e *AuthError) PublicMessage() string {
	switch e.Kind {
	case KindAccountLocked:
		return fmt.Sprintf("too many failed attempts, try again in %d seconds", e.RetryAfterSeconds())
	case KindRateLimited:
		return fmt.Sprintf("please wait %d seconds before requesting another code", e.RetryAfterSeconds())
	case KindMalformedInput:
		return "invalid input"
	case KindSessionExpired:
		return "session expired, please sign in again"
	case KindSessionLocked:
		return "session locked, enter your PIN to continue"
	default:
		return "incorrect credentials"
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &AuthError{Kind: KindAccountLocked}
	ErrCodeExpired        = &AuthError{Kind: KindCodeExpired}
	ErrCodeAlreadyUsed    = &AuthError{Kind: KindCodeAlreadyUsed}
	ErrMalformedInput     = &AuthError{Kind: KindMalformedInput}
	ErrSessionExpired     = &AuthError{Kind: KindSessionExpired}
	ErrSessionLocked      = &AuthError{Kind: KindSessionLocked}
	ErrAccountNotFound    = &AuthError{Kind: KindAccountNotFound}
	ErrRateLimited        = &AuthError{Kind: KindRateLimited}
)

// ErrNotFound is returned by stores when a key or record does not exist.
var ErrNotFound = errors.New("not found")

func newAuthError(kind ErrorKind, reason string) *AuthError {
	return &AuthError{Kind: kind, Reason: reason}
}

func lockedError(retryAfter time.Duration) *AuthError {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &AuthError{Kind: KindAccountLocked, RetryAfter: retryAfter, Reason: "lockout active"}
}

// KindOf extracts the kind from err, or 0 when err is not an AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}
