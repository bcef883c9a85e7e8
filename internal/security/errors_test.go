// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("login: %w", lockedError(90*time.Second))
	assert.True(t, errors.Is(err, ErrAccountLocked))
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
	assert.Equal(t, KindAccountLocked, KindOf(err))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestAuthError_RetryAfterRoundsUp(t *testing.T) {
	assert.Equal(t, 1, lockedError(10*time.Millisecond).RetryAfterSeconds())
	assert.Equal(t, 2, lockedError(1500*time.Millisecond).RetryAfterSeconds())
	assert.Equal(t, 0, newAuthError(KindInvalidCredentials, "").RetryAfterSeconds())
}

func TestAuthError_PublicMessagesDoNotEnumerate(t *testing.T) {
	generic := newAuthError(KindInvalidCredentials, "account_not_found").PublicMessage()
	for _, kind := range []ErrorKind{KindInvalidCredentials, KindAccountNotFound, KindCodeExpired, KindCodeAlreadyUsed} {
		msg := (&AuthError{Kind: kind, Reason: "detail"}).PublicMessage()
		assert.Equal(t, generic, msg, kind.String())
		assert.NotContains(t, msg, "detail")
	}
	assert.Contains(t, lockedError(time.Minute).PublicMessage(), "60 seconds")
}

func TestErrorKind_WireNames(t *testing.T) {
	assert.Equal(t, "account_locked", KindAccountLocked.String())
	assert.Equal(t, "session_locked", KindSessionLocked.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}
