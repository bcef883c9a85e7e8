// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/choreboard-auth/internal/clock"
)

func newTestLimiter(cfg LimiterConfig) (*LoginAttemptLimiter, *clock.Manual) {
	c := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewLoginAttemptLimiter(NewMemoryStore(c), cfg, WithLimiterClock(c)), c
}

var parentKey = AttemptKey{Identifier: parentPhone, Source: testSource}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestLimiter_LocksAtThreshold(t *testing.T) {
	l, _ := newTestLimiter(DefaultLimiterConfig())
	ctx := context.Background()

	for i := 1; i < DefaultMaxAttempts; i++ {
		rec, err := l.RecordFailure(ctx, parentKey)
		require.NoError(t, err)
		assert.Equal(t, i, rec.FailureCount)
		require.NoError(t, l.CheckAllowed(ctx, parentKey))
	}

	rec, err := l.RecordFailure(ctx, parentKey)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.LockoutCount)

	authErr := requireKind(t, l.CheckAllowed(ctx, parentKey), KindAccountLocked)
	assert.Equal(t, DefaultLockoutDuration, authErr.RetryAfter)
	assert.Equal(t, 600, authErr.RetryAfterSeconds())
}

func TestLimiter_UnlocksAfterDuration(t *testing.T) {
	l, c := newTestLimiter(DefaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := l.RecordFailure(ctx, parentKey)
		require.NoError(t, err)
	}
	c.Advance(DefaultLockoutDuration - time.Second)
	authErr := requireKind(t, l.CheckAllowed(ctx, parentKey), KindAccountLocked)
	assert.Equal(t, 1, authErr.RetryAfterSeconds())

	c.Advance(time.Second)
	require.NoError(t, l.CheckAllowed(ctx, parentKey))

	// The counter starts over after an elapsed lock.
	rec, err := l.RecordFailure(ctx, parentKey)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FailureCount)
	assert.False(t, rec.LockedAt(c.Now()))
}

func TestLimiter_WindowResetsCount(t *testing.T) {
	l, c := newTestLimiter(DefaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		_, err := l.RecordFailure(ctx, parentKey)
		require.NoError(t, err)
	}
	c.Advance(DefaultAttemptWindow + time.Second)

	rec, err := l.RecordFailure(ctx, parentKey)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FailureCount)
	require.NoError(t, l.CheckAllowed(ctx, parentKey))
}

func TestLimiter_SuccessClears(t *testing.T) {
	l, _ := newTestLimiter(DefaultLimiterConfig())
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		_, err := l.RecordFailure(ctx, parentKey)
		require.NoError(t, err)
	}
	require.NoError(t, l.RecordSuccess(ctx, parentKey))

	rec, err := l.Status(ctx, parentKey)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec2, err := l.RecordFailure(ctx, parentKey)
	require.NoError(t, err)
	assert.Equal(t, 1, rec2.FailureCount)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Threshold: 2})
	ctx := context.Background()
	other := AttemptKey{Identifier: parentPhone, Source: "198.51.100.9"}

	for i := 0; i < 2; i++ {
		_, err := l.RecordFailure(ctx, parentKey)
		require.NoError(t, err)
	}
	requireKind(t, l.CheckAllowed(ctx, parentKey), KindAccountLocked)
	require.NoError(t, l.CheckAllowed(ctx, other))
}

// =============================================================================
// CONFIGURATION AND ADMIN
// =============================================================================

func TestLimiter_ConfigOverride(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Threshold: 3, LockoutDuration: time.Minute})
	cfg := l.Config()
	assert.Equal(t, 3, cfg.Threshold)
	assert.Equal(t, DefaultAttemptWindow, cfg.Window)
	assert.Equal(t, time.Minute, cfg.LockoutDuration)

	l.SetConfig(LimiterConfig{Threshold: 7})
	assert.Equal(t, 7, l.Config().Threshold)
	assert.Equal(t, DefaultLockoutDuration, l.Config().LockoutDuration)
}

func TestLimiter_ResetAndListLocked(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Threshold: 1})
	ctx := context.Background()
	childKey := PINAttemptKey(childID)

	_, err := l.RecordFailure(ctx, parentKey)
	require.NoError(t, err)
	_, err = l.RecordFailure(ctx, childKey)
	require.NoError(t, err)

	locked, err := l.ListLocked(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, parentKey, locked[0].Key)
	assert.Equal(t, childKey, locked[1].Key)
	assert.Equal(t, DefaultLockoutDuration, locked[0].Remaining)

	require.NoError(t, l.Reset(ctx, parentKey))
	require.NoError(t, l.CheckAllowed(ctx, parentKey))

	locked, err = l.ListLocked(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 1)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLimiter_ConcurrentFailuresAllCounted(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Threshold: 1000})
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordFailure(ctx, parentKey)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := l.Status(ctx, parentKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, workers, rec.FailureCount)
}
