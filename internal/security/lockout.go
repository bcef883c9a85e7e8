// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements authentication and session lifecycle for
// admin, parent and child accounts.
//
// This file implements the login attempt limiter.
//
//   - Failures are counted per (identifier, source) inside a rolling window.
//   - Reaching the threshold locks the key for a fixed duration.
//   - A locked key is refused before any credential is checked, so even a
//     correct password cannot bypass the lock.
//   - State lives in an injected Store so several nodes can share it.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/clock"
	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

// =============================================================================
// LIMITER CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the number of failures that triggers a lockout.
	DefaultMaxAttempts = 5

	// DefaultAttemptWindow is how long failures accumulate before the count resets.
	DefaultAttemptWindow = 15 * time.Minute

	// DefaultLockoutDuration is how long a locked key stays locked.
	DefaultLockoutDuration = 10 * time.Minute

	lockoutKeyPrefix = "lockout:"
)

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// AttemptKey identifies the counter a login attempt is charged to.
type AttemptKey struct {
	Identifier string
	Source     string
}

func (k AttemptKey) storeKey() string {
	return lockoutKeyPrefix + k.Identifier + "|" + k.Source
}

func parseAttemptKey(storeKey string) AttemptKey {
	rest := strings.TrimPrefix(storeKey, lockoutKeyPrefix)
	id, source, _ := strings.Cut(rest, "|")
	return AttemptKey{Identifier: id, Source: source}
}

// AttemptRecord tracks failures for one AttemptKey.
type AttemptRecord struct {
	// FailureCount is the number of failures inside the current window.
	FailureCount int `json:"failure_count"`

	// WindowStart is when the first failure of the current window happened.
	WindowStart time.Time `json:"window_start"`

	// LockedUntil is zero while the key is open.
	LockedUntil time.Time `json:"locked_until,omitempty"`

	// LockoutCount counts lockouts since the record was created.
	LockoutCount int `json:"lockout_count,omitempty"`
}

// LockedAt reports whether the record is locked at now.
func (r *AttemptRecord) LockedAt(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// RemainingAt returns the lockout time left at now, or zero.
func (r *AttemptRecord) RemainingAt(now time.Time) time.Duration {
	if !r.LockedAt(now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}

// =============================================================================
// LIMITER
// =============================================================================

// LimiterConfig holds the lockout policy.
type LimiterConfig struct {
	Threshold       int
	Window          time.Duration
	LockoutDuration time.Duration
}

// DefaultLimiterConfig returns 5 failures per 15 minutes, 10 minute lockout.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Threshold:       DefaultMaxAttempts,
		Window:          DefaultAttemptWindow,
		LockoutDuration: DefaultLockoutDuration,
	}
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	d := DefaultLimiterConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = d.LockoutDuration
	}
	return c
}

// LoginAttemptLimiter enforces temporary lockout after repeated failures.
type LoginAttemptLimiter struct {
	store   Store
	clock   clock.Clock
	metrics *Metrics

	mu  sync.RWMutex
	cfg LimiterConfig
}

// LimiterOption configures a LoginAttemptLimiter.
type LimiterOption func(*LoginAttemptLimiter)

// WithLimiterClock substitutes the time source.
func WithLimiterClock(c clock.Clock) LimiterOption {
	return func(l *LoginAttemptLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLimiterMetrics reports lockouts to m.
func WithLimiterMetrics(m *Metrics) LimiterOption {
	return func(l *LoginAttemptLimiter) {
		l.metrics = m
	}
}

// NewLoginAttemptLimiter creates a limiter over store. Zero fields in cfg
// fall back to the defaults.
func NewLoginAttemptLimiter(store Store, cfg LimiterConfig, opts ...LimiterOption) *LoginAttemptLimiter {
	l := &LoginAttemptLimiter{
		store: store,
		clock: clock.System(),
		cfg:   cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the active policy.
func (l *LoginAttemptLimiter) Config() LimiterConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// SetConfig swaps the policy at runtime. Existing locks keep their deadline.
func (l *LoginAttemptLimiter) SetConfig(cfg LimiterConfig) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// recordTTL keeps a record around long enough to cover a full window
// followed by a full lockout.
func (c LimiterConfig) recordTTL() time.Duration {
	return c.Window + c.LockoutDuration
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

// CheckAllowed returns an AccountLocked error while key is locked and nil
// otherwise. Callers must run it before verifying any credential.
func (l *LoginAttemptLimiter) CheckAllowed(ctx context.Context, key AttemptKey) error {
	rec, err := l.load(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	now := l.clock.Now()
	if rec.LockedAt(now) {
		return lockedError(rec.RemainingAt(now))
	}
	return nil
}

// RecordFailure charges one failure to key and locks it when the threshold
// is reached. The returned record reflects the state after the update.
func (l *LoginAttemptLimiter) RecordFailure(ctx context.Context, key AttemptKey) (AttemptRecord, error) {
	cfg := l.Config()
	var result AttemptRecord
	lockedNow := false

	err := l.store.Update(ctx, key.storeKey(), cfg.recordTTL(), func(current []byte, found bool) ([]byte, error) {
		var rec AttemptRecord
		if found {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, fmt.Errorf("decode attempt record: %w", err)
			}
		}
		now := l.clock.Now()

		// An elapsed lock starts the key over.
		if !rec.LockedUntil.IsZero() && !rec.LockedAt(now) {
			rec.FailureCount = 0
			rec.LockedUntil = time.Time{}
			rec.WindowStart = time.Time{}
		}
		if rec.WindowStart.IsZero() || now.After(rec.WindowStart.Add(cfg.Window)) {
			rec.FailureCount = 0
			rec.WindowStart = now
		}

		rec.FailureCount++
		if rec.FailureCount >= cfg.Threshold && !rec.LockedAt(now) {
			rec.LockedUntil = now.Add(cfg.LockoutDuration)
			rec.LockoutCount++
			lockedNow = true
		}
		result = rec
		return json.Marshal(rec)
	})
	if err != nil {
		return AttemptRecord{}, fmt.Errorf("record failure: %w", err)
	}

	if lockedNow {
		util.Log(ctx).With(
			"identifier", cbutil.MaskIdentifier(key.Identifier),
			"source", cbutil.MaskIdentifier(key.Source),
			"until", result.LockedUntil.Format(time.RFC3339),
			"lockouts", result.LockoutCount,
		).Warn("login lockout engaged")
		l.metrics.lockout()
	}
	return result, nil
}

// RecordSuccess clears failures and any lock on key.
func (l *LoginAttemptLimiter) RecordSuccess(ctx context.Context, key AttemptKey) error {
	if err := l.store.Delete(ctx, key.storeKey()); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// Reset is the administrative unlock. It has the same effect as a success.
func (l *LoginAttemptLimiter) Reset(ctx context.Context, key AttemptKey) error {
	return l.RecordSuccess(ctx, key)
}

// Status returns the record for key, or nil when no failures are tracked.
func (l *LoginAttemptLimiter) Status(ctx context.Context, key AttemptKey) (*AttemptRecord, error) {
	return l.load(ctx, key)
}

func (l *LoginAttemptLimiter) load(ctx context.Context, key AttemptKey) (*AttemptRecord, error) {
	raw, err := l.store.Get(ctx, key.storeKey())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt record: %w", err)
	}
	var rec AttemptRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode attempt record: %w", err)
	}
	return &rec, nil
}

// =============================================================================
// LISTING
// =============================================================================

// LockoutEntry describes a currently locked key.
type LockoutEntry struct {
	Key          AttemptKey
	FailureCount int
	LockedUntil  time.Time
	Remaining    time.Duration
}

// ListLocked returns every key that is locked right now.
func (l *LoginAttemptLimiter) ListLocked(ctx context.Context) ([]LockoutEntry, error) {
	keys, err := l.store.Keys(ctx, lockoutKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list lockout keys: %w", err)
	}
	now := l.clock.Now()
	var entries []LockoutEntry
	for _, k := range keys {
		key := parseAttemptKey(k)
		rec, err := l.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.LockedAt(now) {
			continue
		}
		entries = append(entries, LockoutEntry{
			Key:          key,
			FailureCount: rec.FailureCount,
			LockedUntil:  rec.LockedUntil,
			Remaining:    rec.RemainingAt(now),
		})
	}
	return entries, nil
}
