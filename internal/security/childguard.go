// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/util"

	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

// DefaultIdleTimeout is how long a child session may sit untouched before
// the next access locks it.
const DefaultIdleTimeout = 2 * time.Minute

// pinAttemptSource is the limiter source for PIN attempts. Children share a
// device, so PIN failures are counted per account rather than per address.
const pinAttemptSource = "pin"

// Reasons recorded when a child session is locked.
const (
	LockReasonManual      = "manual"
	LockReasonIdle        = "idle"
	LockReasonFingerprint = "fingerprint_mismatch"
)

// ChildSessionGuard runs the child session state machine:
//
//	Active --touch--> Active
//	Active --idle timeout or fingerprint mismatch--> Locked
//	Locked --VerifyPIN--> new Active session
//
// A locked session is never unlocked in place.
type ChildSessionGuard struct {
	accounts    AccountStore
	credentials *CredentialStore
	limiter     *LoginAttemptLimiter
	sessions    *SessionManager
	idleTimeout time.Duration
	audit       auditRecorder
	metrics     *Metrics
}

// GuardOption configures a ChildSessionGuard.
type GuardOption func(*ChildSessionGuard)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) GuardOption {
	return func(g *ChildSessionGuard) {
		if d > 0 {
			g.idleTimeout = d
		}
	}
}

// WithGuardAudit records session_locked entries to sink.
func WithGuardAudit(sink AuditSink) GuardOption {
	return func(g *ChildSessionGuard) {
		g.audit.sink = sink
	}
}

// WithGuardMetrics counts locks in m.
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *ChildSessionGuard) {
		g.metrics = m
	}
}

// NewChildSessionGuard wires the guard to its collaborators.
func NewChildSessionGuard(accounts AccountStore, credentials *CredentialStore, limiter *LoginAttemptLimiter, sessions *SessionManager, opts ...GuardOption) *ChildSessionGuard {
	g := &ChildSessionGuard{
		accounts:    accounts,
		credentials: credentials,
		limiter:     limiter,
		sessions:    sessions,
		idleTimeout: DefaultIdleTimeout,
		audit:       auditRecorder{clock: sessions.clock},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IdleTimeout returns the configured idle window.
func (g *ChildSessionGuard) IdleTimeout() time.Duration {
	return g.idleTimeout
}

// PINAttemptKey is the limiter key charged for PIN attempts on accountID.
func PINAttemptKey(accountID string) AttemptKey {
	return AttemptKey{Identifier: accountID, Source: pinAttemptSource}
}

// VerifyPIN checks a child's PIN and issues a fresh session bound to
// fingerprint. Malformed PINs are rejected before the limiter is consulted.
func (g *ChildSessionGuard) VerifyPIN(ctx context.Context, accountID, pin, fingerprint string) (*Session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, newAuthError(KindMalformedInput, "empty account id")
	}
	if _, err := NormalizePIN(pin); err != nil {
		return nil, err
	}

	key := PINAttemptKey(accountID)
	if err := g.limiter.CheckAllowed(ctx, key); err != nil {
		return nil, err
	}

	acct, err := g.accounts.FindByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, g.fail(ctx, key, newAuthError(KindAccountNotFound, "unknown child account"))
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Role != RoleChild {
		return nil, g.fail(ctx, key, newAuthError(KindInvalidCredentials, "not a child account"))
	}

	ok, err := g.credentials.VerifyPIN(ctx, acct.ID, pin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, g.fail(ctx, key, newAuthError(KindInvalidCredentials, "pin mismatch"))
	}

	if err := g.limiter.RecordSuccess(ctx, key); err != nil {
		return nil, err
	}
	return g.sessions.Issue(ctx, IssueRequest{
		AccountID:         acct.ID,
		Role:              RoleChild,
		DeviceFingerprint: fingerprint,
	})
}

// fail charges a failure to key and returns cause. Limiter errors take
// precedence.
func (g *ChildSessionGuard) fail(ctx context.Context, key AttemptKey, cause *AuthError) error {
	if _, err := g.limiter.RecordFailure(ctx, key); err != nil {
		return err
	}
	return cause
}

// Touch records activity on a child session. A locked session stays locked.
func (g *ChildSessionGuard) Touch(ctx context.Context, token string) error {
	_, err := g.sessions.update(ctx, token, func(s *Session) error {
		if s.Locked {
			return newAuthError(KindSessionLocked, "session locked")
		}
		s.LastActiveAt = g.sessions.clock.Now()
		return nil
	})
	return err
}

// ShouldAutoLock reports whether the session has been idle longer than the
// idle timeout. Non-child sessions never auto-lock.
func (g *ChildSessionGuard) ShouldAutoLock(ctx context.Context, token string) (bool, error) {
	s, err := g.sessions.lookup(ctx, token)
	if err != nil {
		return false, err
	}
	return g.idle(s, g.sessions.clock.Now()), nil
}

func (g *ChildSessionGuard) idle(s *Session, now time.Time) bool {
	if s.Role != RoleChild {
		return false
	}
	return now.Sub(s.LastActiveAt) > g.idleTimeout
}

// Lock marks a child session locked. Locking an already locked session is a
// no-op. Other roles have no PIN to come back with and are refused untouched.
func (g *ChildSessionGuard) Lock(ctx context.Context, token string) error {
	return g.lock(ctx, token, LockReasonManual)
}

func (g *ChildSessionGuard) lock(ctx context.Context, token, reason string) error {
	already := false
	s, err := g.sessions.update(ctx, token, func(s *Session) error {
		if s.Role != RoleChild {
			return newAuthError(KindMalformedInput, "not a child session")
		}
		already = s.Locked
		s.Locked = true
		return nil
	})
	if err != nil {
		return err
	}
	if !already {
		g.locked(ctx, s, reason)
	}
	return nil
}

// Access is the per-request gate for protected child resources. It rejects
// unusable sessions, locks the session on fingerprint mismatch or idle
// timeout, and otherwise records the activity. Sessions of other roles are
// validated and passed through untouched.
func (g *ChildSessionGuard) Access(ctx context.Context, token, fingerprint string) (*Session, error) {
	reason := ""
	s, err := g.sessions.update(ctx, token, func(s *Session) error {
		if s.Locked {
			return newAuthError(KindSessionLocked, "session locked")
		}
		if s.Role != RoleChild {
			return nil
		}
		now := g.sessions.clock.Now()
		switch {
		case s.DeviceFingerprint != "" && fingerprint != s.DeviceFingerprint:
			reason = LockReasonFingerprint
		case g.idle(s, now):
			reason = LockReasonIdle
		default:
			s.LastActiveAt = now
			return nil
		}
		s.Locked = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		g.locked(ctx, s, reason)
		return nil, newAuthError(KindSessionLocked, reason)
	}
	return s, nil
}

func (g *ChildSessionGuard) locked(ctx context.Context, s *Session, reason string) {
	util.Log(ctx).With(
		"account", s.AccountID,
		"token", cbutil.MaskToken(s.Token),
		"reason", reason,
	).Info("child session locked")
	g.metrics.childLocked(reason)
	g.audit.record(ctx, s.AccountID, ActionSessionLocked, "", map[string]string{
		"reason":      reason,
		"fingerprint": cbutil.MaskIdentifier(s.DeviceFingerprint),
	})
}
