// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Session Manager issues opaque bearer tokens and decides whether they are
// still usable.
//
//   - A session is valid while now < ExpiresAt and it is not locked.
//   - Lifetimes depend on the role: admins and parents keep longer sessions
//     than children on a shared device.
//   - Expired sessions are removed lazily on Validate and in bulk by
//     SweepExpired.

package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/clock"
	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

// Session lifetime defaults.
const (
	DefaultAdminSessionTTL  = 12 * time.Hour
	DefaultParentSessionTTL = 7 * 24 * time.Hour
	DefaultChildSessionTTL  = 8 * time.Hour

	// tokenBytes gives 256 bits of entropy.
	tokenBytes = 32
)

// Session is an issued login. Child sessions additionally carry the device
// fingerprint they were created on and their last activity time.
type Session struct {
	Token             string    `json:"token"`
	AccountID         string    `json:"account_id"`
	Role              Role      `json:"role"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	LastActiveAt      time.Time `json:"last_active_at"`
	Locked            bool      `json:"locked"`
}

// ExpiredAt reports whether the session has run out at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ValidAt reports whether the session may be used at now.
func (s *Session) ValidAt(now time.Time) bool {
	return !s.ExpiredAt(now) && !s.Locked
}

// SessionStore persists sessions by token. Get and Update return ErrNotFound
// for unknown tokens. Update must apply fn atomically per token; an error from
// fn aborts without writing.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionPolicy holds per-role lifetimes.
type SessionPolicy struct {
	AdminTTL  time.Duration
	ParentTTL time.Duration
	ChildTTL  time.Duration
}

// DefaultSessionPolicy returns 12h admin, 7d parent and 8h child sessions.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		AdminTTL:  DefaultAdminSessionTTL,
		ParentTTL: DefaultParentSessionTTL,
		ChildTTL:  DefaultChildSessionTTL,
	}
}

// TTLFor returns the lifetime for role.
func (p SessionPolicy) TTLFor(role Role) (time.Duration, error) {
	switch role {
	case RoleAdmin:
		return p.AdminTTL, nil
	case RoleParent:
		return p.ParentTTL, nil
	case RoleChild:
		return p.ChildTTL, nil
	default:
		return 0, fmt.Errorf("no session lifetime for %s", role)
	}
}

func (p SessionPolicy) withDefaults() SessionPolicy {
	d := DefaultSessionPolicy()
	if p.AdminTTL <= 0 {
		p.AdminTTL = d.AdminTTL
	}
	if p.ParentTTL <= 0 {
		p.ParentTTL = d.ParentTTL
	}
	if p.ChildTTL <= 0 {
		p.ChildTTL = d.ChildTTL
	}
	return p
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// SessionManager owns the session lifecycle.
type SessionManager struct {
	store   SessionStore
	clock   clock.Clock
	policy  SessionPolicy
	metrics *Metrics
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock substitutes the time source.
func WithSessionClock(c clock.Clock) SessionOption {
	return func(m *SessionManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithSessionMetrics counts issued sessions in m.
func WithSessionMetrics(metrics *Metrics) SessionOption {
	return func(m *SessionManager) {
		m.metrics = metrics
	}
}

// NewSessionManager creates a SessionManager over store.
func NewSessionManager(store SessionStore, policy SessionPolicy, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:  store,
		clock:  clock.System(),
		policy: policy.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueRequest describes the session to create.
type IssueRequest struct {
	AccountID         string
	Role              Role
	DeviceFingerprint string
}

// Issue creates and persists a new unlocked session.
func (m *SessionManager) Issue(ctx context.Context, req IssueRequest) (*Session, error) {
	if req.AccountID == "" {
		return nil, errors.New("issue session: empty account id")
	}
	ttl, err := m.policy.TTLFor(req.Role)
	if err != nil {
		return nil, err
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	s := &Session{
		Token:             token,
		AccountID:         req.AccountID,
		Role:              req.Role,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		DeviceFingerprint: req.DeviceFingerprint,
		LastActiveAt:      now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.metrics.sessionIssued(req.Role)
	util.Log(ctx).With(
		"account", req.AccountID,
		"role", req.Role.String(),
		"token", cbutil.MaskToken(token),
	).Debug("session issued")
	return s, nil
}

// Validate returns the session for token if it is usable. Unknown and
// expired tokens yield SessionExpired; locked ones yield SessionLocked.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Locked {
		return nil, newAuthError(KindSessionLocked, "session locked")
	}
	return s, nil
}

// lookup loads token and drops it if expired. Locked sessions are returned.
func (m *SessionManager) lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, newAuthError(KindSessionExpired, "empty token")
	}
	s, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, newAuthError(KindSessionExpired, "unknown token")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.ExpiredAt(m.clock.Now()) {
		if err := m.store.Delete(ctx, token); err != nil {
			util.Log(ctx).WithError(err).Warn("failed to drop expired session")
		}
		return nil, newAuthError(KindSessionExpired, "session expired")
	}
	return s, nil
}

// Revoke deletes the session. Revoking an unknown token is not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// SweepExpired deletes every session past its expiry and returns the count.
func (m *SessionManager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return n, nil
}

// update runs fn against a live session. Unknown and expired tokens map to
// SessionExpired so callers see one error vocabulary.
func (m *SessionManager) update(ctx context.Context, token string, fn func(*Session) error) (*Session, error) {
	if token == "" {
		return nil, newAuthError(KindSessionExpired, "empty token")
	}
	s, err := m.store.Update(ctx, token, func(s *Session) error {
		if s.ExpiredAt(m.clock.Now()) {
			return newAuthError(KindSessionExpired, "session expired")
		}
		return fn(s)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, newAuthError(KindSessionExpired, "unknown token")
	}
	return s, err
}

func newSessionToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemorySessionStore keeps sessions in process memory. Reads take a shared
// lock so concurrent validations do not serialize.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.Token]; exists {
		return fmt.Errorf("session %s already exists", cbutil.MaskToken(sess.Token))
	}
	s.sessions[sess.Token] = *sess
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *MemorySessionStore) Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&sess); err != nil {
		return nil, err
	}
	s.sessions[token] = sess
	return &sess, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		if sess.ExpiredAt(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}
