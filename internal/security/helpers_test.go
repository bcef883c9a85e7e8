// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/choreboard/choreboard-auth/internal/clock"
)

const (
	parentPhone     = "13800000100"
	parentID        = "parent-1"
	adminPhone      = "13900000001"
	adminID         = "admin-1"
	childID         = "child-1"
	siblingID       = "child-2"
	fixturePassword = "1111"
	fixturePIN      = "1111"
	siblingPIN      = "2222"
	testSource      = "203.0.113.7"
	testFingerprint = "fp-kitchen-tablet"
)

type sentCode struct {
	phone string
	code  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentCode
	err  error
}

func (f *fakeSender) SendCode(_ context.Context, phone, code string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentCode{phone: phone, code: code})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last(t *testing.T) sentCode {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no code was sent")
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	clock    *clock.Manual
	store    *MemoryStore
	accounts *MemoryAccountStore
	creds    *CredentialStore
	codes    *OneTimeCodeService
	limiter  *LoginAttemptLimiter
	sessions *SessionManager
	guard    *ChildSessionGuard
	audit    *MemoryAuditSink
	sender   *fakeSender
	gateway  *AuthGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		clock:    clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		accounts: NewMemoryAccountStore(),
		audit:    NewMemoryAuditSink(),
		sender:   &fakeSender{},
	}
	f.store = NewMemoryStore(f.clock)
	f.creds = NewCredentialStore(f.accounts, WithBcryptCost(bcrypt.MinCost))
	f.codes = NewOneTimeCodeService(f.store, DefaultOTPConfig(), f.clock)
	f.limiter = NewLoginAttemptLimiter(f.store, DefaultLimiterConfig(), WithLimiterClock(f.clock))
	f.sessions = NewSessionManager(NewMemorySessionStore(), DefaultSessionPolicy(), WithSessionClock(f.clock))
	f.guard = NewChildSessionGuard(f.accounts, f.creds, f.limiter, f.sessions,
		WithIdleTimeout(120*time.Second), WithGuardAudit(f.audit))

	gw, err := NewAuthGateway(GatewayDeps{
		Accounts:    f.accounts,
		Credentials: f.creds,
		Codes:       f.codes,
		Limiter:     f.limiter,
		Sessions:    f.sessions,
		Guard:       f.guard,
		Sender:      f.sender,
		Store:       f.store,
		Audit:       f.audit,
		Clock:       f.clock,
	}, DefaultGatewayConfig())
	require.NoError(t, err)
	f.gateway = gw

	for _, acct := range []*Account{
		{ID: parentID, Role: RoleParent, Phone: parentPhone, DisplayName: "Mom"},
		{ID: adminID, Role: RoleAdmin, Phone: adminPhone, DisplayName: "Admin"},
		{ID: childID, Role: RoleChild, DisplayName: "Xiaoming"},
		{ID: siblingID, Role: RoleChild, DisplayName: "Xiaohong"},
	} {
		require.NoError(t, f.accounts.Create(ctx, acct))
	}
	require.NoError(t, f.creds.SetPassword(ctx, parentID, fixturePassword))
	require.NoError(t, f.creds.SetPassword(ctx, adminID, "admin-secret"))
	require.NoError(t, f.creds.SetPIN(ctx, childID, fixturePIN))
	require.NoError(t, f.creds.SetPIN(ctx, siblingID, siblingPIN))
	return f
}

func (f *fixture) actions() []AuditAction {
	var out []AuditAction
	for _, e := range f.audit.Entries() {
		out = append(out, e.Action)
	}
	return out
}

func requireKind(t *testing.T, err error, kind ErrorKind) *AuthError {
	t.Helper()
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, kind, authErr.Kind, "got %v", err)
	return authErr
}
