// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/clock"
	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

// SMS throttling defaults.
const (
	DefaultResendCooldown = 60 * time.Second
	DefaultSMSQuota       = 10
	DefaultSMSQuotaWindow = time.Hour

	cooldownKeyPrefix = "otp_cooldown:"
	quotaKeyPrefix    = "otp_quota:"
)

// CodeSender delivers a one-time code out of band.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string, expiresAt time.Time) error
}

// LoginResult is what a successful login hands back to the web layer.
type LoginResult struct {
	Token     string
	AccountID string
	Role      Role
	ExpiresAt time.Time
}

// GatewayConfig holds the SMS throttling policy.
type GatewayConfig struct {
	ResendCooldown time.Duration
	SMSQuota       int
	SMSQuotaWindow time.Duration
}

// DefaultGatewayConfig returns a 60s resend cooldown and 10 codes per source
// per hour.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ResendCooldown: DefaultResendCooldown,
		SMSQuota:       DefaultSMSQuota,
		SMSQuotaWindow: DefaultSMSQuotaWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = d.ResendCooldown
	}
	if c.SMSQuota <= 0 {
		c.SMSQuota = d.SMSQuota
	}
	if c.SMSQuotaWindow <= 0 {
		c.SMSQuotaWindow = d.SMSQuotaWindow
	}
	return c
}

// GatewayDeps lists the collaborators of an AuthGateway. Audit, Metrics and
// Clock are optional.
type GatewayDeps struct {
	Accounts    AccountStore
	Credentials *CredentialStore
	Codes       *OneTimeCodeService
	Limiter     *LoginAttemptLimiter
	Sessions    *SessionManager
	Guard       *ChildSessionGuard
	Sender      CodeSender
	Store       Store
	Audit       AuditSink
	Metrics     *Metrics
	Clock       clock.Clock
}

// AuthGateway is the single entry point the web layer uses to sign people in
// and out. Every login path writes the same audit vocabulary.
type AuthGateway struct {
	accounts    AccountStore
	credentials *CredentialStore
	codes       *OneTimeCodeService
	limiter     *LoginAttemptLimiter
	sessions    *SessionManager
	guard       *ChildSessionGuard
	sender      CodeSender
	store       Store
	audit       auditRecorder
	metrics     *Metrics
	clock       clock.Clock
	cfg         GatewayConfig
}

// NewAuthGateway validates deps and builds the gateway.
func NewAuthGateway(deps GatewayDeps, cfg GatewayConfig) (*AuthGateway, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("auth gateway: account store required")
	case deps.Credentials == nil:
		return nil, errors.New("auth gateway: credential store required")
	case deps.Codes == nil:
		return nil, errors.New("auth gateway: code service required")
	case deps.Limiter == nil:
		return nil, errors.New("auth gateway: limiter required")
	case deps.Sessions == nil:
		return nil, errors.New("auth gateway: session manager required")
	case deps.Guard == nil:
		return nil, errors.New("auth gateway: child guard required")
	case deps.Sender == nil:
		return nil, errors.New("auth gateway: code sender required")
	case deps.Store == nil:
		return nil, errors.New("auth gateway: store required")
	}
	c := deps.Clock
	if c == nil {
		c = clock.System()
	}
	return &AuthGateway{
		accounts:    deps.Accounts,
		credentials: deps.Credentials,
		codes:       deps.Codes,
		limiter:     deps.Limiter,
		sessions:    deps.Sessions,
		guard:       deps.Guard,
		sender:      deps.Sender,
		store:       deps.Store,
		audit:       auditRecorder{sink: deps.Audit, clock: c},
		metrics:     deps.Metrics,
		clock:       c,
		cfg:         cfg.withDefaults(),
	}, nil
}

// =============================================================================
// PASSWORD AND OTP LOGIN
// =============================================================================

// LoginPassword signs in an admin or parent by phone and password.
func (g *AuthGateway) LoginPassword(ctx context.Context, phone, password, source string) (*LoginResult, error) {
	normalized, err := NormalizePhone(phone)
	if err == nil {
		err = ValidatePassword(password)
	}
	if err != nil {
		return nil, g.rejectMalformed(ctx, MethodPassword, source, err)
	}
	key := AttemptKey{Identifier: normalized, Source: source}
	if err := g.checkAllowed(ctx, MethodPassword, key); err != nil {
		return nil, err
	}

	acct, err := g.findByPhone(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Role.UsesPassword() {
		// Spend the same hashing work as a real comparison.
		_, _ = g.credentials.compare(ctx, nil, password)
		return nil, g.loginFailed(ctx, MethodPassword, key, "", newAuthError(KindInvalidCredentials, "account_not_found"))
	}

	ok, err := g.credentials.VerifyPassword(ctx, acct.ID, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, g.loginFailed(ctx, MethodPassword, key, acct.ID, newAuthError(KindInvalidCredentials, "password_mismatch"))
	}
	return g.loginSucceeded(ctx, MethodPassword, key, acct)
}

// LoginOTP signs in an admin or parent with an SMS code.
func (g *AuthGateway) LoginOTP(ctx context.Context, phone, code, source string) (*LoginResult, error) {
	normalized, err := NormalizePhone(phone)
	if err == nil {
		_, err = NormalizeCode(code)
	}
	if err != nil {
		return nil, g.rejectMalformed(ctx, MethodOTP, source, err)
	}
	key := AttemptKey{Identifier: normalized, Source: source}
	if err := g.checkAllowed(ctx, MethodOTP, key); err != nil {
		return nil, err
	}

	if err := g.codes.Verify(ctx, normalized, code); err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return nil, err
		}
		return nil, g.loginFailed(ctx, MethodOTP, key, "", authErr)
	}

	acct, err := g.findByPhone(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Role.UsesPassword() {
		return nil, g.loginFailed(ctx, MethodOTP, key, "", newAuthError(KindInvalidCredentials, "account_not_found"))
	}
	return g.loginSucceeded(ctx, MethodOTP, key, acct)
}

// =============================================================================
// CHILD PIN LOGIN
// =============================================================================

// LoginChildPIN signs a child in on a shared device.
func (g *AuthGateway) LoginChildPIN(ctx context.Context, accountID, pin, fingerprint string) (*LoginResult, error) {
	meta := map[string]string{
		"method":      MethodPIN,
		"fingerprint": cbutil.MaskIdentifier(fingerprint),
	}
	s, err := g.guard.VerifyPIN(ctx, accountID, pin, fingerprint)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return nil, err
		}
		meta["reason"] = authErr.Kind.String()
		action := ActionLoginFailed
		outcome := "failed"
		if authErr.Kind == KindAccountLocked {
			action = ActionLoginLocked
			outcome = "locked"
			meta["retry_after"] = strconv.Itoa(authErr.RetryAfterSeconds())
		}
		g.metrics.login(MethodPIN, outcome)
		g.audit.record(ctx, accountID, action, "", meta)
		return nil, err
	}

	g.metrics.login(MethodPIN, "success")
	g.audit.record(ctx, s.AccountID, ActionLoginSuccess, "", meta)
	return &LoginResult{Token: s.Token, AccountID: s.AccountID, Role: s.Role, ExpiresAt: s.ExpiresAt}, nil
}

// =============================================================================
// CODE DELIVERY AND LOGOUT
// =============================================================================

// SendCode issues a code for phone and hands it to the SMS sender. A phone
// may request a code once per cooldown and a source at most SMSQuota times
// per window. Unknown phones get the same response without a message being
// sent.
func (g *AuthGateway) SendCode(ctx context.Context, phone, source string) (time.Time, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return time.Time{}, err
	}

	until := g.clock.Now().Add(g.cfg.ResendCooldown)
	fresh, err := g.store.SetNX(ctx, cooldownKeyPrefix+normalized,
		[]byte(strconv.FormatInt(until.UnixNano(), 10)), g.cfg.ResendCooldown)
	if err != nil {
		return time.Time{}, fmt.Errorf("check resend cooldown: %w", err)
	}
	if !fresh {
		return time.Time{}, g.cooldownError(ctx, normalized)
	}
	if source != "" {
		n, err := g.store.Increment(ctx, quotaKeyPrefix+source, g.cfg.SMSQuotaWindow)
		if err != nil {
			return time.Time{}, fmt.Errorf("check sms quota: %w", err)
		}
		if n > int64(g.cfg.SMSQuota) {
			g.clearCooldown(ctx, normalized)
			return time.Time{}, &AuthError{Kind: KindRateLimited, RetryAfter: g.cfg.SMSQuotaWindow, Reason: "source quota"}
		}
	}

	acct, err := g.findByPhone(ctx, normalized)
	if err != nil {
		return time.Time{}, err
	}
	if acct == nil || !acct.Role.UsesPassword() {
		g.audit.record(ctx, "", ActionOTPSent, source, map[string]string{
			"identifier": cbutil.MaskIdentifier(normalized),
			"delivered":  "false",
			"reason":     "account_not_found",
		})
		return g.clock.Now().Add(g.codes.cfg.TTL), nil
	}

	issued, err := g.codes.Issue(ctx, normalized)
	if err != nil {
		return time.Time{}, err
	}
	if err := g.sender.SendCode(ctx, normalized, issued.Code, issued.ExpiresAt); err != nil {
		// Let the user retry immediately after a delivery failure.
		g.clearCooldown(ctx, normalized)
		return time.Time{}, fmt.Errorf("deliver code: %w", err)
	}
	g.metrics.codeSent()
	g.audit.record(ctx, acct.ID, ActionOTPSent, source, map[string]string{
		"identifier": cbutil.MaskIdentifier(normalized),
		"delivered":  "true",
	})
	return issued.ExpiresAt, nil
}

// cooldownError reports the time left on phone's resend cooldown. The key
// holds the cooldown deadline in unix nanoseconds.
func (g *AuthGateway) cooldownError(ctx context.Context, phone string) *AuthError {
	remaining := g.cfg.ResendCooldown
	raw, err := g.store.Get(ctx, cooldownKeyPrefix+phone)
	switch {
	case errors.Is(err, ErrNotFound):
		remaining = 0
	case err != nil:
		util.Log(ctx).WithError(err).Warn("failed to read resend cooldown")
	default:
		if n, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			remaining = time.Unix(0, n).Sub(g.clock.Now())
		}
	}
	if remaining < time.Second {
		remaining = time.Second
	}
	return &AuthError{Kind: KindRateLimited, RetryAfter: remaining, Reason: "resend cooldown"}
}

func (g *AuthGateway) clearCooldown(ctx context.Context, phone string) {
	if err := g.store.Delete(ctx, cooldownKeyPrefix+phone); err != nil {
		util.Log(ctx).WithError(err).Warn("failed to clear resend cooldown")
	}
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (g *AuthGateway) Logout(ctx context.Context, token, source string) error {
	if token == "" {
		return nil
	}
	s, err := g.sessions.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if err := g.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	g.audit.record(ctx, s.AccountID, ActionLogout, source, map[string]string{"role": s.Role.String()})
	return nil
}

// ResetLockout clears the limiter state for key and audits who asked.
func (g *AuthGateway) ResetLockout(ctx context.Context, key AttemptKey, operator string) error {
	if err := g.limiter.Reset(ctx, key); err != nil {
		return err
	}
	g.audit.record(ctx, "", ActionLockoutReset, "", map[string]string{
		"identifier": cbutil.MaskIdentifier(key.Identifier),
		"operator":   operator,
	})
	return nil
}

// =============================================================================
// SHARED AUDIT CONTRACT
// =============================================================================

func (g *AuthGateway) findByPhone(ctx context.Context, phone string) (*Account, error) {
	acct, err := g.accounts.FindByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

func (g *AuthGateway) rejectMalformed(ctx context.Context, method, source string, err error) error {
	g.metrics.login(method, "malformed")
	g.audit.record(ctx, "", ActionLoginFailed, source, map[string]string{
		"method": method,
		"reason": KindMalformedInput.String(),
	})
	return err
}

func (g *AuthGateway) checkAllowed(ctx context.Context, method string, key AttemptKey) error {
	err := g.limiter.CheckAllowed(ctx, key)
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Kind == KindAccountLocked {
		g.metrics.login(method, "locked")
		g.audit.record(ctx, "", ActionLoginLocked, key.Source, map[string]string{
			"method":      method,
			"identifier":  cbutil.MaskIdentifier(key.Identifier),
			"retry_after": strconv.Itoa(authErr.RetryAfterSeconds()),
		})
	}
	return err
}

// loginFailed charges the failure before returning cause to the caller.
func (g *AuthGateway) loginFailed(ctx context.Context, method string, key AttemptKey, accountID string, cause *AuthError) error {
	rec, err := g.limiter.RecordFailure(ctx, key)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"method":     method,
		"identifier": cbutil.MaskIdentifier(key.Identifier),
		"reason":     cause.Reason,
		"failures":   strconv.Itoa(rec.FailureCount),
	}
	if cause.Reason == "" {
		meta["reason"] = cause.Kind.String()
	}
	g.metrics.login(method, "failed")
	g.audit.record(ctx, accountID, ActionLoginFailed, key.Source, meta)
	return cause
}

func (g *AuthGateway) loginSucceeded(ctx context.Context, method string, key AttemptKey, acct *Account) (*LoginResult, error) {
	if err := g.limiter.RecordSuccess(ctx, key); err != nil {
		return nil, err
	}
	s, err := g.sessions.Issue(ctx, IssueRequest{AccountID: acct.ID, Role: acct.Role})
	if err != nil {
		return nil, err
	}
	g.metrics.login(method, "success")
	g.audit.record(ctx, acct.ID, ActionLoginSuccess, key.Source, map[string]string{
		"method": method,
		"role":   acct.Role.String(),
	})
	return &LoginResult{Token: s.Token, AccountID: s.AccountID, Role: s.Role, ExpiresAt: s.ExpiresAt}, nil
}
