// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/choreboard/choreboard-auth/internal/clock"
	"github.com/choreboard/choreboard-auth/internal/config"
	"github.com/choreboard/choreboard-auth/internal/security"
)

type recordingSender struct {
	mu    sync.Mutex
	codes []string
}

func (r *recordingSender) SendCode(_ context.Context, _, code string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "auth.db")
	cfg.Credentials.BcryptCost = bcrypt.MinCost
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

func build(t *testing.T, cfg *config.Config, opts ...Option) (*App, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	a, err := Build(context.Background(), cfg, append([]Option{WithClock(c)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, c
}

func seedParent(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Accounts.Create(ctx, &security.Account{ID: "parent-1", Role: security.RoleParent, Phone: "13800000100"}))
	require.NoError(t, a.Credentials.SetPassword(ctx, "parent-1", "1111"))
}

func TestBuild_PasswordLoginIsPersistedAndAudited(t *testing.T) {
	a, _ := build(t, testConfig(t))
	seedParent(t, a)
	ctx := context.Background()

	res, err := a.Gateway.LoginPassword(ctx, "13800000100", "1111", "203.0.113.7")
	require.NoError(t, err)

	s, err := a.Sessions.Validate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, "parent-1", s.AccountID)

	reader, err := a.AuditReader()
	require.NoError(t, err)
	entries, err := reader.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, security.ActionLoginSuccess, entries[0].Action)
}

func TestBuild_OTPWithInjectedSender(t *testing.T) {
	sender := &recordingSender{}
	a, _ := build(t, testConfig(t), WithSender(sender))
	seedParent(t, a)
	ctx := context.Background()

	_, err := a.Gateway.SendCode(ctx, "13800000100", "203.0.113.7")
	require.NoError(t, err)
	require.Len(t, sender.codes, 1)

	_, err = a.Gateway.LoginOTP(ctx, "13800000100", sender.codes[0], "203.0.113.7")
	require.NoError(t, err)
}

func TestBuild_FileAuditSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Sink = config.AuditSinkFile
	cfg.Audit.FilePath = filepath.Join(t.TempDir(), "audit", "auth.jsonl")
	a, _ := build(t, cfg)
	seedParent(t, a)
	ctx := context.Background()

	_, err := a.Gateway.LoginPassword(ctx, "13800000100", "nope", "203.0.113.7")
	require.ErrorIs(t, err, security.ErrInvalidCredentials)

	reader, err := a.AuditReader()
	require.NoError(t, err)
	entries, err := reader.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, security.ActionLoginFailed, entries[0].Action)
	assert.NotContains(t, entries[0].Metadata, "password")
}

func TestBuild_MemoryDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = config.MemoryDatabase
	a, _ := build(t, cfg)
	assert.NoError(t, a.DB.Ping(context.Background()))
}

func TestApplyConfig_SwapsLockoutPolicy(t *testing.T) {
	a, _ := build(t, testConfig(t))
	seedParent(t, a)
	ctx := context.Background()

	next := testConfig(t)
	next.Lockout.MaxAttempts = 2
	a.ApplyConfig(ctx, next)
	assert.Equal(t, 2, a.Limiter.Config().Threshold)

	for i := 0; i < 2; i++ {
		_, err := a.Gateway.LoginPassword(ctx, "13800000100", "nope", "203.0.113.7")
		require.ErrorIs(t, err, security.ErrInvalidCredentials)
	}
	_, err := a.Gateway.LoginPassword(ctx, "13800000100", "1111", "203.0.113.7")
	require.ErrorIs(t, err, security.ErrAccountLocked)
}

func TestNewServer_EndToEnd(t *testing.T) {
	a, _ := build(t, testConfig(t))
	seedParent(t, a)

	srv, err := a.NewServer()
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/auth/login/password", "application/json",
		strings.NewReader(`{"phone":"138 0000 0100","password":"1111"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServer_RejectsBadCookieKey(t *testing.T) {
	cfg := testConfig(t)
	a, _ := build(t, cfg)
	a.Config.Server.CookieHashKey = "abcd"
	_, err := a.NewServer()
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a, _ := build(t, cfg)

	path := filepath.Join(t.TempDir(), "auth.toml")
	require.NoError(t, config.WriteTOML(cfg, path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, path) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
