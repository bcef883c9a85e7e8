// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/choreboard-auth/internal/security"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "choreboard-auth.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, security.DefaultLimiterConfig(), cfg.Lockout.LimiterConfig())
	assert.Equal(t, security.DefaultSessionPolicy(), cfg.Session.Policy())
	assert.Equal(t, security.DefaultOTPConfig(), cfg.OTP.CodeConfig())
	assert.Equal(t, security.DefaultGatewayConfig(), cfg.OTP.GatewayConfig())
	assert.Equal(t, 2*time.Minute, cfg.Child.IdleTimeout.Duration)
}

func TestLoad_TOMLOverDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, t.TempDir(), `
[server]
addr = "127.0.0.1:9090"
trust_proxy_headers = true

[lockout]
max_attempts = 3
duration = "30m"

[child]
idle_timeout = "90s"

[sms]
mode = "http"
endpoint = "https://sms.example.com/send"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.True(t, cfg.Server.TrustProxyHeaders)
	assert.Equal(t, 3, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Lockout.Duration.Duration)
	assert.Equal(t, security.DefaultAttemptWindow, cfg.Lockout.Window.Duration, "unset keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Child.IdleTimeout.Duration)
	assert.Equal(t, SMSModeHTTP, cfg.SMS.Mode)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, t.TempDir(), "[lockout]\nmax_attempt = 3\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lockout.max_attempt")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHOREBOARD_ADDR", ":7000")
	t.Setenv("CHOREBOARD_LOCKOUT_MAX_ATTEMPTS", "8")
	t.Setenv("CHOREBOARD_CHILD_IDLE_TIMEOUT", "5m")
	t.Setenv("CHOREBOARD_AUDIT_FILE", "/var/log/choreboard/audit.jsonl")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Child.IdleTimeout.Duration)
	assert.Equal(t, AuditSinkFile, cfg.Audit.Sink)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHOREBOARD_BCRYPT_COST", "high")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHOREBOARD_BCRYPT_COST")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHOREBOARD_DB_PATH=memory\n"), 0600))
	t.Setenv("CHOREBOARD_DB_PATH", "")
	os.Unsetenv("CHOREBOARD_DB_PATH")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Database.IsMemory())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Lockout.MaxAttempts = 0
	cfg.Credentials.BcryptCost = 99
	cfg.SMS.Mode = "carrier-pigeon"
	cfg.Child.IdleTimeout = D(24 * time.Hour)
	cfg.Server.CookieHashKey = "not-hex"

	err := cfg.Validate()
	var errs ValidateErrors
	require.ErrorAs(t, err, &errs)

	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	assert.ElementsMatch(t, []string{
		"server.cookie_hash_key",
		"lockout.max_attempts",
		"child.idle_timeout",
		"credentials.bcrypt_cost",
		"sms.mode",
	}, fields)
}

func TestValidate_HTTPModeNeedsEndpoint(t *testing.T) {
	cfg := Default()
	cfg.SMS.Mode = SMSModeHTTP
	require.Error(t, cfg.Validate())

	cfg.SMS.Endpoint = "https://sms.example.com/send"
	require.NoError(t, cfg.Validate())
}

func TestSMS_LogCodesIsOptIn(t *testing.T) {
	cfg := Default()
	assert.Equal(t, SMSModeLog, cfg.SMS.Mode)
	assert.False(t, cfg.SMS.LogCodes, "plaintext codes must be enabled explicitly")

	t.Setenv("CHOREBOARD_SMS_LOG_CODES", "true")
	require.NoError(t, cfg.ApplyEnvOverrides())
	assert.True(t, cfg.SMS.LogCodes)
	require.NoError(t, cfg.Validate())

	cfg.SMS.Mode = SMSModeHTTP
	cfg.SMS.Endpoint = "https://sms.example.com/send"
	var errs ValidateErrors
	require.ErrorAs(t, cfg.Validate(), &errs)
	require.Len(t, errs, 1)
	assert.Equal(t, "sms.log_codes", errs[0].Field)
}

func TestCookieKeys(t *testing.T) {
	s := ServerConfig{CookieHashKey: strings.Repeat("ab", 32), CookieBlockKey: strings.Repeat("cd", 16)}
	hashKey, blockKey, err := s.CookieKeys()
	require.NoError(t, err)
	assert.Len(t, hashKey, 32)
	assert.Len(t, blockKey, 16)

	_, _, err = ServerConfig{CookieHashKey: "abcd"}.CookieKeys()
	assert.Error(t, err)

	_, _, err = ServerConfig{CookieBlockKey: strings.Repeat("cd", 16)}.CookieKeys()
	assert.Error(t, err)
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Server.CookieHashKey = strings.Repeat("ab", 32)
	cfg.SMS.Token = "gateway-secret-token"

	out := cfg.String()
	assert.NotContains(t, out, cfg.Server.CookieHashKey)
	assert.NotContains(t, out, "gateway-secret-token")
	assert.Contains(t, out, `"request_timeout": "5s"`)
}

func TestWriteTOML_RoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "out.toml")
	cfg := Default()
	cfg.Lockout.Duration = D(45 * time.Minute)
	require.NoError(t, WriteTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, loaded.Lockout.Duration.Duration)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	path := writeConfig(t, dir, "[lockout]\nmax_attempts = 5\n")

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { got <- cfg })
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid edit is ignored.
	writeConfig(t, dir, "[lockout]\nmax_attempts = -1\n")
	select {
	case cfg := <-got:
		t.Fatalf("invalid config delivered: %+v", cfg.Lockout)
	case <-time.After(200 * time.Millisecond):
	}

	writeConfig(t, dir, "[lockout]\nmax_attempts = 9\n")
	select {
	case cfg := <-got:
		assert.Equal(t, 9, cfg.Lockout.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
