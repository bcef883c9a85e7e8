// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Reserve(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.Zero(t, rl.Reserve("203.0.113.7"))
	assert.Zero(t, rl.Reserve("203.0.113.7"))
	wait := rl.Reserve("203.0.113.7")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	assert.Zero(t, rl.Reserve("198.51.100.1"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.Zero(t, rl.Reserve("203.0.113.7"), "bucket refills")
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.Reserve("203.0.113.7")
	now = now.Add(2 * visitorTTL)
	rl.Reserve("198.51.100.1")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "198.51.100.1")
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 1})

	rec := env.do(t, call{method: http.MethodPost, path: "/api/auth/logout"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, call{method: http.MethodPost, path: "/api/auth/logout"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are not rate limited")
}

func TestProxyHeaders(t *testing.T) {
	var seen string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { seen = GetClientIP(r) })

	tests := []struct {
		name   string
		trust  bool
		remote string
		want   string
	}{
		{"disabled", false, "10.0.0.2:5555", "10.0.0.2"},
		{"trusted proxy", true, "10.0.0.2:5555", "198.51.100.9"},
		{"untrusted peer", true, "203.0.113.5:5555", "203.0.113.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{opts: Options{TrustProxyHeaders: tt.trust}}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", "198.51.100.9")
			s.proxyHeaders(capture).ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.Header.Set("User-Agent", "Tablet")
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.Header.Set("User-Agent", "Tablet")
	c := httptest.NewRequest(http.MethodGet, "/", nil)
	c.Header.Set("User-Agent", "Phone")

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 64)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
