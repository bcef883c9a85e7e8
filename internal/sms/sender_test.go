// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/choreboard-auth/internal/security"
)

var (
	_ security.CodeSender = (*HTTPSender)(nil)
	_ security.CodeSender = LogSender{}
)

func TestHTTPSender_Delivers(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL, Token: "gw-token", SenderID: "CHORES"})
	expires := time.Now().Add(5 * time.Minute)
	require.NoError(t, s.SendCode(context.Background(), "13800000100", "042917", expires))

	assert.Equal(t, "13800000100", got.To)
	assert.Equal(t, "CHORES", got.From)
	assert.Contains(t, got.Message, "042917")
	assert.Equal(t, expires.Unix(), got.ExpiresAt)
}

func TestHTTPSender_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL})
	require.NoError(t, s.SendCode(context.Background(), "13800000100", "123456", time.Now().Add(time.Minute)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSender_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL, MaxRetries: 2})
	err := s.SendCode(context.Background(), "13800000100", "123456", time.Now().Add(time.Minute))
	require.Error(t, err)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusServiceUnavailable, gwErr.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSender_RejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid number"}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(Config{Endpoint: srv.URL})
	err := s.SendCode(context.Background(), "13800000100", "123456", time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "invalid number")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPSender_NotConfigured(t *testing.T) {
	err := NewHTTPSender(Config{}).SendCode(context.Background(), "13800000100", "123456", time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMessage(t *testing.T) {
	msg := Message("000123", time.Now().Add(5*time.Minute))
	assert.Contains(t, msg, "000123")
	assert.Contains(t, msg, "5 minutes")

	assert.Contains(t, Message("1", time.Now().Add(-time.Minute)), "1 minutes")
}

func captureLog(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	ctx := context.Background()
	logger := util.NewLogger(ctx, util.WithLogOutput(&buf), util.WithLogNoColor(true))
	return util.ContextWithLogger(ctx, logger), &buf
}

func TestLogSender_WithholdsCode(t *testing.T) {
	ctx, buf := captureLog(t)
	require.NoError(t, LogSender{}.SendCode(ctx, "13800000100", "482915", time.Now()))
	assert.Contains(t, buf.String(), "code withheld")
	assert.NotContains(t, buf.String(), "482915")
	assert.NotContains(t, buf.String(), "13800000100")
}

func TestLogSender_RevealCodes(t *testing.T) {
	ctx, buf := captureLog(t)
	require.NoError(t, LogSender{RevealCodes: true}.SendCode(ctx, "13800000100", "482915", time.Now()))
	assert.Contains(t, buf.String(), "482915")
}
