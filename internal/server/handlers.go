// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "cb_session"

type ctxKey int

const sessionKey ctxKey = iota

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

type sendCodeRequest struct {
	Phone string `json:"phone"`
}

type sendCodeResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type passwordLoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type otpLoginRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type pinLoginRequest struct {
	AccountID string `json:"account_id"`
	PIN       string `json:"pin"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	AccountID string        `json:"account_id"`
	Role      security.Role `json:"role"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type sessionResponse struct {
	AccountID    string        `json:"account_id"`
	Role         security.Role `json:"role"`
	ExpiresAt    time.Time     `json:"expires_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// ============================================================================
// AUTH HANDLERS
// ============================================================================

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expires, err := s.gateway.SendCode(r.Context(), req.Phone, GetClientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendCodeResponse{ExpiresAt: expires})
}

func (s *Server) handleLoginPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.gateway.LoginPassword(r.Context(), req.Phone, req.Password, GetClientIP(r))
	s.respondLogin(w, r, res, err)
}

func (s *Server) handleLoginOTP(w http.ResponseWriter, r *http.Request) {
	var req otpLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.gateway.LoginOTP(r.Context(), req.Phone, req.Code, GetClientIP(r))
	s.respondLogin(w, r, res, err)
}

func (s *Server) handleLoginPIN(w http.ResponseWriter, r *http.Request) {
	var req pinLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.gateway.LoginChildPIN(r.Context(), req.AccountID, req.PIN, Fingerprint(r))
	s.respondLogin(w, r, res, err)
}

func (s *Server) respondLogin(w http.ResponseWriter, r *http.Request, res *security.LoginResult, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.setSessionCookie(w, res.Token, res.ExpiresAt); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		AccountID: res.AccountID,
		Role:      res.Role,
		ExpiresAt: res.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Logout(r.Context(), s.token(r), GetClientIP(r)); err != nil {
		writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{
		AccountID:    sess.AccountID,
		Role:         sess.Role,
		ExpiresAt:    sess.ExpiresAt,
		LastActiveAt: sess.LastActiveAt,
	})
}

// ============================================================================
// CHILD HANDLERS
// ============================================================================

func (s *Server) handleChildLock(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Lock(r.Context(), s.token(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// SESSION MIDDLEWARE
// ============================================================================

// requireSession rejects requests without a valid, unlocked session. Every
// session passes the child guard, so idle or moved child sessions are locked
// here and activity is recorded for the rest.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.guard.Access(r.Context(), s.token(r), Fingerprint(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func sessionFrom(ctx context.Context) *security.Session {
	sess, _ := ctx.Value(sessionKey).(*security.Session)
	return sess
}

// token reads the bearer token, falling back to the session cookie.
func (s *Server) token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	var tok string
	if err := s.cookies.Decode(SessionCookie, c.Value, &tok); err != nil {
		return ""
	}
	return tok
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) error {
	encoded, err := s.cookies.Encode(SessionCookie, token)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Fingerprint identifies the device a request came from: a hash of the
// User-Agent and client IP.
func Fingerprint(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.UserAgent() + "|" + GetClientIP(r)))
	return hex.EncodeToString(sum[:])
}
