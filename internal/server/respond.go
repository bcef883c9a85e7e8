// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// maxBodyBytes bounds request bodies; every request is a handful of fields.
const maxBodyBytes = 4 << 10

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind security.ErrorKind) int {
	switch kind {
	case security.KindMalformedInput:
		return http.StatusBadRequest
	case security.KindInvalidCredentials, security.KindAccountNotFound,
		security.KindCodeExpired, security.KindCodeAlreadyUsed, security.KindSessionExpired:
		return http.StatusUnauthorized
	case security.KindSessionLocked:
		return http.StatusForbidden
	case security.KindAccountLocked, security.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// publicCode hides AccountNotFound behind the generic credential code.
func publicCode(kind security.ErrorKind) string {
	if kind == security.KindAccountNotFound {
		return security.KindInvalidCredentials.String()
	}
	return kind.String()
}

// writeError renders err. Expected failures become their mapped status;
// anything else is logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *security.AuthError
	if errors.As(err, &authErr) {
		body := errorBody{
			Code:    publicCode(authErr.Kind),
			Message: authErr.PublicMessage(),
		}
		if secs := authErr.RetryAfterSeconds(); secs > 0 {
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, statusFor(authErr.Kind), errorResponse{Error: body})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		util.Log(r.Context()).WithError(err).Warn("request abandoned")
		writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
		return
	}
	util.Log(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, security.KindMalformedInput.String(), "invalid input")
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeErrorCode(w, http.StatusBadRequest, security.KindMalformedInput.String(), "invalid input")
		return false
	}
	return true
}
