// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"

	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of attempts for transient failures.
	DefaultMaxRetries = 3

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second

	// maxResponseSize caps how much of a gateway reply is read.
	maxResponseSize = 64 * 1024
)

var (
	// ErrNotConfigured is returned when no gateway endpoint is set.
	ErrNotConfigured = errors.New("sms gateway not configured")

	// ErrRejected is returned when the gateway refuses the message.
	ErrRejected = errors.New("sms gateway rejected message")
)

// GatewayError carries a non-2xx gateway reply.
type GatewayError struct {
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sms gateway returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sms gateway returned %d", e.Status)
}

// =============================================================================
// HTTP SENDER
// =============================================================================

// Config holds the gateway settings.
type Config struct {
	Endpoint   string
	Token      string
	SenderID   string
	Timeout    time.Duration
	MaxRetries int
}

type sendRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at"`
}

type gatewayReply struct {
	Error string `json:"error"`
}

// HTTPSender posts codes to an SMS gateway as JSON.
type HTTPSender struct {
	cfg    Config
	client *http.Client
}

// NewHTTPSender creates a sender. Zero timeout and retry values take the
// package defaults.
func NewHTTPSender(cfg Config) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &HTTPSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// Message renders the text delivered to the phone.
func Message(code string, expiresAt time.Time) string {
	minutes := int(time.Until(expiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Your ChoreBoard login code is %s. It expires in %d minutes.", code, minutes)
}

// SendCode delivers code to phone, retrying 5xx and 429 replies with
// exponential backoff.
func (s *HTTPSender) SendCode(ctx context.Context, phone, code string, expiresAt time.Time) error {
	if strings.TrimSpace(s.cfg.Endpoint) == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(sendRequest{
		To:        phone,
		From:      s.cfg.SenderID,
		Message:   Message(code, expiresAt),
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		err := s.post(ctx, body)
		if err == nil {
			util.Log(ctx).WithField("phone", cbutil.MaskPhone(phone)).Debug("sms code delivered")
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		util.Log(ctx).WithError(err).WithField("attempt", attempt+1).Warn("sms delivery failed, retrying")
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *HTTPSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	gwErr := &GatewayError{Status: resp.StatusCode}
	var reply gatewayReply
	if json.Unmarshal(raw, &reply) == nil {
		gwErr.Message = reply.Error
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRejected, gwErr.Error())
	}
	return gwErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Status == http.StatusTooManyRequests || gwErr.Status >= 500
	}
	return !errors.Is(err, ErrRejected)
}

func backoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender records code requests in the log instead of sending them. The
// code itself is withheld unless RevealCodes is set, which is only meant for
// local development.
type LogSender struct {
	RevealCodes bool
}

func (l LogSender) SendCode(ctx context.Context, phone, code string, expiresAt time.Time) error {
	log := util.Log(ctx).With(
		"phone", cbutil.MaskPhone(phone),
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)
	if !l.RevealCodes {
		log.Warn("sms delivery disabled, code withheld")
		return nil
	}
	log.WithField("code", code).Warn("sms delivery disabled, code logged for development")
	return nil
}
