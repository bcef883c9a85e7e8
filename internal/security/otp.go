// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/choreboard/choreboard-auth/internal/clock"
)

const (
	// DefaultCodeTTL is how long an SMS code stays valid.
	DefaultCodeTTL = 5 * time.Minute

	// DefaultMaxCodeAttempts is how many wrong guesses burn a code.
	DefaultMaxCodeAttempts = 5

	codeKeyPrefix = "otp:"
	codeDigits    = 6
)

// OTPConfig holds the one-time code policy.
type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

// DefaultOTPConfig returns a 5 minute TTL and 5 guesses per code.
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{TTL: DefaultCodeTTL, MaxAttempts: DefaultMaxCodeAttempts}
}

// IssuedCode is handed to SMS delivery. Code is the only place the plaintext
// exists; the store keeps a hash.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}

type codeRecord struct {
	CodeHash  string    `json:"code_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	Attempts  int       `json:"attempts"`
}

// OneTimeCodeService issues and verifies 6-digit codes bound to a phone.
// Each phone has a single code slot: issuing overwrites it, which is what
// invalidates earlier codes.
type OneTimeCodeService struct {
	store Store
	clock clock.Clock
	cfg   OTPConfig
}

// NewOneTimeCodeService creates the service. A nil clock means wall time.
func NewOneTimeCodeService(store Store, cfg OTPConfig, c clock.Clock) *OneTimeCodeService {
	d := DefaultOTPConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if c == nil {
		c = clock.System()
	}
	return &OneTimeCodeService{store: store, clock: c, cfg: cfg}
}

// Issue generates a fresh code for phone. The store write that replaces any
// previous code completes before the new code is returned.
func (s *OneTimeCodeService) Issue(ctx context.Context, phone string) (IssuedCode, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return IssuedCode{}, err
	}
	code, err := randomDigits(codeDigits)
	if err != nil {
		return IssuedCode{}, err
	}
	now := s.clock.Now()
	rec := codeRecord{
		CodeHash:  hashCode(phone, code),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return IssuedCode{}, err
	}
	if err := s.store.Set(ctx, codeKeyPrefix+phone, raw, s.cfg.TTL); err != nil {
		return IssuedCode{}, fmt.Errorf("store code: %w", err)
	}
	return IssuedCode{Code: code, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify consumes the code for phone. It returns nil exactly once per issued
// code; afterwards the same code yields CodeAlreadyUsed.
func (s *OneTimeCodeService) Verify(ctx context.Context, phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	code, err = NormalizeCode(code)
	if err != nil {
		return err
	}

	var outcome error
	err = s.store.Update(ctx, codeKeyPrefix+phone, s.cfg.TTL, func(current []byte, found bool) ([]byte, error) {
		if !found {
			outcome = newAuthError(KindCodeExpired, "no code issued")
			return nil, nil
		}
		var rec codeRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("decode code record: %w", err)
		}
		now := s.clock.Now()
		switch {
		case rec.Consumed:
			outcome = newAuthError(KindCodeAlreadyUsed, "code consumed")
			return current, nil
		case !now.Before(rec.ExpiresAt):
			outcome = newAuthError(KindCodeExpired, "code expired")
			return nil, nil
		case rec.Attempts >= s.cfg.MaxAttempts:
			outcome = newAuthError(KindCodeExpired, "code burned by wrong guesses")
			return current, nil
		}

		want := []byte(rec.CodeHash)
		got := []byte(hashCode(phone, code))
		if subtle.ConstantTimeCompare(want, got) != 1 {
			rec.Attempts++
			outcome = newAuthError(KindInvalidCredentials, "code mismatch")
		} else {
			rec.Consumed = true
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}
	return outcome
}

func hashCode(phone, code string) string {
	sum := sha256.Sum256([]byte(phone + ":" + code))
	return hex.EncodeToString(sum[:])
}

// randomDigits returns n uniformly random decimal digits, leading zeros kept.
func randomDigits(n int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
