// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/pitabwire/util"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultBcryptCost puts a single verification at roughly 50-150ms on
// current server hardware.
const DefaultBcryptCost = 10

// CredentialStore verifies and rotates password and PIN hashes. It writes no
// audit entries so that login and admin-reset flows can share it.
type CredentialStore struct {
	accounts AccountStore
	cost     int

	// slots bounds concurrent bcrypt work so a burst of logins cannot starve
	// every other request of CPU.
	slots *semaphore.Weighted

	dummyOnce sync.Once
	dummyHash []byte
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithBcryptCost overrides the bcrypt cost. Values outside bcrypt's range are ignored.
func WithBcryptCost(cost int) CredentialOption {
	return func(c *CredentialStore) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			c.cost = cost
		}
	}
}

// WithHashConcurrency sets how many hash operations may run at once.
func WithHashConcurrency(n int) CredentialOption {
	return func(c *CredentialStore) {
		if n > 0 {
			c.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewCredentialStore creates a CredentialStore over accounts.
func NewCredentialStore(accounts AccountStore, opts ...CredentialOption) *CredentialStore {
	c := &CredentialStore{
		accounts: accounts,
		cost:     DefaultBcryptCost,
		slots:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyPassword reports whether candidate matches the account's password.
// It fails closed: unknown accounts, accounts without a password and malformed
// candidates all return false. The error is reserved for store and context
// failures.
func (c *CredentialStore) VerifyPassword(ctx context.Context, accountID, candidate string) (bool, error) {
	if ValidatePassword(candidate) != nil {
		return false, nil
	}
	acct, err := c.lookup(ctx, accountID)
	if err != nil {
		return false, err
	}
	var hash []byte
	if acct != nil {
		hash = acct.PasswordHash
	}
	return c.compare(ctx, hash, candidate)
}

// VerifyPIN reports whether pin matches the account's PIN. Input that is not
// 4-6 digits is rejected before any hashing happens.
func (c *CredentialStore) VerifyPIN(ctx context.Context, accountID, pin string) (bool, error) {
	normalized, err := NormalizePIN(pin)
	if err != nil {
		return false, nil
	}
	acct, err := c.lookup(ctx, accountID)
	if err != nil {
		return false, err
	}
	var hash []byte
	if acct != nil {
		hash = acct.PINHash
	}
	return c.compare(ctx, hash, normalized)
}

// lookup returns nil without error when the account does not exist.
func (c *CredentialStore) lookup(ctx context.Context, accountID string) (*Account, error) {
	acct, err := c.accounts.FindByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// compare runs bcrypt against hash. An empty hash is compared against a dummy
// so missing accounts cost the same as wrong passwords, then reported false.
func (c *CredentialStore) compare(ctx context.Context, hash []byte, candidate string) (bool, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("wait for hash slot: %w", err)
	}
	defer c.slots.Release(1)

	if len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(c.dummy(), []byte(candidate))
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(candidate))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		util.Log(ctx).WithError(err).Warn("stored credential hash is unreadable")
		return false, nil
	}
}

func (c *CredentialStore) dummy() []byte {
	c.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("choreboard-dummy-credential"), c.cost)
		if err == nil {
			c.dummyHash = h
		}
	})
	return c.dummyHash
}

// =============================================================================
// ROTATION
// =============================================================================

// HashPassword validates and hashes a password without persisting it.
func (c *CredentialStore) HashPassword(ctx context.Context, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	return c.hash(ctx, password)
}

// HashPIN validates and hashes a PIN without persisting it.
func (c *CredentialStore) HashPIN(ctx context.Context, pin string) ([]byte, error) {
	normalized, err := NormalizePIN(pin)
	if err != nil {
		return nil, err
	}
	return c.hash(ctx, normalized)
}

// SetPassword re-hashes and stores the account's password.
func (c *CredentialStore) SetPassword(ctx context.Context, accountID, password string) error {
	hash, err := c.HashPassword(ctx, password)
	if err != nil {
		return err
	}
	if err := c.accounts.SetPasswordHash(ctx, accountID, hash); err != nil {
		return fmt.Errorf("store password hash: %w", err)
	}
	return nil
}

// SetPIN re-hashes and stores the account's PIN.
func (c *CredentialStore) SetPIN(ctx context.Context, accountID, pin string) error {
	hash, err := c.HashPIN(ctx, pin)
	if err != nil {
		return err
	}
	if err := c.accounts.SetPINHash(ctx, accountID, hash); err != nil {
		return fmt.Errorf("store pin hash: %w", err)
	}
	return nil
}

func (c *CredentialStore) hash(ctx context.Context, secret string) ([]byte, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for hash slot: %w", err)
	}
	defer c.slots.Release(1)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), c.cost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}
	return hash, nil
}
