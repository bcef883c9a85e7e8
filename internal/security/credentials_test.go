// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCredentialStore_FailsClosedWithoutHash(t *testing.T) {
	ctx := context.Background()
	accounts := NewMemoryAccountStore()
	require.NoError(t, accounts.Create(ctx, &Account{ID: "p", Role: RoleParent, Phone: parentPhone}))
	require.NoError(t, accounts.Create(ctx, &Account{ID: "c", Role: RoleChild}))
	creds := NewCredentialStore(accounts, WithBcryptCost(bcrypt.MinCost))

	ok, err := creds.VerifyPassword(ctx, "p", fixturePassword)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = creds.VerifyPIN(ctx, "c", fixturePIN)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = creds.VerifyPassword(ctx, "missing", fixturePassword)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialStore_VerifyAfterSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.creds.VerifyPassword(ctx, parentID, fixturePassword)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.creds.VerifyPassword(ctx, parentID, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.creds.VerifyPIN(ctx, childID, fixturePIN)
	require.NoError(t, err)
	assert.True(t, ok)

	// A PIN is not a password and vice versa.
	ok, err = f.creds.VerifyPassword(ctx, childID, fixturePIN)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialStore_MalformedInputNeverErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, pin := range []string{"", "12", "1234567", "12a4", "    ", "①①①①", "¹¹¹¹"} {
		ok, err := f.creds.VerifyPIN(ctx, childID, pin)
		require.NoError(t, err, "pin %q", pin)
		assert.False(t, ok, "pin %q", pin)
	}
	for _, pw := range []string{"", strings.Repeat("x", 73)} {
		ok, err := f.creds.VerifyPassword(ctx, parentID, pw)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestCredentialStore_FullWidthPIN(t *testing.T) {
	f := newFixture(t)
	ok, err := f.creds.VerifyPIN(context.Background(), childID, "１１１１")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCredentialStore_RotationReplacesHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.accounts.FindByID(ctx, childID)
	require.NoError(t, err)
	require.NoError(t, f.creds.SetPIN(ctx, childID, "4321"))
	after, err := f.accounts.FindByID(ctx, childID)
	require.NoError(t, err)

	assert.NotEqual(t, before.PINHash, after.PINHash)
	assert.NotContains(t, string(after.PINHash), "4321")

	ok, err := f.creds.VerifyPIN(ctx, childID, fixturePIN)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.creds.VerifyPIN(ctx, childID, "4321")
	require.NoError(t, err)
	assert.True(t, ok)

	requireKind(t, f.creds.SetPIN(ctx, childID, "12"), KindMalformedInput)
	require.ErrorIs(t, f.creds.SetPassword(ctx, "missing", "long-enough"), ErrNotFound)
}

func TestCredentialStore_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := f.creds.VerifyPassword(ctx, parentID, fixturePassword)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestCredentialStore_ConcurrentVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := fixturePassword
			if i%2 == 1 {
				candidate = "wrong"
			}
			ok, err := f.creds.VerifyPassword(ctx, parentID, candidate)
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, ok)
		}(i)
	}
	wg.Wait()
}
