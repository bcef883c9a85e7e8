// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestOneTimeCode_IssueAndConsumeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)
	assert.Regexp(t, sixDigits, issued.Code)
	assert.Equal(t, f.clock.Now().Add(DefaultCodeTTL), issued.ExpiresAt)

	require.NoError(t, f.codes.Verify(ctx, parentPhone, issued.Code))
	requireKind(t, f.codes.Verify(ctx, parentPhone, issued.Code), KindCodeAlreadyUsed)
}

func TestOneTimeCode_ReissueInvalidatesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)
	second, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)
	for second.Code == first.Code {
		second, err = f.codes.Issue(ctx, parentPhone)
		require.NoError(t, err)
	}

	requireKind(t, f.codes.Verify(ctx, parentPhone, first.Code), KindInvalidCredentials)
	require.NoError(t, f.codes.Verify(ctx, parentPhone, second.Code))
}

func TestOneTimeCode_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)

	f.clock.Advance(DefaultCodeTTL)
	requireKind(t, f.codes.Verify(ctx, parentPhone, issued.Code), KindCodeExpired)
}

func TestOneTimeCode_NothingIssued(t *testing.T) {
	f := newFixture(t)
	requireKind(t, f.codes.Verify(context.Background(), parentPhone, "123456"), KindCodeExpired)
}

func TestOneTimeCode_WrongGuessesBurnCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)
	wrong := "000000"
	if issued.Code == wrong {
		wrong = "111111"
	}
	for i := 0; i < DefaultMaxCodeAttempts; i++ {
		requireKind(t, f.codes.Verify(ctx, parentPhone, wrong), KindInvalidCredentials)
	}
	requireKind(t, f.codes.Verify(ctx, parentPhone, issued.Code), KindCodeExpired)
}

func TestOneTimeCode_MalformedInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.codes.Issue(ctx, "12345")
	requireKind(t, err, KindMalformedInput)
	requireKind(t, f.codes.Verify(ctx, parentPhone, "12ab56"), KindMalformedInput)
	requireKind(t, f.codes.Verify(ctx, parentPhone, "12345"), KindMalformedInput)
}

func TestOneTimeCode_AcceptsInternationalPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, "+86 138-0000-0100")
	require.NoError(t, err)
	require.NoError(t, f.codes.Verify(ctx, parentPhone, issued.Code))
}

func TestOneTimeCode_ConcurrentVerifySucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.codes.Verify(ctx, parentPhone, issued.Code) == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestOneTimeCode_StoresHashNotCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.codes.Issue(ctx, parentPhone)
	require.NoError(t, err)
	raw, err := f.store.Get(ctx, codeKeyPrefix+parentPhone)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"`+issued.Code+`"`)
	assert.Contains(t, string(raw), hashCode(parentPhone, issued.Code))
}

func TestRandomDigits_KeepsLeadingZeros(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := randomDigits(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
	}
}
