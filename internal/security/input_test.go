// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"13800000100":     "13800000100",
		" 138 0000 0100 ": "13800000100",
		"+8613800000100":  "13800000100",
		"8613800000100":   "13800000100",
		"１３８００００01００":     "13800000100",
		"(138)0000-0100":  "13800000100",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "12800000100", "1380000010", "138000001000", "abc", "+1 555 0100"} {
		_, err := NormalizePhone(in)
		requireKind(t, err, KindMalformedInput)
	}
}

func TestNormalizePINAndCode(t *testing.T) {
	for _, pin := range []string{"1234", "12345", "123456"} {
		_, err := NormalizePIN(pin)
		require.NoError(t, err, pin)
	}
	pin, err := NormalizePIN("１２３４")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)
	for _, pin := range []string{"123", "1234567", "12a4", "-123", "①②③④", "¹²³⁴", "١٢٣٤"} {
		_, err := NormalizePIN(pin)
		requireKind(t, err, KindMalformedInput)
	}

	_, err = NormalizeCode("012345")
	require.NoError(t, err)
	_, err = NormalizeCode("12345")
	requireKind(t, err, KindMalformedInput)
}

func TestValidatePassword(t *testing.T) {
	require.NoError(t, ValidatePassword(fixturePassword))
	require.NoError(t, ValidatePassword(strings.Repeat("a", 72)))
	requireKind(t, ValidatePassword(""), KindMalformedInput)
	requireKind(t, ValidatePassword(strings.Repeat("a", 73)), KindMalformedInput)
}

func TestRole_ParseAndText(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleParent, RoleChild} {
		text, err := r.MarshalText()
		require.NoError(t, err)
		var back Role
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, r, back)
	}
	_, err := ParseRole("guest")
	require.Error(t, err)
	_, err = Role(0).MarshalText()
	require.Error(t, err)
	assert.False(t, RoleChild.UsesPassword())
	assert.True(t, RoleParent.UsesPassword())
}
