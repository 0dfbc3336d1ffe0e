package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/store"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery 1")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := VerifyPassword("correct horse battery 1", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong horse battery 1", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHashSaltVaries(t *testing.T) {
	a, err := HashPassword("correct horse battery 1")
	require.NoError(t, err)
	b, err := HashPassword("correct horse battery 1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	_, err := VerifyPassword("whatever", "$bcrypt$nope")
	assert.Error(t, err)
	_, err = VerifyPassword("whatever", "not-a-hash")
	assert.Error(t, err)
}

func TestCheckPasswordStrength(t *testing.T) {
	assert.NoError(t, CheckPasswordStrength("abcdefghi1"))
	assert.ErrorIs(t, CheckPasswordStrength("short1"), ErrWeakPassword)
	assert.ErrorIs(t, CheckPasswordStrength("abcdefghijk"), ErrWeakPassword)  // no digit
	assert.ErrorIs(t, CheckPasswordStrength("12345678901"), ErrWeakPassword) // no letter
}

func TestUserTokenRoundTrip(t *testing.T) {
	signer := NewTokenSigner("secret", time.Hour)
	raw, err := signer.SignUser(&store.User{ID: 42, Email: "ana@example.com", Role: store.RoleAnalyst})
	require.NoError(t, err)

	claims, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", claims.Subject)
	assert.Equal(t, store.RoleAnalyst, claims.Role)
	assert.Equal(t, int64(42), claims.UserID)
}

func TestDeviceTokenNeverExpires(t *testing.T) {
	// A zero-TTL signer still issues device tokens valid indefinitely.
	signer := NewTokenSigner("secret", time.Nanosecond)
	raw, err := signer.SignDevice("dev-1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	claims, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.Subject)
	assert.Equal(t, store.RoleDevice, claims.Role)
}

func TestUserTokenExpiry(t *testing.T) {
	signer := NewTokenSigner("secret", -time.Minute)
	raw, err := signer.SignUser(&store.User{ID: 1, Email: "a@b.c", Role: store.RoleAdmin})
	require.NoError(t, err)

	_, err = signer.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	raw, err := NewTokenSigner("secret-a", time.Hour).SignUser(
		&store.User{ID: 1, Email: "a@b.c", Role: store.RoleOwner})
	require.NoError(t, err)

	_, err = NewTokenSigner("secret-b", time.Hour).Verify(raw)
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, err = NewTokenSigner("secret-a", time.Hour).Verify("garbage.token.here")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestAllowMatrix(t *testing.T) {
	cases := []struct {
		caller, min string
		want        bool
	}{
		{store.RoleOwner, store.RoleOwner, true},
		{store.RoleOwner, store.RoleAnalyst, true},
		{store.RoleAdmin, store.RoleOwner, false},
		{store.RoleAdmin, store.RoleAdmin, true},
		{store.RoleAnalyst, store.RoleAdmin, false},
		{store.RoleAnalyst, store.RoleAnalyst, true},
		{store.RoleDevice, store.RoleAnalyst, false},
		{store.RoleDevice, store.RoleDevice, true},
		// Humans pass device-scoped checks; subject binding happens later.
		{store.RoleAnalyst, store.RoleDevice, true},
		{"intruder", store.RoleAnalyst, false},
		{store.RoleOwner, "intruder", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Allow(tc.caller, tc.min), "%s vs %s", tc.caller, tc.min)
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{store.RoleDevice, store.RoleAnalyst, store.RoleAdmin, store.RoleOwner} {
		assert.True(t, ValidRole(r))
	}
	assert.False(t, ValidRole("superuser"))
	assert.False(t, ValidRole(""))
}
