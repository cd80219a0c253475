package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v, err := NewHMACVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Issue(Identity{UserID: 7, Username: "alice"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
	assert.Equal(t, "alice", id.Username)

	// Bearer prefix as sent in the Authorization header
	id, err = v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewHMACVerifier("test-secret")
	require.NoError(t, err)
	other, err := NewHMACVerifier("other-secret")
	require.NoError(t, err)

	expired, err := v.Issue(Identity{UserID: 1, Username: "a"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := other.Issue(Identity{UserID: 1, Username: "a"}, time.Hour)
	require.NoError(t, err)
	noUser, err := v.Issue(Identity{Username: "ghost"}, time.Hour)
	require.NoError(t, err)

	// HS512 is not accepted even with the right secret
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	// No expiry claim
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 1}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"expired":   expired,
		"wrong key": wrongKey,
		"no user":   noUser,
		"hs512":     hs512,
		"no exp":    noExp,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestNewHMACVerifierRequiresSecret(t *testing.T) {
	_, err := NewHMACVerifier("")
	assert.ErrorIs(t, err, ErrNoSecret)
}
