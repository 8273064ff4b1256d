package chatsync

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestIdentityFromToken(t *testing.T) {
	token := signedToken(t, tokenClaims{UserID: 42, DeviceID: "web-a1b2"})

	id, err := IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.UserID)
	assert.Equal(t, "web-a1b2", id.DeviceID)
	assert.Equal(t, token, id.Token)
}

func TestIdentityFromTokenMissingClaim(t *testing.T) {
	token := signedToken(t, jwt.RegisteredClaims{Subject: "nobody"})
	_, err := IdentityFromToken(token)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestIdentityFromTokenGarbage(t *testing.T) {
	_, err := IdentityFromToken("not-a-jwt")
	assert.Error(t, err)
}
