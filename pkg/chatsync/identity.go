package chatsync

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when an access token carries no user claim.
var ErrNoIdentity = errors.New("chatsync: access token has no user identity")

// Identity is the current-user context passed to each component at
// construction. It replaces any ambient current-user singleton; a fresh
// Identity is built on login and every component holding one is torn
// down on logout.
type Identity struct {
	UserID   int64
	DeviceID string
	Token    string
}

type tokenClaims struct {
	UserID   int64  `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// IdentityFromToken extracts the current-user identity from an access
// token's claims. The signature is not verified here — the token was
// issued to this client by the server and is only mined for the user ID
// the server already bound it to.
func IdentityFromToken(token string) (Identity, error) {
	parser := jwt.NewParser()
	var claims tokenClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.UserID == 0 {
		return Identity{}, ErrNoIdentity
	}
	return Identity{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Token:    token,
	}, nil
}
