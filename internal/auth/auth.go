// Package auth mints and verifies the gateway authentication token carried
// as the first frame on a /gw WebSocket connection.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned (wrapped) for any token that fails to parse,
// fails signature verification, or has expired.
var ErrInvalidToken = errors.New("auth: invalid token")

const tokenTTL = 5 * time.Minute

// MintToken signs a gateway identity into a short-lived HMAC JWT, keyed by
// the broker's shared secret (key file `[keys] secret`). gatewayName becomes
// the token subject and is what the broker logs once a /gw connection is
// authenticated.
func MintToken(secret []byte, gatewayName string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   gatewayName,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a token's signature and expiry against secret and
// returns the gateway name carried as its subject.
func VerifyToken(secret []byte, token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
