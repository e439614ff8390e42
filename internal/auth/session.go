// ABOUTME: JWT session token verification for the admin API and websocket session-login.
// ABOUTME: Uses HS256 signing with a configurable secret.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session token errors
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Default lifetime of an admin session.
const defaultSessionTTL = 30 * 24 * time.Hour

// SessionVerifier verifies session tokens and yields the account uuid they
// were issued for.
type SessionVerifier interface {
	Verify(tokenString string) (accountUUID string, err error)
}

// JWTSessions issues and verifies HS256 signed session tokens.
type JWTSessions struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTSessions creates a session manager with the given secret.
func NewJWTSessions(secret []byte) *JWTSessions {
	return &JWTSessions{secret: secret, ttl: defaultSessionTTL}
}

// Issue creates a session token for an account uuid.
func (s *JWTSessions) Issue(accountUUID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": accountUUID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates the token and extracts the account uuid from the "sub" claim.
func (s *JWTSessions) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}
