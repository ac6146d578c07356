package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luigilabs/luigid/internal/config"
)

var (
	// ErrInvalidToken is returned when a session token is malformed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when a session token has expired.
	ErrExpiredToken = errors.New("security: token expired")
)

// TokenIssuer mints and validates short-lived session tokens so the
// dashboard does not have to resend the static credential on every call.
// Tokens never outlive the configured TTL and carry only the username.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewTokenIssuer returns nil when no signing secret is configured, which
// disables the token exchange entirely.
func NewTokenIssuer(cfg config.AuthConfig) *TokenIssuer {
	if cfg.TokenSecret == "" {
		return nil
	}
	ttl := time.Duration(cfg.TokenTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: []byte(cfg.TokenSecret), ttl: ttl}
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a session token for username.
func (t *TokenIssuer) Issue(username string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses a session token and returns the username it was issued to.
func (t *TokenIssuer) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}
