package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/anvil/pkg/apperr"
)

// Claims is the JWT payload. Tokens are self-contained; there is no
// server-side session state.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsRoot   bool   `json:"isRoot,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates session tokens with an HMAC secret.
type TokenManager struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenManager creates a token manager. A zero expiration defaults to
// 24 hours.
func NewTokenManager(secret string, expiration time.Duration) *TokenManager {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), expiration: expiration}
}

// Expiration returns the configured token lifetime.
func (m *TokenManager) Expiration() time.Duration { return m.expiration }

// IssueUser mints a token for a users document.
func (m *TokenManager) IssueUser(userID, username string) (string, time.Time, error) {
	return m.issue(Claims{UserID: userID, Username: username})
}

// IssueRoot mints a root token for a master-key login.
func (m *TokenManager) IssueRoot() (string, time.Time, error) {
	return m.issue(Claims{IsRoot: true})
}

func (m *TokenManager) issue(claims Claims) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.expiration)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token, returning its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	return claims, nil
}
