package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
)

// MinSigningKeyBytes is the shortest accepted session signing key.
const MinSigningKeyBytes = 32

const sessionIssuer = "markbook"

// Claims is the session token payload.
type Claims struct {
	Role model.Role `json:"role"`
	// LegacyID carries the subject in tokens minted by the previous service.
	LegacyID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the token subject.
func (c *Claims) AccountID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.LegacyID
}

// SessionIssuer signs and verifies HS256 session tokens.
type SessionIssuer struct {
	key    []byte
	ttl    time.Duration
	clock  clock.Clock
	parser *jwt.Parser
}

// NewSessionIssuer reads the signing key from secrets once. Tokens expire
// ttl after issue.
func NewSessionIssuer(secrets SecretProvider, ttl time.Duration, clk clock.Clock) (*SessionIssuer, error) {
	key, err := secrets.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("load session signing key: %w", err)
	}
	if len(key) < MinSigningKeyBytes {
		return nil, fmt.Errorf("session signing key must be at least %d bytes, got %d", MinSigningKeyBytes, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SessionIssuer{
		key:   key,
		ttl:   ttl,
		clock: clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for accountID with role.
func (s *SessionIssuer) Issue(accountID string, role model.Role) (string, error) {
	now := s.clock.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("sign session token: %w", err))
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenStr and returns its claims.
// A lapsed token fails Expired; anything else unusable fails InvalidToken.
func (s *SessionIssuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.ErrExpired, "session expired", err)
		}
		return nil, apperr.Wrap(apperr.ErrInvalidToken, "invalid session token", err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.ErrInvalidToken, "invalid session token")
	}
	if claims.AccountID() == "" {
		return nil, apperr.New(apperr.ErrInvalidToken, "session token has no subject")
	}
	if !claims.Role.Valid() {
		return nil, apperr.New(apperr.ErrInvalidToken, "session token has no usable role")
	}
	return claims, nil
}
