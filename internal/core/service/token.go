package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sitecraft/sitecraft-api/internal/core/domain"
)

const (
	DefaultTokenTTL    = 7 * 24 * time.Hour
	defaultTokenIssuer = "sitecraft-api"
)

// sessionClaims is the signed payload of a session token.
type sessionClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 session tokens. It holds no mutable
// state after construction and is safe for concurrent use.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
	issuer string
	now    func() time.Time
}

// TokenOption customises a TokenManager.
type TokenOption func(*TokenManager)

// WithIssuer overrides the iss claim written and required on tokens.
func WithIssuer(issuer string) TokenOption {
	return func(m *TokenManager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithClock replaces the wall clock used for issuance and verification.
func WithClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewTokenManager validates the secret and applies defaults: a non-positive
// ttl becomes DefaultTokenTTL and a negative leeway becomes zero.
func NewTokenManager(secret []byte, ttl, leeway time.Duration, opts ...TokenOption) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("token manager: empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if leeway < 0 {
		leeway = 0
	}

	m := &TokenManager{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		leeway: leeway,
		issuer: defaultTokenIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a token bound to userID and reports when it expires.
func (m *TokenManager) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("token manager: empty user id")
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies signature, issuer and expiry against the current clock and
// returns the embedded user id. The error does not say which check failed.
func (m *TokenManager) Parse(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	}
	if m.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.leeway))
	}

	claims := &sessionClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errInvalidToken(err)
	}
	if claims.UserID == "" {
		return "", errInvalidToken(jwt.ErrTokenInvalidClaims)
	}
	return claims.UserID, nil
}

// errInvalidToken keeps the parser cause for logs while matching
// domain.ErrInvalidToken for callers.
func errInvalidToken(cause error) error {
	if cause == nil {
		cause = jwt.ErrTokenUnverifiable
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidToken, cause)
}
