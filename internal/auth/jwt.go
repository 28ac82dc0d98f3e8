// Package auth issues and validates the bearer tokens used by schedulers
// and readers of the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)

const defaultIssuer = "followup"

// Config contains token configuration.
type Config struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// Claims are the JWT claims of an API token.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator mints and validates HS256 tokens.
type Authenticator struct {
	config Config
	clock  func() time.Time
}

// NewAuthenticator creates a new token authenticator.
func NewAuthenticator(config Config) *Authenticator {
	if config.Issuer == "" {
		config.Issuer = defaultIssuer
	}
	return &Authenticator{config: config, clock: time.Now}
}

// Mint issues a token for subject with the given role. A non-positive
// ttl falls back to the configured token duration.
func (a *Authenticator) Mint(subject string, role domain.Role, ttl time.Duration) (string, time.Time, error) {
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = a.config.TokenDuration
	}

	now := a.clock()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(a.config.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !claims.Role.Valid() {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, ErrInvalidRole)
	}
	return claims.Subject, claims.Role, nil
}
