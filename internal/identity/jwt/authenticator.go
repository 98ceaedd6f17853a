// Package jwt verifies and issues the bearer tokens of the admin API.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role claim")
)

// Config holds JWT settings.
type Config struct {
	SecretKey string
	Issuer    string
}

// Claims are the claims carried by an admin API token.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HMAC-signed tokens.
type Authenticator struct {
	config Config
	parser *jwt.Parser
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(config Config) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Authenticator{
		config: config,
		parser: jwt.NewParser(opts...),
	}
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, tokenString string) (domain.Principal, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.SecretKey), nil
	})
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.HasPermission(domain.RoleUser) {
		return domain.Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}

	return domain.Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// IssueToken signs a token for subject with role, valid for ttl.
func (a *Authenticator) IssueToken(subject string, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
