// Package auth verifies the bearer credentials presented by connecting clients.
// Credentials are HS256 JWTs whose subject is the identity.
package auth

import (
	"errors"
	"github.com/golang-jwt/jwt/v5"
	"time"
)

var (
	// ErrInvalidToken is returned when the token is missing, malformed or badly signed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// Config holds the signing parameters.
type Config struct {
	Secret   string
	Issuer   string
	Lifetime time.Duration
}

// Claims is what a verified credential tells about its bearer.
type Claims struct {
	Identity string
	Roles    []string
}

type tokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Manager verifies credentials and, for tooling and tests, issues them.
type Manager struct {
	config Config
	parser *jwt.Parser
}

// NewManager creates a Manager for the given configuration.
func NewManager(config Config) *Manager {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Manager{
		config: config,
		parser: jwt.NewParser(opts...),
	}
}

// Issue signs a credential for identity.
func (m *Manager) Issue(identity string, roles ...string) (string, error) {
	now := time.Now()
	lifetime := m.config.Lifetime
	if lifetime == 0 {
		lifetime = 15 * time.Minute
	}

	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// Verify validates credential and returns the claims of its bearer.
func (m *Manager) Verify(credential string) (Claims, error) {
	if credential == "" {
		return Claims{}, ErrInvalidToken
	}

	token, err := m.parser.ParseWithClaims(credential, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{Identity: claims.Subject, Roles: claims.Roles}, nil
}
