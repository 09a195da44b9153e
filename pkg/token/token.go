// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package token issues and verifies HMAC-signed session tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure kinds. Verify always returns exactly one of these so
// callers can report the failure without inspecting library internals.
var (
	// ErrTokenMalformed is returned for tokens that do not parse at all.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrSignatureInvalid is returned when the signature does not verify.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrIssuerMismatch is returned when the issuer claim is wrong.
	ErrIssuerMismatch = errors.New("token issuer mismatch")

	// ErrAudienceMismatch is returned when the audience claim is wrong.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

// Config configures the token service.
type Config struct {
	// SigningKey is the HMAC-SHA256 secret. Required.
	SigningKey []byte

	// Issuer is written to and required in the iss claim.
	Issuer string

	// Audience is written to and required in the aud claim.
	Audience string

	// TTL is the token lifetime. Default: 1 hour.
	TTL time.Duration
}

// Claims are the session token claims. Subject carries the username.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Service issues and verifies session tokens with a shared HMAC key.
type Service struct {
	config *Config
	parser *jwt.Parser
}

// NewService creates a token service. The signing key must not be empty.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if config.TTL == 0 {
		config.TTL = time.Hour
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(config.Audience))
	}

	return &Service{
		config: config,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Issue mints a signed token. The subject is the stable user handle and the
// name claim carries the username.
func (s *Service) Issue(subject, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its claims. On failure the returned error
// is one of the package's sentinel errors.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.config.SigningKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrSignatureInvalid
	}
	return claims, nil
}

// classify maps library errors onto the package sentinels. Order matters:
// the library can report several problems at once and the most specific
// claim failure should win over the generic malformed case.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	default:
		return ErrTokenMalformed
	}
}
