package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// AccessClaims are carried by tokens a service issues for its own resources.
// Patient is empty for system tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Patient string `json:"patient,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// TokenSigner issues and verifies HMAC-signed access tokens for one service.
type TokenSigner struct {
	key      []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

func NewTokenSigner(key []byte, issuer string, lifetime time.Duration) *TokenSigner {
	return &TokenSigner{key: key, issuer: issuer, lifetime: lifetime, now: time.Now}
}

// Lifetime returns how long issued tokens remain valid.
func (s *TokenSigner) Lifetime() time.Duration {
	return s.lifetime
}

// Issue signs a token for subject scoped to patient (may be empty) and scope.
func (s *TokenSigner) Issue(subject, patient, scope string) (string, *AccessClaims, error) {
	now := s.now()
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
		Patient: patient,
		Scope:   scope,
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return raw, claims, nil
}

// Verify checks the signature, issuer and expiry of raw.
func (s *TokenSigner) Verify(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
