// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingKey   = errors.New("auth: signing secret not configured")
)

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service checks HS256 tokens against a shared secret.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewService(secret, issuer string) *Service {
	return &Service{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// VerifyToken validates the token and returns the principal it names.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	if len(s.secret) == 0 {
		return Principal{}, ErrMissingKey
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	role := c.Role
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return Principal{UserID: c.Subject, Role: role}, nil
}

// IssueToken signs a token for userID. It backs local tooling and tests;
// production tokens come from the identity provider.
func (s *Service) IssueToken(userID string, role Role, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingKey
	}
	if !role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
