// Package token issues and verifies the signed bearer credentials returned at
// the end of registration and on login.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Grant describes a verified (or freshly issued) token.
type Grant struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

// Issuer signs HS256 tokens bound to a user id. Each token carries a unique
// jti so a logout can revoke it individually.
type Issuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, expiry time.Duration) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test helper.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates a signed token for userID with the configured lifetime.
func (i *Issuer) Issue(userID string) (string, *Grant, error) {
	now := i.now().UTC()
	grant := &Grant{
		UserID:    userID,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(i.expiry),
	}

	claims := jwt.RegisteredClaims{
		Subject:   grant.UserID,
		ID:        grant.TokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, grant, nil
}

// Verify parses and validates a token string and returns its grant.
func (i *Issuer) Verify(tokenString string) (*Grant, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	return &Grant{
		UserID:    claims.Subject,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
