// Package hashing provides the explicit hash/verify pair used by the
// registration and auth services before persistence. There are no implicit
// save hooks; callers hash first, then write.
package hashing

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost matches the work factor the mobile backend has always used.
const DefaultCost = 12

var ErrHashMismatch = errors.New("password does not match hash")

type Hasher struct {
	cost int
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Hasher{cost: cost}
}

// HashPassword returns the bcrypt hash of a plaintext password.
func (h *Hasher) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored hash. It returns
// ErrHashMismatch on a wrong password, any other error means the stored value
// is not a valid hash.
func (h *Hasher) VerifyPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrHashMismatch
		}
		return fmt.Errorf("failed to verify password: %w", err)
	}
	return nil
}
