// Package otp generates and checks the 6-digit one-time codes used for phone
// verification and password reset. The same algorithm serves both flows; only
// the expiry window differs.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

// Generator produces a 6-digit code. Services hold it as a field so tests can
// substitute a fixed code.
type Generator func() (string, error)

var codeRange = big.NewInt(900000)

// Generate returns a uniformly random code in [100000, 999999].
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeRange)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Matches compares a submitted code against the stored one in constant time.
// An empty stored code never matches.
func Matches(stored, candidate string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// Expired reports whether the code's expiry has passed. A nil expiry counts as
// expired: an OTP and its expiry are only ever set together.
func Expired(expiry *time.Time, now time.Time) bool {
	return expiry == nil || now.After(*expiry)
}
