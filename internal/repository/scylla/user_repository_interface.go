package scylla

import (
	"context"
	"errors"
	"time"

	"carpool-auth/internal/model"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrPhoneTaken   = errors.New("phone number already registered")
	ErrEmailTaken   = errors.New("email already registered")
	// ErrStaleRecord is returned when a conditional write loses the race
	// against a concurrent change to the same row.
	ErrStaleRecord = errors.New("record changed concurrently")
)

// UserStore is the persistence contract for account records. Implemented by
// UserRepository; services take the interface so tests can swap in a fake.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*model.User, error)

	// EmailOwner returns the user id holding email, or "" when unclaimed.
	EmailOwner(ctx context.Context, email string) (string, error)
	ClaimEmail(ctx context.Context, email, userID string) error
	ReleaseEmail(ctx context.Context, email string) error

	UpdatePhoneOTP(ctx context.Context, userID, otp string, expiry, issuedAt time.Time) error
	MarkPhoneVerified(ctx context.Context, userID string) error
	CompleteRegistration(ctx context.Context, userID, passwordHash string, completedAt time.Time) error

	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	SetResetOTP(ctx context.Context, userID, otp string, expiry time.Time) error
	ClearResetOTP(ctx context.Context, userID string) error
	// ConsumeResetOTP replaces the password only if the stored reset code
	// still equals otp, clearing the code in the same write.
	ConsumeResetOTP(ctx context.Context, userID, otp, passwordHash string) error

	UpdateProfile(ctx context.Context, user *model.User) error
	UpdateAvatar(ctx context.Context, userID, avatar string) error
}
