package service

import (
	"errors"
	"fmt"
	"time"

	"carpool-auth/internal/model"
)

// Domain errors. Handlers map these to HTTP status codes with errors.Is;
// services wrap them with fmt.Errorf("%w: ...") when extra context helps.
var (
	ErrValidation          = errors.New("invalid input")
	ErrDuplicatePhone      = errors.New("phone number already registered")
	ErrDuplicateEmail      = errors.New("email already in use")
	ErrNotFound            = errors.New("user not found")
	ErrInvalidStep         = errors.New("operation not allowed at current registration step")
	ErrInvalidOTP          = errors.New("invalid verification code")
	ErrOTPExpired          = errors.New("verification code has expired")
	ErrInvalidOrExpiredOTP = errors.New("invalid or expired reset code")
	ErrTooManyRequests     = errors.New("too many requests")
	ErrInvalidCredentials  = errors.New("invalid phone number or password")
	ErrIncorrectPassword   = errors.New("current password is incorrect")
	ErrSamePassword        = errors.New("new password must differ from current password")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrWeakPassword        = errors.New("password must be at least 6 characters")
	ErrNotificationFailed  = errors.New("failed to deliver notification")

	ErrNoFileSelected  = errors.New("no file selected")
	ErrFileTooLarge    = errors.New("file exceeds the maximum allowed size")
	ErrInvalidFileType = errors.New("file type is not supported")
	ErrNoAvatar        = errors.New("no avatar to delete")
)

// RetryAfterError is a TooManyRequests carrying the remaining wait.
type RetryAfterError struct {
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("too many requests, retry after %d seconds", e.RetryAfterSeconds())
}

func (e *RetryAfterError) Unwrap() error { return ErrTooManyRequests }

// RetryAfterSeconds rounds up so clients never retry early.
func (e *RetryAfterError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// PendingRegistrationError is an InvalidCredentials for an account that never
// finished registration. It carries what the client needs to resume the flow
// instead of showing a generic login failure.
type PendingRegistrationError struct {
	UserID           string
	RegistrationStep int
	NextStep         string
}

func (e *PendingRegistrationError) Error() string {
	return fmt.Sprintf("registration incomplete, next step: %s", e.NextStep)
}

func (e *PendingRegistrationError) Unwrap() error { return ErrInvalidCredentials }

func pendingRegistration(user *model.User) *PendingRegistrationError {
	return &PendingRegistrationError{
		UserID:           user.ID,
		RegistrationStep: user.RegistrationStep,
		NextStep:         user.NextStep(),
	}
}
