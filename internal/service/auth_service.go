package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carpool-auth/internal/audit"
	"carpool-auth/internal/config"
	"carpool-auth/internal/events"
	"carpool-auth/internal/hashing"
	"carpool-auth/internal/model"
	"carpool-auth/internal/notification"
	"carpool-auth/internal/otp"
	"carpool-auth/internal/repository/scylla"
	"carpool-auth/internal/token"
	"carpool-auth/internal/util"
)

// AttemptLimiter tracks failed logins per phone. Implemented by
// repository/redis.LoginAttemptCache.
type AttemptLimiter interface {
	RecordFailure(ctx context.Context, phone string, window time.Duration) (int, error)
	IsLocked(ctx context.Context, phone string) (bool, time.Duration, error)
	Lock(ctx context.Context, phone string, ttl time.Duration) error
	Reset(ctx context.Context, phone string) error
}

// TokenDenylist records revoked token ids. Implemented by
// repository/redis.TokenDenylistCache.
type TokenDenylist interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthService covers everything after registration: login with lockout,
// logout, the OTP-gated password reset flow and password change.
type AuthService struct {
	users     scylla.UserStore
	hasher    *hashing.Hasher
	issuer    *token.Issuer
	notifier  notification.Gateway
	publisher events.Publisher
	recorder  audit.Recorder
	attempts  AttemptLimiter
	denylist  TokenDenylist

	otpConfig config.OTPConfig
	debug     bool

	generate otp.Generator
	now      func() time.Time
}

func NewAuthService(
	users scylla.UserStore,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	notifier notification.Gateway,
	publisher events.Publisher,
	recorder audit.Recorder,
	attempts AttemptLimiter,
	denylist TokenDenylist,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		users:     users,
		hasher:    hasher,
		issuer:    issuer,
		notifier:  notifier,
		publisher: publisher,
		recorder:  recorder,
		attempts:  attempts,
		denylist:  denylist,
		otpConfig: cfg.OTP,
		debug:     cfg.Debug,
		generate:  otp.Generate,
		now:       time.Now,
	}
}

func (s *AuthService) WithGenerator(gen otp.Generator) *AuthService {
	s.generate = gen
	return s
}

func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

type LoginResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

type ForgotPasswordResult struct {
	// DevelopmentOTP is populated only when debug mode is on and a reset
	// code was actually generated.
	DevelopmentOTP string `json:"developmentOTP,omitempty"`
}

// Login verifies phone+password. An account that never finished registration
// fails with the pending step attached so the client can resume the flow.
// Crossing the failure threshold locks the phone out for the configured
// duration.
func (s *AuthService) Login(ctx context.Context, phone, password string) (*LoginResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || password == "" {
		return nil, fmt.Errorf("%w: phone and password are required", ErrValidation)
	}

	locked, remaining, err := s.attempts.IsLocked(ctx, phone)
	if err != nil {
		util.Warn("Login lock check failed", util.String("phone", phone), util.ErrorField(err))
	} else if locked {
		return nil, &RetryAfterError{RetryAfter: remaining}
	}

	user, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			s.auditLoginFailure("", phone, "unknown phone")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.IsActive {
		s.auditLoginFailure(user.ID, phone, "registration incomplete")
		return nil, pendingRegistration(user)
	}

	if err := s.hasher.VerifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, hashing.ErrHashMismatch) {
			s.registerFailedAttempt(ctx, user, phone)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.attempts.Reset(ctx, phone); err != nil {
		util.Warn("Failed to reset login attempts", util.String("phone", phone), util.ErrorField(err))
	}

	loginAt := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, loginAt); err != nil {
		return nil, err
	}
	user.LastLogin = &loginAt

	signed, _, err := s.issuer.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventLoginSuccess,
		UserID:    user.ID,
		Phone:     phone,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypeUserLoggedIn,
		UserID: user.ID,
		Phone:  phone,
	})

	util.Info("User logged in", util.String("user_id", user.ID))

	return &LoginResult{Token: signed, User: user.Public()}, nil
}

// Logout revokes the presented token until its natural expiry. Tokens are
// otherwise stateless, so this is the only way to invalidate one early.
func (s *AuthService) Logout(ctx context.Context, grant *token.Grant) error {
	ttl := grant.ExpiresAt.Sub(s.now())
	if err := s.denylist.Revoke(ctx, grant.TokenID, ttl); err != nil {
		return err
	}

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventLogout,
		UserID:    grant.UserID,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypeUserLoggedOut,
		UserID: grant.UserID,
	})
	return nil
}

// ForgotPassword issues a reset code for active accounts. The response is
// identical whether or not the phone is registered, so the endpoint cannot be
// used to enumerate accounts. Delivery failure is the one case where an SMS
// error propagates: the user has no other path to the code, so the reset pair
// is cleared and the caller told.
func (s *AuthService) ForgotPassword(ctx context.Context, phone string) (*ForgotPasswordResult, error) {
	phone = strings.TrimSpace(phone)
	if !model.ValidPhone(phone) {
		return nil, fmt.Errorf("%w: phone must be 10-11 digits", ErrValidation)
	}

	user, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return &ForgotPasswordResult{}, nil
		}
		return nil, err
	}
	if !user.IsActive {
		return &ForgotPasswordResult{}, nil
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}
	expiry := s.now().UTC().Add(s.otpConfig.ResetTTL)

	if err := s.users.SetResetOTP(ctx, user.ID, code, expiry); err != nil {
		return nil, err
	}

	if _, err := s.notifier.Send(ctx, phone, notification.ResetMessage(code, s.otpConfig.ResetTTL)); err != nil {
		util.Error("Reset code delivery failed",
			util.String("user_id", user.ID),
			util.ErrorField(err))
		if clearErr := s.users.ClearResetOTP(ctx, user.ID); clearErr != nil {
			util.Error("Failed to clear reset otp after delivery failure",
				util.String("user_id", user.ID),
				util.ErrorField(clearErr))
		}
		return nil, ErrNotificationFailed
	}

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventPasswordReset,
		UserID:    user.ID,
		Phone:     phone,
		Details:   "reset code issued",
	})

	result := &ForgotPasswordResult{}
	if s.debug {
		result.DevelopmentOTP = code
	}
	return result, nil
}

// ResetPassword consumes a reset code and replaces the password. The code is
// checked and spent in one conditional write, so a code regenerated or used
// concurrently cannot be replayed.
func (s *AuthService) ResetPassword(ctx context.Context, phone, code, password, confirmPassword string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" || code == "" {
		return fmt.Errorf("%w: phone and reset code are required", ErrValidation)
	}
	if password != confirmPassword {
		return ErrPasswordMismatch
	}
	if len(password) < 6 {
		return ErrWeakPassword
	}

	user, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return ErrInvalidOrExpiredOTP
		}
		return err
	}

	if !otp.Matches(user.ResetPasswordOTP, code) || otp.Expired(user.ResetPasswordExpire, s.now()) {
		return ErrInvalidOrExpiredOTP
	}

	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.users.ConsumeResetOTP(ctx, user.ID, code, hash); err != nil {
		if err == scylla.ErrStaleRecord {
			return ErrInvalidOrExpiredOTP
		}
		return err
	}

	if err := s.attempts.Reset(ctx, phone); err != nil {
		util.Warn("Failed to reset login attempts", util.String("phone", phone), util.ErrorField(err))
	}

	s.sendPasswordChanged(ctx, user)
	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventPasswordReset,
		UserID:    user.ID,
		Phone:     phone,
		Details:   "password reset via otp",
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypePasswordChanged,
		UserID: user.ID,
		Phone:  phone,
	})

	util.Info("Password reset", util.String("user_id", user.ID))
	return nil
}

// ChangePassword replaces the password for an authenticated user.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, confirmPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return ErrNotFound
		}
		return err
	}

	if err := s.hasher.VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		if errors.Is(err, hashing.ErrHashMismatch) {
			return ErrIncorrectPassword
		}
		return err
	}
	if newPassword == currentPassword {
		return ErrSamePassword
	}
	if newPassword != confirmPassword {
		return ErrPasswordMismatch
	}
	if len(newPassword) < 6 {
		return ErrWeakPassword
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	s.sendPasswordChanged(ctx, user)
	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventPasswordChanged,
		UserID:    user.ID,
		Phone:     user.Phone,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypePasswordChanged,
		UserID: user.ID,
		Phone:  user.Phone,
	})

	util.Info("Password changed", util.String("user_id", user.ID))
	return nil
}

// IsTokenRevoked is used by the auth middleware on every protected request.
func (s *AuthService) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.denylist.IsRevoked(ctx, tokenID)
}

func (s *AuthService) registerFailedAttempt(ctx context.Context, user *model.User, phone string) {
	s.auditLoginFailure(user.ID, phone, "wrong password")

	count, err := s.attempts.RecordFailure(ctx, phone, s.otpConfig.LoginAttemptWindow)
	if err != nil {
		util.Warn("Failed to record login attempt", util.String("phone", phone), util.ErrorField(err))
		return
	}
	if count >= s.otpConfig.MaxLoginAttempts {
		if err := s.attempts.Lock(ctx, phone, s.otpConfig.LoginLockDuration); err != nil {
			util.Warn("Failed to lock account", util.String("phone", phone), util.ErrorField(err))
			return
		}
		s.recorder.Record(model.SecurityEvent{
			EventType: model.EventLoginLocked,
			UserID:    user.ID,
			Phone:     phone,
		})
	}
}

func (s *AuthService) auditLoginFailure(userID, phone, reason string) {
	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventLoginFailed,
		UserID:    userID,
		Phone:     phone,
		Details:   reason,
	})
}

func (s *AuthService) sendPasswordChanged(ctx context.Context, user *model.User) {
	if _, err := s.notifier.Send(ctx, user.Phone, notification.PasswordChangedMessage); err != nil {
		util.Warn("Password change notification failed",
			util.String("user_id", user.ID),
			util.ErrorField(err))
	}
}
