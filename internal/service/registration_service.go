package service

import (
	"context"
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

// RegistrationService drives an account through the three ordered
// registration steps. Transitions are guarded by the stored step and only
// ever move forward.
type RegistrationService struct {
	users     scylla.UserStore
	hasher    *hashing.Hasher
	issuer    *token.Issuer
	notifier  notification.Gateway
	publisher events.Publisher
	recorder  audit.Recorder

	otpConfig config.OTPConfig
	debug     bool

	generate otp.Generator
	now      func() time.Time
}

func NewRegistrationService(
	users scylla.UserStore,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	notifier notification.Gateway,
	publisher events.Publisher,
	recorder audit.Recorder,
	cfg *config.Config,
) *RegistrationService {
	return &RegistrationService{
		users:     users,
		hasher:    hasher,
		issuer:    issuer,
		notifier:  notifier,
		publisher: publisher,
		recorder:  recorder,
		otpConfig: cfg.OTP,
		debug:     cfg.Debug,
		generate:  otp.Generate,
		now:       time.Now,
	}
}

// WithGenerator swaps the OTP source, for deterministic tests.
func (s *RegistrationService) WithGenerator(gen otp.Generator) *RegistrationService {
	s.generate = gen
	return s
}

// WithClock swaps the time source, for deterministic tests.
func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	s.now = now
	return s
}

type InitiateResult struct {
	UserID      string    `json:"userId"`
	NextStep    string    `json:"nextStep"`
	OTPSent     bool      `json:"otpSent"`
	OTPExpiry   time.Time `json:"otpExpiry"`
	// DevelopmentOTP is populated only when debug mode is on.
	DevelopmentOTP string `json:"developmentOTP,omitempty"`
}

type VerifyOTPResult struct {
	UserID   string `json:"userId"`
	NextStep string `json:"nextStep"`
}

type ResendOTPResult struct {
	OTPSent        bool      `json:"otpSent"`
	OTPExpiry      time.Time `json:"otpExpiry"`
	DevelopmentOTP string    `json:"developmentOTP,omitempty"`
}

type SetPasswordResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Initiate is step 1: registers phone+name, issues the first OTP. The account
// starts inactive at step 1. SMS delivery failure does not fail registration;
// the code stays usable via resend.
func (s *RegistrationService) Initiate(ctx context.Context, fullName, phone string) (*InitiateResult, error) {
	fullName = util.SanitizeInput(fullName)
	phone = strings.TrimSpace(phone)

	if !model.ValidPhone(phone) {
		return nil, fmt.Errorf("%w: phone must be 10-11 digits", ErrValidation)
	}
	if len(fullName) < 2 || len(fullName) > 50 {
		return nil, fmt.Errorf("%w: full name must be 2-50 characters", ErrValidation)
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}

	now := s.now().UTC()
	expiry := now.Add(s.otpConfig.RegistrationTTL)

	user := &model.User{
		Phone:                phone,
		FullName:             fullName,
		RegistrationStep:     model.StepOTPPending,
		IsActive:             false,
		PhoneOTP:             code,
		PhoneOTPExpiry:       &expiry,
		PhoneOTPIssuedAt:     &now,
		Role:                 model.RolePassenger,
		NotificationSettings: model.DefaultNotificationSettings(),
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if err == scylla.ErrPhoneTaken {
			return nil, ErrDuplicatePhone
		}
		return nil, err
	}

	sent := s.deliver(ctx, phone, notification.OTPMessage(code, s.otpConfig.RegistrationTTL), "registration otp")

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventRegistrationStarted,
		UserID:    user.ID,
		Phone:     phone,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypeUserRegistered,
		UserID: user.ID,
		Phone:  phone,
	})

	util.Info("Registration initiated",
		util.String("user_id", user.ID),
		util.String("phone", phone),
		util.Bool("otp_sent", sent))

	result := &InitiateResult{
		UserID:    user.ID,
		NextStep:  user.NextStep(),
		OTPSent:   sent,
		OTPExpiry: expiry,
	}
	if s.debug {
		result.DevelopmentOTP = code
	}
	return result, nil
}

// VerifyOTP is step 2: proves phone ownership. A matching unexpired code
// advances the account to the password step and clears the code, so replaying
// it fails.
func (s *RegistrationService) VerifyOTP(ctx context.Context, userID, code string) (*VerifyOTPResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// The code is checked before the step guard: a consumed code was cleared
	// on success, so replaying it reads as invalid, not as a step violation.
	if !otp.Matches(user.PhoneOTP, code) {
		s.recorder.Record(model.SecurityEvent{
			EventType: model.EventOTPFailed,
			UserID:    user.ID,
			Phone:     user.Phone,
		})
		return nil, ErrInvalidOTP
	}
	if otp.Expired(user.PhoneOTPExpiry, s.now()) {
		return nil, ErrOTPExpired
	}
	if user.RegistrationStep != model.StepOTPPending {
		return nil, fmt.Errorf("%w: phone already verified", ErrInvalidStep)
	}

	if err := s.users.MarkPhoneVerified(ctx, user.ID); err != nil {
		return nil, err
	}

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventOTPVerified,
		UserID:    user.ID,
		Phone:     user.Phone,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypePhoneVerified,
		UserID: user.ID,
		Phone:  user.Phone,
	})

	util.Info("Phone verified", util.String("user_id", user.ID))

	return &VerifyOTPResult{UserID: user.ID, NextStep: "set_password"}, nil
}

// ResendOTP regenerates the registration code, at most once per cooldown.
func (s *RegistrationService) ResendOTP(ctx context.Context, userID string) (*ResendOTPResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if user.RegistrationStep != model.StepOTPPending {
		return nil, fmt.Errorf("%w: otp resend only applies before verification", ErrInvalidStep)
	}

	now := s.now().UTC()
	if user.PhoneOTPIssuedAt != nil {
		elapsed := now.Sub(*user.PhoneOTPIssuedAt)
		if elapsed < s.otpConfig.ResendCooldown {
			return nil, &RetryAfterError{RetryAfter: s.otpConfig.ResendCooldown - elapsed}
		}
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}
	expiry := now.Add(s.otpConfig.RegistrationTTL)

	if err := s.users.UpdatePhoneOTP(ctx, user.ID, code, expiry, now); err != nil {
		return nil, err
	}

	sent := s.deliver(ctx, user.Phone, notification.OTPMessage(code, s.otpConfig.RegistrationTTL), "registration otp resend")

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventOTPResent,
		UserID:    user.ID,
		Phone:     user.Phone,
	})

	result := &ResendOTPResult{OTPSent: sent, OTPExpiry: expiry}
	if s.debug {
		result.DevelopmentOTP = code
	}
	return result, nil
}

// SetPassword is step 3: stores the credential, activates the account and
// issues the first bearer token.
func (s *RegistrationService) SetPassword(ctx context.Context, userID, password, confirmPassword string) (*SetPasswordResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if user.RegistrationStep != model.StepPasswordPending || !user.IsPhoneVerified {
		return nil, fmt.Errorf("%w: phone verification required before setting a password", ErrInvalidStep)
	}
	if password != confirmPassword {
		return nil, ErrPasswordMismatch
	}
	if len(password) < 6 {
		return nil, ErrWeakPassword
	}

	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	completedAt := s.now().UTC()
	if err := s.users.CompleteRegistration(ctx, user.ID, hash, completedAt); err != nil {
		return nil, err
	}

	signed, _, err := s.issuer.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.deliver(ctx, user.Phone, notification.WelcomeMessage, "welcome message")

	s.recorder.Record(model.SecurityEvent{
		EventType: model.EventAccountActivated,
		UserID:    user.ID,
		Phone:     user.Phone,
	})
	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypeUserActivated,
		UserID: user.ID,
		Phone:  user.Phone,
	})

	util.Info("Registration completed", util.String("user_id", user.ID))

	user.PasswordHash = hash
	user.RegistrationStep = model.StepCompleted
	user.IsActive = true
	user.RegistrationCompletedAt = &completedAt

	return &SetPasswordResult{Token: signed, User: user.Public()}, nil
}

// deliver sends an SMS best-effort: failure is logged, never propagated.
func (s *RegistrationService) deliver(ctx context.Context, phone, message, kind string) bool {
	messageID, err := s.notifier.Send(ctx, phone, message)
	if err != nil {
		util.Warn("SMS delivery failed",
			util.String("kind", kind),
			util.String("phone", phone),
			util.ErrorField(err))
		return false
	}
	util.Debug("SMS delivered",
		util.String("kind", kind),
		util.String("message_id", messageID))
	return true
}
