package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"carpool-auth/internal/audit"
	"carpool-auth/internal/events"
	"carpool-auth/internal/hashing"
	"carpool-auth/internal/model"
	"carpool-auth/internal/token"
)

type authFixture struct {
	auth     *AuthService
	reg      *RegistrationService
	store    *memStore
	attempts *memAttempts
	denylist *memDenylist
	gateway  *fakeGateway
	clock    *testClock
	issuer   *token.Issuer
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	clock := newTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	attempts := newMemAttempts()
	denylist := newMemDenylist()
	gateway := &fakeGateway{}
	hasher := hashing.NewHasher(bcrypt.MinCost)
	issuer := token.NewIssuer("test-secret", 7*24*time.Hour).WithClock(clock.Now)
	cfg := testConfig()

	reg := NewRegistrationService(
		store, hasher, issuer, gateway,
		events.NoopPublisher{}, audit.NoopRecorder{}, cfg,
	).WithGenerator(fixedOTP("123456")).WithClock(clock.Now)

	auth := NewAuthService(
		store, hasher, issuer, gateway,
		events.NoopPublisher{}, audit.NoopRecorder{},
		attempts, denylist, cfg,
	).WithGenerator(fixedOTP("123456")).WithClock(clock.Now)

	return &authFixture{
		auth: auth, reg: reg, store: store, attempts: attempts,
		denylist: denylist, gateway: gateway, clock: clock, issuer: issuer,
	}
}

// registerActiveUser walks the full registration flow and returns the user id.
func (f *authFixture) registerActiveUser(t *testing.T, phone, password string) string {
	t.Helper()
	ctx := context.Background()

	reg, err := f.reg.Initiate(ctx, "Nguyen Van A", phone)
	require.NoError(t, err)
	_, err = f.reg.VerifyOTP(ctx, reg.UserID, "123456")
	require.NoError(t, err)
	_, err = f.reg.SetPassword(ctx, reg.UserID, password, password)
	require.NoError(t, err)
	return reg.UserID
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	userID := f.registerActiveUser(t, "0987654321", "Passw0rd")

	f.clock.Advance(time.Hour)

	result, err := f.auth.Login(ctx, "0987654321", "Passw0rd")
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)

	grant, err := f.issuer.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, grant.UserID)

	user, err := f.store.GetUserByID(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user.LastLogin)
	assert.Equal(t, f.clock.Now().UTC(), *user.LastLogin)

	assert.Empty(t, result.User.PasswordHash)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	_, err := f.auth.Login(context.Background(), "0987654321", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownPhone(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Login(context.Background(), "0911111111", "Passw0rd")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginIncompleteRegistrationReportsPendingStep(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg, err := f.reg.Initiate(ctx, "Nguyen Van A", "0987654321")
	require.NoError(t, err)

	_, err = f.auth.Login(ctx, "0987654321", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	var pending *PendingRegistrationError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, reg.UserID, pending.UserID)
	assert.Equal(t, model.StepOTPPending, pending.RegistrationStep)
	assert.Equal(t, "otp_verification", pending.NextStep)

	_, err = f.reg.VerifyOTP(ctx, reg.UserID, "123456")
	require.NoError(t, err)

	_, err = f.auth.Login(ctx, "0987654321", "whatever")
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "set_password", pending.NextStep)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	for i := 0; i < 5; i++ {
		_, err := f.auth.Login(ctx, "0987654321", "wrong-pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the correct password is rejected while locked.
	_, err := f.auth.Login(ctx, "0987654321", "Passw0rd")
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestLoginSuccessResetsFailureCount(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	for i := 0; i < 3; i++ {
		_, err := f.auth.Login(ctx, "0987654321", "wrong-pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.auth.Login(ctx, "0987654321", "Passw0rd")
	require.NoError(t, err)

	// A fresh run of failures starts from zero.
	for i := 0; i < 4; i++ {
		_, err := f.auth.Login(ctx, "0987654321", "wrong-pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = f.auth.Login(ctx, "0987654321", "Passw0rd")
	assert.NoError(t, err)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	result, err := f.auth.Login(ctx, "0987654321", "Passw0rd")
	require.NoError(t, err)

	grant, err := f.issuer.Verify(result.Token)
	require.NoError(t, err)

	revoked, err := f.auth.IsTokenRevoked(ctx, grant.TokenID)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, f.auth.Logout(ctx, grant))

	revoked, err = f.auth.IsTokenRevoked(ctx, grant.TokenID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestForgotPasswordUnknownPhoneIsGeneric(t *testing.T) {
	f := newAuthFixture(t)

	result, err := f.auth.ForgotPassword(context.Background(), "0911111111")
	require.NoError(t, err)
	assert.Empty(t, result.DevelopmentOTP)
	assert.Equal(t, 0, f.gateway.count())
}

func TestForgotPasswordInactiveAccountIsGeneric(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg, err := f.reg.Initiate(ctx, "Nguyen Van A", "0987654321")
	require.NoError(t, err)
	sendsBefore := f.gateway.count()

	result, err := f.auth.ForgotPassword(ctx, "0987654321")
	require.NoError(t, err)
	assert.Empty(t, result.DevelopmentOTP)
	assert.Equal(t, sendsBefore, f.gateway.count())

	user, err := f.store.GetUserByID(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Empty(t, user.ResetPasswordOTP)
}

func TestForgotPasswordIssuesResetCode(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	userID := f.registerActiveUser(t, "0987654321", "Passw0rd")
	sendsBefore := f.gateway.count()

	result, err := f.auth.ForgotPassword(ctx, "0987654321")
	require.NoError(t, err)
	assert.Equal(t, "123456", result.DevelopmentOTP)
	assert.Equal(t, sendsBefore+1, f.gateway.count())

	user, err := f.store.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "123456", user.ResetPasswordOTP)
	require.NotNil(t, user.ResetPasswordExpire)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *user.ResetPasswordExpire)
}

func TestForgotPasswordDeliveryFailureClearsCodeAndPropagates(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	userID := f.registerActiveUser(t, "0987654321", "Passw0rd")

	f.gateway.failNext = true
	_, err := f.auth.ForgotPassword(ctx, "0987654321")
	assert.ErrorIs(t, err, ErrNotificationFailed)

	user, err := f.store.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, user.ResetPasswordOTP)
	assert.Nil(t, user.ResetPasswordExpire)
}

func TestResetPasswordRoundTrip(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	userID := f.registerActiveUser(t, "0987654321", "Passw0rd")

	_, err := f.auth.ForgotPassword(ctx, "0987654321")
	require.NoError(t, err)

	require.NoError(t, f.auth.ResetPassword(ctx, "0987654321", "123456", "NewPass1", "NewPass1"))

	user, err := f.store.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, user.ResetPasswordOTP)
	assert.Nil(t, user.ResetPasswordExpire)

	_, err = f.auth.Login(ctx, "0987654321", "Passw0rd")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.auth.Login(ctx, "0987654321", "NewPass1")
	require.NoError(t, err)

	// A spent code cannot be replayed.
	err = f.auth.ResetPassword(ctx, "0987654321", "123456", "OtherPass1", "OtherPass1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
}

func TestResetPasswordExpiredCode(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	_, err := f.auth.ForgotPassword(ctx, "0987654321")
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)

	err = f.auth.ResetPassword(ctx, "0987654321", "123456", "NewPass1", "NewPass1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
}

func TestResetPasswordValidation(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	f.registerActiveUser(t, "0987654321", "Passw0rd")

	_, err := f.auth.ForgotPassword(ctx, "0987654321")
	require.NoError(t, err)

	err = f.auth.ResetPassword(ctx, "0987654321", "123456", "NewPass1", "Different1")
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	err = f.auth.ResetPassword(ctx, "0987654321", "123456", "short", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	err = f.auth.ResetPassword(ctx, "0987654321", "000000", "NewPass1", "NewPass1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)

	err = f.auth.ResetPassword(ctx, "0911111111", "123456", "NewPass1", "NewPass1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	userID := f.registerActiveUser(t, "0987654321", "Passw0rd")

	err := f.auth.ChangePassword(ctx, userID, "wrong-pass", "NewPass1", "NewPass1")
	assert.ErrorIs(t, err, ErrIncorrectPassword)

	err = f.auth.ChangePassword(ctx, userID, "Passw0rd", "Passw0rd", "Passw0rd")
	assert.ErrorIs(t, err, ErrSamePassword)

	err = f.auth.ChangePassword(ctx, userID, "Passw0rd", "NewPass1", "Different1")
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	err = f.auth.ChangePassword(ctx, userID, "Passw0rd", "short", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	require.NoError(t, f.auth.ChangePassword(ctx, userID, "Passw0rd", "NewPass1", "NewPass1"))

	_, err = f.auth.Login(ctx, "0987654321", "NewPass1")
	assert.NoError(t, err)
}

// TestRegistrationToLoginScenario walks the full happy path end to end.
func TestRegistrationToLoginScenario(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg, err := f.reg.Initiate(ctx, "Nguyen Van A", "0987654321")
	require.NoError(t, err)
	require.NotEmpty(t, reg.UserID)
	assert.Equal(t, "123456", reg.DevelopmentOTP)

	verify, err := f.reg.VerifyOTP(ctx, reg.UserID, "123456")
	require.NoError(t, err)
	assert.Equal(t, "set_password", verify.NextStep)

	user, err := f.store.GetUserByID(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.StepPasswordPending, user.RegistrationStep)

	completed, err := f.reg.SetPassword(ctx, reg.UserID, "Passw0rd", "Passw0rd")
	require.NoError(t, err)
	require.NotEmpty(t, completed.Token)
	assert.True(t, completed.User.IsActive)
	assert.Equal(t, model.StepCompleted, completed.User.RegistrationStep)

	login, err := f.auth.Login(ctx, "0987654321", "Passw0rd")
	require.NoError(t, err)
	require.NotEmpty(t, login.Token)

	// Each login issues a fresh token.
	assert.NotEqual(t, completed.Token, login.Token)

	grant, err := f.issuer.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, grant.UserID)
}
