package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carpool-auth/internal/model"
	"carpool-auth/internal/repository/scylla"
)

// memStore is an in-memory scylla.UserStore with the same uniqueness and
// compare-and-set semantics as the real repository.
type memStore struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byPhone map[string]string
	byEmail map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		byID:    make(map[string]*model.User),
		byPhone: make(map[string]string),
		byEmail: make(map[string]string),
	}
}

func (s *memStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byPhone[user.Phone]; taken {
		return scylla.ErrPhoneTaken
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := *user
	s.byID[user.ID] = &stored
	s.byPhone[user.Phone] = user.ID
	return nil
}

func (s *memStore) GetUserByID(_ context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyByID(userID)
}

func (s *memStore) GetUserByPhone(_ context.Context, phone string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byPhone[phone]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	return s.copyByID(userID)
}

func (s *memStore) EmailOwner(_ context.Context, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byEmail[email], nil
}

func (s *memStore) ClaimEmail(_ context.Context, email, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, taken := s.byEmail[email]; taken && owner != userID {
		return scylla.ErrEmailTaken
	}
	s.byEmail[email] = userID
	return nil
}

func (s *memStore) ReleaseEmail(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byEmail, email)
	return nil
}

func (s *memStore) UpdatePhoneOTP(_ context.Context, userID, otp string, expiry, issuedAt time.Time) error {
	return s.mutate(userID, func(u *model.User) {
		u.PhoneOTP = otp
		u.PhoneOTPExpiry = &expiry
		u.PhoneOTPIssuedAt = &issuedAt
	})
}

func (s *memStore) MarkPhoneVerified(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *model.User) {
		u.IsPhoneVerified = true
		u.RegistrationStep = model.StepPasswordPending
		u.PhoneOTP = ""
		u.PhoneOTPExpiry = nil
		u.PhoneOTPIssuedAt = nil
	})
}

func (s *memStore) CompleteRegistration(_ context.Context, userID, passwordHash string, completedAt time.Time) error {
	return s.mutate(userID, func(u *model.User) {
		u.PasswordHash = passwordHash
		u.RegistrationStep = model.StepCompleted
		u.IsActive = true
		u.RegistrationCompletedAt = &completedAt
	})
}

func (s *memStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	return s.mutate(userID, func(u *model.User) {
		u.LastLogin = &at
	})
}

func (s *memStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return s.mutate(userID, func(u *model.User) {
		u.PasswordHash = passwordHash
	})
}

func (s *memStore) SetResetOTP(_ context.Context, userID, otp string, expiry time.Time) error {
	return s.mutate(userID, func(u *model.User) {
		u.ResetPasswordOTP = otp
		u.ResetPasswordExpire = &expiry
	})
}

func (s *memStore) ClearResetOTP(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *model.User) {
		u.ResetPasswordOTP = ""
		u.ResetPasswordExpire = nil
	})
}

func (s *memStore) ConsumeResetOTP(_ context.Context, userID, otp, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[userID]
	if !ok {
		return scylla.ErrUserNotFound
	}
	if stored.ResetPasswordOTP != otp {
		return scylla.ErrStaleRecord
	}
	stored.PasswordHash = passwordHash
	stored.ResetPasswordOTP = ""
	stored.ResetPasswordExpire = nil
	return nil
}

func (s *memStore) UpdateProfile(_ context.Context, user *model.User) error {
	return s.mutate(user.ID, func(u *model.User) {
		u.FullName = user.FullName
		u.Email = user.Email
		u.DateOfBirth = user.DateOfBirth
		u.Gender = user.Gender
		u.Role = user.Role
		u.Vehicle = user.Vehicle
		u.Addresses = user.Addresses
		u.NotificationSettings = user.NotificationSettings
	})
}

func (s *memStore) UpdateAvatar(_ context.Context, userID, avatar string) error {
	return s.mutate(userID, func(u *model.User) {
		u.Avatar = avatar
	})
}

func (s *memStore) copyByID(userID string) (*model.User, error) {
	stored, ok := s.byID[userID]
	if !ok {
		return nil, scylla.ErrUserNotFound
	}
	out := *stored
	return &out, nil
}

func (s *memStore) mutate(userID string, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[userID]
	if !ok {
		return scylla.ErrUserNotFound
	}
	fn(stored)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

// memAttempts is an in-memory AttemptLimiter.
type memAttempts struct {
	mu     sync.Mutex
	counts map[string]int
	locks  map[string]time.Duration
}

func newMemAttempts() *memAttempts {
	return &memAttempts{
		counts: make(map[string]int),
		locks:  make(map[string]time.Duration),
	}
}

func (a *memAttempts) RecordFailure(_ context.Context, phone string, _ time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[phone]++
	return a.counts[phone], nil
}

func (a *memAttempts) IsLocked(_ context.Context, phone string) (bool, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ttl, locked := a.locks[phone]
	return locked, ttl, nil
}

func (a *memAttempts) Lock(_ context.Context, phone string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locks[phone] = ttl
	return nil
}

func (a *memAttempts) Reset(_ context.Context, phone string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, phone)
	delete(a.locks, phone)
	return nil
}

// memDenylist is an in-memory TokenDenylist.
type memDenylist struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newMemDenylist() *memDenylist {
	return &memDenylist{revoked: make(map[string]bool)}
}

func (d *memDenylist) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ttl > 0 {
		d.revoked[tokenID] = true
	}
	return nil
}

func (d *memDenylist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revoked[tokenID], nil
}

// fakeGateway records sent messages and can be told to fail.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentMessage
	failNext bool
}

type sentMessage struct {
	phone   string
	message string
}

func (g *fakeGateway) Send(_ context.Context, phone, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext {
		g.failNext = false
		return "", fmt.Errorf("provider unreachable")
	}
	g.sent = append(g.sent, sentMessage{phone: phone, message: message})
	return fmt.Sprintf("msg-%d", len(g.sent)), nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// fixedOTP returns a generator that always yields code.
func fixedOTP(code string) func() (string, error) {
	return func() (string, error) { return code, nil }
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
