package service

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool-auth/internal/events"
	"carpool-auth/internal/model"
)

func ptr[T any](v T) *T { return &v }

// pngStub is the PNG file signature, enough for content sniffing.
var pngStub = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type profileFixture struct {
	svc    *ProfileService
	store  *memStore
	clock  *testClock
	userID string
}

func newProfileFixture(t *testing.T) *profileFixture {
	t.Helper()

	clock := newTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	cfg := testConfig()
	cfg.Upload.AvatarDir = filepath.Join(t.TempDir(), "avatars")

	user := &model.User{
		FullName:             "Nguyen Van A",
		Phone:                "0987654321",
		Role:                 model.RolePassenger,
		RegistrationStep:     model.StepCompleted,
		IsPhoneVerified:      true,
		IsActive:             true,
		NotificationSettings: model.DefaultNotificationSettings(),
	}
	require.NoError(t, store.CreateUser(context.Background(), user))

	svc := NewProfileService(store, events.NoopPublisher{}, cfg).WithClock(clock.Now)
	return &profileFixture{svc: svc, store: store, clock: clock, userID: user.ID}
}

func TestGetMe(t *testing.T) {
	f := newProfileFixture(t)

	user, err := f.svc.GetMe(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, "Nguyen Van A", user.FullName)
	assert.Empty(t, user.PasswordHash)

	_, err = f.svc.GetMe(context.Background(), "no-such-user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProfileFields(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	dob := time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)
	updated, err := f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{
		FullName:    ptr("Tran Thi B"),
		DateOfBirth: &dob,
		Gender:      ptr("female"),
		Role:        ptr(model.RoleBoth),
		Vehicle: &model.Vehicle{
			Brand: "Honda", Model: "Wave", LicensePlate: "59X1-12345", Seats: 2,
		},
		Addresses: []model.Address{
			{Label: "home", Address: "1 Le Loi", Coords: model.Coordinates{Lat: 10.77, Lng: 106.7}},
		},
		NotificationSettings: &model.NotificationSettings{Email: false, Push: true, SMS: false},
	})
	require.NoError(t, err)

	assert.Equal(t, "Tran Thi B", updated.FullName)
	assert.Equal(t, "female", updated.Gender)
	assert.Equal(t, model.RoleBoth, updated.Role)
	require.NotNil(t, updated.Vehicle)
	assert.Equal(t, "Honda", updated.Vehicle.Brand)
	require.Len(t, updated.Addresses, 1)
	assert.False(t, updated.NotificationSettings.Email)

	// Omitted fields are untouched.
	again, err := f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Gender: ptr("other")})
	require.NoError(t, err)
	assert.Equal(t, "Tran Thi B", again.FullName)
	assert.Equal(t, "other", again.Gender)
}

func TestUpdateProfileValidation(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{FullName: ptr("A")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{FullName: ptr(strings.Repeat("a", 51))})
	assert.ErrorIs(t, err, ErrValidation)

	// 17 years old at the fixture clock.
	young := time.Date(2008, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{DateOfBirth: &young})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Gender: ptr("unknown")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Role: ptr("pilot")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Email: ptr("not-an-email")})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdateProfile(ctx, "no-such-user", &ProfileUpdate{Gender: ptr("male")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProfileEmailUniqueness(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	other := &model.User{
		FullName: "Le Van C",
		Phone:    "0911111111",
		IsActive: true,
	}
	require.NoError(t, f.store.CreateUser(ctx, other))

	updated, err := f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Email: ptr("A@Example.Com")})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", updated.Email)

	// Another account cannot take the same address.
	_, err = f.svc.UpdateProfile(ctx, other.ID, &ProfileUpdate{Email: ptr("a@example.com")})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	// Re-submitting your own address is fine.
	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Email: ptr("a@example.com")})
	require.NoError(t, err)

	// Changing it releases the old one for others.
	_, err = f.svc.UpdateProfile(ctx, f.userID, &ProfileUpdate{Email: ptr("b@example.com")})
	require.NoError(t, err)
	_, err = f.svc.UpdateProfile(ctx, other.ID, &ProfileUpdate{Email: ptr("a@example.com")})
	assert.NoError(t, err)
}

func TestSaveAvatar(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	updated, err := f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(pngStub), int64(len(pngStub)))
	require.NoError(t, err)
	require.NotEmpty(t, updated.Avatar)
	assert.True(t, strings.HasSuffix(updated.Avatar, ".png"))
	assert.Contains(t, updated.Avatar, "avatar-")

	onDisk := strings.TrimPrefix(updated.Avatar, "/")
	data, err := os.ReadFile(filepath.FromSlash(onDisk))
	require.NoError(t, err)
	assert.Equal(t, pngStub, data)

	// A replacement removes the previous file.
	replaced, err := f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(pngStub), int64(len(pngStub)))
	require.NoError(t, err)
	assert.NotEqual(t, updated.Avatar, replaced.Avatar)
	_, err = os.Stat(filepath.FromSlash(onDisk))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveAvatarRejectsBadUploads(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	_, err := f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrNoFileSelected)

	_, err = f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(pngStub), 6*1024*1024)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	text := []byte("plain text, not an image, long enough to be sniffed")
	_, err = f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(text), int64(len(text)))
	assert.ErrorIs(t, err, ErrInvalidFileType)
}

func TestDeleteAvatar(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	_, err := f.svc.DeleteAvatar(ctx, f.userID)
	assert.ErrorIs(t, err, ErrNoAvatar)

	saved, err := f.svc.SaveAvatar(ctx, f.userID, bytes.NewReader(pngStub), int64(len(pngStub)))
	require.NoError(t, err)
	onDisk := strings.TrimPrefix(saved.Avatar, "/")

	cleared, err := f.svc.DeleteAvatar(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, cleared.Avatar)

	_, err = os.Stat(filepath.FromSlash(onDisk))
	assert.True(t, os.IsNotExist(err))
}
