package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"carpool-auth/internal/config"
	"carpool-auth/internal/events"
	"carpool-auth/internal/model"
	"carpool-auth/internal/repository/scylla"
	"carpool-auth/internal/util"
)

// avatarExtensions maps accepted sniffed content types to file extensions.
var avatarExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ProfileService reads and updates the non-credential parts of an account:
// personal details, vehicle, saved addresses, notification settings and the
// avatar image (stored on local disk).
type ProfileService struct {
	users     scylla.UserStore
	publisher events.Publisher

	uploadConfig config.UploadConfig
	now          func() time.Time
}

func NewProfileService(users scylla.UserStore, publisher events.Publisher, cfg *config.Config) *ProfileService {
	return &ProfileService{
		users:        users,
		publisher:    publisher,
		uploadConfig: cfg.Upload,
		now:          time.Now,
	}
}

func (s *ProfileService) WithClock(now func() time.Time) *ProfileService {
	s.now = now
	return s
}

// ProfileUpdate carries the updatable fields; nil means leave unchanged.
type ProfileUpdate struct {
	FullName             *string                     `json:"fullName"`
	Email                *string                     `json:"email"`
	DateOfBirth          *time.Time                  `json:"dateOfBirth"`
	Gender               *string                     `json:"gender"`
	Role                 *string                     `json:"role"`
	Vehicle              *model.Vehicle              `json:"vehicle"`
	Addresses            []model.Address             `json:"addresses"`
	NotificationSettings *model.NotificationSettings `json:"notificationSettings"`
}

func (s *ProfileService) GetMe(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user.Public(), nil
}

// UpdateProfile applies a partial update. Changing the email claims the new
// address first (unique when present) and releases the old one only after the
// row update lands.
func (s *ProfileService) UpdateProfile(ctx context.Context, userID string, update *ProfileUpdate) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if update.FullName != nil {
		name := util.SanitizeInput(*update.FullName)
		if len(name) < 2 || len(name) > 50 {
			return nil, fmt.Errorf("%w: full name must be 2-50 characters", ErrValidation)
		}
		user.FullName = name
	}
	if update.DateOfBirth != nil {
		if update.DateOfBirth.AddDate(18, 0, 0).After(s.now()) {
			return nil, fmt.Errorf("%w: must be at least 18 years old", ErrValidation)
		}
		dob := update.DateOfBirth.UTC()
		user.DateOfBirth = &dob
	}
	if update.Gender != nil {
		if !model.ValidGender(*update.Gender) {
			return nil, fmt.Errorf("%w: gender must be male, female or other", ErrValidation)
		}
		user.Gender = *update.Gender
	}
	if update.Role != nil {
		if !model.ValidRole(*update.Role) {
			return nil, fmt.Errorf("%w: role must be driver, passenger or both", ErrValidation)
		}
		user.Role = *update.Role
	}
	if update.Vehicle != nil {
		user.Vehicle = update.Vehicle
	}
	if update.Addresses != nil {
		user.Addresses = update.Addresses
	}
	if update.NotificationSettings != nil {
		user.NotificationSettings = *update.NotificationSettings
	}

	previousEmail := user.Email
	if update.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*update.Email))
		if email != "" && !model.ValidEmail(email) {
			return nil, fmt.Errorf("%w: invalid email address", ErrValidation)
		}
		if email != previousEmail && email != "" {
			if err := s.users.ClaimEmail(ctx, email, user.ID); err != nil {
				if err == scylla.ErrEmailTaken {
					return nil, ErrDuplicateEmail
				}
				return nil, err
			}
		}
		user.Email = email
	}

	if err := s.users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}

	if update.Email != nil && user.Email != previousEmail && previousEmail != "" {
		if err := s.users.ReleaseEmail(ctx, previousEmail); err != nil {
			util.Warn("Failed to release previous email",
				util.String("user_id", user.ID),
				util.ErrorField(err))
		}
	}

	s.publisher.Publish(ctx, events.AuthEvent{
		Type:   events.TypeProfileUpdated,
		UserID: user.ID,
		Phone:  user.Phone,
	})

	util.Info("Profile updated", util.String("user_id", user.ID))
	return user.Public(), nil
}

// SaveAvatar stores an uploaded image and points the account at it. The
// content type is sniffed from the first bytes, not trusted from the client.
func (s *ProfileService) SaveAvatar(ctx context.Context, userID string, content io.Reader, size int64) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if size <= 0 {
		return nil, ErrNoFileSelected
	}
	if size > s.uploadConfig.MaxAvatarSize {
		return nil, ErrFileTooLarge
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(content, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	ext, ok := avatarExtensions[http.DetectContentType(head)]
	if !ok {
		return nil, ErrInvalidFileType
	}

	if err := os.MkdirAll(s.uploadConfig.AvatarDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create avatar directory: %w", err)
	}

	filename := fmt.Sprintf("avatar-%s%s", uuid.New().String(), ext)
	path := filepath.Join(s.uploadConfig.AvatarDir, filename)

	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create avatar file: %w", err)
	}
	if _, err := out.Write(head); err != nil {
		out.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write avatar: %w", err)
	}
	if _, err := io.Copy(out, io.LimitReader(content, s.uploadConfig.MaxAvatarSize)); err != nil {
		out.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write avatar: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write avatar: %w", err)
	}

	previous := user.Avatar
	avatarPath := "/" + filepath.ToSlash(path)
	if err := s.users.UpdateAvatar(ctx, user.ID, avatarPath); err != nil {
		os.Remove(path)
		return nil, err
	}
	user.Avatar = avatarPath

	s.removeAvatarFile(previous)

	s.publisher.Publish(ctx, events.AuthEvent{
		Type:       events.TypeProfileUpdated,
		UserID:     user.ID,
		Phone:      user.Phone,
		Attributes: map[string]string{"field": "avatar"},
	})

	util.Info("Avatar updated", util.String("user_id", user.ID), util.String("avatar", avatarPath))
	return user.Public(), nil
}

// DeleteAvatar clears the account's avatar and removes the file best-effort.
func (s *ProfileService) DeleteAvatar(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if err == scylla.ErrUserNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if user.Avatar == "" {
		return nil, ErrNoAvatar
	}

	previous := user.Avatar
	if err := s.users.UpdateAvatar(ctx, user.ID, ""); err != nil {
		return nil, err
	}
	user.Avatar = ""

	s.removeAvatarFile(previous)

	util.Info("Avatar removed", util.String("user_id", user.ID))
	return user.Public(), nil
}

// removeAvatarFile deletes a stored avatar, tolerating files already gone.
func (s *ProfileService) removeAvatarFile(avatarPath string) {
	if avatarPath == "" {
		return
	}
	path := strings.TrimPrefix(avatarPath, "/")
	if !strings.HasPrefix(filepath.ToSlash(path), filepath.ToSlash(s.uploadConfig.AvatarDir)) {
		return
	}
	if err := os.Remove(filepath.FromSlash(path)); err != nil && !os.IsNotExist(err) {
		util.Warn("Failed to remove avatar file", util.String("path", path), util.ErrorField(err))
	}
}
