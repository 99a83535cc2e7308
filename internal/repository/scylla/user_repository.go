package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"carpool-auth/internal/model"
	"carpool-auth/internal/util"
)

const userColumns = `user_id, phone, email, full_name, password_hash,
	registration_step, registration_completed_at, is_phone_verified, is_active,
	phone_otp, phone_otp_expiry, phone_otp_issued_at,
	reset_password_otp, reset_password_expire,
	avatar, date_of_birth, gender, role,
	vehicle_json, addresses_json, notification_json,
	last_login, created_at, updated_at`

type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

// CreateUser claims the phone number with a conditional insert, then writes
// the account row. The lookup row is the uniqueness guard: two concurrent
// registrations for the same phone race on it and exactly one wins.
func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	applied, err := r.client.Query(
		`INSERT INTO users_by_phone (phone, user_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		user.Phone, user.ID, now,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim phone number: %w", err)
	}
	if !applied {
		return ErrPhoneTaken
	}

	vehicleJSON, addressesJSON, notificationJSON, err := marshalProfile(user)
	if err != nil {
		return err
	}

	insert := r.client.Query(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Phone, user.Email, user.FullName, user.PasswordHash,
		user.RegistrationStep, tsval(user.RegistrationCompletedAt), user.IsPhoneVerified, user.IsActive,
		user.PhoneOTP, tsval(user.PhoneOTPExpiry), tsval(user.PhoneOTPIssuedAt),
		user.ResetPasswordOTP, tsval(user.ResetPasswordExpire),
		user.Avatar, tsval(user.DateOfBirth), user.Gender, user.Role,
		vehicleJSON, addressesJSON, notificationJSON,
		tsval(user.LastLogin), user.CreatedAt, user.UpdatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(insert, 3); err != nil {
		// Release the claim so the phone is not stranded.
		if delErr := r.client.Query(
			`DELETE FROM users_by_phone WHERE phone = ?`, user.Phone,
		).WithContext(ctx).Exec(); delErr != nil {
			util.Error("Failed to release phone claim after insert failure",
				util.String("phone", user.Phone), util.ErrorField(delErr))
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		util.String("user_id", user.ID),
		util.String("phone", user.Phone))
	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	query := r.client.Query(
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID,
	).WithContext(ctx)

	user, err := r.scanUser(query)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to get user by id", util.String("user_id", userID), util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, nil
}

func (r *UserRepository) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	var userID string
	err := r.client.ScanWithRetry(
		r.client.Query(`SELECT user_id FROM users_by_phone WHERE phone = ?`, phone).WithContext(ctx),
		&userID,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to resolve phone lookup", util.String("phone", phone), util.ErrorField(err))
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}
	return r.GetUserByID(ctx, userID)
}

func (r *UserRepository) EmailOwner(ctx context.Context, email string) (string, error) {
	var userID string
	err := r.client.Query(
		`SELECT user_id FROM users_by_email WHERE email = ?`, email,
	).WithContext(ctx).Scan(&userID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve email lookup: %w", err)
	}
	return userID, nil
}

func (r *UserRepository) ClaimEmail(ctx context.Context, email, userID string) error {
	applied, err := r.client.Query(
		`INSERT INTO users_by_email (email, user_id) VALUES (?, ?) IF NOT EXISTS`,
		email, userID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		// Re-claiming one's own email is not a conflict.
		owner, ownerErr := r.EmailOwner(ctx, email)
		if ownerErr == nil && owner == userID {
			return nil
		}
		return ErrEmailTaken
	}
	return nil
}

func (r *UserRepository) ReleaseEmail(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	if err := r.client.Query(
		`DELETE FROM users_by_email WHERE email = ?`, email,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to release email: %w", err)
	}
	return nil
}

func (r *UserRepository) UpdatePhoneOTP(ctx context.Context, userID, otp string, expiry, issuedAt time.Time) error {
	return r.exec(ctx, "update phone otp",
		`UPDATE users SET phone_otp = ?, phone_otp_expiry = ?, phone_otp_issued_at = ?, updated_at = ? WHERE user_id = ?`,
		otp, expiry, issuedAt, time.Now().UTC(), userID)
}

// MarkPhoneVerified advances the account to the password step and drops the
// registration code in the same write so a verified code cannot be replayed.
func (r *UserRepository) MarkPhoneVerified(ctx context.Context, userID string) error {
	return r.exec(ctx, "mark phone verified",
		`UPDATE users SET is_phone_verified = true, registration_step = ?,
			phone_otp = '', phone_otp_expiry = null, phone_otp_issued_at = null, updated_at = ?
		WHERE user_id = ?`,
		model.StepPasswordPending, time.Now().UTC(), userID)
}

func (r *UserRepository) CompleteRegistration(ctx context.Context, userID, passwordHash string, completedAt time.Time) error {
	return r.exec(ctx, "complete registration",
		`UPDATE users SET password_hash = ?, registration_step = ?, is_active = true,
			registration_completed_at = ?, updated_at = ?
		WHERE user_id = ?`,
		passwordHash, model.StepCompleted, completedAt, time.Now().UTC(), userID)
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return r.exec(ctx, "update last login",
		`UPDATE users SET last_login = ?, updated_at = ? WHERE user_id = ?`,
		at, time.Now().UTC(), userID)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return r.exec(ctx, "update password",
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE user_id = ?`,
		passwordHash, time.Now().UTC(), userID)
}

func (r *UserRepository) SetResetOTP(ctx context.Context, userID, otp string, expiry time.Time) error {
	return r.exec(ctx, "set reset otp",
		`UPDATE users SET reset_password_otp = ?, reset_password_expire = ?, updated_at = ? WHERE user_id = ?`,
		otp, expiry, time.Now().UTC(), userID)
}

func (r *UserRepository) ClearResetOTP(ctx context.Context, userID string) error {
	return r.exec(ctx, "clear reset otp",
		`UPDATE users SET reset_password_otp = '', reset_password_expire = null, updated_at = ? WHERE user_id = ?`,
		time.Now().UTC(), userID)
}

// ConsumeResetOTP is a compare-and-set: the new password lands only if the
// stored reset code is still the one presented, so a code can be spent once.
func (r *UserRepository) ConsumeResetOTP(ctx context.Context, userID, otp, passwordHash string) error {
	applied, err := r.client.Query(
		`UPDATE users SET password_hash = ?, reset_password_otp = '', reset_password_expire = null, updated_at = ?
		WHERE user_id = ? IF reset_password_otp = ?`,
		passwordHash, time.Now().UTC(), userID, otp,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to consume reset otp: %w", err)
	}
	if !applied {
		return ErrStaleRecord
	}
	return nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, user *model.User) error {
	vehicleJSON, addressesJSON, notificationJSON, err := marshalProfile(user)
	if err != nil {
		return err
	}
	user.UpdatedAt = time.Now().UTC()
	return r.exec(ctx, "update profile",
		`UPDATE users SET full_name = ?, email = ?, date_of_birth = ?, gender = ?, role = ?,
			vehicle_json = ?, addresses_json = ?, notification_json = ?, updated_at = ?
		WHERE user_id = ?`,
		user.FullName, user.Email, tsval(user.DateOfBirth), user.Gender, user.Role,
		vehicleJSON, addressesJSON, notificationJSON, user.UpdatedAt, user.ID)
}

func (r *UserRepository) UpdateAvatar(ctx context.Context, userID, avatar string) error {
	return r.exec(ctx, "update avatar",
		`UPDATE users SET avatar = ?, updated_at = ? WHERE user_id = ?`,
		avatar, time.Now().UTC(), userID)
}

func (r *UserRepository) exec(ctx context.Context, op, stmt string, values ...interface{}) error {
	query := r.client.Query(stmt, values...).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("User write failed", util.String("op", op), util.ErrorField(err))
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (r *UserRepository) scanUser(query *gocql.Query) (*model.User, error) {
	user := &model.User{}
	var (
		completedAt, otpExpiry, otpIssuedAt time.Time
		resetExpire, dateOfBirth, lastLogin time.Time
		vehicleJSON, addressesJSON          string
		notificationJSON                    string
	)

	err := r.client.ScanWithRetry(query,
		&user.ID, &user.Phone, &user.Email, &user.FullName, &user.PasswordHash,
		&user.RegistrationStep, &completedAt, &user.IsPhoneVerified, &user.IsActive,
		&user.PhoneOTP, &otpExpiry, &otpIssuedAt,
		&user.ResetPasswordOTP, &resetExpire,
		&user.Avatar, &dateOfBirth, &user.Gender, &user.Role,
		&vehicleJSON, &addressesJSON, &notificationJSON,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	user.RegistrationCompletedAt = tsptr(completedAt)
	user.PhoneOTPExpiry = tsptr(otpExpiry)
	user.PhoneOTPIssuedAt = tsptr(otpIssuedAt)
	user.ResetPasswordExpire = tsptr(resetExpire)
	user.DateOfBirth = tsptr(dateOfBirth)
	user.LastLogin = tsptr(lastLogin)

	if vehicleJSON != "" {
		user.Vehicle = &model.Vehicle{}
		if err := json.Unmarshal([]byte(vehicleJSON), user.Vehicle); err != nil {
			return nil, fmt.Errorf("corrupt vehicle column for user %s: %w", user.ID, err)
		}
	}
	if addressesJSON != "" {
		if err := json.Unmarshal([]byte(addressesJSON), &user.Addresses); err != nil {
			return nil, fmt.Errorf("corrupt addresses column for user %s: %w", user.ID, err)
		}
	}
	if notificationJSON != "" {
		if err := json.Unmarshal([]byte(notificationJSON), &user.NotificationSettings); err != nil {
			return nil, fmt.Errorf("corrupt notification column for user %s: %w", user.ID, err)
		}
	} else {
		user.NotificationSettings = model.DefaultNotificationSettings()
	}

	return user, nil
}

func marshalProfile(user *model.User) (vehicle, addresses, notification string, err error) {
	if user.Vehicle != nil {
		raw, err := json.Marshal(user.Vehicle)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode vehicle: %w", err)
		}
		vehicle = string(raw)
	}
	if len(user.Addresses) > 0 {
		raw, err := json.Marshal(user.Addresses)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode addresses: %w", err)
		}
		addresses = string(raw)
	}
	raw, err := json.Marshal(user.NotificationSettings)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode notification settings: %w", err)
	}
	notification = string(raw)
	return vehicle, addresses, notification, nil
}

// Scylla has no null timestamps on scan: zero time stands in for absent.
func tsptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func tsval(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.UTC()
}
