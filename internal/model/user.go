package model

import (
	"regexp"
	"time"
)

// Registration steps. Transitions are forward-only: 1 -> 2 -> 3.
const (
	StepOTPPending      = 1 // phone+name registered, OTP verification pending
	StepPasswordPending = 2 // phone verified, password not yet set
	StepCompleted       = 3 // registration complete, account active
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
)

const (
	RoleDriver    = "driver"
	RolePassenger = "passenger"
	RoleBoth      = "both"
)

var (
	phonePattern = regexp.MustCompile(`^[0-9]{10,11}$`)
	emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)
)

// ValidPhone reports whether phone is in canonical form (10-11 digits).
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// ValidEmail reports whether email looks like an address. Empty is not valid;
// callers treat the field as optional.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidGender reports whether g is one of the accepted gender values.
func ValidGender(g string) bool {
	return g == GenderMale || g == GenderFemale || g == GenderOther
}

// ValidRole reports whether r is an accepted profile role.
func ValidRole(r string) bool {
	return r == RoleDriver || r == RolePassenger || r == RoleBoth
}

// Vehicle holds the optional driver vehicle details.
type Vehicle struct {
	Brand        string `json:"brand,omitempty"`
	Model        string `json:"model,omitempty"`
	LicensePlate string `json:"licensePlate,omitempty"`
	Seats        int    `json:"seats,omitempty"`
	Color        string `json:"color,omitempty"`
	Year         int    `json:"year,omitempty"`
}

// Address is a saved favorite location.
type Address struct {
	Label   string      `json:"label"`
	Address string      `json:"address"`
	Coords  Coordinates `json:"coordinates"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NotificationSettings controls delivery channels for user notifications.
type NotificationSettings struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
	SMS   bool `json:"sms"`
}

// DefaultNotificationSettings matches the defaults applied at registration.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{Email: true, Push: true, SMS: true}
}

// User is the account record held by the credential store. The phone number is
// the primary identifier; email is optional and unique when present. OTP fields
// and their expiries are always set and cleared together.
type User struct {
	ID       string `json:"id"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"fullName"`

	PasswordHash string `json:"-"`

	RegistrationStep        int        `json:"registrationStep"`
	RegistrationCompletedAt *time.Time `json:"registrationCompletedAt,omitempty"`
	IsPhoneVerified         bool       `json:"isPhoneVerified"`
	IsActive                bool       `json:"isActive"`

	PhoneOTP         string     `json:"-"`
	PhoneOTPExpiry   *time.Time `json:"-"`
	PhoneOTPIssuedAt *time.Time `json:"-"`

	ResetPasswordOTP    string     `json:"-"`
	ResetPasswordExpire *time.Time `json:"-"`

	Avatar               string               `json:"avatar,omitempty"`
	DateOfBirth          *time.Time           `json:"dateOfBirth,omitempty"`
	Gender               string               `json:"gender"`
	Role                 string               `json:"role"`
	Vehicle              *Vehicle             `json:"vehicle,omitempty"`
	Addresses            []Address            `json:"addresses,omitempty"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`

	LastLogin *time.Time `json:"lastLogin,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NextStep names the client flow step that resumes an unfinished registration.
func (u *User) NextStep() string {
	switch u.RegistrationStep {
	case StepOTPPending:
		return "otp_verification"
	case StepPasswordPending:
		return "set_password"
	default:
		return ""
	}
}

// IsRegistrationComplete reports whether the account reached the terminal state.
func (u *User) IsRegistrationComplete() bool {
	return u.RegistrationStep == StepCompleted && u.IsActive && u.IsPhoneVerified
}

// Public returns a copy safe for serialization. The credential hash and both
// OTP pairs are excluded by json tags already; Public exists so handlers never
// hand the raw record to the encoder by accident.
func (u *User) Public() *User {
	out := *u
	out.PasswordHash = ""
	out.PhoneOTP = ""
	out.PhoneOTPExpiry = nil
	out.PhoneOTPIssuedAt = nil
	out.ResetPasswordOTP = ""
	out.ResetPasswordExpire = nil
	return &out
}
