package model

import "time"

// Security event types recorded in the audit trail.
const (
	EventRegistrationStarted = "registration_started"
	EventOTPVerified         = "otp_verified"
	EventOTPFailed           = "otp_failed"
	EventOTPResent           = "otp_resent"
	EventAccountActivated    = "account_activated"
	EventLoginSuccess        = "login_success"
	EventLoginFailed         = "login_failed"
	EventLoginLocked         = "login_locked"
	EventPasswordReset       = "password_reset"
	EventPasswordChanged     = "password_changed"
	EventLogout              = "logout"
)

// SecurityEvent is one row of the ClickHouse audit trail. EventBucket spreads
// writes across partitions; it is derived from the user id.
type SecurityEvent struct {
	EventBucket int       `ch:"event_bucket"`
	EventDate   string    `ch:"event_date"`
	EventTime   time.Time `ch:"event_time"`
	EventType   string    `ch:"event_type"`
	UserID      string    `ch:"user_id"`
	Phone       string    `ch:"phone"`
	IPAddress   string    `ch:"ip_address"`
	Details     string    `ch:"details"`
}
