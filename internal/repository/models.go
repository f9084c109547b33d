package repository

import (
	"time"

	"github.com/google/uuid"
)

// Actor distinguishes customer accounts from staff back-office accounts.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorStaff    Actor = "staff"
)

// Account status values
const (
	AccountActive = "active"
	AccountLocked = "locked"
)

// OTP purposes
const (
	PurposeRegister       = "register"
	PurposeForgotPassword = "forgot_password"
	PurposeChangeEmail    = "change_email"
	PurposeTwoFactor      = "2fa"
)

// Login log status values
const (
	LoginStatusSuccess = "success"
	LoginStatusFailed  = "failed"
	LoginStatusLogout  = "logout"
)

// Account represents a customer or staff account in the database.
// PasswordHash is nil for Google-only customers; GoogleID is nil for
// password accounts. An account may gain both over its lifetime.
type Account struct {
	ID           uuid.UUID  `db:"id"`
	Actor        Actor      `db:"actor"`
	DisplayName  string     `db:"display_name"`
	Email        string     `db:"email"`
	PasswordHash *string    `db:"password_hash"`
	GoogleID     *string    `db:"google_id"`
	Status       string     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	LastLoginAt  *time.Time `db:"last_login_at"`
}

// Session represents a refresh-token session in the database.
// TokenHash is the SHA-256 hex of the refresh token; the raw token is
// never stored. A session is live while revoked=false, expires_at is in
// the future and revoke_after (if set) has not passed.
type Session struct {
	ID          uuid.UUID  `db:"id"`
	AccountID   uuid.UUID  `db:"account_id"`
	TokenHash   string     `db:"token_hash"`
	UserAgent   *string    `db:"user_agent"`
	IPAddress   *string    `db:"ip_address"`
	ExpiresAt   time.Time  `db:"expires_at"`
	Revoked     bool       `db:"revoked"`
	RevokedAt   *time.Time `db:"revoked_at"`
	RevokeAfter *time.Time `db:"revoke_after"`
	LastUsedAt  *time.Time `db:"last_used_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Live reports whether the session can still mint access tokens at the
// given instant. A session past its delayed-revocation deadline is dead
// even if the background sweep has not flipped the revoked flag yet.
func (s *Session) Live(now time.Time) bool {
	if s.Revoked || !now.Before(s.ExpiresAt) {
		return false
	}
	if s.RevokeAfter != nil && !now.Before(*s.RevokeAfter) {
		return false
	}
	return true
}

// OTPChallenge represents a pending one-time code bound to an email and
// purpose. CodeHash is the SHA-256 hex of the 6-digit code. At most one
// row exists per email; a new request overwrites the previous row.
type OTPChallenge struct {
	ID           uuid.UUID `db:"id"`
	Email        string    `db:"email"`
	Purpose      string    `db:"purpose"`
	CodeHash     string    `db:"code_hash"`
	ExpiresAt    time.Time `db:"expires_at"`
	AttemptCount int       `db:"attempt_count"`
	MaxAttempts  int       `db:"max_attempts"`
	ResendCount  int       `db:"resend_count"`
	LastSentAt   time.Time `db:"last_sent_at"`
	IPAddress    *string   `db:"ip_address"`
	UserAgent    *string   `db:"user_agent"`
	CreatedAt    time.Time `db:"created_at"`
}

// LoginLog is an append-only audit record for authentication attempts.
// SessionID links successful logins to their session; failed attempts
// carry only the email. The row is mutated once at logout.
type LoginLog struct {
	ID           uuid.UUID  `db:"id"`
	SessionID    *uuid.UUID `db:"session_id"`
	AccountID    *uuid.UUID `db:"account_id"`
	Email        string     `db:"email"`
	IPAddress    *string    `db:"ip_address"`
	UserAgent    *string    `db:"user_agent"`
	Status       string     `db:"status"`
	ErrorMessage *string    `db:"error_message"`
	LoginTime    time.Time  `db:"login_time"`
	LogoutTime   *time.Time `db:"logout_time"`
}

// FailedLoginAttempt represents a failed login attempt for brute force protection
type FailedLoginAttempt struct {
	ID          uuid.UUID `db:"id"`
	Email       string    `db:"email"`
	IPAddress   string    `db:"ip_address"`
	AttemptedAt time.Time `db:"attempted_at"`
}
