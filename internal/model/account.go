package model

import (
	"errors"
	"fmt"
	"time"
)

// Role is an account's authorization level.
type Role string

const (
	RoleTeacher    Role = "teacher"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Roles lists every assignable role.
var Roles = []Role{RoleTeacher, RoleAdmin, RoleSuperadmin}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole converts s to a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Status is where an account sits in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRejected  Status = "rejected"
	StatusSuspended Status = "suspended"
)

var (
	// ErrNotPending is returned when a confirmation decision is applied to an
	// account that already left the pending state.
	ErrNotPending = errors.New("account is not pending")

	// ErrPartialCredentials is returned when a hash or salt is written
	// without its counterpart.
	ErrPartialCredentials = errors.New("password hash and salt must be set together")

	// ErrNoChallenge is returned when a reset token is opened without a
	// preceding OTP challenge.
	ErrNoChallenge = errors.New("no open otp challenge")
)

// Account is an administrative user of the school records system.
//
// Secrets never leave the process: the password hash, salt and every token
// fingerprint are excluded from JSON. Confirmation and reset tokens are
// stored only as fingerprints.
type Account struct {
	ID       string `json:"id" db:"id" bson:"_id"`
	Username string `json:"username" db:"username" bson:"username"`
	Email    string `json:"email" db:"email" bson:"email"`
	Role     Role   `json:"role" db:"role" bson:"role"`
	Status   Status `json:"status" db:"status" bson:"status"`

	PasswordHash string `json:"-" db:"password_hash" bson:"password_hash"`
	Salt         string `json:"-" db:"salt" bson:"salt"`

	ConfirmationTokenHash *string    `json:"-" db:"confirmation_token_hash" bson:"confirmation_token_hash,omitempty"`
	ResetOTPHash          *string    `json:"-" db:"reset_otp_hash" bson:"reset_otp_hash,omitempty"`
	ResetOTPExpiresAt     *time.Time `json:"-" db:"reset_otp_expires_at" bson:"reset_otp_expires_at,omitempty"`
	ResetTokenHash        *string    `json:"-" db:"reset_token_hash" bson:"reset_token_hash,omitempty"`
	ResetTokenExpiresAt   *time.Time `json:"-" db:"reset_token_expires_at" bson:"reset_token_expires_at,omitempty"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at" bson:"last_login_at,omitempty"`

	// Version is bumped by every successful save; stores reject writes made
	// against a stale copy.
	Version   int64     `json:"-" db:"version" bson:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// NewPendingAccount builds a freshly registered account awaiting operator
// approval.
func NewPendingAccount(id, username, email string, role Role, confirmationTokenHash string, now time.Time) (*Account, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if confirmationTokenHash == "" {
		return nil, errors.New("pending account requires a confirmation token")
	}
	now = now.UTC()
	return &Account{
		ID:                    id,
		Username:              username,
		Email:                 email,
		Role:                  role,
		Status:                StatusPending,
		ConfirmationTokenHash: &confirmationTokenHash,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// SetCredentials replaces the password hash and salt as a pair.
func (a *Account) SetCredentials(hash, salt string) error {
	if hash == "" || salt == "" {
		return ErrPartialCredentials
	}
	a.PasswordHash = hash
	a.Salt = salt
	return nil
}

// ---------------------------------------------------------------------------
// Password recovery
// ---------------------------------------------------------------------------

// OpenOTPChallenge starts (or restarts) recovery. Any previously issued OTP
// or reset token is discarded.
func (a *Account) OpenOTPChallenge(otpHash string, expiresAt time.Time) {
	expiresAt = expiresAt.UTC()
	a.ResetOTPHash = &otpHash
	a.ResetOTPExpiresAt = &expiresAt
	a.ResetTokenHash = nil
	a.ResetTokenExpiresAt = nil
}

// OTPChallenge returns the stored OTP fingerprint if a challenge is open and
// unexpired at now.
func (a *Account) OTPChallenge(now time.Time) (otpHash string, open bool) {
	if a.ResetOTPHash == nil || a.ResetOTPExpiresAt == nil {
		return "", false
	}
	if !now.Before(*a.ResetOTPExpiresAt) {
		return "", false
	}
	return *a.ResetOTPHash, true
}

// OpenResetToken closes the OTP challenge and opens a reset token in its
// place. At most one of the two is ever open.
func (a *Account) OpenResetToken(tokenHash string, expiresAt time.Time) error {
	if a.ResetOTPHash == nil {
		return ErrNoChallenge
	}
	expiresAt = expiresAt.UTC()
	a.ResetOTPHash = nil
	a.ResetOTPExpiresAt = nil
	a.ResetTokenHash = &tokenHash
	a.ResetTokenExpiresAt = &expiresAt
	return nil
}

// ResetTokenMatches reports whether tokenHash is the open reset token and
// it is unexpired at now.
func (a *Account) ResetTokenMatches(tokenHash string, now time.Time) bool {
	if a.ResetTokenHash == nil || a.ResetTokenExpiresAt == nil {
		return false
	}
	return *a.ResetTokenHash == tokenHash && now.Before(*a.ResetTokenExpiresAt)
}

// ClearRecovery closes any open OTP challenge or reset token.
func (a *Account) ClearRecovery() {
	a.ResetOTPHash = nil
	a.ResetOTPExpiresAt = nil
	a.ResetTokenHash = nil
	a.ResetTokenExpiresAt = nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Activate approves a pending account and drops its confirmation token.
func (a *Account) Activate() error {
	if a.Status != StatusPending {
		return ErrNotPending
	}
	a.Status = StatusActive
	a.ConfirmationTokenHash = nil
	return nil
}

// Reject declines a pending account and drops its confirmation token.
func (a *Account) Reject() error {
	if a.Status != StatusPending {
		return ErrNotPending
	}
	a.Status = StatusRejected
	a.ConfirmationTokenHash = nil
	return nil
}

// Decide applies an operator decision regardless of the current status.
// Approving reactivates suspended or rejected accounts.
func (a *Account) Decide(approve bool) {
	if approve {
		a.Status = StatusActive
	} else {
		a.Status = StatusRejected
	}
	a.ConfirmationTokenHash = nil
}

// Suspend blocks further logins.
func (a *Account) Suspend() {
	a.Status = StatusSuspended
	a.ConfirmationTokenHash = nil
}

// ChangeRole assigns r, which must be a known role.
func (a *Account) ChangeRole(r Role) error {
	if !r.Valid() {
		return fmt.Errorf("unknown role %q", r)
	}
	a.Role = r
	return nil
}

// RecordLogin stamps a successful authentication.
func (a *Account) RecordLogin(at time.Time) {
	at = at.UTC()
	a.LastLoginAt = &at
}

// CanLogin reports whether the account may authenticate.
func (a *Account) CanLogin() bool {
	return a.Status == StatusActive
}
