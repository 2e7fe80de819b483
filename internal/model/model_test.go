package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func newPending(t *testing.T) *Account {
	t.Helper()
	a, err := NewPendingAccount("acc-1", "alice", "alice@school.test", RoleAdmin, "fp-confirm", t0)
	if err != nil {
		t.Fatalf("NewPendingAccount: %v", err)
	}
	return a
}

func TestParseRole(t *testing.T) {
	for _, r := range []string{"teacher", "admin", "superadmin"} {
		if _, err := ParseRole(r); err != nil {
			t.Errorf("ParseRole(%q): %v", r, err)
		}
	}
	for _, r := range []string{"", "guest", "Admin", "root"} {
		if _, err := ParseRole(r); err == nil {
			t.Errorf("ParseRole(%q): expected error", r)
		}
	}
}

func TestNewPendingAccount(t *testing.T) {
	a := newPending(t)

	if a.Status != StatusPending {
		t.Errorf("Status = %q, want pending", a.Status)
	}
	if a.ConfirmationTokenHash == nil || *a.ConfirmationTokenHash != "fp-confirm" {
		t.Error("expected confirmation token fingerprint to be set")
	}
	if !a.CreatedAt.Equal(t0) || !a.UpdatedAt.Equal(t0) {
		t.Errorf("timestamps = %v/%v, want %v", a.CreatedAt, a.UpdatedAt, t0)
	}

	if _, err := NewPendingAccount("x", "bob", "bob@school.test", Role("guest"), "fp", t0); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := NewPendingAccount("x", "bob", "bob@school.test", RoleAdmin, "", t0); err == nil {
		t.Error("expected error for missing confirmation token")
	}
}

func TestSetCredentialsIsPairwise(t *testing.T) {
	a := newPending(t)

	if err := a.SetCredentials("hash", ""); !errors.Is(err, ErrPartialCredentials) {
		t.Errorf("expected ErrPartialCredentials, got %v", err)
	}
	if err := a.SetCredentials("", "salt"); !errors.Is(err, ErrPartialCredentials) {
		t.Errorf("expected ErrPartialCredentials, got %v", err)
	}
	if a.PasswordHash != "" || a.Salt != "" {
		t.Error("partial write must not touch stored credentials")
	}

	if err := a.SetCredentials("hash", "salt"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	if a.PasswordHash != "hash" || a.Salt != "salt" {
		t.Errorf("credentials = %q/%q", a.PasswordHash, a.Salt)
	}
}

// ---------------------------------------------------------------------------
// Recovery state machine
// ---------------------------------------------------------------------------

func TestRecoveryTransitions(t *testing.T) {
	a := newPending(t)
	_ = a.Activate()

	if _, open := a.OTPChallenge(t0); open {
		t.Fatal("fresh account should have no open challenge")
	}
	if err := a.OpenResetToken("tok", t0.Add(time.Minute)); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}

	a.OpenOTPChallenge("otp-fp", t0.Add(2*time.Minute))
	hash, open := a.OTPChallenge(t0.Add(time.Minute))
	if !open || hash != "otp-fp" {
		t.Fatalf("OTPChallenge = %q/%v, want otp-fp/true", hash, open)
	}
	if _, open := a.OTPChallenge(t0.Add(2 * time.Minute)); open {
		t.Error("challenge must be closed at exactly expiresAt")
	}

	if err := a.OpenResetToken("tok-fp", t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("OpenResetToken: %v", err)
	}
	if a.ResetOTPHash != nil || a.ResetOTPExpiresAt != nil {
		t.Error("opening a reset token must close the OTP challenge")
	}
	if !a.ResetTokenMatches("tok-fp", t0.Add(9*time.Minute)) {
		t.Error("expected reset token to match before expiry")
	}
	if a.ResetTokenMatches("tok-fp", t0.Add(10*time.Minute)) {
		t.Error("reset token must not match at expiry")
	}
	if a.ResetTokenMatches("other", t0) {
		t.Error("wrong token must not match")
	}

	a.ClearRecovery()
	if a.ResetTokenHash != nil || a.ResetTokenExpiresAt != nil || a.ResetOTPHash != nil || a.ResetOTPExpiresAt != nil {
		t.Error("ClearRecovery must clear every recovery field")
	}
}

func TestReopeningChallengeDropsResetToken(t *testing.T) {
	a := newPending(t)
	a.OpenOTPChallenge("otp-1", t0.Add(2*time.Minute))
	_ = a.OpenResetToken("tok-1", t0.Add(10*time.Minute))

	a.OpenOTPChallenge("otp-2", t0.Add(3*time.Minute))
	if a.ResetTokenHash != nil {
		t.Error("restarting recovery must invalidate the previous reset token")
	}
	if hash, _ := a.OTPChallenge(t0); hash != "otp-2" {
		t.Errorf("OTP fingerprint = %q, want otp-2", hash)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestActivateOnlyFromPending(t *testing.T) {
	a := newPending(t)

	if err := a.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if a.Status != StatusActive || a.ConfirmationTokenHash != nil {
		t.Errorf("after Activate: status=%q token=%v", a.Status, a.ConfirmationTokenHash)
	}
	if err := a.Activate(); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Activate: expected ErrNotPending, got %v", err)
	}
	if err := a.Reject(); !errors.Is(err, ErrNotPending) {
		t.Errorf("Reject after Activate: expected ErrNotPending, got %v", err)
	}
}

func TestDecideAndSuspendClearConfirmation(t *testing.T) {
	a := newPending(t)
	a.Decide(false)
	if a.Status != StatusRejected || a.ConfirmationTokenHash != nil {
		t.Errorf("after reject: status=%q token=%v", a.Status, a.ConfirmationTokenHash)
	}
	a.Decide(true)
	if a.Status != StatusActive {
		t.Errorf("after approve: status=%q", a.Status)
	}

	b := newPending(t)
	b.Suspend()
	if b.Status != StatusSuspended || b.ConfirmationTokenHash != nil {
		t.Errorf("after suspend: status=%q token=%v", b.Status, b.ConfirmationTokenHash)
	}
	if b.CanLogin() {
		t.Error("suspended account must not log in")
	}
}

func TestChangeRole(t *testing.T) {
	a := newPending(t)
	if err := a.ChangeRole(RoleSuperadmin); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	if a.Role != RoleSuperadmin {
		t.Errorf("Role = %q", a.Role)
	}
	if err := a.ChangeRole("guest"); err == nil {
		t.Error("expected error for unknown role")
	}
	if a.Role != RoleSuperadmin {
		t.Error("failed ChangeRole must not modify the role")
	}
}

func TestAccountJSONHidesSecrets(t *testing.T) {
	a := newPending(t)
	_ = a.SetCredentials(strings.Repeat("ab", 64), "00ff")
	a.OpenOTPChallenge("otp-fp", t0.Add(time.Minute))
	a.RecordLogin(t0)

	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	for _, secret := range []string{"password_hash", "salt", "confirmation_token_hash", "reset_otp_hash", "reset_token_hash", "version"} {
		if _, ok := m[secret]; ok {
			t.Errorf("JSON must not contain %q", secret)
		}
	}
	for _, key := range []string{"id", "username", "email", "role", "status", "last_login_at", "created_at"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected %q in JSON", key)
		}
	}
}

func TestActivityEntryValidate(t *testing.T) {
	ok := ActivityEntry{AccountID: "a", Action: ActionPromote}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	tests := []ActivityEntry{
		{Action: ActionPromote},
		{AccountID: "a", Action: "ab"},
		{AccountID: "a", Action: strings.Repeat("x", 101)},
		{AccountID: "a", Action: ActionPromote, Details: strings.Repeat("d", 1001)},
	}
	for i, e := range tests {
		if err := e.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestEnvelopeJSON(t *testing.T) {
	b, _ := json.Marshal(OK(map[string]string{"token": "abc"}))
	if string(b) != `{"success":true,"data":{"token":"abc"}}` {
		t.Errorf("OK envelope = %s", b)
	}
	b, _ = json.Marshal(Fail("invalid credentials"))
	if string(b) != `{"success":false,"error":"invalid credentials"}` {
		t.Errorf("Fail envelope = %s", b)
	}
}
