package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/notify"
	"github.com/markbook/markbook/internal/store"
)

// OtpResetFlow recovers a forgotten password: a mailed one-time code is
// exchanged for a reset token, which is consumed once to set a new password.
type OtpResetFlow struct {
	*deps
	otpTTL        time.Duration
	resetTokenTTL time.Duration
	excluded      map[model.Role]bool
}

// RequestReset opens (or restarts) a recovery challenge for email and mails
// the code. Unknown and excluded accounts fail alike with NotFound.
func (f *OtpResetFlow) RequestReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	found, err := f.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.ErrNotFound, "account not found")
		}
		return storeErr(err, "account not found")
	}
	if f.excluded[found.Role] {
		return apperr.New(apperr.ErrNotFound, "account not found")
	}

	otp, err := f.tokens.NumericOTP(otpDigits)
	if err != nil {
		return apperr.Internal(err)
	}
	expiresAt := f.clock.Now().Add(f.otpTTL)

	acc, err := f.mutate(ctx, found.ID, func(acc *model.Account) error {
		acc.OpenOTPChallenge(credential.Fingerprint(otp), expiresAt)
		return nil
	})
	if err != nil {
		return err
	}
	f.record(ctx, acc.ID, acc.ID, model.ActionResetRequest, "reset code issued")

	msg, err := notify.ResetCodeMessage(acc.Email, otp, f.otpTTL.String())
	if err == nil {
		err = f.notifier.Send(ctx, msg)
	}
	if err != nil {
		f.logger.Error("reset code not delivered", "account_id", acc.ID, "error", err)
		return apperr.Wrap(apperr.ErrDelivery, "could not deliver reset code, try again", err)
	}
	return nil
}

// VerifyOTP exchanges a valid code for a reset token. The returned token is
// a bearer capability for ResetPassword.
func (f *OtpResetFlow) VerifyOTP(ctx context.Context, email, otp string) (string, error) {
	email = normalizeEmail(email)
	found, err := f.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.New(apperr.ErrNotFound, "account not found")
		}
		return "", storeErr(err, "account not found")
	}

	token, err := f.tokens.RandomToken(resetTokenBytes)
	if err != nil {
		return "", apperr.Internal(err)
	}

	acc, err := f.mutate(ctx, found.ID, func(acc *model.Account) error {
		now := f.clock.Now()
		want, open := acc.OTPChallenge(now)
		if !open {
			return apperr.New(apperr.ErrExpired, "reset code has expired")
		}
		got := credential.Fingerprint(otp)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return apperr.New(apperr.ErrInvalidCredential, "invalid reset code")
		}
		return acc.OpenResetToken(credential.Fingerprint(token), now.Add(f.resetTokenTTL))
	})
	if err != nil {
		return "", err
	}
	f.record(ctx, acc.ID, acc.ID, model.ActionResetVerify, "reset code verified")
	return token, nil
}

// ResetPassword consumes token and sets newPassword. Unknown, consumed and
// expired tokens fail alike with InvalidToken.
func (f *OtpResetFlow) ResetPassword(ctx context.Context, token, newPassword string) error {
	invalid := apperr.New(apperr.ErrInvalidToken, "invalid or expired reset token")
	if token == "" {
		return invalid
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	fp := credential.Fingerprint(token)

	found, err := f.store.GetAccountByResetToken(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid
		}
		return storeErr(err, "account not found")
	}
	if !found.ResetTokenMatches(fp, f.clock.Now()) {
		return invalid
	}

	hash, salt, err := f.hasher.Derive(ctx, newPassword)
	if err != nil {
		return hashErr(err)
	}

	acc, err := f.mutate(ctx, found.ID, func(acc *model.Account) error {
		if !acc.ResetTokenMatches(fp, f.clock.Now()) {
			return invalid
		}
		if err := acc.SetCredentials(hash, salt); err != nil {
			return apperr.Internal(err)
		}
		acc.ClearRecovery()
		return nil
	})
	if err != nil {
		return err
	}
	f.record(ctx, acc.ID, acc.ID, model.ActionResetComplete, "password reset")
	return nil
}
