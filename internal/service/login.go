package service

import (
	"context"
	"errors"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/store"
)

// Session is the result of a successful login.
type Session struct {
	Token    string     `json:"token"`
	Email    string     `json:"email"`
	Role     model.Role `json:"role"`
	Username string     `json:"username"`
}

// LoginFlow authenticates active accounts by email and password.
type LoginFlow struct {
	*deps
	sessions *SessionIssuer
}

// dummySalt and dummyHash keep the failure path as slow as a real verify.
const (
	dummySalt = "00000000000000000000000000000000"
	dummyHash = "0000000000000000000000000000000000000000000000000000000000000000" +
		"0000000000000000000000000000000000000000000000000000000000000000"
)

// Login verifies the credentials and issues a session token. Unknown email,
// inactive account and wrong password fail alike with InvalidCredential.
func (f *LoginFlow) Login(ctx context.Context, email, password string) (*Session, error) {
	invalid := apperr.New(apperr.ErrInvalidCredential, "invalid email or password")
	if email == "" || password == "" {
		return nil, apperr.New(apperr.ErrValidation, "email and password are required")
	}

	found, err := f.store.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, storeErr(err, "account not found")
		}
		_, _ = f.hasher.Verify(ctx, password, dummySalt, dummyHash)
		return nil, invalid
	}

	ok, err := f.hasher.Verify(ctx, password, found.Salt, found.PasswordHash)
	if err != nil {
		f.logger.Error("stored credentials unusable", "account_id", found.ID, "error", err)
		return nil, invalid
	}
	if !ok || !found.CanLogin() {
		return nil, invalid
	}

	acc, err := f.mutate(ctx, found.ID, func(acc *model.Account) error {
		if !acc.CanLogin() {
			return invalid
		}
		acc.RecordLogin(f.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	token, err := f.sessions.Issue(acc.ID, acc.Role)
	if err != nil {
		return nil, err
	}
	f.record(ctx, acc.ID, acc.ID, model.ActionLogin, "signed in")
	return &Session{Token: token, Email: acc.Email, Role: acc.Role, Username: acc.Username}, nil
}
