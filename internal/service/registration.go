package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/notify"
	"github.com/markbook/markbook/internal/store"
)

// Registration is the input to Register.
type Registration struct {
	Username string
	Email    string
	Password string
	Role     model.Role
}

// ConfirmationFlow creates pending accounts and activates them through a
// token mailed to the operator.
type ConfirmationFlow struct {
	*deps
	frontendURL   string
	operatorEmail string
}

// Register creates a pending account and mails the operator an approval
// link. The registrant is not notified. A delivery failure is logged; the
// account is still created.
func (f *ConfirmationFlow) Register(ctx context.Context, in Registration) (*model.Account, error) {
	acc, token, err := f.newAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := f.store.CreateAccount(ctx, acc); err != nil {
		return nil, storeErr(err, "account not found")
	}
	f.record(ctx, acc.ID, "", model.ActionRegister, fmt.Sprintf("registered as %s", acc.Role))

	if err := f.notifyOperator(ctx, acc, token); err != nil {
		f.logger.Error("approval request not delivered",
			"account_id", acc.ID, "error", apperr.Wrap(apperr.ErrDelivery, "approval request not delivered", err))
	}
	return acc, nil
}

// Provision creates an already active account without operator approval.
// It backs the bootstrap CLI, which has direct store access.
func (f *ConfirmationFlow) Provision(ctx context.Context, in Registration) (*model.Account, error) {
	acc, _, err := f.newAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := acc.Activate(); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := f.store.CreateAccount(ctx, acc); err != nil {
		return nil, storeErr(err, "account not found")
	}
	f.record(ctx, acc.ID, "", model.ActionRegister, fmt.Sprintf("provisioned as active %s", acc.Role))
	return acc, nil
}

// newAccount validates in and builds a pending account with fresh
// credentials. It returns the plaintext confirmation token.
func (f *ConfirmationFlow) newAccount(ctx context.Context, in Registration) (*model.Account, string, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	if in.Role == "" {
		in.Role = model.RoleAdmin
	}
	if err := validateUsername(in.Username); err != nil {
		return nil, "", err
	}
	if err := validateEmail(in.Email); err != nil {
		return nil, "", err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, "", err
	}
	if !in.Role.Valid() {
		return nil, "", apperr.New(apperr.ErrValidation, fmt.Sprintf("unknown role %q", in.Role))
	}

	exists, err := f.store.AccountExists(ctx, in.Email, in.Username)
	if err != nil {
		return nil, "", storeErr(err, "account not found")
	}
	if exists {
		return nil, "", apperr.New(apperr.ErrConflict, "email or username already in use")
	}

	hash, salt, err := f.hasher.Derive(ctx, in.Password)
	if err != nil {
		return nil, "", hashErr(err)
	}
	token, err := f.tokens.RandomToken(confirmTokenBytes)
	if err != nil {
		return nil, "", apperr.Internal(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", apperr.Internal(err)
	}

	acc, err := model.NewPendingAccount(id.String(), in.Username, in.Email, in.Role, credential.Fingerprint(token), f.clock.Now())
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ErrValidation, err.Error(), err)
	}
	if err := acc.SetCredentials(hash, salt); err != nil {
		return nil, "", apperr.Internal(err)
	}
	return acc, token, nil
}

// ConfirmationLink builds the operator approval URL for token.
func (f *ConfirmationFlow) ConfirmationLink(token string) string {
	return f.frontendURL + "/admin/confirm?token=" + url.QueryEscape(token)
}

func (f *ConfirmationFlow) notifyOperator(ctx context.Context, acc *model.Account, token string) error {
	if f.operatorEmail == "" {
		return errors.New("no operator address configured")
	}
	msg, err := notify.ApprovalMessage(f.operatorEmail, notify.ApprovalRequest{
		Username: acc.Username,
		Email:    acc.Email,
		Role:     string(acc.Role),
		Link:     f.ConfirmationLink(token),
	})
	if err != nil {
		return err
	}
	return f.notifier.Send(ctx, msg)
}

// Confirm activates the pending account holding token. Wrong, reused and
// already-decided tokens fail alike with InvalidToken.
func (f *ConfirmationFlow) Confirm(ctx context.Context, token string) (*model.Account, error) {
	invalid := apperr.New(apperr.ErrInvalidToken, "invalid or expired confirmation token")
	if token == "" {
		return nil, invalid
	}
	fp := credential.Fingerprint(token)

	found, err := f.store.GetPendingAccountByConfirmation(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid
		}
		return nil, storeErr(err, "account not found")
	}

	acc, err := f.mutate(ctx, found.ID, func(acc *model.Account) error {
		if acc.ConfirmationTokenHash == nil || *acc.ConfirmationTokenHash != fp {
			return invalid
		}
		if err := acc.Activate(); err != nil {
			return invalid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.record(ctx, acc.ID, "", model.ActionConfirm, "account activated by confirmation link")
	return acc, nil
}
