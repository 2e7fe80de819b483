// Package service implements the account credential lifecycle: registration
// and confirmation, OTP password recovery, login and session tokens, and
// role-gated account administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/notify"
	"github.com/markbook/markbook/internal/store"
)

// AccountStore persists accounts and their activity. Implementations return
// store.ErrNotFound, store.ErrDuplicate and store.ErrStale.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetPendingAccountByConfirmation(ctx context.Context, tokenHash string) (*model.Account, error)
	GetAccountByResetToken(ctx context.Context, tokenHash string) (*model.Account, error)
	AccountExists(ctx context.Context, email, username string) (bool, error)
	SaveAccount(ctx context.Context, acc *model.Account) error
	CountAccountsByRole(ctx context.Context, role model.Role) (int, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	AppendActivity(ctx context.Context, e *model.ActivityEntry) error
	ListActivity(ctx context.Context, accountID string, limit, offset int) ([]model.ActivityEntry, int, error)
	Ping(ctx context.Context) error
}

// SecretProvider supplies the session signing key.
type SecretProvider interface {
	SigningKey() ([]byte, error)
}

// Options configures New. Zero TTLs take their defaults.
type Options struct {
	Store    AccountStore
	Notifier notify.Notifier
	Secrets  SecretProvider
	Hasher   *credential.PasswordHasher
	Tokens   *credential.TokenGenerator
	Clock    clock.Clock
	Logger   *slog.Logger

	// FrontendURL prefixes the confirmation link mailed to the operator.
	FrontendURL string
	// OperatorEmail receives approval requests for new accounts.
	OperatorEmail string

	SessionTTL    time.Duration
	OTPTTL        time.Duration
	ResetTokenTTL time.Duration
	// ResetExcludedRoles may not start password recovery.
	ResetExcludedRoles []string
}

// Defaults.
const (
	DefaultSessionTTL    = time.Hour
	DefaultOTPTTL        = 2 * time.Minute
	DefaultResetTokenTTL = 10 * time.Minute

	otpDigits         = 6
	resetTokenBytes   = 20
	confirmTokenBytes = 20
)

// Core bundles the flows that share one store, clock and lock table.
type Core struct {
	Sessions     *SessionIssuer
	Confirmation *ConfirmationFlow
	Recovery     *OtpResetFlow
	Roles        *RoleAuthorizer
	Login        *LoginFlow
	Directory    *Directory
}

// New wires every flow from opts.
func New(opts Options) (*Core, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if opts.Secrets == nil {
		return nil, errors.New("service: secret provider is required")
	}
	if opts.Hasher == nil {
		h, err := credential.NewPasswordHasher(credential.MinIterations)
		if err != nil {
			return nil, err
		}
		opts.Hasher = h
	}
	if opts.Tokens == nil {
		opts.Tokens = credential.NewTokenGenerator()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Logger: opts.Logger}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = DefaultOTPTTL
	}
	if opts.ResetTokenTTL <= 0 {
		opts.ResetTokenTTL = DefaultResetTokenTTL
	}

	sessions, err := NewSessionIssuer(opts.Secrets, opts.SessionTTL, opts.Clock)
	if err != nil {
		return nil, err
	}

	d := &deps{
		store:      opts.Store,
		notifier:   opts.Notifier,
		hasher:     opts.Hasher,
		tokens:     opts.Tokens,
		clock:      opts.Clock,
		logger:     opts.Logger,
		accounts:   newKeyedMutex(),
		superadmin: newKeyedMutex(),
	}

	excluded := make(map[model.Role]bool, len(opts.ResetExcludedRoles))
	for _, r := range opts.ResetExcludedRoles {
		excluded[model.Role(strings.TrimSpace(r))] = true
	}

	return &Core{
		Sessions: sessions,
		Confirmation: &ConfirmationFlow{
			deps:          d,
			frontendURL:   strings.TrimRight(opts.FrontendURL, "/"),
			operatorEmail: opts.OperatorEmail,
		},
		Recovery: &OtpResetFlow{
			deps:          d,
			otpTTL:        opts.OTPTTL,
			resetTokenTTL: opts.ResetTokenTTL,
			excluded:      excluded,
		},
		Roles:     &RoleAuthorizer{deps: d},
		Login:     &LoginFlow{deps: d, sessions: sessions},
		Directory: &Directory{deps: d},
	}, nil
}

// deps is shared by every flow.
type deps struct {
	store    AccountStore
	notifier notify.Notifier
	hasher   *credential.PasswordHasher
	tokens   *credential.TokenGenerator
	clock    clock.Clock
	logger   *slog.Logger

	accounts *keyedMutex
	// superadmin guards every change to the set of superadmins.
	superadmin *keyedMutex
}

const superadminKey = "superadmin"

// mutate runs fn against a fresh copy of account id under its lock and saves
// the result. fn returning an error aborts without writing.
func (d *deps) mutate(ctx context.Context, id string, fn func(acc *model.Account) error) (*model.Account, error) {
	unlock := d.accounts.Lock(id)
	defer unlock()

	acc, err := d.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storeErr(err, "account not found")
	}
	if err := fn(acc); err != nil {
		return nil, err
	}
	if err := d.store.SaveAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrStale) {
			d.logger.Warn("account modified concurrently", "account_id", id)
		}
		return nil, storeErr(err, "account not found")
	}
	return acc, nil
}

// record appends an activity entry. Failures are logged and swallowed: the
// transition it describes has already been committed.
func (d *deps) record(ctx context.Context, accountID, actorID, action, details string) {
	e := &model.ActivityEntry{
		AccountID: accountID,
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: d.clock.Now(),
	}
	if err := d.store.AppendActivity(ctx, e); err != nil {
		d.logger.Error("record activity failed", "account_id", accountID, "action", action, "error", err)
	}
}

// storeErr translates storage sentinels into taxonomy kinds.
func storeErr(err error, notFoundMsg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.ErrNotFound, notFoundMsg, err)
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Wrap(apperr.ErrConflict, "email or username already in use", err)
	case errors.Is(err, store.ErrStale):
		return apperr.Wrap(apperr.ErrConflict, "account was modified concurrently, retry the request", err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(fmt.Errorf("account store: %w", err))
}
