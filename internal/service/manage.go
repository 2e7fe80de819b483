package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
)

// AccountUpdate holds the fields a superadmin may overwrite. Nil fields are
// left as they are.
type AccountUpdate struct {
	Username *string
	Email    *string
	Role     *model.Role
	// Password is plaintext. It is derived like any other password and closes
	// recovery in progress.
	Password *string
}

func (u AccountUpdate) empty() bool {
	return u.Username == nil && u.Email == nil && u.Role == nil && u.Password == nil
}

// Update overwrites the target's profile fields. A role change away from
// superadmin is refused for the last superadmin; an email or username taken
// by another account is a conflict.
func (a *RoleAuthorizer) Update(ctx context.Context, caller Caller, targetID string, u AccountUpdate) (*model.Account, error) {
	if u.empty() {
		return nil, apperr.New(apperr.ErrValidation, "no fields to update")
	}

	var username, email, hash, salt string
	if u.Username != nil {
		username = strings.TrimSpace(*u.Username)
		if err := validateUsername(username); err != nil {
			return nil, err
		}
	}
	if u.Email != nil {
		email = normalizeEmail(*u.Email)
		if err := validateEmail(email); err != nil {
			return nil, err
		}
	}
	if u.Role != nil && !u.Role.Valid() {
		return nil, apperr.New(apperr.ErrValidation, fmt.Sprintf("unknown role %q", *u.Role))
	}
	if u.Password != nil {
		if err := validatePassword(*u.Password); err != nil {
			return nil, err
		}
		var err error
		if hash, salt, err = a.hasher.Derive(ctx, *u.Password); err != nil {
			return nil, hashErr(err)
		}
	}

	if u.Role != nil {
		unlock := a.superadmin.Lock(superadminKey)
		defer unlock()
	}
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}

	var (
		prevRole model.Role
		changed  []string
	)
	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		prevRole = acc.Role
		changed = changed[:0]
		if u.Role != nil && *u.Role != acc.Role {
			if err := a.checkFloor(ctx, acc, *u.Role); err != nil {
				return err
			}
			if err := acc.ChangeRole(*u.Role); err != nil {
				return apperr.Wrap(apperr.ErrValidation, err.Error(), err)
			}
		}
		if u.Username != nil && username != acc.Username {
			acc.Username = username
			changed = append(changed, "username")
		}
		if u.Email != nil && email != acc.Email {
			acc.Email = email
			changed = append(changed, "email")
		}
		if u.Password != nil {
			if err := acc.SetCredentials(hash, salt); err != nil {
				return apperr.Internal(err)
			}
			acc.ClearRecovery()
			changed = append(changed, "password")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		a.record(ctx, acc.ID, caller.ID, model.ActionUpdate, "updated "+strings.Join(changed, ", "))
	}
	if prevRole != acc.Role {
		a.record(ctx, acc.ID, caller.ID, model.ActionRoleChange,
			fmt.Sprintf("role changed from %s to %s", prevRole, acc.Role))
	}
	return acc, nil
}

// Delete removes the target and its activity trail. The last superadmin and
// the caller's own account cannot be deleted.
func (a *RoleAuthorizer) Delete(ctx context.Context, caller Caller, targetID string) error {
	unlock := a.superadmin.Lock(superadminKey)
	defer unlock()
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return err
	}
	if targetID == caller.ID {
		return apperr.New(apperr.ErrValidation, "cannot delete the signed-in account")
	}

	release := a.accounts.Lock(targetID)
	defer release()

	acc, err := a.store.GetAccount(ctx, targetID)
	if err != nil {
		return storeErr(err, "account not found")
	}
	if err := a.checkFloor(ctx, acc, ""); err != nil {
		return err
	}
	if err := a.store.DeleteAccount(ctx, targetID); err != nil {
		return storeErr(err, "account not found")
	}

	a.logger.Info("account deleted", "account_id", acc.ID, "actor_id", caller.ID)
	// The target's trail is gone with it, so the caller's trail keeps the record.
	a.record(ctx, caller.ID, caller.ID, model.ActionDelete,
		fmt.Sprintf("deleted %s account %s (%s)", acc.Role, acc.Username, acc.ID))
	return nil
}
