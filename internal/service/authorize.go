package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/store"
)

// Caller identifies who is invoking an administrative operation.
type Caller struct {
	ID   string
	Role model.Role
}

// Authorize allows role if it is one of allowed.
func Authorize(role model.Role, allowed ...model.Role) error {
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return apperr.New(apperr.ErrForbidden, "insufficient role")
}

// RoleAuthorizer performs superadmin-only account transitions. Every method
// rechecks the caller's stored account regardless of how the request was
// routed.
type RoleAuthorizer struct {
	*deps
}

// requireSuperadmin accepts c only while its stored account is an active
// superadmin. Callers that change the superadmin set hold the superadmin
// lock first.
func (a *RoleAuthorizer) requireSuperadmin(ctx context.Context, c Caller) error {
	if err := Authorize(c.Role, model.RoleSuperadmin); err != nil {
		return err
	}
	acc, err := a.store.GetAccount(ctx, c.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.ErrForbidden, "insufficient role")
		}
		return storeErr(err, "account not found")
	}
	if acc.Role != model.RoleSuperadmin || acc.Status != model.StatusActive {
		a.logger.Warn("refused stale superadmin session", "account_id", c.ID,
			"role", acc.Role, "status", acc.Status)
		return apperr.New(apperr.ErrForbidden, "insufficient role")
	}
	return nil
}

// Promote makes the target a superadmin.
func (a *RoleAuthorizer) Promote(ctx context.Context, caller Caller, targetID string) (*model.Account, error) {
	unlock := a.superadmin.Lock(superadminKey)
	defer unlock()
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}

	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		return acc.ChangeRole(model.RoleSuperadmin)
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, acc.ID, caller.ID, model.ActionPromote, "promoted to superadmin")
	return acc, nil
}

// Demote drops the target to admin. The last remaining superadmin cannot
// be demoted.
func (a *RoleAuthorizer) Demote(ctx context.Context, caller Caller, targetID string) (*model.Account, error) {
	unlock := a.superadmin.Lock(superadminKey)
	defer unlock()
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}

	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		if err := a.checkFloor(ctx, acc, model.RoleAdmin); err != nil {
			return err
		}
		return acc.ChangeRole(model.RoleAdmin)
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, acc.ID, caller.ID, model.ActionDemote, "demoted to admin")
	return acc, nil
}

// checkFloor refuses to move acc from superadmin to next when it is the only
// superadmin. An empty next means acc is being removed. Callers hold the
// superadmin lock.
func (a *RoleAuthorizer) checkFloor(ctx context.Context, acc *model.Account, next model.Role) error {
	if acc.Role != model.RoleSuperadmin || next == model.RoleSuperadmin {
		return nil
	}
	n, err := a.store.CountAccountsByRole(ctx, model.RoleSuperadmin)
	if err != nil {
		return storeErr(err, "account not found")
	}
	if n <= 1 {
		a.logger.Warn("refused to remove last superadmin", "account_id", acc.ID)
		return apperr.New(apperr.ErrConflict, "last superadmin")
	}
	return nil
}

// Suspend blocks the target from logging in.
func (a *RoleAuthorizer) Suspend(ctx context.Context, caller Caller, targetID string) (*model.Account, error) {
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}
	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		acc.Suspend()
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, acc.ID, caller.ID, model.ActionSuspend, "account suspended")
	return acc, nil
}

// ForceResetPassword sets the target's password directly and closes any
// recovery in progress.
func (a *RoleAuthorizer) ForceResetPassword(ctx context.Context, caller Caller, targetID, newPassword string) (*model.Account, error) {
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}
	if err := validatePassword(newPassword); err != nil {
		return nil, err
	}
	hash, salt, err := a.hasher.Derive(ctx, newPassword)
	if err != nil {
		return nil, hashErr(err)
	}

	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		if err := acc.SetCredentials(hash, salt); err != nil {
			return apperr.Internal(err)
		}
		acc.ClearRecovery()
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, acc.ID, caller.ID, model.ActionForceReset, "password reset by superadmin")
	return acc, nil
}

// Decision is an operator verdict on an account.
type Decision struct {
	Approve bool
	// NewRole, when set, is assigned alongside the status change.
	NewRole model.Role
}

// DecideStatus approves or rejects the target and optionally changes its
// role. Removing the last superadmin through a role change is refused.
func (a *RoleAuthorizer) DecideStatus(ctx context.Context, caller Caller, targetID string, d Decision) (*model.Account, error) {
	if d.NewRole != "" && !d.NewRole.Valid() {
		return nil, apperr.New(apperr.ErrValidation, fmt.Sprintf("unknown role %q", d.NewRole))
	}
	if d.NewRole != "" {
		unlock := a.superadmin.Lock(superadminKey)
		defer unlock()
	}
	if err := a.requireSuperadmin(ctx, caller); err != nil {
		return nil, err
	}

	var prevRole model.Role
	acc, err := a.mutate(ctx, targetID, func(acc *model.Account) error {
		prevRole = acc.Role
		if d.NewRole != "" {
			if err := a.checkFloor(ctx, acc, d.NewRole); err != nil {
				return err
			}
			if err := acc.ChangeRole(d.NewRole); err != nil {
				return apperr.Wrap(apperr.ErrValidation, err.Error(), err)
			}
		}
		acc.Decide(d.Approve)
		return nil
	})
	if err != nil {
		return nil, err
	}

	action := model.ActionReject
	if d.Approve {
		action = model.ActionApprove
	}
	a.record(ctx, acc.ID, caller.ID, action, "status set to "+string(acc.Status))
	if prevRole != acc.Role {
		a.record(ctx, acc.ID, caller.ID, model.ActionRoleChange,
			fmt.Sprintf("role changed from %s to %s", prevRole, acc.Role))
	}
	return acc, nil
}
