package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Activity actions recorded by the account flows.
const (
	ActionRegister      = "account.register"
	ActionConfirm       = "account.confirm"
	ActionApprove       = "account.approve"
	ActionReject        = "account.reject"
	ActionLogin         = "session.login"
	ActionResetRequest  = "password.reset_request"
	ActionResetVerify   = "password.reset_verify"
	ActionResetComplete = "password.reset"
	ActionForceReset    = "password.force_reset"
	ActionPromote       = "role.promote"
	ActionDemote        = "role.demote"
	ActionRoleChange    = "role.change"
	ActionSuspend       = "account.suspend"
	ActionUpdate        = "account.update"
	ActionDelete        = "account.delete"
)

const (
	minActionLen  = 3
	maxActionLen  = 100
	maxDetailsLen = 1000
)

// ActivityEntry is one line of an account's audit trail. ActorID is the
// account that performed the action; it equals AccountID for self-service
// flows and is empty for anonymous ones such as registration.
type ActivityEntry struct {
	ID        string    `json:"id" db:"id" bson:"_id"`
	AccountID string    `json:"account_id" db:"account_id" bson:"account_id"`
	ActorID   string    `json:"actor_id,omitempty" db:"actor_id" bson:"actor_id,omitempty"`
	Action    string    `json:"action" db:"action" bson:"action"`
	Details   string    `json:"details,omitempty" db:"details" bson:"details,omitempty"`
	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}

// Validate enforces the stored length limits.
func (e *ActivityEntry) Validate() error {
	if e.AccountID == "" {
		return fmt.Errorf("activity entry requires an account id")
	}
	n := utf8.RuneCountInString(e.Action)
	if n < minActionLen || n > maxActionLen {
		return fmt.Errorf("activity action must be %d-%d characters, got %d", minActionLen, maxActionLen, n)
	}
	if utf8.RuneCountInString(e.Details) > maxDetailsLen {
		return fmt.Errorf("activity details exceed %d characters", maxDetailsLen)
	}
	return nil
}
