package store

import (
	"fmt"
	"strings"
)

// dialect holds the column types that differ between drivers.
type dialect struct {
	id        string // primary/foreign key columns
	text      string // unbounded text
	short     string // indexed short text
	timestamp string
}

var dialects = map[string]dialect{
	DriverSQLite:   {id: "TEXT", text: "TEXT", short: "TEXT", timestamp: "DATETIME"},
	DriverPostgres: {id: "TEXT", text: "TEXT", short: "TEXT", timestamp: "TIMESTAMPTZ"},
	DriverMySQL:    {id: "VARCHAR(64)", text: "TEXT", short: "VARCHAR(255)", timestamp: "DATETIME(6)"},
}

func (s *Store) migrations() []string {
	d := dialects[s.driver]

	accounts := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS accounts (
			id %[1]s PRIMARY KEY,
			username %[2]s NOT NULL UNIQUE,
			email %[2]s NOT NULL UNIQUE,
			role %[2]s NOT NULL,
			status %[2]s NOT NULL,
			password_hash %[2]s NOT NULL DEFAULT '',
			salt %[2]s NOT NULL DEFAULT '',
			confirmation_token_hash %[2]s,
			reset_otp_hash %[2]s,
			reset_otp_expires_at %[4]s,
			reset_token_hash %[2]s,
			reset_token_expires_at %[4]s,
			last_login_at %[4]s,
			version BIGINT NOT NULL DEFAULT 1,
			created_at %[4]s NOT NULL,
			updated_at %[4]s NOT NULL%[5]s
		)`, d.id, d.short, d.text, d.timestamp, s.inlineIndexes(
		"idx_accounts_confirmation (confirmation_token_hash)",
		"idx_accounts_reset_token (reset_token_hash)",
		"idx_accounts_role (role)",
	))

	activity := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS account_activity (
			id %[1]s PRIMARY KEY,
			account_id %[1]s NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			actor_id %[2]s NOT NULL DEFAULT '',
			action %[2]s NOT NULL,
			details %[3]s NOT NULL,
			created_at %[4]s NOT NULL%[5]s
		)`, d.id, d.short, d.text, d.timestamp, s.inlineIndexes(
		"idx_activity_account (account_id, created_at)",
	))

	// MySQL has no CREATE INDEX IF NOT EXISTS; its indexes are declared
	// inline above.
	if s.driver == DriverMySQL {
		return []string{accounts, activity}
	}
	return []string{
		accounts,
		activity,
		`CREATE INDEX IF NOT EXISTS idx_accounts_confirmation ON accounts(confirmation_token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_reset_token ON accounts(reset_token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts(role)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_account ON account_activity(account_id, created_at)`,
	}
}

func (s *Store) inlineIndexes(defs ...string) string {
	if s.driver != DriverMySQL {
		return ""
	}
	var b strings.Builder
	for _, def := range defs {
		b.WriteString(",\n\t\t\tINDEX ")
		b.WriteString(def)
	}
	return b.String()
}

func (s *Store) migrate() error {
	for _, m := range s.migrations() {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running an ALTER TABLE ADD COLUMN is a no-op.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
