// Package store persists accounts and their activity trail in a SQL
// database. SQLite is the embedded default; PostgreSQL and MySQL are
// supported for shared deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/markbook/markbook/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options selects and tunes the backing database.
type Options struct {
	Driver string
	// DSN is the driver connection string. For SQLite an empty DSN means
	// markbook.db under DataDir, or an in-memory database when DataDir is
	// also empty.
	DSN          string
	DataDir      string
	MaxOpenConns int
}

// Store is the SQL implementation of the account store.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens a SQLite store under dataDir. Pass empty string for
// in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(Options{Driver: DriverSQLite, DataDir: dataDir})
}

// Open connects to the configured database and applies migrations.
func Open(opts Options) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(opts)
	case DriverPostgres:
		db, err = sqlx.Connect("pgx", opts.DSN)
	case DriverMySQL:
		db, err = openMySQL(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open account database: %w", err)
	}
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	return newStore(db, driver, opts.MaxOpenConns)
}

func newStore(db *sqlx.DB, driver string, maxOpen int) (*Store, error) {
	if driver != DriverSQLite && maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate account database: %w", err)
	}
	return s, nil
}

func openSQLite(opts Options) (*sqlx.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		if opts.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "markbook.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// openMySQL forces parseTime so DATETIME columns scan into time.Time.
func openMySQL(dsn string) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return sqlx.Connect("mysql", cfg.FormatDSN())
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the name of the backing driver.
func (s *Store) Driver() string {
	return s.driver
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

const accountColumns = `id, username, email, role, status, password_hash, salt,
	confirmation_token_hash, reset_otp_hash, reset_otp_expires_at,
	reset_token_hash, reset_token_expires_at, last_login_at,
	version, created_at, updated_at`

// CreateAccount inserts a new account. Version is set to 1 and the
// timestamps are normalised to UTC.
func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.CreatedAt
	acc.Version = 1

	const q = `INSERT INTO accounts (` + accountColumns + `)
		VALUES
		(:id, :username, :email, :role, :status, :password_hash, :salt,
		 :confirmation_token_hash, :reset_otp_hash, :reset_otp_expires_at,
		 :reset_token_hash, :reset_token_expires_at, :last_login_at,
		 :version, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, acc); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert account: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccount(ctx, "get account", "id = ?", id)
}

// GetAccountByEmail returns an account by email address.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.getAccount(ctx, "get account by email", "email = ?", email)
}

// GetPendingAccountByConfirmation returns the pending account whose
// confirmation token has the given fingerprint.
func (s *Store) GetPendingAccountByConfirmation(ctx context.Context, tokenHash string) (*model.Account, error) {
	return s.getAccount(ctx, "get account by confirmation token",
		"confirmation_token_hash = ? AND status = ?", tokenHash, model.StatusPending)
}

// GetAccountByResetToken returns the account holding the reset token with
// the given fingerprint. Expiry is the caller's concern.
func (s *Store) GetAccountByResetToken(ctx context.Context, tokenHash string) (*model.Account, error) {
	return s.getAccount(ctx, "get account by reset token", "reset_token_hash = ?", tokenHash)
}

func (s *Store) getAccount(ctx context.Context, op, where string, args ...interface{}) (*model.Account, error) {
	var acc model.Account
	q := s.db.Rebind("SELECT " + accountColumns + " FROM accounts WHERE " + where)
	if err := s.db.GetContext(ctx, &acc, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acc, nil
}

// AccountExists reports whether any account already uses email or username.
func (s *Store) AccountExists(ctx context.Context, email, username string) (bool, error) {
	var count int
	q := s.db.Rebind("SELECT COUNT(*) FROM accounts WHERE email = ? OR username = ?")
	if err := s.db.GetContext(ctx, &count, q, email, username); err != nil {
		return false, fmt.Errorf("check account exists: %w", err)
	}
	return count > 0, nil
}

// ListAccounts returns every account ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	accounts := []model.Account{}
	q := "SELECT " + accountColumns + " FROM accounts ORDER BY created_at, username"
	if err := s.db.SelectContext(ctx, &accounts, q); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account along with its activity trail.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete account: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM account_activity WHERE account_id = ?"), id); err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM accounts WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CountAccountsByRole returns how many accounts hold role.
func (s *Store) CountAccountsByRole(ctx context.Context, role model.Role) (int, error) {
	var count int
	q := s.db.Rebind("SELECT COUNT(*) FROM accounts WHERE role = ?")
	if err := s.db.GetContext(ctx, &count, q, role); err != nil {
		return 0, fmt.Errorf("count accounts by role: %w", err)
	}
	return count, nil
}

// SaveAccount writes every mutable field of acc. The write only applies if
// the stored version still equals acc.Version; on success acc.Version is
// advanced.
func (s *Store) SaveAccount(ctx context.Context, acc *model.Account) error {
	acc.UpdatedAt = time.Now().UTC()

	const q = `UPDATE accounts SET
		username = :username,
		email = :email,
		role = :role,
		status = :status,
		password_hash = :password_hash,
		salt = :salt,
		confirmation_token_hash = :confirmation_token_hash,
		reset_otp_hash = :reset_otp_hash,
		reset_otp_expires_at = :reset_otp_expires_at,
		reset_token_hash = :reset_token_hash,
		reset_token_expires_at = :reset_token_expires_at,
		last_login_at = :last_login_at,
		version = version + 1,
		updated_at = :updated_at
		WHERE id = :id AND version = :version`

	result, err := s.db.NamedExecContext(ctx, q, acc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update account: %w", ErrDuplicate)
		}
		return fmt.Errorf("update account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetAccount(ctx, acc.ID); err != nil {
			return err
		}
		return ErrStale
	}
	acc.Version++
	return nil
}
