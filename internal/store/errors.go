package store

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with a unique email
	// or username.
	ErrDuplicate = errors.New("duplicate record")

	// ErrStale is returned when a save was computed from an outdated copy of
	// the record.
	ErrStale = errors.New("record was modified concurrently")
)

// isUniqueViolation recognises unique-constraint failures from every
// supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// modernc.org/sqlite reports constraint failures in the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
