// Package credential derives password hashes and mints the random tokens
// used by the account flows.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"

	"github.com/markbook/markbook/internal/apperr"
)

const (
	// MinIterations is the lowest PBKDF2 iteration count accepted. Existing
	// account records were derived with exactly this many.
	MinIterations = 1000

	saltBytes = 16
	keyBytes  = 64
)

// PasswordHasher derives PBKDF2-HMAC-SHA256 hashes. Hashes and salts are
// hex encoded. Concurrent derivations are bounded by GOMAXPROCS so a burst of
// logins cannot starve the rest of the server.
type PasswordHasher struct {
	iterations int
	rand       io.Reader
	slots      *semaphore.Weighted
}

// NewPasswordHasher returns a hasher using the given iteration count.
// Changing the count invalidates every stored hash.
func NewPasswordHasher(iterations int) (*PasswordHasher, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations must be at least %d, got %d", MinIterations, iterations)
	}
	return &PasswordHasher{
		iterations: iterations,
		rand:       rand.Reader,
		slots:      semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}, nil
}

// Derive generates a fresh salt and hashes password with it. It refuses input
// that already has the shape of a stored hash, which is how double hashing on
// update paths shows up.
func (h *PasswordHasher) Derive(ctx context.Context, password string) (hash, salt string, err error) {
	if password == "" {
		return "", "", apperr.New(apperr.ErrValidation, "password must not be empty")
	}
	if LooksDerived(password) {
		return "", "", apperr.New(apperr.ErrMisuse, "refusing to hash a value that is already a password hash")
	}

	saltRaw := make([]byte, saltBytes)
	if _, err := io.ReadFull(h.rand, saltRaw); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	salt = hex.EncodeToString(saltRaw)

	key, err := h.derive(ctx, password, salt)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(key), salt, nil
}

// Verify re-derives password with the stored salt and compares it to hash in
// constant time. A mismatch is (false, nil); only an unusable stored salt is
// an error.
func (h *PasswordHasher) Verify(ctx context.Context, password, salt, hash string) (bool, error) {
	if salt == "" {
		return false, fmt.Errorf("stored salt is empty")
	}
	if _, err := hex.DecodeString(salt); err != nil {
		return false, fmt.Errorf("stored salt is not hex: %w", err)
	}
	want, err := hex.DecodeString(hash)
	if err != nil || len(want) != keyBytes {
		return false, nil
	}

	got, err := h.derive(ctx, password, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// derive keys on the hex salt string rather than its decoded bytes so hashes
// stay compatible with records written by the previous service.
func (h *PasswordHasher) derive(ctx context.Context, password, salt string) ([]byte, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.slots.Release(1)
	return pbkdf2.Key([]byte(password), []byte(salt), h.iterations, keyBytes, sha256.New), nil
}

// LooksDerived reports whether s has the shape of a stored password hash:
// hex of the derived key length, or a bcrypt-style "$2?$" string.
func LooksDerived(s string) bool {
	if strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$") {
		return true
	}
	if len(s) != keyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
