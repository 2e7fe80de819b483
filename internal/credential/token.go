package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// TokenGenerator mints unpredictable tokens and one-time codes.
type TokenGenerator struct {
	rand io.Reader
}

// NewTokenGenerator returns a generator backed by crypto/rand.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{rand: rand.Reader}
}

// RandomToken returns n random bytes, hex encoded.
func (g *TokenGenerator) RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NumericOTP returns a uniformly random decimal code of exactly digits
// characters, zero padded.
func (g *TokenGenerator) NumericOTP(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("otp digits out of range: %d", digits)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(g.rand, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// Fingerprint is the one-way form under which OTPs and bearer tokens are
// stored and compared.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
