package service

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/markbook/markbook/internal/apperr"
)

// Input limits.
const (
	MinUsernameLen = 3
	MaxUsernameLen = 50
	MinPasswordLen = 8
)

// EmailPattern is the accepted email shape.
const EmailPattern = `^[^\s@]+@[^\s@]+\.[^\s@]+$`

var emailRE = regexp.MustCompile(EmailPattern)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if !emailRE.MatchString(email) {
		return apperr.New(apperr.ErrValidation, "invalid email address")
	}
	return nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLen || n > MaxUsernameLen {
		return apperr.New(apperr.ErrValidation, "username must be between 3 and 50 characters")
	}
	return nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return apperr.New(apperr.ErrValidation, "password must be at least 8 characters")
	}
	return nil
}

// hashErr passes classified hasher failures through and hides the rest.
func hashErr(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(err)
}
