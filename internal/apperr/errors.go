// Package apperr defines the error kinds every flow and middleware reports,
// and how each kind surfaces over HTTP.
package apperr

import (
	"errors"
	"net/http"
)

// Kinds. Callers test for them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrExpired           = errors.New("expired")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInvalidCSRF       = errors.New("invalid csrf token")
	ErrRateLimited       = errors.New("rate limited")
	ErrDelivery          = errors.New("delivery failure")
	ErrMisuse            = errors.New("misuse")
)

var kinds = []struct {
	kind   error
	name   string
	status int
}{
	{ErrValidation, "validation", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrConflict, "conflict", http.StatusConflict},
	{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrExpired, "expired", http.StatusBadRequest},
	{ErrInvalidToken, "invalid_token", http.StatusBadRequest},
	{ErrInvalidCredential, "invalid_credential", http.StatusUnauthorized},
	{ErrInvalidCSRF, "invalid_csrf", http.StatusForbidden},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
	{ErrDelivery, "delivery_failure", http.StatusBadGateway},
	{ErrMisuse, "misuse", http.StatusInternalServerError},
}

// Error is a classified failure with a message that is safe to return to
// clients. Err, when set, is the underlying cause and is only ever logged.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a public message.
func New(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap is like New but keeps cause in the chain.
func Wrap(kind error, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Internal wraps an unclassified failure. Its message is generic.
func Internal(cause error) error {
	return &Error{Kind: nil, Message: "internal server error", Err: cause}
}

// Kind returns the outermost kind in err's chain, or nil if err is
// unclassified.
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			return k.kind
		}
	}
	return nil
}

// KindName returns a stable label for err's kind ("internal" when
// unclassified, "ok" for nil). Used for metrics.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	kind := Kind(err)
	for _, k := range kinds {
		if k.kind == kind {
			return k.name
		}
	}
	return "internal"
}

// HTTPStatus maps err to the status code used on the wire.
func HTTPStatus(err error) int {
	kind := Kind(err)
	for _, k := range kinds {
		if k.kind == kind {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing text for err. Unclassified errors never
// leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Message
	}
	if kind := Kind(err); kind != nil {
		return kind.Error()
	}
	return "internal server error"
}
