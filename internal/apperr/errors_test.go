package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := New(ErrConflict, "last superadmin")
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected errors.Is to match ErrConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("did not expect errors.Is to match ErrNotFound")
	}

	wrapped := fmt.Errorf("demote: %w", err)
	if !errors.Is(wrapped, ErrConflict) {
		t.Fatal("expected kind to survive fmt wrapping")
	}
	if got := Message(wrapped); got != "last superadmin" {
		t.Errorf("Message = %q, want %q", got, "last superadmin")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(ErrDelivery, "could not send mail", cause)

	if !errors.Is(err, ErrDelivery) {
		t.Error("expected ErrDelivery")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if got := Message(err); got != "could not send mail" {
		t.Errorf("Message leaked cause: %q", got)
	}
}

func TestOuterKindWins(t *testing.T) {
	inner := New(ErrExpired, "session expired")
	outer := Wrap(ErrUnauthorized, "session expired", inner)

	if Kind(outer) != ErrUnauthorized {
		t.Errorf("Kind = %v, want ErrUnauthorized", Kind(outer))
	}
	if !errors.Is(outer, ErrExpired) {
		t.Error("expected inner kind to remain visible to errors.Is")
	}
	if HTTPStatus(outer) != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want 401", HTTPStatus(outer))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind error
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrExpired, http.StatusBadRequest},
		{ErrInvalidToken, http.StatusBadRequest},
		{ErrInvalidCredential, http.StatusUnauthorized},
		{ErrInvalidCSRF, http.StatusForbidden},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrDelivery, http.StatusBadGateway},
		{ErrMisuse, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
				t.Errorf("HTTPStatus = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInternalHidesCause(t *testing.T) {
	err := Internal(errors.New("pq: relation \"accounts\" does not exist"))

	if Kind(err) != nil {
		t.Errorf("Kind = %v, want nil", Kind(err))
	}
	if got := Message(err); got != "internal server error" {
		t.Errorf("Message = %q", got)
	}
	if got := HTTPStatus(err); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want 500", got)
	}
	if got := KindName(err); got != "internal" {
		t.Errorf("KindName = %q, want internal", got)
	}
}

func TestKindName(t *testing.T) {
	if got := KindName(nil); got != "ok" {
		t.Errorf("KindName(nil) = %q", got)
	}
	if got := KindName(New(ErrRateLimited, "slow down")); got != "rate_limited" {
		t.Errorf("KindName = %q, want rate_limited", got)
	}
	if got := KindName(ErrInvalidCSRF); got != "invalid_csrf" {
		t.Errorf("KindName(bare sentinel) = %q, want invalid_csrf", got)
	}
}
