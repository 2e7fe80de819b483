package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/markbook/markbook/internal/apperr"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("POST", "/admin/login", 200, 10*time.Millisecond)
	m.ObserveRequest("POST", "/admin/login", 200, 20*time.Millisecond)
	m.ObserveRequest("GET", "", 404, time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "/admin/login", "200")); got != 2 {
		t.Errorf("login requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched requests = %v, want 1", got)
	}
}

func TestAuthEventLabelsByKind(t *testing.T) {
	m := New()
	m.AuthEvent("login", nil)
	m.AuthEvent("login", apperr.New(apperr.ErrInvalidCredential, "bad"))
	m.AuthEvent("login", errors.New("boom"))

	for _, result := range []string{"ok", "invalid_credential", "internal"} {
		if got := testutil.ToFloat64(m.authEvents.WithLabelValues("login", result)); got != 1 {
			t.Errorf("login/%s = %v, want 1", result, got)
		}
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RateLimited()
	m.RateLimited()
	m.CSRFRejected()

	if got := testutil.ToFloat64(m.rateLimited); got != 2 {
		t.Errorf("rate limited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.csrfRejected); got != 1 {
		t.Errorf("csrf rejected = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/", 200, time.Millisecond)
	m.AuthEvent("login", nil)
	m.RateLimited()
	m.CSRFRejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.RateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "markbook_rate_limited_total 1") {
		t.Errorf("exposition missing rate limit counter:\n%s", rec.Body.String())
	}
}
