package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/credential"
	"github.com/markbook/markbook/internal/metrics"
)

const (
	// CSRFCookie is the cookie that carries the double-submit token.
	CSRFCookie = "csrfToken"

	csrfTokenBytes = 32
)

// CSRFHeaders are the request headers accepted as the echoed token, in
// lookup order.
var CSRFHeaders = []string{"X-CSRF-Token", "CSRF-Token", "X-XSRF-Token"}

// CSRFGuard implements the double-submit cookie pattern. Safe requests
// without the cookie receive a fresh token; unsafe requests must echo the
// cookie value in one of CSRFHeaders.
type CSRFGuard struct {
	Secure  bool
	Tokens  *credential.TokenGenerator
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewCSRFGuard returns a guard that marks its cookie Secure when secure is
// set.
func NewCSRFGuard(secure bool, m *metrics.Metrics, logger *slog.Logger) *CSRFGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSRFGuard{
		Secure:  secure,
		Tokens:  credential.NewTokenGenerator(),
		Metrics: m,
		Logger:  logger,
	}
}

// Handler is the middleware.
func (g *CSRFGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !unsafeMethod(r.Method) {
			if c, err := r.Cookie(CSRFCookie); err != nil || c.Value == "" {
				if err := g.mint(w); err != nil {
					g.Logger.Error("mint csrf token failed", "error", err)
					writeError(w, apperr.Internal(err))
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		if !g.valid(r) {
			g.Metrics.CSRFRejected()
			writeError(w, apperr.New(apperr.ErrInvalidCSRF, "invalid or missing csrf token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *CSRFGuard) mint(w http.ResponseWriter) error {
	token, err := g.Tokens.RandomToken(csrfTokenBytes)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   g.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

func (g *CSRFGuard) valid(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := csrfHeader(r)
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) == 1
}

func csrfHeader(r *http.Request) string {
	for _, name := range CSRFHeaders {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func unsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
