package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal is the identity carried by a verified session token.
type Principal struct {
	AccountID string
	Role      model.Role
}

// Caller converts the principal for the service layer.
func (p *Principal) Caller() service.Caller {
	return service.Caller{ID: p.AccountID, Role: p.Role}
}

// Authenticate requires a Bearer session token issued by sessions. A
// missing, malformed or forged token yields 401; so does a lapsed one, with
// its own message.
func Authenticate(sessions *service.SessionIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				writeError(w, apperr.New(apperr.ErrUnauthorized, "missing or invalid token"))
				return
			}

			claims, err := sessions.Verify(token)
			if err != nil {
				msg := "invalid or expired token"
				if errors.Is(err, apperr.ErrExpired) {
					msg = "session expired"
				}
				writeError(w, apperr.Wrap(apperr.ErrUnauthorized, msg, err))
				return
			}

			p := &Principal{AccountID: claims.AccountID(), Role: claims.Role}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles admits principals holding one of roles. It must run after
// Authenticate.
func RequireRoles(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				writeError(w, apperr.New(apperr.ErrUnauthorized, "authentication required"))
				return
			}
			if err := service.Authorize(p.Role, roles...); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}
