package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/metrics"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/openapi"
	"github.com/markbook/markbook/internal/server/middleware"
	"github.com/markbook/markbook/internal/service"
)

// AdminHandler serves the /admin account routes.
type AdminHandler struct {
	core    *service.Core
	metrics *metrics.Metrics
	logger  *slog.Logger
	maxBody int64
}

// NewAdminHandler creates an AdminHandler. m may be nil.
func NewAdminHandler(core *service.Core, m *metrics.Metrics, logger *slog.Logger, maxBody int64) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{core: core, metrics: m, logger: logger, maxBody: maxBody}
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

// caller returns the session principal as a service caller. Routes using it
// sit behind Authenticate.
func caller(r *http.Request) service.Caller {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return p.Caller()
	}
	return service.Caller{}
}

// ---------------------------------------------------------------------------
// Registration and sessions
// ---------------------------------------------------------------------------

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Register creates a pending account and mails the approval link to the
// operator.
// POST /admin/register
func (h *AdminHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, h.maxBody, openapi.RegisterRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.core.Confirmation.Register(r.Context(), service.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     model.Role(req.Role),
	})
	h.metrics.AuthEvent("register", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, acc)
}

// Confirm activates a pending account.
// GET /admin/confirm?token=
func (h *AdminHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.fail(w, r, apperr.New(apperr.ErrValidation, "missing token"))
		return
	}
	acc, err := h.core.Confirmation.Confirm(r.Context(), token)
	h.metrics.AuthEvent("confirm", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, acc)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and returns a session token.
// POST /admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, h.maxBody, openapi.LoginRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.core.Login.Login(r.Context(), req.Email, req.Password)
	h.metrics.AuthEvent("login", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

// ---------------------------------------------------------------------------
// Password recovery
// ---------------------------------------------------------------------------

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword mails a one-time reset code.
// POST /admin/forgot-password
func (h *AdminHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeBody(w, r, h.maxBody, openapi.ForgotPasswordRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.core.Recovery.RequestReset(r.Context(), req.Email)
	h.metrics.AuthEvent("forgot_password", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"message": "OTP sent to email"})
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// VerifyOTP exchanges a reset code for a reset token.
// POST /admin/verify-otp
func (h *AdminHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeBody(w, r, h.maxBody, openapi.VerifyOTPRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	token, err := h.core.Recovery.VerifyOTP(r.Context(), req.Email, req.OTP)
	h.metrics.AuthEvent("verify_otp", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"token": token})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// ResetPassword consumes a reset token.
// POST /admin/reset-password
func (h *AdminHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeBody(w, r, h.maxBody, openapi.ResetPasswordRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.core.Recovery.ResetPassword(r.Context(), req.Token, req.NewPassword)
	h.metrics.AuthEvent("reset_password", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"message": "password has been reset"})
}

// ---------------------------------------------------------------------------
// Directory
// ---------------------------------------------------------------------------

// List returns every account.
// GET /admin/all
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.core.Directory.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, accounts)
}

// Get returns one account.
// GET /admin/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc, err := h.core.Directory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, acc)
}

// Activity pages through an account's activity.
// GET /admin/{id}/logs?page=&limit=
func (h *AdminHandler) Activity(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", service.DefaultActivityLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.core.Directory.Activity(r.Context(), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Superadmin transitions
// ---------------------------------------------------------------------------

// Promote makes the account a superadmin.
// PATCH /admin/{id}/promote
func (h *AdminHandler) Promote(w http.ResponseWriter, r *http.Request) {
	acc, err := h.core.Roles.Promote(r.Context(), caller(r), chi.URLParam(r, "id"))
	h.transitionResult(w, r, "promote", acc, err)
}

// Demote reduces the account to admin, refusing to remove the last
// superadmin.
// PATCH /admin/{id}/demote
func (h *AdminHandler) Demote(w http.ResponseWriter, r *http.Request) {
	acc, err := h.core.Roles.Demote(r.Context(), caller(r), chi.URLParam(r, "id"))
	h.transitionResult(w, r, "demote", acc, err)
}

// Suspend blocks the account from logging in.
// PATCH /admin/{id}/suspend
func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	acc, err := h.core.Roles.Suspend(r.Context(), caller(r), chi.URLParam(r, "id"))
	h.transitionResult(w, r, "suspend", acc, err)
}

type forceResetRequest struct {
	NewPassword string `json:"newPassword"`
}

// ForceResetPassword sets a new password for the account.
// PATCH /admin/{id}/reset-password
func (h *AdminHandler) ForceResetPassword(w http.ResponseWriter, r *http.Request) {
	var req forceResetRequest
	if err := decodeBody(w, r, h.maxBody, openapi.ForceResetRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	acc, err := h.core.Roles.ForceResetPassword(r.Context(), caller(r), chi.URLParam(r, "id"), req.NewPassword)
	h.transitionResult(w, r, "force_reset", acc, err)
}

type statusRequest struct {
	Action  string `json:"action"`
	NewRole string `json:"newRole"`
}

// DecideStatus confirms or rejects a pending account.
// PUT /admin/{id}/status
func (h *AdminHandler) DecideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, h.maxBody, openapi.StatusRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d := service.Decision{Approve: req.Action == "confirm", NewRole: model.Role(req.NewRole)}
	acc, err := h.core.Roles.DecideStatus(r.Context(), caller(r), chi.URLParam(r, "id"), d)
	h.transitionResult(w, r, "status", acc, err)
}

type updateRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

// Update changes the account's username, email, role or password.
// PATCH /admin/{id}
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, h.maxBody, openapi.UpdateRequest, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	u := service.AccountUpdate{Username: req.Username, Email: req.Email, Password: req.Password}
	if req.Role != nil {
		role := model.Role(*req.Role)
		u.Role = &role
	}
	acc, err := h.core.Roles.Update(r.Context(), caller(r), chi.URLParam(r, "id"), u)
	h.transitionResult(w, r, "update", acc, err)
}

// Delete removes the account and its activity trail.
// DELETE /admin/{id}
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.core.Roles.Delete(r.Context(), caller(r), chi.URLParam(r, "id"))
	h.metrics.AuthEvent("delete", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (h *AdminHandler) transitionResult(w http.ResponseWriter, r *http.Request, flow string, acc *model.Account, err error) {
	h.metrics.AuthEvent(flow, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, acc)
}
