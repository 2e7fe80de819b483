package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/server/middleware"
	"github.com/markbook/markbook/internal/service"
)

// DashboardHandler serves the teacher dashboard.
type DashboardHandler struct {
	core   *service.Core
	logger *slog.Logger
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(core *service.Core, logger *slog.Logger) *DashboardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashboardHandler{core: core, logger: logger}
}

type dashboardData struct {
	Classes       []string `json:"classes"`
	Announcements []string `json:"announcements"`
}

type dashboardResponse struct {
	Message string        `json:"message"`
	Data    dashboardData `json:"data"`
}

// Teacher greets the signed-in user.
// GET /teacher/dashboard
func (h *DashboardHandler) Teacher(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, r, h.logger, apperr.New(apperr.ErrUnauthorized, "authentication required"))
		return
	}
	acc, err := h.core.Directory.Get(r.Context(), p.AccountID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeOK(w, http.StatusOK, dashboardResponse{
		Message: fmt.Sprintf("Welcome %s %s, here is your Teacher Dashboard data.", p.Role, acc.Username),
		Data: dashboardData{
			Classes:       []string{"Math", "Science"},
			Announcements: []string{},
		},
	})
}
