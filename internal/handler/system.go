package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves health checks and the API document.
type SystemHandler struct {
	store  Pinger
	doc    *openapi3.T
	logger *slog.Logger
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(store Pinger, doc *openapi3.T, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{store: store, doc: doc, logger: logger}
}

// Health reports that the process is serving.
// GET /healthz
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"message": "ok"})
}

// Ready pings the account store.
// GET /readyz
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, model.Fail("account store unavailable"))
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"message": "ready"})
}

// OpenAPI serves the API document.
// GET /openapi.json
func (h *SystemHandler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	if h.doc == nil {
		writeError(w, r, h.logger, apperr.New(apperr.ErrNotFound, "no API document"))
		return
	}
	writeJSON(w, http.StatusOK, h.doc)
}
