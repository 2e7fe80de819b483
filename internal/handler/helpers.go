package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/openapi"
)

// DefaultMaxBodySize caps request bodies when no limit is configured.
const DefaultMaxBodySize = 1 << 20

// writeJSON serializes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK writes a success envelope around data.
func writeOK(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, model.OK(data))
}

// writeError writes an error envelope for err. Unclassified errors are
// logged with their cause and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, model.Fail(apperr.Message(err)))
}

// decodeBody reads a JSON body of at most maxBytes, validates it against the
// named request schema and decodes it into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, schema string, dst interface{}) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.ErrValidation, "request body too large", err)
		}
		return apperr.Wrap(apperr.ErrValidation, "unreadable request body", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "invalid JSON body", err)
	}
	if s := openapi.RequestSchema(schema); s != nil {
		if err := s.VisitJSON(doc); err != nil {
			return apperr.Wrap(apperr.ErrValidation, schemaMessage(err), err)
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "invalid JSON body", err)
	}
	return nil
}

// schemaMessage turns a schema violation into "field: reason".
func schemaMessage(err error) string {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return "invalid request body"
	}
	field := strings.Join(se.JSONPointer(), ".")
	if field == "" {
		return se.Reason
	}
	return field + ": " + se.Reason
}

// queryInt extracts an integer query parameter. A missing parameter yields
// defaultVal; a malformed one is a validation error.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, apperr.New(apperr.ErrValidation, key+" must be an integer")
	}
	return n, nil
}
