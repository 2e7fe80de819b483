package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/markbook/markbook/internal/apperr"
	"github.com/markbook/markbook/internal/model"
)

// writeError renders err as an error envelope with the status of its kind.
// The handler package has its own writer; this one exists so middleware
// does not import handler.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(model.Fail(apperr.Message(err)))
}
