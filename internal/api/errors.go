package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/runmanager"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/validator"
)

// errorBody is the error envelope on every non-2xx JSON response.
type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, detail string) {
	writeJSON(w, code, &errorBody{
		Error:     kind,
		Detail:    detail,
		RequestID: requestIDFrom(r.Context()),
	})
}

// writeStoreError maps the engine's error taxonomy onto HTTP.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, "validation", verr.Detail)
	case errors.Is(err, runstore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found", "no such run")
	case errors.Is(err, runstore.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, runmanager.ErrActive):
		writeError(w, r, http.StatusConflict, "conflict", "run is still active")
	case errors.Is(err, runstore.ErrNotImplemented):
		writeError(w, r, http.StatusNotImplemented, "not implemented", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}
