package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
)

// apiError is the error envelope every non-2xx API response carries.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message, detail string) {
	writeJSON(w, status, errorResponse{Error: apiError{
		Kind:    kind,
		Message: message,
		Detail:  detail,
	}})
}

// writeServiceError maps well-known service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource already exists", err.Error())
	case errors.Is(err, instance.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "request failed validation", err.Error())
	case errors.Is(err, identity.ErrUniqueViolation):
		writeError(w, http.StatusConflict, "unique_violation", "external id already linked to a different user", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal server error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
