package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
)

// UserHandler handles HTTP requests for users and identity links.
type UserHandler struct {
	identity *identity.Service
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc *identity.Service) *UserHandler {
	return &UserHandler{identity: svc}
}

// RegisterRoutes mounts the user endpoints.
func (h *UserHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.GetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/external-ids", h.LinkExternal).Methods(http.MethodPost)
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	users, total, err := h.identity.ListUsers(r.Context(), page, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":     users,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) LinkExternal(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req domain.LinkExternalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Provider.Valid() || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_link", "provider and external_id are required", "")
		return
	}

	if err := h.identity.LinkExternal(r.Context(), userID, req.Provider, req.ExternalID, req.InstanceName); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "linked"})
}
