package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/services/access"
)

// AccessHandler handles HTTP requests for access rules.
type AccessHandler struct {
	access *access.Service
}

// NewAccessHandler creates a new access rule handler.
func NewAccessHandler(svc *access.Service) *AccessHandler {
	return &AccessHandler{access: svc}
}

// RegisterRoutes mounts the access rule endpoints.
func (h *AccessHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/access-control", h.ListRules).Methods(http.MethodGet)
	r.HandleFunc("/access-control/{rule_type:allow|deny}", h.AddRule).Methods(http.MethodPost)
	r.HandleFunc("/access-control/{rule_type:allow|deny}", h.ListRules).Methods(http.MethodGet)
	r.HandleFunc("/access-control/rules/{id:[0-9]+}", h.RemoveRule).Methods(http.MethodDelete)
	r.HandleFunc("/access-control/check", h.CheckAccess).Methods(http.MethodGet)
}

func (h *AccessHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleType := mux.Vars(r)["rule_type"]
	if ruleType == "" {
		ruleType = r.URL.Query().Get("rule_type")
	}
	filter := repository.AccessRuleFilter{
		RuleType:   domain.RuleType(ruleType),
		ActiveOnly: r.URL.Query().Get("active_only") == "true",
	}
	if instName := r.URL.Query().Get("instance_name"); instName != "" {
		filter.InstanceName = &instName
	}

	rules, err := h.access.ListRules(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *AccessHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	ruleType := domain.RuleType(mux.Vars(r)["rule_type"])

	var req domain.CreateAccessRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule, err := h.access.AddRule(r.Context(), ruleType, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *AccessHandler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "rule id must be numeric", err.Error())
		return
	}
	if err := h.access.RemoveRule(r.Context(), uint(id)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckAccess evaluates the firewall for a candidate identifier
// without sending anything. Debug aid for operators.
func (h *AccessHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	instanceName := r.URL.Query().Get("instance_name")
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing_identifier", "identifier query parameter is required", "")
		return
	}

	decision := h.access.CheckAccess(instanceName, identifier)
	writeJSON(w, http.StatusOK, decision)
}
