package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/services/tracing"
)

// TraceHandler handles HTTP requests for message traces.
type TraceHandler struct {
	repos  repository.RepositoryManager
	traces *tracing.Store
	// retentionDays bounds cleanup requests without an explicit cutoff.
	retentionDays int
}

// NewTraceHandler creates a new trace handler.
func NewTraceHandler(repos repository.RepositoryManager, traces *tracing.Store, retentionDays int) *TraceHandler {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &TraceHandler{repos: repos, traces: traces, retentionDays: retentionDays}
}

// RegisterRoutes mounts the trace endpoints.
func (h *TraceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/traces", h.ListTraces).Methods(http.MethodGet)
	r.HandleFunc("/traces/analytics/summary", h.Analytics).Methods(http.MethodGet)
	r.HandleFunc("/traces/cleanup", h.Cleanup).Methods(http.MethodDelete)
	r.HandleFunc("/traces/{trace_id}", h.GetTrace).Methods(http.MethodGet)
	r.HandleFunc("/traces/{trace_id}/payloads", h.ListPayloads).Methods(http.MethodGet)
}

func traceFilterFromQuery(r *http.Request) domain.TraceFilter {
	q := r.URL.Query()
	filter := domain.TraceFilter{
		InstanceName: q.Get("instance_name"),
		Phone:        q.Get("phone"),
		TraceStatus:  domain.TraceStatus(q.Get("trace_status")),
		MessageType:  domain.MessageType(q.Get("message_type")),
		Page:         queryInt(r, "page", 1),
		PageSize:     queryInt(r, "page_size", 50),
	}
	if raw := q.Get("start_date"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.StartDate = &t
		}
	}
	if raw := q.Get("end_date"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.EndDate = &t
		}
	}
	return filter
}

func (h *TraceHandler) ListTraces(w http.ResponseWriter, r *http.Request) {
	filter := traceFilterFromQuery(r)
	traces, total, err := h.repos.Traces().ListTraces(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traces":    traces,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (h *TraceHandler) GetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := h.repos.Traces().GetTrace(r.Context(), mux.Vars(r)["trace_id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// payloadView is a trace payload with its bytes decoded for clients.
type payloadView struct {
	*domain.TracePayload
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (h *TraceHandler) ListPayloads(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]
	if _, err := h.repos.Traces().GetTrace(r.Context(), traceID); err != nil {
		writeServiceError(w, err)
		return
	}

	payloads, err := h.repos.Traces().ListPayloads(r.Context(), traceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]payloadView, 0, len(payloads))
	for _, p := range payloads {
		view := payloadView{TracePayload: p}
		if data, err := h.traces.DecodePayload(p); err == nil && json.Valid(data) {
			view.Payload = data
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *TraceHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	filter := traceFilterFromQuery(r)
	analytics, err := h.repos.Traces().Analytics(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (h *TraceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "older_than_days", h.retentionDays)
	if days < 1 {
		writeError(w, http.StatusBadRequest, "invalid_retention", "older_than_days must be positive", "")
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := h.traces.CleanupOlderThan(r.Context(), h.repos, cutoff, 500)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff,
	})
}
