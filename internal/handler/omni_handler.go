package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
)

// OmniHandler serves the unified cross-channel read model.
type OmniHandler struct {
	instances *instance.Service
	adapters  *channels.Registry
}

// NewOmniHandler creates a new omni read-model handler.
func NewOmniHandler(instances *instance.Service, adapters *channels.Registry) *OmniHandler {
	return &OmniHandler{instances: instances, adapters: adapters}
}

// RegisterRoutes mounts the read-model endpoints.
func (h *OmniHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/omni/{name}/chats", h.ListChats).Methods(http.MethodGet)
	r.HandleFunc("/omni/{name}/contacts", h.ListContacts).Methods(http.MethodGet)
	r.HandleFunc("/omni/{name}/chats/{chat_id}/messages", h.ListMessages).Methods(http.MethodGet)
}

func (h *OmniHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.GetActive(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	adapter, err := h.adapters.Get(inst.ChannelType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	chats, err := adapter.FetchChats(r.Context(), inst, queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		writeReadModelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *OmniHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.GetActive(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	adapter, err := h.adapters.Get(inst.ChannelType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	contacts, err := adapter.FetchContacts(r.Context(), inst, queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		writeReadModelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (h *OmniHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := h.instances.GetActive(vars["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	adapter, err := h.adapters.Get(inst.ChannelType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	msgs, err := adapter.FetchMessages(r.Context(), inst, vars["chat_id"], queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		writeReadModelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeReadModelError(w http.ResponseWriter, err error) {
	if errors.Is(err, channels.ErrUnsupported) {
		writeError(w, http.StatusBadRequest, "unsupported_operation", "channel does not expose this read model", err.Error())
		return
	}
	writeServiceError(w, err)
}
