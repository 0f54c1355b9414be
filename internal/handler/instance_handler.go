package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/channels/discord"
	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
)

// InstanceHandler handles HTTP requests for instance configs.
type InstanceHandler struct {
	instances *instance.Service
	whatsapp  *evolution.Adapter
	discord   *discord.Adapter
}

// NewInstanceHandler creates a new instance handler. Adapters may be
// nil when a channel is not deployed.
func NewInstanceHandler(instances *instance.Service, whatsapp *evolution.Adapter, dc *discord.Adapter) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		whatsapp:  whatsapp,
		discord:   dc,
	}
}

// RegisterRoutes mounts the instance endpoints.
func (h *InstanceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/instances", h.CreateInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances", h.ListInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/discover", h.Discover).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}", h.GetInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}", h.UpdateInstance).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/instances/{name}", h.DeleteInstance).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/set-default", h.SetDefault).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/qr", h.QRCode).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/connect", h.Connect).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/restart", h.Restart).Methods(http.MethodPost)
	// disconnect and logout both drop the channel session.
	r.HandleFunc("/instances/{name}/disconnect", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/logout", h.Logout).Methods(http.MethodPost)
}

func (h *InstanceHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateInstanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := h.instances.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst.Masked())
}

func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	filter := repository.InstanceFilter{
		ChannelType: domain.ChannelType(r.URL.Query().Get("channel_type")),
		ActiveOnly:  r.URL.Query().Get("active_only") == "true",
	}
	instances, err := h.instances.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	masked := make([]domain.InstanceConfig, 0, len(instances))
	for _, inst := range instances {
		masked = append(masked, inst.Masked())
	}
	writeJSON(w, http.StatusOK, masked)
}

func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.Get(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Masked())
}

func (h *InstanceHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateInstanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := h.instances.Update(r.Context(), mux.Vars(r)["name"], &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Masked())
}

func (h *InstanceHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.instances.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InstanceHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.instances.SetDefault(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"default": name})
}

func (h *InstanceHandler) Status(w http.ResponseWriter, r *http.Request) {
	health, err := h.instances.HealthCheck(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *InstanceHandler) Discover(w http.ResponseWriter, r *http.Request) {
	created, updated, deactivated, err := h.instances.Discover(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"created":     created,
		"updated":     updated,
		"deactivated": deactivated,
	})
}

func (h *InstanceHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.Get(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if inst.ChannelType != domain.ChannelWhatsApp || h.whatsapp == nil {
		writeError(w, http.StatusBadRequest, "unsupported_channel", "QR pairing is only available for whatsapp instances", "")
		return
	}

	qr, err := h.whatsapp.Connect(r.Context(), inst)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr_code": qr})
}

func (h *InstanceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.Get(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch inst.ChannelType {
	case domain.ChannelWhatsApp:
		if h.whatsapp == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "whatsapp adapter not running", "")
			return
		}
		qr, err := h.whatsapp.Connect(r.Context(), inst)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": "connecting", "qr_code": qr})
	case domain.ChannelDiscord:
		if h.discord == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "discord adapter not running", "")
			return
		}
		if err := h.discord.StartInstance(inst); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": "open"})
	}
}

func (h *InstanceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.Get(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch inst.ChannelType {
	case domain.ChannelWhatsApp:
		if h.whatsapp == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "whatsapp adapter not running", "")
			return
		}
		if err := h.whatsapp.Restart(r.Context(), inst); err != nil {
			writeServiceError(w, err)
			return
		}
	case domain.ChannelDiscord:
		if h.discord == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "discord adapter not running", "")
			return
		}
		if err := h.discord.StopInstance(inst.Name); err != nil {
			writeServiceError(w, err)
			return
		}
		if err := h.discord.StartInstance(inst); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "restarting"})
}

func (h *InstanceHandler) Logout(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.Get(mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch inst.ChannelType {
	case domain.ChannelWhatsApp:
		if h.whatsapp == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "whatsapp adapter not running", "")
			return
		}
		if err := h.whatsapp.Logout(r.Context(), inst); err != nil {
			writeServiceError(w, err)
			return
		}
	case domain.ChannelDiscord:
		if h.discord == nil {
			writeError(w, http.StatusServiceUnavailable, "adapter_unavailable", "discord adapter not running", "")
			return
		}
		if err := h.discord.StopInstance(inst.Name); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "close"})
}
