package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/channels/discord"
	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/config"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/router"
	"github.com/namastexlabs/omni-gateway/internal/services/access"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
	"github.com/namastexlabs/omni-gateway/internal/services/tracing"
)

// Deps carries the constructed services the HTTP layer exposes.
type Deps struct {
	Config    *config.Config
	Repos     repository.RepositoryManager
	Instances *instance.Service
	Access    *access.Service
	Identity  *identity.Service
	Traces    *tracing.Store
	Router    *router.Router
	Adapters  *channels.Registry

	// Channel adapters for connection-state actions; nil when the
	// channel is not deployed.
	WhatsApp *evolution.Adapter
	Discord  *discord.Adapter
}

// HandlerManager owns the HTTP surface: the admin API under /api/v1
// and the unauthenticated webhook and health endpoints.
type HandlerManager struct {
	deps    Deps
	webhook *WebhookHandler
}

// NewHandlerManager wires all handlers.
func NewHandlerManager(deps Deps) *HandlerManager {
	return &HandlerManager{
		deps:    deps,
		webhook: NewWebhookHandler(deps.Router, deps.Config.WebhookMaxConcurrent),
	}
}

// BuildRouter assembles the full route tree.
func (m *HandlerManager) BuildRouter() *mux.Router {
	root := mux.NewRouter()
	root.Use(CORSMiddleware)

	root.HandleFunc("/health", m.Health).Methods(http.MethodGet)

	// The webhook lives under /api/v1 like everything else but skips
	// the api-key check; the broker does not authenticate.
	hooks := root.PathPrefix("/api/v1").Subrouter()
	hooks.Use(LoggingMiddleware)
	m.webhook.RegisterRoutes(hooks)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(LoggingMiddleware)
	api.Use(ValidationMiddleware)
	api.Use(APIKeyMiddleware(m.deps.Config.APIKey, m.deps.Config.IsTest()))

	NewInstanceHandler(m.deps.Instances, m.deps.WhatsApp, m.deps.Discord).RegisterRoutes(api)
	NewAccessHandler(m.deps.Access).RegisterRoutes(api)
	NewTraceHandler(m.deps.Repos, m.deps.Traces, m.deps.Config.TraceRetentionDays).RegisterRoutes(api)
	NewSendHandler(m.deps.Router).RegisterRoutes(api)
	NewUserHandler(m.deps.Identity).RegisterRoutes(api)
	NewOmniHandler(m.deps.Instances, m.deps.Adapters).RegisterRoutes(api)

	return root
}

// Health reports process liveness and database reachability.
func (m *HandlerManager) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := m.deps.Repos.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
