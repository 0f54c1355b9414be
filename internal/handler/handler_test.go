package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/config"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/migrations"
	"github.com/namastexlabs/omni-gateway/internal/ratelimit"
	"github.com/namastexlabs/omni-gateway/internal/repository"
	"github.com/namastexlabs/omni-gateway/internal/router"
	"github.com/namastexlabs/omni-gateway/internal/services/access"
	"github.com/namastexlabs/omni-gateway/internal/services/identity"
	"github.com/namastexlabs/omni-gateway/internal/services/instance"
	"github.com/namastexlabs/omni-gateway/internal/services/tracing"
)

func newTestRepos(t *testing.T) repository.RepositoryManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migrations.AutoMigrate(db))
	return repository.NewGormRepositoryManager(db)
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIKeyMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(APIKeyMiddleware("topsecret", false))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"pong": "yes"})
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Kind)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-api-key", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-api-key", "topsecret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Bearer form is accepted too.
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddlewareTestBypass(t *testing.T) {
	router := mux.NewRouter()
	router.Use(APIKeyMiddleware("topsecret", true))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func newInstanceRouter(t *testing.T) (*mux.Router, *instance.Service) {
	t.Helper()
	repos := newTestRepos(t)
	svc, err := instance.NewService(context.Background(), repos)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewInstanceHandler(svc, nil, nil).RegisterRoutes(router)
	return router, svc
}

func createBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":              name,
		"channel_type":      "whatsapp",
		"evolution_url":     "http://broker.local",
		"evolution_key":     "broker-key",
		"whatsapp_instance": name,
		"agent_api_url":     "http://agent.local",
		"agent_api_key":     "agent-key",
		"default_agent":     "concierge",
	}
}

func TestInstanceCreateMasksSecrets(t *testing.T) {
	router, _ := newInstanceRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/instances", createBody("wa-main"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var got domain.InstanceConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "wa-main", got.Name)
	assert.Equal(t, "********", got.EvolutionKey)
	assert.Equal(t, "********", got.AgentAPIKey)
	assert.NotContains(t, rec.Body.String(), "broker-key")
}

func TestInstanceCreateValidationError(t *testing.T) {
	router, _ := newInstanceRouter(t)

	body := createBody("wa-main")
	delete(body, "evolution_key")
	rec := doJSON(t, router, http.MethodPost, "/instances", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", decodeError(t, rec).Kind)
}

func TestInstanceDuplicateConflict(t *testing.T) {
	router, _ := newInstanceRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/instances", createBody("wa-main"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/instances", createBody("wa-main"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Kind)
}

func TestInstanceGetNotFound(t *testing.T) {
	router, _ := newInstanceRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/instances/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Kind)
}

func TestInstanceListAndDelete(t *testing.T) {
	router, _ := newInstanceRouter(t)

	doJSON(t, router, http.MethodPost, "/instances", createBody("wa-one"))
	doJSON(t, router, http.MethodPost, "/instances", createBody("wa-two"))

	rec := doJSON(t, router, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.InstanceConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = doJSON(t, router, http.MethodDelete, "/instances/wa-one", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/instances/wa-one", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstanceDisconnectDropsSession(t *testing.T) {
	var gotMethod, gotPath string
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer broker.Close()

	repos := newTestRepos(t)
	svc, err := instance.NewService(context.Background(), repos)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewInstanceHandler(svc, evolution.NewAdapter(evolution.NewClient(0)), nil).RegisterRoutes(router)

	body := createBody("wa-main")
	body["evolution_url"] = broker.URL
	rec := doJSON(t, router, http.MethodPost, "/instances", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/instances/wa-main/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/instance/logout/wa-main", gotPath)

	var state map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "close", state["state"])
}

func TestAccessRuleEndpoints(t *testing.T) {
	repos := newTestRepos(t)
	svc, err := access.NewService(context.Background(), repos)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewAccessHandler(svc).RegisterRoutes(router)

	rec := doJSON(t, router, http.MethodPost, "/access-control/deny", map[string]interface{}{
		"phone_number": "5511999990000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule domain.AccessRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, domain.RuleDeny, rule.RuleType)

	rec = doJSON(t, router, http.MethodGet, "/access-control/check?identifier=5511999990000&instance_name=wa-main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var decision domain.AccessDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed)

	rec = doJSON(t, router, http.MethodGet, "/access-control", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []domain.AccessRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)

	rec = doJSON(t, router, http.MethodDelete, "/access-control/rules/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/access-control/check?identifier=5511999990000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
}

func TestAccessRuleRejectsUnknownType(t *testing.T) {
	repos := newTestRepos(t)
	svc, err := access.NewService(context.Background(), repos)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewAccessHandler(svc).RegisterRoutes(router)

	// The route pattern only admits allow|deny.
	rec := doJSON(t, router, http.MethodPost, "/access-control/maybe", map[string]interface{}{
		"phone_number": "5511999990000",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserEndpoints(t *testing.T) {
	repos := newTestRepos(t)
	svc := identity.NewService(repos, nil)

	user, err := svc.GetOrCreateByPhone(context.Background(), "5511999990000", "Alice", nil)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewUserHandler(svc).RegisterRoutes(router)

	rec := doJSON(t, router, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), user.ID)

	rec = doJSON(t, router, http.MethodGet, "/users/"+user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/users/"+user.ID+"/external-ids", map[string]interface{}{
		"provider":    "discord",
		"external_id": "discord-42",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Linking the same tuple to another user conflicts.
	other, err := svc.GetOrCreateByPhone(context.Background(), "5511888880000", "", nil)
	require.NoError(t, err)
	rec = doJSON(t, router, http.MethodPost, "/users/"+other.ID+"/external-ids", map[string]interface{}{
		"provider":    "discord",
		"external_id": "discord-42",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "unique_violation", decodeError(t, rec).Kind)
}

func TestTraceEndpoints(t *testing.T) {
	repos := newTestRepos(t)
	store := tracing.NewStore(tracing.DefaultConfig())
	ctx := context.Background()

	inst := &domain.InstanceConfig{Name: "wa-main", ChannelType: domain.ChannelWhatsApp}
	msg := &domain.OmniMessage{
		ID:          "M1",
		ChatID:      "5511999990000@s.whatsapp.net",
		SenderID:    "5511999990000",
		MessageType: domain.MessageTypeText,
		Text:        "hi",
	}
	traceID, err := store.CreateInbound(ctx, repos, inst, msg, map[string]string{"event": "messages.upsert"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, repos, traceID, domain.TraceStatusCompleted, ""))

	router := mux.NewRouter()
	NewTraceHandler(repos, store, 30).RegisterRoutes(router)

	rec := doJSON(t, router, http.MethodGet, "/traces?instance_name=wa-main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), traceID)

	rec = doJSON(t, router, http.MethodGet, "/traces/"+traceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/traces/"+traceID+"/payloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook_received")
	// Decoded payload rides along.
	assert.Contains(t, rec.Body.String(), "messages.upsert")

	rec = doJSON(t, router, http.MethodGet, "/traces/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/traces/analytics/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/traces/cleanup?older_than_days=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// fakeSink scripts the pipeline outcome per message text.
type fakeSink struct {
	got      []string
	receipts map[string]domain.InboundReceipt
}

func (f *fakeSink) HandleInbound(ctx context.Context, instanceName string, msg *domain.OmniMessage, envelope interface{}) domain.InboundReceipt {
	f.got = append(f.got, instanceName+"/"+msg.Text)
	if r, ok := f.receipts[msg.Text]; ok {
		return r
	}
	return domain.InboundReceipt{Status: domain.InboundReceived}
}

func postWebhook(t *testing.T, router *mux.Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/evolution/wa-main", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func webhookBody(text string) string {
	return `{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "W1"},
			"message": {"conversation": "` + text + `"}
		}
	}`
}

func decodeReceipt(t *testing.T, rec *httptest.ResponseRecorder) domain.InboundReceipt {
	t.Helper()
	var receipt domain.InboundReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	return receipt
}

func TestWebhookEndpoint(t *testing.T) {
	sink := &fakeSink{receipts: map[string]domain.InboundReceipt{
		"intruder": {Status: domain.InboundBlocked, Reason: domain.BlockReasonDenied},
	}}
	h := NewWebhookHandler(sink, 4)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	// The response carries the pipeline's decision.
	rec := postWebhook(t, router, webhookBody("ping"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.InboundReceipt{Status: domain.InboundReceived}, decodeReceipt(t, rec))
	assert.Equal(t, []string{"wa-main/ping"}, sink.got)

	rec = postWebhook(t, router, webhookBody("intruder"))
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decodeReceipt(t, rec)
	assert.Equal(t, domain.InboundBlocked, receipt.Status)
	assert.Equal(t, domain.BlockReasonDenied, receipt.Reason)

	// Ignored events are acknowledged without routing.
	rec = postWebhook(t, router, `{"event":"connection.update","data":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	receipt = decodeReceipt(t, rec)
	assert.Equal(t, domain.InboundDropped, receipt.Status)
	assert.Equal(t, "ignored_event", receipt.Reason)

	// Unparseable payloads are dropped, not bounced back for
	// redelivery.
	rec = postWebhook(t, router, "{bad")
	require.Equal(t, http.StatusOK, rec.Code)
	receipt = decodeReceipt(t, rec)
	assert.Equal(t, domain.InboundDropped, receipt.Status)
	assert.Equal(t, "parse_failed", receipt.Reason)

	assert.Len(t, sink.got, 2)
}

func TestBuildRouterMountsWebhookUnderAPIRoot(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	instances, err := instance.NewService(ctx, repos)
	require.NoError(t, err)
	accessSvc, err := access.NewService(ctx, repos)
	require.NoError(t, err)
	identitySvc := identity.NewService(repos, nil)
	traces := tracing.NewStore(tracing.DefaultConfig())
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	adapters := channels.NewRegistry()
	msgRouter := router.New(repos, instances, accessSvc, identitySvc, limiter, traces, nil, adapters)

	m := NewHandlerManager(Deps{
		Config:    &config.Config{APIKey: "top-secret", Environment: "production"},
		Repos:     repos,
		Instances: instances,
		Access:    accessSvc,
		Identity:  identitySvc,
		Traces:    traces,
		Router:    msgRouter,
		Adapters:  adapters,
	})
	root := m.BuildRouter()

	// The webhook answers under /api/v1 without an api key.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/evolution/wa-main", strings.NewReader(webhookBody("ping")))
	rec := httptest.NewRecorder()
	root.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	receipt := decodeReceipt(t, rec)
	assert.Equal(t, domain.InboundDropped, receipt.Status)
	assert.Equal(t, "unknown_instance", receipt.Reason)

	// Admin routes on the same prefix still demand the key.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	rec = httptest.NewRecorder()
	root.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
