package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/namastexlabs/omni-gateway/internal/channels/evolution"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// maxWebhookBody bounds a single webhook delivery.
const maxWebhookBody = 8 << 20

// InboundRouter is the pipeline entry the webhook feeds.
type InboundRouter interface {
	HandleInbound(ctx context.Context, instanceName string, msg *domain.OmniMessage, envelope interface{}) domain.InboundReceipt
}

// WebhookHandler ingests Evolution webhook deliveries. Each delivery
// runs the pipeline inside the request so the response body carries
// the pipeline's decision; a semaphore bounds concurrent pipelines and
// the broker gets a 503 to retry when it is saturated.
type WebhookHandler struct {
	router InboundRouter
	sem    chan struct{}
}

// NewWebhookHandler creates the webhook handler. maxConcurrent bounds
// in-flight pipelines.
func NewWebhookHandler(r InboundRouter, maxConcurrent int) *WebhookHandler {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &WebhookHandler{
		router: r,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// RegisterRoutes mounts the webhook endpoint. Mounted outside the
// API-key scope; the broker does not authenticate.
func (h *WebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhook/evolution/{instance_name}", h.Receive).Methods(http.MethodPost)
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	instanceName := mux.Vars(r)["instance_name"]

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", "could not read webhook body", err.Error())
		return
	}

	msg, err := evolution.ParseWebhook(raw)
	if err != nil {
		if errors.Is(err, evolution.ErrIgnoredEvent) {
			writeJSON(w, http.StatusOK, domain.InboundReceipt{
				Status: domain.InboundDropped,
				Reason: "ignored_event",
			})
			return
		}
		// Unparseable payloads are dropped with a 200 so the broker
		// does not redeliver them forever.
		logger.Base().Warn("unparseable webhook",
			zap.String("instance", instanceName),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, domain.InboundReceipt{
			Status: domain.InboundDropped,
			Reason: domain.ErrKindParseFailed,
		})
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		logger.Base().Warn("webhook pipeline saturated",
			zap.String("instance", instanceName),
		)
		writeError(w, http.StatusServiceUnavailable, "queue_full", "inbound pipeline is saturated, retry later", "")
		return
	}

	receipt := h.router.HandleInbound(r.Context(), instanceName, msg, json.RawMessage(raw))
	writeJSON(w, http.StatusOK, receipt)
}
