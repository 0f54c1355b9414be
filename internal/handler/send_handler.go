package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/namastexlabs/omni-gateway/internal/channels"
	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/internal/router"
)

// SendHandler handles API-initiated outbound sends.
type SendHandler struct {
	router *router.Router
}

// NewSendHandler creates a new send handler.
func NewSendHandler(r *router.Router) *SendHandler {
	return &SendHandler{router: r}
}

// RegisterRoutes mounts the outbound send endpoints.
func (h *SendHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/instance/{name}/send-text", h.send(domain.MessageTypeText)).Methods(http.MethodPost)
	r.HandleFunc("/instance/{name}/send-media", h.sendMedia).Methods(http.MethodPost)
	r.HandleFunc("/instance/{name}/send-audio", h.send(domain.MessageTypeAudio)).Methods(http.MethodPost)
	r.HandleFunc("/instance/{name}/send-sticker", h.send(domain.MessageTypeSticker)).Methods(http.MethodPost)
	r.HandleFunc("/instance/{name}/send-contact", h.send(domain.MessageTypeContact)).Methods(http.MethodPost)
	r.HandleFunc("/instance/{name}/send-reaction", h.send(domain.MessageTypeReaction)).Methods(http.MethodPost)
}

// sendRequest is the shared outbound send body. Recipient is a phone
// number on whatsapp and a channel id on discord; "phone" is accepted
// as an alias, and "message" as an alias for "text".
type sendRequest struct {
	Recipient string `json:"recipient,omitempty"`
	Phone     string `json:"phone,omitempty"`

	Text              string `json:"text,omitempty"`
	Message           string `json:"message,omitempty"`
	MediaURL          string `json:"media_url,omitempty"`
	MediaMimeType     string `json:"media_mime_type,omitempty"`
	MediaType         string `json:"media_type,omitempty"`
	Caption           string `json:"caption,omitempty"`
	QuotedMessageID   string `json:"quoted_message_id,omitempty"`
	ReactionEmoji     string `json:"reaction_emoji,omitempty"`
	ReactionMessageID string `json:"reaction_message_id,omitempty"`
	ContactName       string `json:"contact_name,omitempty"`
	ContactPhone      string `json:"contact_phone,omitempty"`
}

func (req *sendRequest) recipient() string {
	if req.Recipient != "" {
		return req.Recipient
	}
	return req.Phone
}

func (req *sendRequest) text() string {
	if req.Text != "" {
		return req.Text
	}
	return req.Message
}

func (req *sendRequest) outbound(msgType domain.MessageType) *domain.OutboundMessage {
	return &domain.OutboundMessage{
		MessageType:       msgType,
		Text:              req.text(),
		MediaURL:          req.MediaURL,
		MediaMimeType:     req.MediaMimeType,
		Caption:           req.Caption,
		QuotedMessageID:   req.QuotedMessageID,
		ReactionEmoji:     req.ReactionEmoji,
		ReactionMessageID: req.ReactionMessageID,
		ContactName:       req.ContactName,
		ContactPhone:      req.ContactPhone,
	}
}

func (h *SendHandler) send(msgType domain.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		h.dispatch(w, r, &req, msgType)
	}
}

// sendMedia resolves the concrete media type from the request body.
func (h *SendHandler) sendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msgType := domain.MessageTypeImage
	switch req.MediaType {
	case "video":
		msgType = domain.MessageTypeVideo
	case "document":
		msgType = domain.MessageTypeDocument
	case "", "image":
	default:
		writeError(w, http.StatusBadRequest, "invalid_media_type", "media_type must be image, video or document", "")
		return
	}
	h.dispatch(w, r, &req, msgType)
}

func (h *SendHandler) dispatch(w http.ResponseWriter, r *http.Request, req *sendRequest, msgType domain.MessageType) {
	recipient := req.recipient()
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "missing_recipient", "recipient (or phone) is required", "")
		return
	}
	if msgType == domain.MessageTypeText && req.text() == "" {
		writeError(w, http.StatusBadRequest, "missing_text", "text (or message) is required", "")
		return
	}

	instanceName := mux.Vars(r)["name"]
	res, traceID, err := h.router.SendProactive(r.Context(), instanceName, recipient, req.outbound(msgType))
	if err != nil {
		switch {
		case errors.Is(err, channels.ErrUnsupported):
			writeError(w, http.StatusBadRequest, "unsupported_operation", "channel cannot send this message type", err.Error())
		case errors.Is(err, router.ErrRecipientBlocked):
			writeError(w, http.StatusForbidden, "blocked", "recipient is blocked by access rules", err.Error())
		case errors.Is(err, router.ErrRecipientRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", "recipient is rate limited, retry later", "")
		default:
			writeServiceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":   res,
		"trace_id": traceID,
	})
}
